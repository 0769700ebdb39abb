// Package client is the participant side of the signaling protocol: it
// keeps a WebSocket to the server, answers acks by ref and feeds offers,
// answers and candidates into a negotiation.Manager.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/callroom/internal/core"
	"github.com/dkeye/callroom/internal/domain"
	"github.com/dkeye/callroom/internal/negotiation"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed     = errors.New("client: connection closed")
	ErrNoWelcome  = errors.New("client: server did not send welcome")
	ErrNotInRoom  = errors.New("client: not in a room")
	ErrAckTimeout = errors.New("client: ack timeout")
)

// DefaultName is shown for offer senders whose name is not known yet.
const DefaultName = "Guest"

type Options struct {
	URL         string
	DisplayName string
	Header      http.Header
	WriteWait   time.Duration
	AckTimeout  time.Duration
	Negotiation negotiation.Options
	// OnEvent observes every server event after the client has handled it.
	// It runs on the read goroutine.
	OnEvent func(env core.Envelope)
}

// Remote is the last known state of another room member.
type Remote struct {
	ID            string
	Name          string
	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
}

type Client struct {
	conn *websocket.Conn
	opts Options
	id   string
	mgr  *negotiation.Manager

	writeMu sync.Mutex

	mu      sync.Mutex
	name    string
	roomID  domain.RoomID
	remotes map[string]*Remote
	pending map[string]chan core.Envelope

	refSeq atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects, waits for the welcome frame and starts reading. newPeer
// opens a peer connection per remote member.
func Dial(ctx context.Context, opts Options, newPeer negotiation.PeerFactory) (*Client, error) {
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	welcome, err := readWelcome(conn, opts.AckTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		conn:    conn,
		opts:    opts,
		id:      string(welcome.ID),
		name:    welcome.Name,
		remotes: make(map[string]*Remote),
		pending: make(map[string]chan core.Envelope),
		done:    make(chan struct{}),
	}
	c.mgr = negotiation.NewManager(c.id, c, newPeer, opts.Negotiation)
	log.Info().Str("module", "client").Str("sid", c.id).Str("url", opts.URL).Msg("connected")

	go c.readLoop()
	return c, nil
}

func readWelcome(conn *websocket.Conn, wait time.Duration) (core.WelcomeEvent, error) {
	var w core.WelcomeEvent
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return w, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return w, fmt.Errorf("read welcome: %w", err)
	}
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return w, fmt.Errorf("decode welcome: %w", err)
	}
	if env.Type != core.EventWelcome {
		return w, ErrNoWelcome
	}
	if err := json.Unmarshal(env.Data, &w); err != nil {
		return w, fmt.Errorf("decode welcome: %w", err)
	}
	return w, conn.SetReadDeadline(time.Time{})
}

// ID is the connection id the server assigned.
func (c *Client) ID() string { return c.id }

func (c *Client) Manager() *negotiation.Manager { return c.mgr }

func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Client) RoomID() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the read loop stopped.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) write(event, ref string, data any) error {
	f, err := core.NewFrame(event, ref, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, f)
}

// request sends an event with a fresh ref and waits for the ack.
func (c *Client) request(ctx context.Context, event string, data any) (core.Envelope, error) {
	ref := strconv.FormatUint(c.refSeq.Add(1), 10)
	ch := make(chan core.Envelope, 1)

	c.mu.Lock()
	c.pending[ref] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	if err := c.write(event, ref, data); err != nil {
		return core.Envelope{}, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		return env, nil
	case <-timer.C:
		return core.Envelope{}, ErrAckTimeout
	case <-ctx.Done():
		return core.Envelope{}, ctx.Err()
	case <-c.done:
		return core.Envelope{}, ErrClosed
	}
}

// ackErr maps an ack error string back to the room error it stands for.
func ackErr(text string) error {
	switch text {
	case core.ErrTextRoomNotFound:
		return domain.ErrRoomNotFound
	case core.ErrTextInvalidPassword:
		return domain.ErrInvalidPassword
	case core.ErrTextAlreadyInRoom:
		return domain.ErrAlreadyInRoom
	case "":
		return errors.New("client: request rejected")
	default:
		return errors.New(text)
	}
}

// CreateRoom opens a room owned by this connection.
func (c *Client) CreateRoom(ctx context.Context, password string) (domain.RoomID, error) {
	env, err := c.request(ctx, core.EventCreateRoom, core.CreateRoomRequest{
		Password:    password,
		DisplayName: c.opts.DisplayName,
	})
	if err != nil {
		return "", err
	}
	var ack core.CreateRoomAck
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		return "", fmt.Errorf("decode create-room ack: %w", err)
	}
	if !ack.OK {
		return "", ackErr(ack.Error)
	}
	c.mu.Lock()
	c.roomID = ack.RoomID
	c.setNameLocked()
	c.mu.Unlock()
	log.Info().Str("module", "client").Str("sid", c.id).Str("room_id", string(ack.RoomID)).Msg("room created")
	return ack.RoomID, nil
}

// JoinRoom enters a room. Members already there start the offers, so
// joining only records who they are.
func (c *Client) JoinRoom(ctx context.Context, id domain.RoomID, password string) ([]Remote, error) {
	env, err := c.request(ctx, core.EventJoinRoom, core.JoinRoomRequest{
		RoomID:      string(id),
		Password:    password,
		DisplayName: c.opts.DisplayName,
	})
	if err != nil {
		return nil, err
	}
	var ack core.JoinRoomAck
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		return nil, fmt.Errorf("decode join-room ack: %w", err)
	}
	if !ack.OK {
		return nil, ackErr(ack.Error)
	}

	c.mu.Lock()
	c.roomID = ack.RoomID
	c.setNameLocked()
	for _, p := range ack.Participants {
		c.remotes[string(p.ID)] = &Remote{
			ID:            string(p.ID),
			Name:          p.Name,
			AudioEnabled:  p.AudioEnabled,
			VideoEnabled:  p.VideoEnabled,
			ScreenSharing: p.ScreenSharing,
		}
	}
	c.mu.Unlock()
	log.Info().Str("module", "client").Str("sid", c.id).Str("room_id", string(ack.RoomID)).
		Int("participants", len(ack.Participants)).Msg("joined")
	return c.Remotes(), nil
}

// setNameLocked mirrors the server: a non-empty display name replaces
// the default once a room is entered.
func (c *Client) setNameLocked() {
	if c.opts.DisplayName != "" {
		c.name = truncateName(c.opts.DisplayName)
	}
}

func truncateName(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) > domain.MaxUsernameLen {
		r = r[:domain.MaxUsernameLen]
	}
	return string(r)
}

func (c *Client) currentRoom() (domain.RoomID, error) {
	id := c.RoomID()
	if id == "" {
		return "", ErrNotInRoom
	}
	return id, nil
}

// Ready asks the room to re-announce this connection.
func (c *Client) Ready() error {
	id, err := c.currentRoom()
	if err != nil {
		return err
	}
	return c.write(core.EventReady, "", core.RoomRequest{RoomID: id})
}

// ToggleMedia announces a mute or unmute. Tracks stay attached.
func (c *Client) ToggleMedia(kind domain.MediaKind, enabled bool) error {
	id, err := c.currentRoom()
	if err != nil {
		return err
	}
	return c.write(core.EventToggleMedia, "", core.ToggleMediaRequest{RoomID: id, Type: kind, Enabled: enabled})
}

// PublishTrack sends track to every current and future peer.
func (c *Client) PublishTrack(kind negotiation.TrackKind, track webrtc.TrackLocal) error {
	return c.mgr.SetTrack(kind, track)
}

// StartScreenShare adds the screen track, which renegotiates every
// connected peer, and tells the room.
func (c *Client) StartScreenShare(track webrtc.TrackLocal) error {
	id, err := c.currentRoom()
	if err != nil {
		return err
	}
	if err := c.mgr.SetTrack(negotiation.TrackScreenVideo, track); err != nil {
		return err
	}
	return c.write(core.EventScreenShareStarted, "", core.RoomRequest{RoomID: id})
}

func (c *Client) StopScreenShare() error {
	id, err := c.currentRoom()
	if err != nil {
		return err
	}
	if err := c.mgr.RemoveTrack(negotiation.TrackScreenVideo); err != nil {
		return err
	}
	return c.write(core.EventScreenShareStopped, "", core.RoomRequest{RoomID: id})
}

func (c *Client) Chat(message string) error {
	id, err := c.currentRoom()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.write(core.EventChatMessage, "", core.ChatRequest{RoomID: id, Message: raw})
}

func (c *Client) Emoji(emoji string) error {
	id, err := c.currentRoom()
	if err != nil {
		return err
	}
	return c.write(core.EventEmojiReaction, "", core.EmojiRequest{RoomID: id, Emoji: emoji})
}

// Leave leaves the room and closes every peer session. The connection
// stays open for another room.
func (c *Client) Leave() error {
	if _, err := c.currentRoom(); err != nil {
		return err
	}
	err := c.write(core.EventLeaveRoom, "", struct{}{})
	c.resetRoom()
	return errors.Join(err, c.mgr.Reset())
}

func (c *Client) resetRoom() {
	c.mu.Lock()
	c.roomID = ""
	c.remotes = make(map[string]*Remote)
	c.mu.Unlock()
}

// Remotes returns the other members as last reported by the server.
func (c *Client) Remotes() []Remote {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Remote, 0, len(c.remotes))
	for _, r := range c.remotes {
		out = append(out, *r)
	}
	return out
}

func (c *Client) Remote(id string) (Remote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.remotes[id]
	if !ok {
		return Remote{}, false
	}
	return *r, true
}

// Close ends the call and the connection. Safe to call more than once.
func (c *Client) Close() error {
	err := c.mgr.Close()
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	_ = c.conn.Close()
	<-c.done
	return err
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}
