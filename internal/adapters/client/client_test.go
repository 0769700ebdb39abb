package client_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/callroom/internal/adapters/client"
	router "github.com/dkeye/callroom/internal/adapters/http"
	"github.com/dkeye/callroom/internal/app"
	"github.com/dkeye/callroom/internal/app/orch"
	"github.com/dkeye/callroom/internal/config"
	"github.com/dkeye/callroom/internal/core"
	"github.com/dkeye/callroom/internal/domain"
	"github.com/dkeye/callroom/internal/negotiation"
	"github.com/dkeye/callroom/internal/negotiation/negotiationtest"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func newServer(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	gen := func() (domain.RoomID, error) { return "AB3F9", nil }
	rooms := app.NewRoomManager(gen)
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(rooms),
		Rooms:    rooms,
		Policy:   app.SimplePolicy{},
		Chat:     app.NewRateLimiter(1, 200*time.Millisecond),
		Limits:   orch.DefaultLimits,
	}
	cfg := &config.Config{
		Mode:       "test",
		Secret:     "test-secret",
		ReadLimit:  65536,
		PongWait:   time.Minute,
		WriteWait:  time.Second,
		SendBuffer: 32,
	}
	srv := httptest.NewServer(router.SetupRouter(ctx, cfg, o))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
}

type participant struct {
	*client.Client

	mu     sync.Mutex
	peers  map[string]*negotiationtest.FakePeer
	events chan core.Envelope
}

func join(t *testing.T, url, name string) *participant {
	t.Helper()
	p := &participant{
		peers:  make(map[string]*negotiationtest.FakePeer),
		events: make(chan core.Envelope, 64),
	}
	factory := func(remote string) (negotiation.PeerConnection, error) {
		fp := negotiationtest.NewFakePeer(name + "->" + remote)
		p.mu.Lock()
		p.peers[remote] = fp
		p.mu.Unlock()
		return fp, nil
	}
	c, err := client.Dial(context.Background(), client.Options{
		URL:         url,
		DisplayName: name,
		AckTimeout:  waitFor,
		Negotiation: negotiation.DefaultOptions(),
		OnEvent: func(env core.Envelope) {
			select {
			case p.events <- env:
			default:
			}
		},
	}, factory)
	require.NoError(t, err)
	require.NotEmpty(t, c.ID())
	p.Client = c
	t.Cleanup(func() { _ = c.Close() })
	return p
}

func (p *participant) peer(remote string) *negotiationtest.FakePeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peers[remote]
}

func (p *participant) connectedTo(remote string) func() bool {
	return func() bool {
		s, ok := p.Manager().Session(remote)
		return ok && s.State() == negotiation.Connected
	}
}

func (p *participant) expect(t *testing.T, event string) core.Envelope {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case env := <-p.events:
			if env.Type == event {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s event", event)
		}
	}
}

func TestJoinErrors(t *testing.T) {
	url := newServer(t)
	a := join(t, url, "Alice")
	b := join(t, url, "Bob")
	ctx := context.Background()

	id, err := a.CreateRoom(ctx, "pw")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("AB3F9"), id)
	assert.Equal(t, "Alice", a.Name())

	_, err = b.JoinRoom(ctx, "NOPE1", "")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	_, err = b.JoinRoom(ctx, id, "PW")
	assert.ErrorIs(t, err, domain.ErrInvalidPassword)

	_, err = a.CreateRoom(ctx, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyInRoom)

	assert.ErrorIs(t, b.Chat("hi"), client.ErrNotInRoom)
}

func TestCallLifecycle(t *testing.T) {
	url := newServer(t)
	a := join(t, url, "Alice")
	b := join(t, url, "Bob")
	ctx := context.Background()

	id, err := a.CreateRoom(ctx, "pw")
	require.NoError(t, err)

	remotes, err := b.JoinRoom(ctx, domain.RoomID(strings.ToLower(string(id))), "pw")
	require.NoError(t, err)
	require.Len(t, remotes, 1)
	assert.Equal(t, a.ID(), remotes[0].ID)
	assert.Equal(t, "Alice", remotes[0].Name)
	assert.Equal(t, id, b.RoomID())

	// The member already in the room offers to the newcomer.
	require.Eventually(t, a.connectedTo(b.ID()), waitFor, tick)
	require.Eventually(t, b.connectedTo(a.ID()), waitFor, tick)
	assert.Equal(t, 1, a.peer(b.ID()).Offers())
	assert.Equal(t, 0, b.peer(a.ID()).Offers())

	r, ok := a.Remote(b.ID())
	require.True(t, ok)
	assert.Equal(t, "Bob", r.Name)

	cand := negotiationtest.Candidate(1)
	a.peer(b.ID()).Emit(&cand)
	a.peer(b.ID()).Emit(nil)
	require.Eventually(t, func() bool { return len(b.peer(a.ID()).Applied()) == 1 }, waitFor, tick)
	assert.Equal(t, cand.Candidate, b.peer(a.ID()).Applied()[0].Candidate)

	require.NoError(t, a.ToggleMedia(domain.MediaAudio, false))
	require.Eventually(t, func() bool {
		r, ok := b.Remote(a.ID())
		return ok && !r.AudioEnabled && r.VideoEnabled
	}, waitFor, tick)

	screen, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "callroom")
	require.NoError(t, err)
	require.NoError(t, a.StartScreenShare(screen))
	require.Eventually(t, func() bool { return a.peer(b.ID()).Offers() == 2 }, waitFor, tick)
	require.Eventually(t, a.connectedTo(b.ID()), waitFor, tick)
	require.Eventually(t, func() bool {
		r, ok := b.Remote(a.ID())
		return ok && r.ScreenSharing
	}, waitFor, tick)
	assert.Equal(t, 1, a.peer(b.ID()).Tracks())

	require.NoError(t, a.Chat("hello"))
	var msg core.ChatMessageEvent
	require.NoError(t, json.Unmarshal(b.expect(t, core.EventChatMessage).Data, &msg))
	assert.Equal(t, "hello", msg.Message)
	assert.Equal(t, "Alice", msg.Name)
	assert.Equal(t, core.SessionID(a.ID()), msg.UserID)

	// Creator hangs up: the room closes for everyone.
	bPeer := b.peer(a.ID())
	require.NoError(t, a.Close())
	b.expect(t, core.EventRoomClosed)
	require.Eventually(t, bPeer.Closed, waitFor, tick)
	assert.Empty(t, b.RoomID())
	assert.Empty(t, b.Remotes())
	assert.Empty(t, b.Manager().Peers())
}

func TestMemberLeaves(t *testing.T) {
	url := newServer(t)
	a := join(t, url, "Alice")
	b := join(t, url, "Bob")
	ctx := context.Background()

	id, err := a.CreateRoom(ctx, "")
	require.NoError(t, err)
	_, err = b.JoinRoom(ctx, id, "")
	require.NoError(t, err)
	require.Eventually(t, a.connectedTo(b.ID()), waitFor, tick)

	aPeer := a.peer(b.ID())
	require.NoError(t, b.Leave())
	a.expect(t, core.EventUserLeft)
	require.Eventually(t, aPeer.Closed, waitFor, tick)
	_, ok := a.Remote(b.ID())
	assert.False(t, ok)
	assert.Equal(t, id, a.RoomID())

	// The same connection can come back.
	_, err = b.JoinRoom(ctx, id, "")
	require.NoError(t, err)
	require.Eventually(t, a.connectedTo(b.ID()), waitFor, tick)
	assert.NotSame(t, aPeer, a.peer(b.ID()))
}
