package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/callroom/internal/app"
	"github.com/dkeye/callroom/internal/app/orch"
	"github.com/dkeye/callroom/internal/config"
	"github.com/dkeye/callroom/internal/core"
	"github.com/dkeye/callroom/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*httptest.Server, *orch.Orchestrator) {
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
		SendBuffer: 16,
	}
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o))
	t.Cleanup(srv.Close)
	return srv, o
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   core.SessionID
}

func dial(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &wsClient{t: t, conn: conn}
	welcome := c.expect(core.EventWelcome)
	var w core.WelcomeEvent
	require.NoError(t, json.Unmarshal(welcome.Data, &w))
	c.id = w.ID
	return c
}

func (c *wsClient) send(event, ref string, data any) {
	f, err := core.NewFrame(event, ref, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, f))
}

// expect reads frames until one of the given type arrives.
func (c *wsClient) expect(event string) core.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", event)
		var env core.Envelope
		require.NoError(c.t, json.Unmarshal(data, &env))
		if env.Type == event {
			return env
		}
	}
}

func TestStatusAndRoomInfo(t *testing.T) {
	srv, o := newServer(t)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/rooms/AB3F9")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = o.Rooms.CreateRoom("x", "pw")
	require.NoError(t, err)

	resp, err = http.Get(srv.URL + "/api/rooms/ab3f9")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info core.RoomInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, core.RoomInfo{ID: "AB3F9", Protected: true, MemberCount: 1}, info)
}

func TestSignalingOverWebSocket(t *testing.T) {
	srv, o := newServer(t)
	a := dial(t, srv)
	b := dial(t, srv)
	require.NotEqual(t, a.id, b.id)

	a.send(core.EventCreateRoom, "1", core.CreateRoomRequest{DisplayName: "Alice"})
	var created core.CreateRoomAck
	env := a.expect(core.EventCreateRoom)
	assert.Equal(t, "1", env.Ref)
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.True(t, created.OK)
	assert.Equal(t, domain.RoomID("AB3F9"), created.RoomID)

	b.send(core.EventJoinRoom, "2", core.JoinRoomRequest{RoomID: "NOPE1"})
	var ack core.JoinRoomAck
	require.NoError(t, json.Unmarshal(b.expect(core.EventJoinRoom).Data, &ack))
	assert.False(t, ack.OK)
	assert.Equal(t, "Room not found", ack.Error)

	b.send(core.EventJoinRoom, "3", core.JoinRoomRequest{RoomID: "AB3F9", DisplayName: "Bob"})
	ack = core.JoinRoomAck{}
	env = b.expect(core.EventJoinRoom)
	assert.Equal(t, "3", env.Ref)
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	require.True(t, ack.OK)
	require.Len(t, ack.Participants, 1)
	assert.Equal(t, a.id, ack.Participants[0].ID)

	var joined core.UserJoinedEvent
	require.NoError(t, json.Unmarshal(a.expect(core.EventUserJoined).Data, &joined))
	assert.Equal(t, core.UserJoinedEvent{ID: b.id, Name: "Bob"}, joined)

	a.send(core.EventOffer, "", core.DirectedRequest{To: b.id, Offer: json.RawMessage(`{"type":"offer","sdp":"x"}`)})
	var offer core.DirectedEvent
	require.NoError(t, json.Unmarshal(b.expect(core.EventOffer).Data, &offer))
	assert.Equal(t, a.id, offer.From)
	assert.Equal(t, "Alice", offer.Name)

	a.send(core.EventPing, "", nil)
	a.expect(core.EventPong)

	require.NoError(t, a.conn.Close())

	var closed core.RoomClosedEvent
	require.NoError(t, json.Unmarshal(b.expect(core.EventRoomClosed).Data, &closed))
	assert.Equal(t, core.ReasonCreatorLeft, closed.Reason)

	require.Eventually(t, func() bool {
		_, ok := o.Rooms.GetRoom("AB3F9")
		return !ok && o.Registry.Len() == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestInvalidFramesGetErrors(t *testing.T) {
	srv, _ := newServer(t)
	a := dial(t, srv)

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var e core.ErrorEvent
	require.NoError(t, json.Unmarshal(a.expect(core.EventError).Data, &e))
	assert.Equal(t, core.ErrTextInvalidPayload, e.Error)

	a.send(core.EventToggleMedia, "", map[string]any{"type": "smell", "enabled": true})
	e = core.ErrorEvent{}
	require.NoError(t, json.Unmarshal(a.expect(core.EventError).Data, &e))
	assert.Equal(t, core.ErrTextInvalidPayload, e.Error)

	a.send(core.EventJoinRoom, "9", map[string]any{})
	var ack core.JoinRoomAck
	env := a.expect(core.EventJoinRoom)
	assert.Equal(t, "9", env.Ref)
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, core.ErrTextInvalidPayload, ack.Error)
}
