package orch

import (
	"time"

	"github.com/dkeye/callroom/internal/app"
	"github.com/dkeye/callroom/internal/core"
	"github.com/dkeye/callroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type Limits struct {
	ChatMaxLen  int
	EmojiMaxLen int
}

var DefaultLimits = Limits{ChatMaxLen: 1000, EmojiMaxLen: 16}

// Orchestrator is the Signaling Relay. It is called from one goroutine per
// connection and owns no state of its own besides its collaborators.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Chat     *app.RateLimiter
	Limits   Limits
	Now      func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Connect registers a fresh connection and greets it with its id.
func (o *Orchestrator) Connect(sid core.SessionID, sess core.MemberSession, cancel func()) {
	o.Registry.BindSignal(sid, sess, cancel)
	o.sendTo(sid, core.EventWelcome, core.WelcomeEvent{ID: sid, Name: sess.Meta().User.Username})
}

func (o *Orchestrator) WhoAmI(sid core.SessionID) core.WhoAmIEvent {
	id, _ := o.Rooms.RoomOf(sid)
	return core.WhoAmIEvent{ID: sid, Name: o.Registry.Name(sid), RoomID: id}
}

// Disconnect runs the leave path and purges sid from every table.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	o.LeaveRoom(sid)
	if o.Chat != nil {
		o.Chat.Forget(sid)
	}
	o.Registry.Unbind(sid)
}

func (o *Orchestrator) sendTo(sid core.SessionID, event string, data any) bool {
	frame, err := core.NewFrame(event, "", data)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode frame")
		return false
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return false
	}
	if err := sess.Signal().TrySend(frame); err != nil {
		roomID, _ := o.Rooms.RoomOf(sid)
		o.onBackpressure(roomID, sid, sess)
		return false
	}
	return true
}

// broadcast delivers one event to every id in targets.
func (o *Orchestrator) broadcast(roomID domain.RoomID, targets []core.SessionID, event string, data any) {
	if len(targets) == 0 {
		return
	}
	frame, err := core.NewFrame(event, "", data)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode frame")
		return
	}
	for _, snap := range o.Registry.Resolve(targets) {
		if err := snap.Session.Signal().TrySend(frame); err != nil {
			o.onBackpressure(roomID, snap.SID, snap.Session)
		}
	}
}

// toRoom broadcasts to every member of sid's room except sid.
func (o *Orchestrator) toRoom(sid core.SessionID, roomID domain.RoomID, event string, data any) {
	ids, ok := o.Rooms.Members(roomID)
	if !ok {
		return
	}
	targets := ids[:0]
	for _, id := range ids {
		if id != sid {
			targets = append(targets, id)
		}
	}
	o.broadcast(roomID, targets, event, data)
}

func (o *Orchestrator) onBackpressure(roomID domain.RoomID, sid core.SessionID, sess core.MemberSession) {
	log.Warn().Str("module", "orch").Str("sid", string(sid)).Str("room_id", string(roomID)).Msg("send queue full")
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(roomID, sess) {
	case app.KickMember:
		o.Kick(sid)
	case app.MarkSlow, app.DropFrame, app.NoAction:
	}
}

// currentRoom resolves sid's room and checks it against the room the
// client claims to address. An empty claim matches.
func (o *Orchestrator) currentRoom(sid core.SessionID, claimed domain.RoomID) (domain.RoomID, bool) {
	id, ok := o.Rooms.RoomOf(sid)
	if !ok {
		return "", false
	}
	if claimed != "" && domain.NormalizeRoomID(string(claimed)) != id {
		log.Debug().Str("module", "orch").Str("sid", string(sid)).
			Str("room_id", string(id)).Str("claimed", string(claimed)).Msg("event for foreign room dropped")
		return "", false
	}
	return id, true
}
