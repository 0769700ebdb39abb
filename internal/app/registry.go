package app

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/dkeye/callroom/internal/core"
	"github.com/dkeye/callroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry is the Session Directory: live connections, their display
// names and media state. Room membership lives in the RoomManager; the
// Registry only resolves it.
//
// Member fields are written and read under mu only.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	rooms    core.RoomManager
}

func NewRegistry(rooms core.RoomManager) *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		rooms:    rooms,
	}
}

func (r *Registry) BindSignal(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UpdateUsername sets the display name. An empty name resets it to the
// default, an oversized one is cut to MaxUsernameLen runes.
func (r *Registry) UpdateUsername(sid core.SessionID, name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return domain.DefaultUsername
	}
	u := e.Session.Meta().User
	switch err := u.SetUsername(name); {
	case errors.Is(err, domain.ErrUsernameEmpty):
		u.Username = domain.DefaultUsername
	case errors.Is(err, domain.ErrUsernameTooLong):
		_ = u.SetUsername(string([]rune(strings.TrimSpace(name))[:domain.MaxUsernameLen]))
	}
	log.Debug().Str("module", "app.registry").Str("sid", string(sid)).Str("username", u.Username).Msg("updated username")
	return u.Username
}

func (r *Registry) Name(sid core.SessionID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session.Meta().User.Username
	}
	return domain.DefaultUsername
}

// Participant returns a copy of the public state of sid.
func (r *Registry) Participant(sid core.SessionID) (core.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return core.Participant{}, false
	}
	return participantOf(sid, e.Session.Meta()), true
}

// Participants resolves ids to public state, skipping ids that are gone.
func (r *Registry) Participants(ids []core.SessionID) []core.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Participant, 0, len(ids))
	for _, sid := range ids {
		if e, ok := r.sessions[sid]; ok {
			out = append(out, participantOf(sid, e.Session.Meta()))
		}
	}
	return out
}

func participantOf(sid core.SessionID, m *domain.Member) core.Participant {
	return core.Participant{
		ID:            sid,
		Name:          m.User.Username,
		AudioEnabled:  m.Media.AudioEnabled,
		VideoEnabled:  m.Media.VideoEnabled,
		ScreenSharing: m.ScreenSharing,
	}
}

func (r *Registry) SetMedia(sid core.SessionID, kind domain.MediaKind, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	e.Session.Meta().SetMedia(kind, enabled)
	return true
}

func (r *Registry) SetScreenSharing(sid core.SessionID, sharing bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	e.Session.Meta().ScreenSharing = sharing
	return true
}

// ResetMedia restores the state a member has when it enters a room.
func (r *Registry) ResetMedia(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sid]; ok {
		m := e.Session.Meta()
		m.Media = domain.MediaState{AudioEnabled: true, VideoEnabled: true}
		m.ScreenSharing = false
	}
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

type regSnap struct {
	SID     core.SessionID
	Session core.MemberSession
}

// Resolve maps ids to live sessions, skipping ids that are gone.
func (r *Registry) Resolve(ids []core.SessionID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(ids))
	for _, sid := range ids {
		if e, ok := r.sessions[sid]; ok {
			out = append(out, regSnap{SID: sid, Session: e.Session})
		}
	}
	return out
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
