package app

import (
	"fmt"
	"sync"

	"github.com/dkeye/callroom/internal/core"
	"github.com/dkeye/callroom/internal/domain"
	"github.com/rs/zerolog/log"
)

const defaultMaxIDAttempts = 64

type roomEntry struct {
	mu      sync.Mutex
	room    domain.Room
	members map[core.SessionID]struct{}
	closed  bool
}

func (e *roomEntry) snapshot(except core.SessionID) []core.SessionID {
	out := make([]core.SessionID, 0, len(e.members))
	for sid := range e.members {
		if sid != except {
			out = append(out, sid)
		}
	}
	return out
}

// RoomManager is the in-memory Room Registry.
//
// Lock order: entry.mu -> mu. The table lock is never held while
// acquiring a room lock.
type RoomManager struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomID]*roomEntry
	byConn map[core.SessionID]domain.RoomID

	newID       IDGenerator
	maxAttempts int
}

var _ core.RoomManager = (*RoomManager)(nil)

func NewRoomManager(gen IDGenerator) *RoomManager {
	if gen == nil {
		gen = RandomRoomIDs(domain.RoomIDLength)
	}
	return &RoomManager{
		rooms:       make(map[domain.RoomID]*roomEntry),
		byConn:      make(map[core.SessionID]domain.RoomID),
		newID:       gen,
		maxAttempts: defaultMaxIDAttempts,
	}
}

func (m *RoomManager) CreateRoom(creator core.SessionID, password string) (domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byConn[creator]; ok {
		return domain.Room{}, domain.ErrAlreadyInRoom
	}

	var id domain.RoomID
	for attempt := 0; ; attempt++ {
		if attempt == m.maxAttempts {
			return domain.Room{}, domain.ErrIDSpaceExhausted
		}
		cand, err := m.newID()
		if err != nil {
			return domain.Room{}, fmt.Errorf("generate room id: %w", err)
		}
		if _, taken := m.rooms[cand]; !taken {
			id = cand
			break
		}
	}

	room := domain.Room{ID: id, Password: password, Creator: domain.UserID(creator)}
	m.rooms[id] = &roomEntry{
		room:    room,
		members: map[core.SessionID]struct{}{creator: {}},
	}
	m.byConn[creator] = id
	log.Info().Str("module", "app.rooms").Str("sid", string(creator)).Str("room_id", string(id)).
		Bool("protected", room.Protected()).Msg("room created")
	return room, nil
}

// JoinRoom checks existence and password and adds sid to the room as one
// step. onJoined receives the members present before the join.
func (m *RoomManager) JoinRoom(
	sid core.SessionID,
	id domain.RoomID,
	password string,
	onJoined func(existing []core.SessionID),
) ([]core.SessionID, error) {
	m.mu.RLock()
	_, inRoom := m.byConn[sid]
	e, ok := m.rooms[id]
	m.mu.RUnlock()
	if inRoom {
		return nil, domain.ErrAlreadyInRoom
	}
	if !ok {
		return nil, domain.ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, domain.ErrRoomNotFound
	}
	if !e.room.CheckPassword(password) {
		return nil, domain.ErrInvalidPassword
	}

	m.mu.Lock()
	if _, raced := m.byConn[sid]; raced {
		m.mu.Unlock()
		return nil, domain.ErrAlreadyInRoom
	}
	m.byConn[sid] = id
	m.mu.Unlock()

	existing := e.snapshot(sid)
	e.members[sid] = struct{}{}
	if onJoined != nil {
		onJoined(existing)
	}
	log.Info().Str("module", "app.rooms").Str("sid", string(sid)).Str("room_id", string(id)).
		Int("members", len(e.members)).Msg("joined room")
	return existing, nil
}

// LeaveRoom removes sid from its room. A creator leaving, or the last
// member leaving, destroys the room. Returns false when sid was in no room.
func (m *RoomManager) LeaveRoom(sid core.SessionID, onLeft func(core.LeaveResult)) (core.LeaveResult, bool) {
	m.mu.RLock()
	id, ok := m.byConn[sid]
	e := m.rooms[id]
	m.mu.RUnlock()
	if !ok || e == nil {
		return core.LeaveResult{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, member := e.members[sid]; e.closed || !member {
		return core.LeaveResult{}, false
	}

	delete(e.members, sid)
	res := core.LeaveResult{
		RoomID:    id,
		Remaining: e.snapshot(""),
	}
	res.Closed = e.room.Creator == domain.UserID(sid) || len(e.members) == 0

	m.mu.Lock()
	delete(m.byConn, sid)
	if res.Closed {
		e.closed = true
		delete(m.rooms, id)
		for _, other := range res.Remaining {
			delete(m.byConn, other)
		}
	}
	m.mu.Unlock()

	if res.Closed {
		e.members = map[core.SessionID]struct{}{}
	}
	if onLeft != nil {
		onLeft(res)
	}

	ev := log.Info().Str("module", "app.rooms").Str("sid", string(sid)).Str("room_id", string(id))
	if res.Closed {
		ev.Int("notified", len(res.Remaining)).Msg("room closed")
	} else {
		ev.Int("members", len(e.members)).Msg("left room")
	}
	return res, true
}

func (m *RoomManager) RoomOf(sid core.SessionID) (domain.RoomID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byConn[sid]
	return id, ok
}

func (m *RoomManager) Members(id domain.RoomID) ([]core.SessionID, bool) {
	m.mu.RLock()
	e, ok := m.rooms[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	return e.snapshot(""), true
}

func (m *RoomManager) GetRoom(id domain.RoomID) (core.RoomInfo, bool) {
	m.mu.RLock()
	e, ok := m.rooms[id]
	m.mu.RUnlock()
	if !ok {
		return core.RoomInfo{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.RoomInfo{}, false
	}
	return core.RoomInfo{ID: id, Protected: e.room.Protected(), MemberCount: len(e.members)}, true
}
