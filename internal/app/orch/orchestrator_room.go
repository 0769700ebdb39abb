package orch

import (
	"github.com/dkeye/callroom/internal/core"
	"github.com/dkeye/callroom/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) CreateRoom(sid core.SessionID, req core.CreateRoomRequest) (domain.RoomID, error) {
	if _, in := o.Rooms.RoomOf(sid); in {
		return "", domain.ErrAlreadyInRoom
	}
	if req.DisplayName != "" {
		o.Registry.UpdateUsername(sid, req.DisplayName)
	}
	room, err := o.Rooms.CreateRoom(sid, req.Password)
	if err != nil {
		return "", err
	}
	o.Registry.ResetMedia(sid)
	return room.ID, nil
}

// JoinRoom adds sid to a room and announces it to the members already
// there. The returned participants exclude sid.
func (o *Orchestrator) JoinRoom(sid core.SessionID, req core.JoinRoomRequest) (domain.RoomID, []core.Participant, error) {
	id := domain.NormalizeRoomID(req.RoomID)
	if _, in := o.Rooms.RoomOf(sid); in {
		return id, nil, domain.ErrAlreadyInRoom
	}

	var participants []core.Participant
	_, err := o.Rooms.JoinRoom(sid, id, req.Password, func(existing []core.SessionID) {
		if req.DisplayName != "" {
			o.Registry.UpdateUsername(sid, req.DisplayName)
		}
		o.Registry.ResetMedia(sid)
		participants = o.Registry.Participants(existing)
		o.broadcast(id, existing, core.EventUserJoined, core.UserJoinedEvent{ID: sid, Name: o.Registry.Name(sid)})
	})
	if err != nil {
		log.Info().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("room_id", string(id)).Msg("join rejected")
		return id, nil, err
	}
	return id, participants, nil
}

// Ready re-announces sid once its client is set up to negotiate, so
// members that missed the join event still start an offer.
func (o *Orchestrator) Ready(sid core.SessionID, req core.RoomRequest) {
	id, ok := o.currentRoom(sid, req.RoomID)
	if !ok {
		return
	}
	o.toRoom(sid, id, core.EventUserJoined, core.UserJoinedEvent{ID: sid, Name: o.Registry.Name(sid)})
}

// LeaveRoom removes sid from its room. The creator leaving closes the
// room for everyone; anyone else leaving is announced with user-left.
func (o *Orchestrator) LeaveRoom(sid core.SessionID) bool {
	_, ok := o.Rooms.LeaveRoom(sid, func(res core.LeaveResult) {
		if res.Closed {
			o.broadcast(res.RoomID, res.Remaining, core.EventRoomClosed, core.RoomClosedEvent{Reason: core.ReasonCreatorLeft})
			return
		}
		o.broadcast(res.RoomID, res.Remaining, core.EventUserLeft, core.UserLeftEvent{ID: sid})
	})
	if ok {
		o.Registry.SetScreenSharing(sid, false)
	}
	return ok
}

// Kick cancels the connection context; the adapter then runs Disconnect.
func (o *Orchestrator) Kick(sid core.SessionID) bool {
	return o.Registry.Cancel(sid)
}
