package signal

import (
	"errors"

	"github.com/dkeye/callroom/internal/core"
	"github.com/dkeye/callroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// ackError maps room errors to the strings clients show inline.
func ackError(err error) string {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return core.ErrTextRoomNotFound
	case errors.Is(err, domain.ErrInvalidPassword):
		return core.ErrTextInvalidPassword
	case errors.Is(err, domain.ErrAlreadyInRoom):
		return core.ErrTextAlreadyInRoom
	default:
		return core.ErrTextInternal
	}
}

func (ctl *SignalWSController) handleCreateRoom(sid core.SessionID, conn *WsSignalConn, env core.Envelope) {
	var p core.CreateRoomRequest
	if len(env.Data) > 0 {
		if err := ctl.decode(env, &p); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad create-room payload")
			ctl.send(conn, env.Type, env.Ref, core.CreateRoomAck{Error: core.ErrTextInvalidPayload})
			return
		}
	}

	id, err := ctl.Orch.CreateRoom(sid, p)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("create room")
		ctl.send(conn, env.Type, env.Ref, core.CreateRoomAck{Error: ackError(err)})
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room_id", string(id)).Msg("create room")
	ctl.send(conn, env.Type, env.Ref, core.CreateRoomAck{OK: true, RoomID: id})
}

func (ctl *SignalWSController) handleJoinRoom(sid core.SessionID, conn *WsSignalConn, env core.Envelope) {
	var p core.JoinRoomRequest
	if err := ctl.decode(env, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad join-room payload")
		ctl.send(conn, env.Type, env.Ref, core.JoinRoomAck{Participants: []core.Participant{}, Error: core.ErrTextInvalidPayload})
		return
	}

	id, participants, err := ctl.Orch.JoinRoom(sid, p)
	if err != nil {
		ctl.send(conn, env.Type, env.Ref, core.JoinRoomAck{Participants: []core.Participant{}, Error: ackError(err)})
		return
	}
	if participants == nil {
		participants = []core.Participant{}
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room_id", string(id)).Msg("join")
	ctl.send(conn, env.Type, env.Ref, core.JoinRoomAck{OK: true, RoomID: id, Participants: participants})
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID) {
	if ctl.Orch.LeaveRoom(sid) {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	}
}

func (ctl *SignalWSController) handleReady(sid core.SessionID, conn *WsSignalConn, env core.Envelope) {
	var p core.RoomRequest
	if len(env.Data) > 0 {
		if err := ctl.decode(env, &p); err != nil {
			ctl.sendError(conn, core.ErrTextInvalidPayload)
			return
		}
	}
	ctl.Orch.Ready(sid, p)
}
