package signal

import (
	"github.com/dkeye/callroom/internal/core"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleToggleMedia(sid core.SessionID, conn *WsSignalConn, env core.Envelope) {
	var p core.ToggleMediaRequest
	if err := ctl.decode(env, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad toggle-media payload")
		ctl.sendError(conn, core.ErrTextInvalidPayload)
		return
	}
	ctl.Orch.ToggleMedia(sid, p)
}

func (ctl *SignalWSController) handleScreenShare(sid core.SessionID, conn *WsSignalConn, env core.Envelope, sharing bool) {
	var p core.RoomRequest
	if len(env.Data) > 0 {
		if err := ctl.decode(env, &p); err != nil {
			ctl.sendError(conn, core.ErrTextInvalidPayload)
			return
		}
	}
	ctl.Orch.ScreenShare(sid, p, sharing)
}

// handleChat never reports drops back to the sender.
func (ctl *SignalWSController) handleChat(sid core.SessionID, _ *WsSignalConn, env core.Envelope) {
	var p core.ChatRequest
	if err := ctl.decode(env, &p); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("chat dropped")
		return
	}
	ctl.Orch.Chat(sid, p)
}

func (ctl *SignalWSController) handleEmoji(sid core.SessionID, conn *WsSignalConn, env core.Envelope) {
	var p core.EmojiRequest
	if err := ctl.decode(env, &p); err != nil {
		ctl.sendError(conn, core.ErrTextInvalidPayload)
		return
	}
	ctl.Orch.Emoji(sid, p)
}
