package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/callroom/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		// unblocks readPump
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		ctl.Orch.Disconnect(sid)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
			ctl.handleSignal(sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(sid core.SessionID, c *WsSignalConn, data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad envelope")
		ctl.sendError(c, core.ErrTextInvalidPayload)
		return
	}

	switch env.Type {
	case core.EventCreateRoom:
		ctl.handleCreateRoom(sid, c, env)
	case core.EventJoinRoom:
		ctl.handleJoinRoom(sid, c, env)
	case core.EventLeaveRoom:
		ctl.handleLeave(sid)
	case core.EventReady:
		ctl.handleReady(sid, c, env)
	case core.EventOffer, core.EventAnswer, core.EventICECandidate:
		ctl.handleDirected(sid, c, env)
	case core.EventICECandidates:
		ctl.handleCandidates(sid, c, env)
	case core.EventToggleMedia:
		ctl.handleToggleMedia(sid, c, env)
	case core.EventScreenShareStarted:
		ctl.handleScreenShare(sid, c, env, true)
	case core.EventScreenShareStopped:
		ctl.handleScreenShare(sid, c, env, false)
	case core.EventChatMessage:
		ctl.handleChat(sid, c, env)
	case core.EventEmojiReaction:
		ctl.handleEmoji(sid, c, env)
	case core.EventPing:
		ctl.handlePing(c)
	case core.EventWhoAmI:
		ctl.handleWhoAmI(sid, c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, "unknown event: "+env.Type)
	}
}

var errNoPayload = errors.New("missing payload")

// decode unmarshals the envelope payload into v and validates it.
func (ctl *SignalWSController) decode(env core.Envelope, v any) error {
	if len(env.Data) == 0 {
		return errNoPayload
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return err
	}
	return ctl.validate.Struct(v)
}

func (ctl *SignalWSController) send(c *WsSignalConn, event, ref string, v any) {
	f, err := core.NewFrame(event, ref, v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	if err := c.TrySend(f); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("event", event).Msg("send dropped")
	}
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, msg string) {
	ctl.send(c, core.EventError, "", core.ErrorEvent{Error: msg})
}
