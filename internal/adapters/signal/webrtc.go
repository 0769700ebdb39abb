package signal

import (
	"github.com/dkeye/callroom/internal/core"
	"github.com/rs/zerolog/log"
)

// handleDirected relays offer, answer and ice-candidate. Payloads are
// forwarded as received.
func (ctl *SignalWSController) handleDirected(sid core.SessionID, conn *WsSignalConn, env core.Envelope) {
	var p core.DirectedRequest
	if err := ctl.decode(env, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("type", env.Type).Msg("bad directed payload")
		ctl.sendError(conn, core.ErrTextInvalidPayload)
		return
	}
	switch env.Type {
	case core.EventOffer:
		if len(p.Offer) == 0 {
			ctl.sendError(conn, core.ErrTextInvalidPayload)
			return
		}
	case core.EventAnswer:
		if len(p.Answer) == 0 {
			ctl.sendError(conn, core.ErrTextInvalidPayload)
			return
		}
	}
	ctl.Orch.Relay(sid, env.Type, p)
}

func (ctl *SignalWSController) handleCandidates(sid core.SessionID, conn *WsSignalConn, env core.Envelope) {
	var p core.CandidatesRequest
	if err := ctl.decode(env, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad candidates payload")
		ctl.sendError(conn, core.ErrTextInvalidPayload)
		return
	}
	ctl.Orch.RelayCandidates(sid, p)
}
