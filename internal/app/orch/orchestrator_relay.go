package orch

import (
	"github.com/dkeye/callroom/internal/core"
	"github.com/rs/zerolog/log"
)

// Relay forwards an offer, answer or single candidate to req.To. It only
// delivers when sid and req.To are members of the same room; messages to
// connections that are gone or in another room are dropped silently and
// Relay reports false.
func (o *Orchestrator) Relay(sid core.SessionID, event string, req core.DirectedRequest) bool {
	if !o.sameRoom(sid, req.To) {
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("to", string(req.To)).
			Str("event", event).Msg("stale directed message dropped")
		return false
	}
	ev := core.DirectedEvent{
		From:      sid,
		Offer:     req.Offer,
		Answer:    req.Answer,
		Candidate: req.Candidate,
		Name:      req.Name,
	}
	if ev.Name == "" && (event == core.EventOffer || event == core.EventAnswer) {
		ev.Name = o.Registry.Name(sid)
	}
	return o.sendTo(req.To, event, ev)
}

func (o *Orchestrator) RelayCandidates(sid core.SessionID, req core.CandidatesRequest) bool {
	if !o.sameRoom(sid, req.To) {
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("to", string(req.To)).
			Int("count", len(req.Candidates)).Msg("stale candidate batch dropped")
		return false
	}
	return o.sendTo(req.To, core.EventICECandidates, core.DirectedEvent{From: sid, Candidates: req.Candidates})
}

func (o *Orchestrator) sameRoom(a, b core.SessionID) bool {
	if a == b {
		return false
	}
	ra, ok := o.Rooms.RoomOf(a)
	if !ok {
		return false
	}
	rb, ok := o.Rooms.RoomOf(b)
	return ok && ra == rb
}
