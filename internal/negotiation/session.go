package negotiation

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// Session negotiates with one remote peer.
//
// The side whose id sorts lower is polite: on glare it rolls back its own
// offer and answers the remote one. The impolite side ignores the remote
// offer and waits for the answer to its own.
type Session struct {
	mu sync.Mutex

	selfID string
	peerID string
	polite bool
	pc     PeerConnection
	sig    Signaler
	opts   Options

	state    State
	released bool
	senders  map[TrackKind]TrackSender
	batcher  *candidateBatcher

	// remoteSet is true once any remote description was applied.
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	ignoringOffer bool

	// dirty marks local track changes not yet carried by a sent offer.
	dirty bool
	// offerChanged and offerRestart describe the offer in flight.
	offerChanged   bool
	offerRestart   bool
	restartPending bool
	restarts       int

	notes []State
}

func NewSession(selfID, peerID string, pc PeerConnection, sig Signaler, opts Options) *Session {
	s := &Session{
		selfID:  selfID,
		peerID:  peerID,
		polite:  selfID < peerID,
		pc:      pc,
		sig:     sig,
		opts:    opts,
		senders: make(map[TrackKind]TrackSender),
	}
	if opts.BatchCandidates {
		s.batcher = newCandidateBatcher(opts.BatchWindow, s.sendBatch)
	}
	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnConnectionStateChange(s.onTransportState)
	return s
}

func (s *Session) PeerID() string { return s.peerID }
func (s *Session) Polite() bool   { return s.polite }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start sends the initial offer. It does nothing unless the session is Idle.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.state != Idle {
		return nil
	}
	return s.offerLocked(false)
}

func (s *Session) HandleOffer(offer webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.state.terminal() {
		s.unlockAndNotify()
		return nil
	}

	if s.state.hasLocalOffer() {
		if !s.polite {
			s.ignoringOffer = true
			log.Info().Str("module", "negotiation").Str("self", s.selfID).Str("peer", s.peerID).
				Msg("glare: keeping own offer, ignoring remote")
			s.unlockAndNotify()
			return nil
		}
		if err := s.pc.Rollback(); err != nil {
			s.unlockAndNotify()
			return fmt.Errorf("rollback: %w", err)
		}
		if s.offerChanged {
			s.dirty = true
		}
		if s.offerRestart {
			s.restartPending = true
		}
		s.offerChanged, s.offerRestart = false, false
		log.Info().Str("module", "negotiation").Str("self", s.selfID).Str("peer", s.peerID).
			Msg("glare: rolled back own offer")
	}
	s.ignoringOffer = false

	answer, err := s.pc.CreateAnswer(offer)
	if err != nil {
		s.unlockAndNotify()
		return fmt.Errorf("create answer: %w", err)
	}
	s.remoteSet = true
	if err := s.sig.SendAnswer(s.peerID, answer); err != nil {
		s.unlockAndNotify()
		return fmt.Errorf("send answer: %w", err)
	}
	s.setStateLocked(Connected)
	pending := s.takePendingLocked()
	err = s.followUpLocked()
	s.unlockAndNotify()

	s.applyCandidates(pending, false)
	return err
}

// HandleAnswer applies an answer to our outstanding offer. Answers that
// arrive in any other state are stale and ignored.
func (s *Session) HandleAnswer(answer webrtc.SessionDescription) error {
	s.mu.Lock()
	if !s.state.hasLocalOffer() {
		log.Debug().Str("module", "negotiation").Str("peer", s.peerID).Stringer("state", s.state).
			Msg("stale answer ignored")
		s.unlockAndNotify()
		return nil
	}
	if err := s.pc.ApplyAnswer(answer); err != nil {
		s.unlockAndNotify()
		return fmt.Errorf("apply answer: %w", err)
	}
	s.remoteSet = true
	s.ignoringOffer = false
	s.offerChanged, s.offerRestart = false, false
	s.setStateLocked(Connected)
	pending := s.takePendingLocked()
	err := s.followUpLocked()
	s.unlockAndNotify()

	s.applyCandidates(pending, false)
	return err
}

// HandleCandidates applies remote candidates concurrently. Candidates that
// arrive before any remote description are held until one is applied.
func (s *Session) HandleCandidates(cs []webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return nil
	}
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, cs...)
		s.mu.Unlock()
		return nil
	}
	ignoring := s.ignoringOffer
	s.mu.Unlock()
	return s.applyCandidates(cs, ignoring)
}

func (s *Session) applyCandidates(cs []webrtc.ICECandidateInit, ignoring bool) error {
	if len(cs) == 0 {
		return nil
	}
	p := pool.New().WithErrors()
	for _, c := range cs {
		c := c
		p.Go(func() error {
			if err := s.pc.AddICECandidate(c); err != nil && !ignoring {
				return fmt.Errorf("add candidate: %w", err)
			}
			return nil
		})
	}
	err := p.Wait()
	if err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Str("peer", s.peerID).Msg("remote candidates")
	}
	return err
}

func (s *Session) takePendingLocked() []webrtc.ICECandidateInit {
	p := s.pendingRemote
	s.pendingRemote = nil
	return p
}

// SetTrack adds or replaces the sender for kind.
func (s *Session) SetTrack(kind TrackKind, track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.state.terminal() {
		return s.endedErrLocked()
	}
	if old, ok := s.senders[kind]; ok {
		if old.Track() == track {
			return nil
		}
		if err := s.pc.RemoveTrack(old); err != nil {
			return fmt.Errorf("remove %s track: %w", kind, err)
		}
		delete(s.senders, kind)
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", kind, err)
	}
	s.senders[kind] = sender
	return s.trackChangedLocked()
}

func (s *Session) RemoveTrack(kind TrackKind) error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.state.terminal() {
		return s.endedErrLocked()
	}
	sender, ok := s.senders[kind]
	if !ok {
		return nil
	}
	if err := s.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove %s track: %w", kind, err)
	}
	delete(s.senders, kind)
	return s.trackChangedLocked()
}

// endedErrLocked tells a failed session apart from one closed on purpose.
func (s *Session) endedErrLocked() error {
	if s.state == Failed {
		return ErrFailed
	}
	return ErrClosed
}

// trackChangedLocked renegotiates a connected session right away and
// defers the offer while one is in flight. Idle sessions carry their
// tracks in the initial offer or answer.
func (s *Session) trackChangedLocked() error {
	switch s.state {
	case Idle:
		return nil
	case Connected:
		s.dirty = true
		return s.offerLocked(false)
	default:
		s.dirty = true
		return nil
	}
}

// followUpLocked sends the offer a Connected session still owes.
func (s *Session) followUpLocked() error {
	if s.state != Connected {
		return nil
	}
	if s.restartPending {
		s.restartPending = false
		return s.offerLocked(true)
	}
	if s.dirty {
		return s.offerLocked(false)
	}
	return nil
}

func (s *Session) offerLocked(iceRestart bool) error {
	prev := s.state
	if prev == Idle {
		s.setStateLocked(Offering)
	}
	offer, err := s.pc.CreateOffer(iceRestart)
	if err != nil {
		s.state = prev
		return fmt.Errorf("create offer: %w", err)
	}
	s.offerChanged = s.dirty
	s.offerRestart = iceRestart
	s.dirty = false

	if prev == Idle {
		s.setStateLocked(AwaitingAnswer)
	} else {
		s.setStateLocked(Renegotiating)
	}
	if err := s.sig.SendOffer(s.peerID, offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	log.Debug().Str("module", "negotiation").Str("peer", s.peerID).Bool("ice_restart", iceRestart).Msg("offer sent")
	return nil
}

func (s *Session) onLocalCandidate(c *webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	if s.batcher != nil {
		if c == nil {
			s.batcher.Flush()
			return
		}
		s.batcher.Add(*c)
		return
	}
	if c == nil {
		return
	}
	if err := s.sig.SendCandidate(s.peerID, *c); err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Str("peer", s.peerID).Msg("send candidate")
	}
}

// sendBatch runs with the batcher lock held. It must not take s.mu:
// Flush is already called under it.
func (s *Session) sendBatch(cs []webrtc.ICECandidateInit) {
	if err := s.sig.SendCandidates(s.peerID, cs); err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Str("peer", s.peerID).Int("count", len(cs)).Msg("send candidates")
	}
}

// onTransportState restarts ICE on failure, up to MaxICERestarts times in
// a row, then gives up and marks the session Failed.
func (s *Session) onTransportState(st webrtc.PeerConnectionState) {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.state.terminal() {
		return
	}
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.restarts = 0
	case webrtc.PeerConnectionStateFailed:
		if s.restarts >= s.opts.MaxICERestarts {
			log.Warn().Str("module", "negotiation").Str("peer", s.peerID).Int("restarts", s.restarts).Msg("transport failed")
			s.releaseLocked()
			s.setStateLocked(Failed)
			return
		}
		s.restarts++
		log.Info().Str("module", "negotiation").Str("peer", s.peerID).Int("attempt", s.restarts).Msg("ice restart")
		switch {
		case s.state == Connected:
			if err := s.offerLocked(true); err != nil {
				log.Error().Err(err).Str("module", "negotiation").Str("peer", s.peerID).Msg("ice restart offer")
			}
		case s.state.hasLocalOffer():
			s.restartPending = true
		}
	}
}

// Close releases the senders and the peer connection. Closing a closed
// session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.state == Closed {
		return nil
	}
	prev := s.state
	err := s.releaseLocked()
	if prev == Idle {
		s.state = Closed
		return nil
	}
	s.setStateLocked(Closed)
	return err
}

func (s *Session) releaseLocked() error {
	if s.released {
		return nil
	}
	s.released = true
	if s.batcher != nil {
		s.batcher.Close()
	}
	s.senders = make(map[TrackKind]TrackSender)
	s.pendingRemote = nil
	return s.pc.Close()
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.notes = append(s.notes, st)
}

// unlockAndNotify releases mu and reports the transitions made under it.
func (s *Session) unlockAndNotify() {
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()
	if s.opts.OnStateChange == nil {
		return
	}
	for _, st := range notes {
		s.opts.OnStateChange(s.peerID, st)
	}
}
