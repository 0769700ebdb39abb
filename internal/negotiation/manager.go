package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Options struct {
	BatchCandidates bool
	BatchWindow     time.Duration
	MaxICERestarts  int
	// OnStateChange is called outside any session lock.
	OnStateChange func(peerID string, st State)
}

func DefaultOptions() Options {
	return Options{
		BatchCandidates: true,
		BatchWindow:     50 * time.Millisecond,
		MaxICERestarts:  3,
	}
}

// PeerFactory opens a new peer connection for peerID.
type PeerFactory func(peerID string) (PeerConnection, error)

// Manager owns one Session per remote peer and the local tracks every
// session publishes.
type Manager struct {
	mu       sync.Mutex
	selfID   string
	sig      Signaler
	newPeer  PeerFactory
	opts     Options
	sessions map[string]*Session
	tracks   map[TrackKind]webrtc.TrackLocal
	closed   bool
}

func NewManager(selfID string, sig Signaler, newPeer PeerFactory, opts Options) *Manager {
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = DefaultOptions().BatchWindow
	}
	return &Manager{
		selfID:   selfID,
		sig:      sig,
		newPeer:  newPeer,
		opts:     opts,
		sessions: make(map[string]*Session),
		tracks:   make(map[TrackKind]webrtc.TrackLocal),
	}
}

// ensure returns the live session for peerID, creating one when there is
// none or the previous one ended.
func (m *Manager) ensure(peerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if peerID == m.selfID {
		return nil, fmt.Errorf("negotiation: peer id equals own id %q", peerID)
	}
	if s, ok := m.sessions[peerID]; ok && !s.State().terminal() {
		return s, nil
	}
	pc, err := m.newPeer(peerID)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s := NewSession(m.selfID, peerID, pc, m.sig, m.opts)
	for kind, track := range m.tracks {
		if err := s.SetTrack(kind, track); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	m.sessions[peerID] = s
	log.Debug().Str("module", "negotiation").Str("peer", peerID).Bool("polite", s.Polite()).Msg("session created")
	return s, nil
}

func (m *Manager) session(peerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// PeerJoined starts negotiating with a peer announced by the room.
func (m *Manager) PeerJoined(peerID string) error {
	s, err := m.ensure(peerID)
	if err != nil {
		return err
	}
	return s.Start()
}

func (m *Manager) HandleOffer(from string, offer webrtc.SessionDescription) error {
	s, err := m.ensure(from)
	if err != nil {
		return err
	}
	return s.HandleOffer(offer)
}

// HandleAnswer ignores answers from peers without a session.
func (m *Manager) HandleAnswer(from string, answer webrtc.SessionDescription) error {
	s, ok := m.session(from)
	if !ok {
		log.Debug().Str("module", "negotiation").Str("peer", from).Msg("answer without session")
		return nil
	}
	return s.HandleAnswer(answer)
}

func (m *Manager) HandleCandidates(from string, cs []webrtc.ICECandidateInit) error {
	s, ok := m.session(from)
	if !ok {
		log.Debug().Str("module", "negotiation").Str("peer", from).Int("count", len(cs)).Msg("candidates without session")
		return nil
	}
	return s.HandleCandidates(cs)
}

func (m *Manager) PeerLeft(peerID string) error {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	delete(m.sessions, peerID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// SetTrack publishes track on every current and future session.
func (m *Manager) SetTrack(kind TrackKind, track webrtc.TrackLocal) error {
	m.mu.Lock()
	m.tracks[kind] = track
	m.mu.Unlock()

	var errs error
	for _, s := range m.snapshot() {
		if err := s.SetTrack(kind, track); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrFailed) {
			errs = errors.Join(errs, fmt.Errorf("peer %s: %w", s.PeerID(), err))
		}
	}
	return errs
}

func (m *Manager) RemoveTrack(kind TrackKind) error {
	m.mu.Lock()
	delete(m.tracks, kind)
	m.mu.Unlock()

	var errs error
	for _, s := range m.snapshot() {
		if err := s.RemoveTrack(kind); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrFailed) {
			errs = errors.Join(errs, fmt.Errorf("peer %s: %w", s.PeerID(), err))
		}
	}
	return errs
}

func (m *Manager) Session(peerID string) (*Session, bool) {
	return m.session(peerID)
}

func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Close tears down every session; used when the room closes or the call ends.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs error
	for _, s := range sessions {
		errs = errors.Join(errs, s.Close())
	}
	return errs
}

// Reset closes every session but keeps the manager usable, for leaving
// one room and joining another.
func (m *Manager) Reset() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs error
	for _, s := range sessions {
		errs = errors.Join(errs, s.Close())
	}
	return errs
}
