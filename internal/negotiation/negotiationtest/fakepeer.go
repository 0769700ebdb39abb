// Package negotiationtest provides an in-memory peer connection and a
// manually pumped signaling wire for exercising negotiation.
package negotiationtest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/callroom/internal/negotiation"
	"github.com/pion/webrtc/v4"
)

var (
	ErrWrongState = errors.New("fakepeer: wrong signaling state")
	ErrNoRemote   = errors.New("fakepeer: no remote description")
	ErrPeerClosed = errors.New("fakepeer: closed")
)

type fakeSender struct{ track webrtc.TrackLocal }

func (s *fakeSender) Track() webrtc.TrackLocal { return s.track }

// FakePeer enforces the signaling state rules a real peer connection
// applies to offers, answers and rollbacks. Callbacks run on the caller
// of Emit and SetTransportState.
type FakePeer struct {
	mu sync.Mutex

	ID        string
	signaling webrtc.SignalingState
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	offers    int
	restarts  int
	rollbacks int
	senders   []*fakeSender
	applied   []webrtc.ICECandidateInit
	closed    bool

	onCandidate func(*webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
}

var _ negotiation.PeerConnection = (*FakePeer)(nil)

func NewFakePeer(id string) *FakePeer {
	return &FakePeer{ID: id, signaling: webrtc.SignalingStateStable}
}

func (p *FakePeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, ErrPeerClosed
	}
	if p.signaling == webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, ErrWrongState
	}
	p.offers++
	if iceRestart {
		p.restarts++
	}
	d := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer %s #%d tracks=%d restart=%t", p.ID, p.offers, len(p.senders), iceRestart),
	}
	p.local = &d
	p.signaling = webrtc.SignalingStateHaveLocalOffer
	return d, nil
}

func (p *FakePeer) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, ErrPeerClosed
	}
	if offer.Type != webrtc.SDPTypeOffer || p.signaling != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, ErrWrongState
	}
	p.remote = &offer
	d := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer %s to [%s]", p.ID, offer.SDP),
	}
	p.local = &d
	return d, nil
}

func (p *FakePeer) ApplyAnswer(answer webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	if answer.Type != webrtc.SDPTypeAnswer || p.signaling != webrtc.SignalingStateHaveLocalOffer {
		return ErrWrongState
	}
	p.remote = &answer
	p.signaling = webrtc.SignalingStateStable
	return nil
}

func (p *FakePeer) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != webrtc.SignalingStateHaveLocalOffer {
		return ErrWrongState
	}
	p.rollbacks++
	p.signaling = webrtc.SignalingStateStable
	return nil
}

func (p *FakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	if p.remote == nil {
		return ErrNoRemote
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *FakePeer) AddTrack(track webrtc.TrackLocal) (negotiation.TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPeerClosed
	}
	s := &fakeSender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *FakePeer) RemoveTrack(sender negotiation.TrackSender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.senders {
		if s == sender {
			p.senders = append(p.senders[:i], p.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("fakepeer: unknown sender")
}

func (p *FakePeer) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = f
	p.mu.Unlock()
}

func (p *FakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *FakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.senders = nil
	return nil
}

// Emit reports a locally gathered candidate; nil ends gathering.
func (p *FakePeer) Emit(c *webrtc.ICECandidateInit) {
	p.mu.Lock()
	f := p.onCandidate
	p.mu.Unlock()
	if f != nil {
		f(c)
	}
}

func (p *FakePeer) SetTransportState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	if f != nil {
		f(st)
	}
}

func (p *FakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *FakePeer) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

func (p *FakePeer) Restarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

func (p *FakePeer) Rollbacks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollbacks
}

func (p *FakePeer) Applied() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.applied...)
}

func (p *FakePeer) Tracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.senders)
}

func (p *FakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Candidate builds a host candidate line for tests.
func Candidate(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000%d typ host", n, n%250+1, n%10),
	}
}
