// Package negotiation runs the per-peer offer/answer state machine of a
// call participant: glare resolution, candidate batching, renegotiation
// on track changes and ICE restart on transport failure.
package negotiation

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed = errors.New("negotiation: session closed")
	ErrFailed = errors.New("negotiation: session failed")
)

// TrackKind keys the senders of a session.
type TrackKind string

const (
	TrackAudio       TrackKind = "audio"
	TrackVideo       TrackKind = "video"
	TrackScreenVideo TrackKind = "screen-video"
	TrackScreenAudio TrackKind = "screen-audio"
)

type TrackSender interface {
	Track() webrtc.TrackLocal
}

// PeerConnection is the part of a WebRTC peer connection the state
// machine drives. Implementations must deliver OnICECandidate and
// OnConnectionStateChange callbacks from their own goroutines.
type PeerConnection interface {
	// CreateOffer creates an offer and sets it as local description.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	// CreateAnswer applies a remote offer and sets the answer as local description.
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// Rollback discards the pending local offer.
	Rollback() error
	AddICECandidate(c webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	RemoveTrack(sender TrackSender) error
	// OnICECandidate receives nil once gathering completes.
	OnICECandidate(f func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// Signaler carries negotiation messages to a peer through the relay.
type Signaler interface {
	SendOffer(to string, offer webrtc.SessionDescription) error
	SendAnswer(to string, answer webrtc.SessionDescription) error
	SendCandidate(to string, c webrtc.ICECandidateInit) error
	SendCandidates(to string, cs []webrtc.ICECandidateInit) error
}
