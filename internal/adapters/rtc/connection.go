package rtc

import (
	"context"
	"errors"
	"io"

	"github.com/dkeye/callroom/internal/negotiation"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrForeignSender = errors.New("rtc: sender not created by this connection")

// WebRTCConnection adapts a Pion PeerConnection to negotiation.PeerConnection.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	peer   string
	cancel context.CancelFunc
}

var _ negotiation.PeerConnection = (*WebRTCConnection)(nil)

// ICEConfig builds the ICE server list: STUN urls first, then TURN urls
// sharing one username and credential.
func ICEConfig(stunURLs, turnURLs []string, username, credential string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: stunURLs})
	}
	if len(turnURLs) > 0 {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       turnURLs,
			Username:   username,
			Credential: credential,
		})
	}
	return cfg
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return ICEConfig([]string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}, nil, "", "")
}

func NewWebRTCConnection(ctx context.Context, cfg webrtc.Configuration, peer string) (*WebRTCConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &WebRTCConnection{pc: pc, peer: peer, cancel: cancel}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer", peer).Str("ice_state", s.String()).Msg("ICE state")
	})
	// Remote media is read and discarded.
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", peer).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go drainTrack(ctx, track)
	})
	return c, nil
}

func (c *WebRTCConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *WebRTCConnection) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *WebRTCConnection) Rollback() error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) AddTrack(track webrtc.TrackLocal) (negotiation.TrackSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)
	return sender, nil
}

func (c *WebRTCConnection) RemoveTrack(sender negotiation.TrackSender) error {
	s, ok := sender.(*webrtc.RTPSender)
	if !ok {
		return ErrForeignSender
	}
	return c.pc.RemoveTrack(s)
}

func (c *WebRTCConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			fn(nil)
			return
		}
		ci := cand.ToJSON()
		fn(&ci)
	})
}

func (c *WebRTCConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", c.peer).Str("peer_connection_state", s.String()).Msg("Peer state")
		fn(s)
	})
}

func (c *WebRTCConnection) Close() error {
	c.cancel()
	err := c.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", c.peer).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("peer", c.peer).Msg("closed")
	}
	return err
}

// drainRTCP reads sender reports so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainTrack(ctx context.Context, track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	packets := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "webrtc").Str("track_id", track.ID()).Msg("remote track read")
			}
			log.Debug().Str("module", "webrtc").Str("track_id", track.ID()).Int("packets", packets).Msg("remote track ended")
			return
		}
		packets++
	}
}
