package rtc

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	opusPayloadType = 111
	opusFrame       = 20 * time.Millisecond
	// samples per 20 ms frame at 48 kHz
	opusFrameSamples = 960
)

// opusSilence is a single Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func NewSilentAudioTrack(id, streamID string) (*webrtc.TrackLocalStaticRTP, error) {
	return webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, id, streamID)
}

// NewScreenTrack returns a VP8 track standing in for a screen capture.
func NewScreenTrack(id, streamID string) (*webrtc.TrackLocalStaticRTP, error) {
	return webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, id, streamID)
}

// StreamSilence writes Opus silence to track every 20 ms until ctx ends.
func StreamSilence(ctx context.Context, track *webrtc.TrackLocalStaticRTP) error {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: uint16(rand.Intn(1 << 16)),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
		},
		Payload: opusSilence,
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return err
			}
			pkt.SequenceNumber++
			pkt.Timestamp += opusFrameSamples
		}
	}
}
