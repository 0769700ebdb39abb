package client

import (
	"encoding/json"

	"github.com/dkeye/callroom/internal/core"
	"github.com/dkeye/callroom/internal/domain"
	"github.com/dkeye/callroom/internal/negotiation"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var _ negotiation.Signaler = (*Client)(nil)

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.finish(err)
		log.Info().Str("module", "client").Str("sid", c.id).Err(err).Msg("read loop stopped")
	}()
	for {
		var data []byte
		if _, data, err = c.conn.ReadMessage(); err != nil {
			return
		}
		var env core.Envelope
		if jerr := json.Unmarshal(data, &env); jerr != nil {
			log.Warn().Err(jerr).Str("module", "client").Str("sid", c.id).Msg("bad frame")
			continue
		}
		c.dispatch(env)
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(env)
		}
	}
}

func (c *Client) dispatch(env core.Envelope) {
	if env.Ref != "" {
		c.mu.Lock()
		ch, ok := c.pending[env.Ref]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
		}
		return
	}

	var err error
	switch env.Type {
	case core.EventUserJoined:
		err = c.onUserJoined(env)
	case core.EventUserLeft:
		err = c.onUserLeft(env)
	case core.EventRoomClosed:
		err = c.onRoomClosed(env)
	case core.EventOffer, core.EventAnswer, core.EventICECandidate, core.EventICECandidates:
		err = c.onDirected(env)
	case core.EventUserToggleMedia:
		err = c.onToggleMedia(env)
	case core.EventUserScreenShare:
		err = c.onScreenShare(env)
	case core.EventError:
		var e core.ErrorEvent
		_ = json.Unmarshal(env.Data, &e)
		log.Warn().Str("module", "client").Str("sid", c.id).Str("error", e.Error).Msg("server error")
	case core.EventPong, core.EventChatMessage, core.EventEmojiReaction, core.EventWelcome:
	default:
		log.Debug().Str("module", "client").Str("sid", c.id).Str("type", env.Type).Msg("unknown event")
	}
	if err != nil {
		log.Error().Err(err).Str("module", "client").Str("sid", c.id).Str("type", env.Type).Msg("handle event")
	}
}

// onUserJoined makes the existing member the offerer towards a newcomer.
func (c *Client) onUserJoined(env core.Envelope) error {
	var ev core.UserJoinedEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return err
	}
	id := string(ev.ID)
	c.mu.Lock()
	if r, ok := c.remotes[id]; ok {
		r.Name = ev.Name
	} else {
		c.remotes[id] = &Remote{ID: id, Name: ev.Name}
	}
	c.mu.Unlock()
	log.Info().Str("module", "client").Str("sid", c.id).Str("peer", id).Str("name", ev.Name).Msg("user joined")
	return c.mgr.PeerJoined(id)
}

func (c *Client) onUserLeft(env core.Envelope) error {
	var ev core.UserLeftEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return err
	}
	id := string(ev.ID)
	c.mu.Lock()
	delete(c.remotes, id)
	c.mu.Unlock()
	log.Info().Str("module", "client").Str("sid", c.id).Str("peer", id).Msg("user left")
	return c.mgr.PeerLeft(id)
}

func (c *Client) onRoomClosed(env core.Envelope) error {
	var ev core.RoomClosedEvent
	_ = json.Unmarshal(env.Data, &ev)
	log.Info().Str("module", "client").Str("sid", c.id).Str("reason", ev.Reason).Msg("room closed")
	c.resetRoom()
	return c.mgr.Reset()
}

func (c *Client) onDirected(env core.Envelope) error {
	var ev core.DirectedEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return err
	}
	from := string(ev.From)

	switch env.Type {
	case core.EventOffer:
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(ev.Offer, &offer); err != nil {
			return err
		}
		c.rememberSender(from, ev.Name)
		return c.mgr.HandleOffer(from, offer)
	case core.EventAnswer:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(ev.Answer, &answer); err != nil {
			return err
		}
		return c.mgr.HandleAnswer(from, answer)
	case core.EventICECandidate:
		var ci webrtc.ICECandidateInit
		if err := json.Unmarshal(ev.Candidate, &ci); err != nil {
			return err
		}
		return c.mgr.HandleCandidates(from, []webrtc.ICECandidateInit{ci})
	default:
		cs := make([]webrtc.ICECandidateInit, 0, len(ev.Candidates))
		for _, raw := range ev.Candidates {
			var ci webrtc.ICECandidateInit
			if err := json.Unmarshal(raw, &ci); err != nil {
				return err
			}
			cs = append(cs, ci)
		}
		return c.mgr.HandleCandidates(from, cs)
	}
}

// rememberSender records an offerer we have not heard of yet.
func (c *Client) rememberSender(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.remotes[id]
	if !ok {
		if name == "" {
			name = DefaultName
		}
		c.remotes[id] = &Remote{ID: id, Name: name}
		return
	}
	if name != "" {
		r.Name = name
	}
}

func (c *Client) onToggleMedia(env core.Envelope) error {
	var ev core.UserToggleMediaEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.remotes[string(ev.ID)]
	if !ok {
		return nil
	}
	switch ev.Type {
	case domain.MediaAudio:
		r.AudioEnabled = ev.Enabled
	case domain.MediaVideo:
		r.VideoEnabled = ev.Enabled
	}
	return nil
}

func (c *Client) onScreenShare(env core.Envelope) error {
	var ev core.UserScreenShareEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.remotes[string(ev.ID)]; ok {
		r.ScreenSharing = ev.Sharing
	}
	return nil
}

func (c *Client) SendOffer(to string, offer webrtc.SessionDescription) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return c.write(core.EventOffer, "", core.DirectedRequest{To: core.SessionID(to), Offer: raw, Name: c.Name()})
}

func (c *Client) SendAnswer(to string, answer webrtc.SessionDescription) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return c.write(core.EventAnswer, "", core.DirectedRequest{To: core.SessionID(to), Answer: raw, Name: c.Name()})
}

func (c *Client) SendCandidate(to string, ci webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(ci)
	if err != nil {
		return err
	}
	return c.write(core.EventICECandidate, "", core.DirectedRequest{To: core.SessionID(to), Candidate: raw})
}

func (c *Client) SendCandidates(to string, cs []webrtc.ICECandidateInit) error {
	raws := make([]json.RawMessage, 0, len(cs))
	for _, ci := range cs {
		raw, err := json.Marshal(ci)
		if err != nil {
			return err
		}
		raws = append(raws, raw)
	}
	return c.write(core.EventICECandidates, "", core.CandidatesRequest{To: core.SessionID(to), Candidates: raws})
}
