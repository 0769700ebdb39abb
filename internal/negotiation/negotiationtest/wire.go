package negotiationtest

import (
	"sync"

	"github.com/dkeye/callroom/internal/negotiation"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindOffer      Kind = "offer"
	KindAnswer     Kind = "answer"
	KindCandidate  Kind = "ice-candidate"
	KindCandidates Kind = "ice-candidates"
)

type Message struct {
	From, To   string
	Kind       Kind
	SDP        webrtc.SessionDescription
	Candidates []webrtc.ICECandidateInit
}

// Endpoint is what a Wire delivers to; *negotiation.Manager satisfies it.
type Endpoint interface {
	HandleOffer(from string, offer webrtc.SessionDescription) error
	HandleAnswer(from string, answer webrtc.SessionDescription) error
	HandleCandidates(from string, cs []webrtc.ICECandidateInit) error
}

// Wire queues messages until the test pumps them, so races such as two
// offers crossing can be staged exactly.
type Wire struct {
	mu        sync.Mutex
	queue     []Message
	sent      []Message
	endpoints map[string]Endpoint
}

func NewWire() *Wire {
	return &Wire{endpoints: make(map[string]Endpoint)}
}

func (w *Wire) Attach(id string, ep Endpoint) {
	w.mu.Lock()
	w.endpoints[id] = ep
	w.mu.Unlock()
}

func (w *Wire) Signaler(from string) negotiation.Signaler {
	return &wireSignaler{w: w, from: from}
}

func (w *Wire) push(m Message) {
	w.mu.Lock()
	w.queue = append(w.queue, m)
	w.sent = append(w.sent, m)
	w.mu.Unlock()
}

func (w *Wire) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Sent returns every message pushed so far matching kind ("" for all).
func (w *Wire) Sent(kind Kind) []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Message
	for _, m := range w.sent {
		if kind == "" || m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// Drop discards queued messages, as the relay does for departed peers.
func (w *Wire) Drop() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	w.queue = nil
	return n
}

// Deliver dispatches the oldest queued message.
func (w *Wire) Deliver() (Message, error) {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return Message{}, nil
	}
	m := w.queue[0]
	w.queue = w.queue[1:]
	ep := w.endpoints[m.To]
	w.mu.Unlock()

	if ep == nil {
		return m, nil
	}
	switch m.Kind {
	case KindOffer:
		return m, ep.HandleOffer(m.From, m.SDP)
	case KindAnswer:
		return m, ep.HandleAnswer(m.From, m.SDP)
	default:
		return m, ep.HandleCandidates(m.From, m.Candidates)
	}
}

// DeliverAll pumps until the queue is empty or max messages were sent.
func (w *Wire) DeliverAll(max int) error {
	for i := 0; i < max && w.Pending() > 0; i++ {
		if _, err := w.Deliver(); err != nil {
			return err
		}
	}
	return nil
}

type wireSignaler struct {
	w    *Wire
	from string
}

func (s *wireSignaler) SendOffer(to string, offer webrtc.SessionDescription) error {
	s.w.push(Message{From: s.from, To: to, Kind: KindOffer, SDP: offer})
	return nil
}

func (s *wireSignaler) SendAnswer(to string, answer webrtc.SessionDescription) error {
	s.w.push(Message{From: s.from, To: to, Kind: KindAnswer, SDP: answer})
	return nil
}

func (s *wireSignaler) SendCandidate(to string, c webrtc.ICECandidateInit) error {
	s.w.push(Message{From: s.from, To: to, Kind: KindCandidate, Candidates: []webrtc.ICECandidateInit{c}})
	return nil
}

func (s *wireSignaler) SendCandidates(to string, cs []webrtc.ICECandidateInit) error {
	s.w.push(Message{From: s.from, To: to, Kind: KindCandidates, Candidates: cs})
	return nil
}
