package negotiation

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// candidateBatcher collects local candidates and hands them over in one
// slice once window has passed since the first one, or on Flush.
// flushFn must not call back into the batcher.
type candidateBatcher struct {
	mu      sync.Mutex
	window  time.Duration
	pending []webrtc.ICECandidateInit
	timer   *time.Timer
	gen     uint64
	closed  bool
	flushFn func([]webrtc.ICECandidateInit)
}

func newCandidateBatcher(window time.Duration, flushFn func([]webrtc.ICECandidateInit)) *candidateBatcher {
	return &candidateBatcher{window: window, flushFn: flushFn}
}

func (b *candidateBatcher) Add(c webrtc.ICECandidateInit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending = append(b.pending, c)
	if b.timer == nil {
		gen := b.gen
		b.timer = time.AfterFunc(b.window, func() { b.flush(gen, true) })
	}
}

func (b *candidateBatcher) Flush() {
	b.flush(0, false)
}

// flush with timed set only runs for the timer generation that armed it.
// flushFn runs under mu so Close waits for a delivery in progress and
// nothing is handed over once Close has returned.
func (b *candidateBatcher) flush(gen uint64, timed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || (timed && gen != b.gen) {
		return
	}
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	if len(batch) == 0 {
		return
	}
	b.flushFn(batch)
}

// Close drops pending candidates and stops the timer.
func (b *candidateBatcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.pending = nil
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
