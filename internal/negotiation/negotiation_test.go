package negotiation_test

import (
	"sync"
	"testing"
	"time"

	"github.com/dkeye/callroom/internal/negotiation"
	"github.com/dkeye/callroom/internal/negotiation/negotiationtest"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type side struct {
	id string
	m  *negotiation.Manager

	mu     sync.Mutex
	peers  map[string][]*negotiationtest.FakePeer
	states map[string][]negotiation.State
}

func newSide(t *testing.T, w *negotiationtest.Wire, id string, opts negotiation.Options) *side {
	t.Helper()
	s := &side{
		id:     id,
		peers:  map[string][]*negotiationtest.FakePeer{},
		states: map[string][]negotiation.State{},
	}
	opts.OnStateChange = func(peer string, st negotiation.State) {
		s.mu.Lock()
		s.states[peer] = append(s.states[peer], st)
		s.mu.Unlock()
	}
	factory := func(peer string) (negotiation.PeerConnection, error) {
		p := negotiationtest.NewFakePeer(id + "->" + peer)
		s.mu.Lock()
		s.peers[peer] = append(s.peers[peer], p)
		s.mu.Unlock()
		return p, nil
	}
	s.m = negotiation.NewManager(id, w.Signaler(id), factory, opts)
	w.Attach(id, s.m)
	return s
}

// peer returns the latest fake connection towards remote.
func (s *side) peer(remote string) *negotiationtest.FakePeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.peers[remote]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

func (s *side) history(remote string) []negotiation.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]negotiation.State(nil), s.states[remote]...)
}

func (s *side) state(t *testing.T, remote string) negotiation.State {
	t.Helper()
	sess, ok := s.m.Session(remote)
	require.True(t, ok, "no session %s->%s", s.id, remote)
	return sess.State()
}

func count(states []negotiation.State, st negotiation.State) int {
	n := 0
	for _, s := range states {
		if s == st {
			n++
		}
	}
	return n
}

func opts() negotiation.Options {
	o := negotiation.DefaultOptions()
	o.BatchWindow = time.Hour
	return o
}

func audioTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "stream-"+id)
	require.NoError(t, err)
	return track
}

func connectPair(t *testing.T) (*negotiationtest.Wire, *side, *side) {
	t.Helper()
	w := negotiationtest.NewWire()
	a := newSide(t, w, "a", opts())
	b := newSide(t, w, "b", opts())
	require.NoError(t, a.m.PeerJoined("b"))
	require.NoError(t, w.DeliverAll(10))
	require.Equal(t, negotiation.Connected, a.state(t, "b"))
	require.Equal(t, negotiation.Connected, b.state(t, "a"))
	return w, a, b
}

func TestInitialConnect(t *testing.T) {
	w := negotiationtest.NewWire()
	a := newSide(t, w, "a", opts())
	b := newSide(t, w, "b", opts())

	require.NoError(t, a.m.SetTrack(negotiation.TrackAudio, audioTrack(t, "a-audio")))
	require.NoError(t, a.m.PeerJoined("b"))
	assert.Equal(t, negotiation.AwaitingAnswer, a.state(t, "b"))
	assert.Equal(t, 1, a.peer("b").Tracks())

	// joining twice reuses the session
	require.NoError(t, a.m.PeerJoined("b"))
	assert.Equal(t, 1, a.peer("b").Offers())

	require.NoError(t, w.DeliverAll(10))

	assert.Equal(t,
		[]negotiation.State{negotiation.Offering, negotiation.AwaitingAnswer, negotiation.Connected},
		a.history("b"))
	assert.Equal(t, []negotiation.State{negotiation.Connected}, b.history("a"))
	assert.Len(t, w.Sent(negotiationtest.KindOffer), 1)
	assert.Len(t, w.Sent(negotiationtest.KindAnswer), 1)
}

func TestGlareResolvesToOneConnectedPair(t *testing.T) {
	for _, name := range []string{"impolite first", "polite first"} {
		t.Run(name, func(t *testing.T) {
			w := negotiationtest.NewWire()
			a := newSide(t, w, "a", opts())
			b := newSide(t, w, "b", opts())

			if name == "impolite first" {
				require.NoError(t, a.m.PeerJoined("b"))
				require.NoError(t, b.m.PeerJoined("a"))
			} else {
				require.NoError(t, b.m.PeerJoined("a"))
				require.NoError(t, a.m.PeerJoined("b"))
			}
			require.Equal(t, negotiation.AwaitingAnswer, a.state(t, "b"))
			require.Equal(t, negotiation.AwaitingAnswer, b.state(t, "a"))

			require.NoError(t, w.DeliverAll(10))
			assert.Zero(t, w.Pending())

			assert.Equal(t, negotiation.Connected, a.state(t, "b"))
			assert.Equal(t, negotiation.Connected, b.state(t, "a"))
			assert.Equal(t, 1, count(a.history("b"), negotiation.Connected))
			assert.Equal(t, 1, count(b.history("a"), negotiation.Connected))

			// "a" sorts lower and is the one that rolls back
			assert.Equal(t, 1, a.peer("b").Rollbacks())
			assert.Equal(t, 0, b.peer("a").Rollbacks())
			assert.Len(t, w.Sent(negotiationtest.KindAnswer), 1)
			assert.Equal(t, "a", w.Sent(negotiationtest.KindAnswer)[0].From)
		})
	}
}

func TestStaleAnswerIgnored(t *testing.T) {
	w, a, _ := connectPair(t)
	answer := w.Sent(negotiationtest.KindAnswer)[0].SDP

	before := a.history("b")
	require.NoError(t, a.m.HandleAnswer("b", answer))
	assert.Equal(t, negotiation.Connected, a.state(t, "b"))
	assert.Equal(t, before, a.history("b"))

	// no session at all
	require.NoError(t, a.m.HandleAnswer("ghost", answer))
	_, ok := a.m.Session("ghost")
	assert.False(t, ok)
}

func TestRenegotiationOnScreenShare(t *testing.T) {
	w, a, b := connectPair(t)
	screen := audioTrack(t, "screen")

	require.NoError(t, a.m.SetTrack(negotiation.TrackScreenVideo, screen))
	assert.Equal(t, negotiation.Renegotiating, a.state(t, "b"))
	require.NoError(t, w.DeliverAll(10))
	assert.Equal(t, negotiation.Connected, a.state(t, "b"))
	assert.Equal(t, negotiation.Connected, b.state(t, "a"))
	assert.Equal(t, 1, a.peer("b").Tracks())

	require.NoError(t, a.m.RemoveTrack(negotiation.TrackScreenVideo))
	assert.Equal(t, negotiation.Renegotiating, a.state(t, "b"))
	require.NoError(t, w.DeliverAll(10))
	assert.Equal(t, negotiation.Connected, a.state(t, "b"))
	assert.Equal(t, 0, a.peer("b").Tracks())

	assert.Len(t, w.Sent(negotiationtest.KindOffer), 3)
	assert.Equal(t, 1, len(a.peers["b"]), "connection is kept across renegotiation")
}

func TestRenegotiationGlare(t *testing.T) {
	w, a, b := connectPair(t)

	require.NoError(t, a.m.SetTrack(negotiation.TrackScreenVideo, audioTrack(t, "a-screen")))
	require.NoError(t, b.m.SetTrack(negotiation.TrackScreenVideo, audioTrack(t, "b-screen")))
	require.Equal(t, negotiation.Renegotiating, a.state(t, "b"))
	require.Equal(t, negotiation.Renegotiating, b.state(t, "a"))

	require.NoError(t, w.DeliverAll(20))
	assert.Zero(t, w.Pending())
	assert.Equal(t, negotiation.Connected, a.state(t, "b"))
	assert.Equal(t, negotiation.Connected, b.state(t, "a"))

	// the polite side re-offers its rolled back change
	assert.Equal(t, 1, a.peer("b").Rollbacks())
	assert.Equal(t, 3, a.peer("b").Offers())
}

func TestTrackChangeWhileAwaitingAnswerIsDeferred(t *testing.T) {
	w := negotiationtest.NewWire()
	a := newSide(t, w, "a", opts())
	newSide(t, w, "b", opts())

	require.NoError(t, a.m.PeerJoined("b"))
	require.NoError(t, a.m.SetTrack(negotiation.TrackScreenVideo, audioTrack(t, "screen")))
	assert.Equal(t, 1, a.peer("b").Offers())

	require.NoError(t, w.DeliverAll(10))
	assert.Equal(t, negotiation.Connected, a.state(t, "b"))
	assert.Equal(t, 2, a.peer("b").Offers())
}

func TestRemoteCandidatesWaitForDescription(t *testing.T) {
	w := negotiationtest.NewWire()
	a := newSide(t, w, "a", opts())
	newSide(t, w, "b", opts())

	require.NoError(t, a.m.PeerJoined("b"))
	_, err := w.Deliver() // offer to b; b queues its answer
	require.NoError(t, err)

	cands := []webrtc.ICECandidateInit{negotiationtest.Candidate(1), negotiationtest.Candidate(2)}
	require.NoError(t, a.m.HandleCandidates("b", cands))
	assert.Empty(t, a.peer("b").Applied())

	require.NoError(t, w.DeliverAll(10))
	assert.ElementsMatch(t, cands, a.peer("b").Applied())

	more := []webrtc.ICECandidateInit{negotiationtest.Candidate(3), negotiationtest.Candidate(4), negotiationtest.Candidate(5)}
	require.NoError(t, a.m.HandleCandidates("b", more))
	assert.Len(t, a.peer("b").Applied(), 5)
}

func TestCandidateBurstIsOneBatch(t *testing.T) {
	w, a, _ := connectPair(t)
	pc := a.peer("b")

	const n = 6
	for i := 0; i < n; i++ {
		c := negotiationtest.Candidate(i)
		pc.Emit(&c)
	}
	assert.Empty(t, w.Sent(negotiationtest.KindCandidates))

	pc.Emit(nil)
	batches := w.Sent(negotiationtest.KindCandidates)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Candidates, n)
	assert.Equal(t, "b", batches[0].To)

	// gathering complete with nothing pending sends nothing
	pc.Emit(nil)
	assert.Len(t, w.Sent(negotiationtest.KindCandidates), 1)
}

func TestCandidateWindowFlush(t *testing.T) {
	w := negotiationtest.NewWire()
	o := negotiation.DefaultOptions()
	o.BatchWindow = 20 * time.Millisecond
	a := newSide(t, w, "a", o)
	newSide(t, w, "b", opts())
	require.NoError(t, a.m.PeerJoined("b"))

	pc := a.peer("b")
	for i := 0; i < 3; i++ {
		c := negotiationtest.Candidate(i)
		pc.Emit(&c)
	}
	require.Eventually(t, func() bool {
		return len(w.Sent(negotiationtest.KindCandidates)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, w.Sent(negotiationtest.KindCandidates)[0].Candidates, 3)
}

func TestCloseStopsBatchTimer(t *testing.T) {
	w := negotiationtest.NewWire()
	o := negotiation.DefaultOptions()
	o.BatchWindow = 20 * time.Millisecond
	a := newSide(t, w, "a", o)
	require.NoError(t, a.m.PeerJoined("b"))

	pc := a.peer("b")
	c := negotiationtest.Candidate(1)
	pc.Emit(&c)
	require.NoError(t, a.m.PeerLeft("b"))

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, w.Sent(negotiationtest.KindCandidates))
	assert.True(t, pc.Closed())
}

// blockingSignaler parks the first candidate batch until release is closed.
type blockingSignaler struct {
	entered chan struct{}
	release chan struct{}

	mu          sync.Mutex
	batches     int
	afterClose  int
	closeReturn bool
}

func (b *blockingSignaler) SendOffer(string, webrtc.SessionDescription) error  { return nil }
func (b *blockingSignaler) SendAnswer(string, webrtc.SessionDescription) error { return nil }
func (b *blockingSignaler) SendCandidate(string, webrtc.ICECandidateInit) error {
	return nil
}

func (b *blockingSignaler) SendCandidates(_ string, _ []webrtc.ICECandidateInit) error {
	b.mu.Lock()
	b.batches++
	if b.closeReturn {
		b.afterClose++
	}
	first := b.batches == 1
	b.mu.Unlock()
	if first {
		close(b.entered)
		<-b.release
	}
	return nil
}

func TestCloseWaitsForTimedFlush(t *testing.T) {
	sig := &blockingSignaler{entered: make(chan struct{}), release: make(chan struct{})}
	o := negotiation.DefaultOptions()
	o.BatchWindow = 5 * time.Millisecond
	pc := negotiationtest.NewFakePeer("a->b")
	s := negotiation.NewSession("a", "b", pc, sig, o)

	c := negotiationtest.Candidate(1)
	pc.Emit(&c)
	select {
	case <-sig.entered:
	case <-time.After(time.Second):
		t.Fatal("timed flush never started")
	}

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		sig.mu.Lock()
		sig.closeReturn = true
		sig.mu.Unlock()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a batch was being delivered")
	case <-time.After(30 * time.Millisecond):
	}
	close(sig.release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the flush finished")
	}

	c2 := negotiationtest.Candidate(2)
	pc.Emit(&c2)
	pc.Emit(nil)
	time.Sleep(20 * time.Millisecond)

	sig.mu.Lock()
	defer sig.mu.Unlock()
	assert.Equal(t, 1, sig.batches)
	assert.Zero(t, sig.afterClose)
	assert.Equal(t, negotiation.Closed, s.State())
}

func TestSingleCandidatePath(t *testing.T) {
	w := negotiationtest.NewWire()
	o := negotiation.DefaultOptions()
	o.BatchCandidates = false
	a := newSide(t, w, "a", o)
	require.NoError(t, a.m.PeerJoined("b"))

	pc := a.peer("b")
	for i := 0; i < 3; i++ {
		c := negotiationtest.Candidate(i)
		pc.Emit(&c)
	}
	pc.Emit(nil)
	assert.Len(t, w.Sent(negotiationtest.KindCandidate), 3)
	assert.Empty(t, w.Sent(negotiationtest.KindCandidates))
}

func TestICERestartThenFailed(t *testing.T) {
	w := negotiationtest.NewWire()
	o := opts()
	o.MaxICERestarts = 2
	a := newSide(t, w, "a", o)
	newSide(t, w, "b", opts())
	require.NoError(t, a.m.PeerJoined("b"))
	require.NoError(t, w.DeliverAll(10))
	pc := a.peer("b")

	for attempt := 1; attempt <= 2; attempt++ {
		pc.SetTransportState(webrtc.PeerConnectionStateFailed)
		assert.Equal(t, negotiation.Renegotiating, a.state(t, "b"))
		assert.Equal(t, attempt, pc.Restarts())
		require.NoError(t, w.DeliverAll(10))
		assert.Equal(t, negotiation.Connected, a.state(t, "b"))
	}

	failed, ok := a.m.Session("b")
	require.True(t, ok)
	pc.SetTransportState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, negotiation.Failed, a.state(t, "b"))
	assert.True(t, pc.Closed())
	assert.ErrorIs(t, failed.SetTrack(negotiation.TrackAudio, audioTrack(t, "late")), negotiation.ErrFailed)
	assert.ErrorIs(t, failed.RemoveTrack(negotiation.TrackAudio), negotiation.ErrFailed)
	require.NoError(t, a.m.SetTrack(negotiation.TrackAudio, audioTrack(t, "mic")))

	// a fresh announcement replaces the failed session
	require.NoError(t, a.m.PeerJoined("b"))
	assert.NotSame(t, pc, a.peer("b"))
	assert.Equal(t, negotiation.AwaitingAnswer, a.state(t, "b"))
}

func TestTransportRecoveryResetsRestarts(t *testing.T) {
	w := negotiationtest.NewWire()
	o := opts()
	o.MaxICERestarts = 1
	a := newSide(t, w, "a", o)
	newSide(t, w, "b", opts())
	require.NoError(t, a.m.PeerJoined("b"))
	require.NoError(t, w.DeliverAll(10))
	pc := a.peer("b")

	for i := 0; i < 3; i++ {
		pc.SetTransportState(webrtc.PeerConnectionStateFailed)
		require.NoError(t, w.DeliverAll(10))
		pc.SetTransportState(webrtc.PeerConnectionStateConnected)
	}
	assert.Equal(t, negotiation.Connected, a.state(t, "b"))
	assert.Equal(t, 3, pc.Restarts())
}

func TestCloseIsIdempotent(t *testing.T) {
	w, a, b := connectPair(t)

	sess, ok := a.m.Session("b")
	require.True(t, ok)
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.Equal(t, negotiation.Closed, sess.State())
	assert.Equal(t, 1, count(a.history("b"), negotiation.Closed))
	assert.True(t, a.peer("b").Closed())

	// messages for a closed session are ignored
	require.NoError(t, sess.HandleAnswer(w.Sent(negotiationtest.KindAnswer)[0].SDP))
	assert.ErrorIs(t, sess.SetTrack(negotiation.TrackAudio, audioTrack(t, "late")), negotiation.ErrClosed)

	require.NoError(t, b.m.PeerLeft("a"))
	require.NoError(t, b.m.PeerLeft("a"))
	assert.Empty(t, b.m.Peers())
}

func TestCloseIdleSession(t *testing.T) {
	pc := negotiationtest.NewFakePeer("x")
	w := negotiationtest.NewWire()
	var notes []negotiation.State
	o := opts()
	o.OnStateChange = func(_ string, st negotiation.State) { notes = append(notes, st) }

	sess := negotiation.NewSession("a", "b", pc, w.Signaler("a"), o)
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.Empty(t, notes)
	assert.True(t, pc.Closed())
	assert.Zero(t, w.Pending())
}

func TestManagerCloseAll(t *testing.T) {
	_, a, _ := connectPair(t)
	pc := a.peer("b")

	require.NoError(t, a.m.Close())
	assert.True(t, pc.Closed())
	assert.Empty(t, a.m.Peers())
	assert.ErrorIs(t, a.m.PeerJoined("c"), negotiation.ErrClosed)
}

func TestPoliteness(t *testing.T) {
	w := negotiationtest.NewWire()
	s := negotiation.NewSession("AAA", "BBB", negotiationtest.NewFakePeer("x"), w.Signaler("AAA"), opts())
	assert.True(t, s.Polite())
	s = negotiation.NewSession("BBB", "AAA", negotiationtest.NewFakePeer("y"), w.Signaler("BBB"), opts())
	assert.False(t, s.Polite())
}
