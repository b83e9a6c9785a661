package proctor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/realtime"
)

type fakePeer struct {
	mu     sync.Mutex
	state  webrtc.SignalingState
	conn   webrtc.PeerConnectionState
	remote *webrtc.SessionDescription
	calls  []string
	tracks int
	closed bool
	onCand func(*webrtc.ICECandidate)
}

func newFakePeer() *fakePeer {
	return &fakePeer{state: webrtc.SignalingStateStable, conn: webrtc.PeerConnectionStateNew}
}

func (f *fakePeer) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePeer) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &desc
	f.state = webrtc.SignalingStateHaveRemoteOffer
	f.calls = append(f.calls, "remote:"+desc.SDP)
	return nil
}

func (f *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + f.remote.SDP}, nil
}

func (f *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = webrtc.SignalingStateStable
	f.calls = append(f.calls, "local")
	return nil
}

func (f *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "candidate:"+c.Candidate)
	return nil
}

func (f *fakePeer) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks++
	return nil, nil
}

func (f *fakePeer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCand = fn
}

func (f *fakePeer) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.conn = webrtc.PeerConnectionStateClosed
	f.tracks = 0
	return nil
}

func (f *fakePeer) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (ff *fakeFactory) New() (PeerConnection, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	p := newFakePeer()
	ff.peers = append(ff.peers, p)
	return p, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.peers)
}

func (ff *fakeFactory) peer(i int) *fakePeer {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.peers[i]
}

type fakeStream struct {
	tracks  []webrtc.TrackLocal
	mu      sync.Mutex
	stopped int
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

type fakeCapturer struct {
	mu     sync.Mutex
	calls  int
	err    error
	gate   chan struct{}
	stream *fakeStream
}

func (c *fakeCapturer) Capture(context.Context) (Stream, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

func newTestStream(t *testing.T) *fakeStream {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	return &fakeStream{tracks: []webrtc.TrackLocal{track}}
}

type harness struct {
	engine   *Engine
	ch       *realtime.Memory
	factory  *fakeFactory
	capturer *fakeCapturer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ch:       realtime.NewMemory(),
		factory:  &fakeFactory{},
		capturer: &fakeCapturer{stream: newTestStream(t)},
	}
	h.engine = New(h.ch, h.factory.New, h.capturer, "exam-1", "cand-1", zerolog.Nop(),
		WithSpawn(func(f func()) { f() }))
	h.engine.Start()
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) signal(t *testing.T, from string, sig realtime.Signal) {
	t.Helper()
	err := h.ch.Deliver(realtime.EventWebRTCSignal, realtime.WebRTCSignal{
		ExamID: "exam-1", TargetID: "cand-1", FromID: from, Signal: sig,
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
}

func candidate(s string) realtime.Signal {
	return realtime.Signal{Type: realtime.SignalCandidate, Candidate: &realtime.ICECandidate{Candidate: s}}
}

func offer(sdp string) realtime.Signal {
	return realtime.Signal{Type: realtime.SignalOffer, SDP: sdp}
}

func answers(t *testing.T, ch *realtime.Memory) []realtime.WebRTCSignal {
	t.Helper()
	var out []realtime.WebRTCSignal
	for _, msg := range ch.Sent(realtime.EventWebRTCSignal) {
		s, err := realtime.Decode[realtime.WebRTCSignal](msg.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if s.Signal.Type == realtime.SignalAnswer {
			out = append(out, s)
		}
	}
	return out
}

func TestCandidatesBeforeOfferAreQueuedAndFlushedInOrder(t *testing.T) {
	h := newHarness(t)
	h.signal(t, "obs-1", candidate("c1"))
	h.signal(t, "obs-1", candidate("c2"))

	if got := h.factory.peer(0).snapshot(); len(got) != 0 {
		t.Fatalf("expected candidates to wait for the offer, got %v", got)
	}

	h.signal(t, "obs-1", offer("o1"))

	want := []string{"remote:o1", "local", "candidate:c1", "candidate:c2"}
	got := h.factory.peer(0).snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	ans := answers(t, h.ch)
	if len(ans) != 1 {
		t.Fatalf("expected one answer, got %d", len(ans))
	}
	if ans[0].TargetID != "obs-1" || ans[0].FromID != "cand-1" || ans[0].Signal.SDP != "answer-to-o1" {
		t.Fatalf("unexpected answer %+v", ans[0])
	}
	if h.factory.count() != 1 {
		t.Fatalf("expected a single record for the observer, got %d", h.factory.count())
	}
}

func TestCandidateAfterOfferAppliesImmediately(t *testing.T) {
	h := newHarness(t)
	h.signal(t, "obs-1", offer("o1"))
	h.signal(t, "obs-1", candidate("c1"))

	got := h.factory.peer(0).snapshot()
	if got[len(got)-1] != "candidate:c1" {
		t.Fatalf("expected candidate to be applied, got %v", got)
	}
}

func TestOfferOutsideStableStateIsDropped(t *testing.T) {
	h := newHarness(t)
	h.signal(t, "obs-1", candidate("c1"))
	p := h.factory.peer(0)
	p.mu.Lock()
	p.state = webrtc.SignalingStateHaveLocalOffer
	p.mu.Unlock()

	h.signal(t, "obs-1", offer("o1"))

	if got := p.snapshot(); len(got) != 0 {
		t.Fatalf("expected offer to be ignored, got %v", got)
	}
	if len(answers(t, h.ch)) != 0 {
		t.Fatalf("expected no answer")
	}
}

func TestSignalsForOthersAreIgnored(t *testing.T) {
	h := newHarness(t)
	_ = h.ch.Deliver(realtime.EventWebRTCSignal, realtime.WebRTCSignal{
		TargetID: "someone-else", FromID: "obs-1", Signal: offer("o1"),
	})
	if h.factory.count() != 0 {
		t.Fatalf("expected no peer for a foreign signal")
	}
}

func TestObserversGetIndependentRecords(t *testing.T) {
	h := newHarness(t)
	h.signal(t, "obs-1", offer("o1"))
	h.signal(t, "obs-2", offer("o2"))
	h.signal(t, "obs-1", offer("o1-renegotiate"))

	if h.factory.count() != 2 {
		t.Fatalf("expected two records, got %d", h.factory.count())
	}
	if got := h.engine.Stats().Peers; got != 2 {
		t.Fatalf("expected two live peers, got %d", got)
	}
	if len(answers(t, h.ch)) != 3 {
		t.Fatalf("expected three answers")
	}
}

func TestDeadRecordIsReplacedOnNewOffer(t *testing.T) {
	h := newHarness(t)
	h.signal(t, "obs-1", offer("o1"))
	first := h.factory.peer(0)
	first.mu.Lock()
	first.conn = webrtc.PeerConnectionStateFailed
	first.mu.Unlock()

	h.signal(t, "obs-1", offer("o2"))

	if h.factory.count() != 2 {
		t.Fatalf("expected a replacement connection, got %d", h.factory.count())
	}
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Fatalf("expected the dead connection to be closed")
	}
	if got := h.engine.Stats().Peers; got != 1 {
		t.Fatalf("expected one live record, got %d", got)
	}
}

func TestAcquireIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.capturer.gate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.engine.Acquire(context.Background())
		}()
	}
	close(h.capturer.gate)
	wg.Wait()
	_ = h.engine.Acquire(context.Background())

	h.capturer.mu.Lock()
	calls := h.capturer.calls
	h.capturer.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one capture, got %d", calls)
	}
	if got := len(h.ch.Sent(realtime.EventWebRTCReady)); got != 1 {
		t.Fatalf("expected one webrtc_ready, got %d", got)
	}
	if !h.engine.Stats().Streaming {
		t.Fatalf("expected engine to be streaming")
	}
}

func TestTrackAttachedWhenStreamArrivesLater(t *testing.T) {
	h := newHarness(t)
	h.signal(t, "obs-1", offer("o1"))
	if err := h.engine.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.signal(t, "obs-2", offer("o2"))

	for i := 0; i < 2; i++ {
		p := h.factory.peer(i)
		p.mu.Lock()
		tracks := p.tracks
		p.mu.Unlock()
		if tracks != 1 {
			t.Fatalf("peer %d: expected one track, got %d", i, tracks)
		}
	}
}

func TestMediaFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.capturer.err = errors.New("camera busy")

	if err := h.engine.Acquire(context.Background()); err == nil {
		t.Fatalf("expected acquisition error")
	}
	if got := len(h.ch.Sent(realtime.EventWebRTCReady)); got != 0 {
		t.Fatalf("expected no announcement, got %d", got)
	}
	if h.engine.Announce(context.Background()) {
		t.Fatalf("expected announce to be skipped without a stream")
	}

	h.signal(t, "obs-1", offer("o1"))
	if len(answers(t, h.ch)) != 1 {
		t.Fatalf("expected offers to still be answered")
	}
}

func TestAnnounceRepeatsReady(t *testing.T) {
	h := newHarness(t)
	_ = h.engine.Acquire(context.Background())
	if !h.engine.Announce(context.Background()) {
		t.Fatalf("expected announce with a stream")
	}
	if got := len(h.ch.Sent(realtime.EventWebRTCReady)); got != 2 {
		t.Fatalf("expected two webrtc_ready, got %d", got)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t)
	_ = h.engine.Acquire(context.Background())
	h.signal(t, "obs-1", offer("o1"))
	h.signal(t, "obs-2", offer("o2"))

	h.engine.Close()
	h.engine.Close()

	stats := h.engine.Stats()
	if stats.Peers != 0 || stats.Tracks != 0 || stats.Streaming {
		t.Fatalf("expected nothing left, got %+v", stats)
	}
	for i := 0; i < h.factory.count(); i++ {
		p := h.factory.peer(i)
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			t.Fatalf("peer %d left open", i)
		}
	}
	h.capturer.stream.mu.Lock()
	stopped := h.capturer.stream.stopped
	h.capturer.stream.mu.Unlock()
	if stopped != 1 {
		t.Fatalf("expected stream stopped once, got %d", stopped)
	}
	if n := h.ch.Subscribers(realtime.EventWebRTCSignal); n != 0 {
		t.Fatalf("expected signaling unsubscribed, got %d", n)
	}

	h.signal(t, "obs-3", offer("o3"))
	if h.factory.count() != 2 {
		t.Fatalf("expected no new peers after close")
	}
	if err := h.engine.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
