package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/examapi"
	"github.com/stemsi/exstem-candidate/internal/model"
	"github.com/stemsi/exstem-candidate/internal/proctor"
	"github.com/stemsi/exstem-candidate/internal/progress"
	"github.com/stemsi/exstem-candidate/internal/realtime"
	"github.com/stemsi/exstem-candidate/internal/tick"
)

// ─── Fakes ──────────────────────────────────────────────────────────

type fakeExams struct {
	mu         sync.Mutex
	env        model.ExamEnvelope
	serverTime func() time.Time
	fetchErr   error
	submitErrs []error
	fetches    int
	submits    int
	ctxs       []context.Context
	last       model.SubmissionRequest
}

func (f *fakeExams) FetchExam(ctx context.Context, examID string) (*examapi.Fetched, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	f.ctxs = append(f.ctxs, ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	env := f.env
	env.Exam = *f.env.Exam.Clone()
	return &examapi.Fetched{Envelope: env, ServerTime: f.serverTime()}, nil
}

func (f *fakeExams) Submit(ctx context.Context, req model.SubmissionRequest) (*examapi.Submitted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.last = req
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	total := len(f.env.Exam.Questions())
	return &examapi.Submitted{Result: model.SubmissionResult{TotalQuestions: &total}}, nil
}

func (f *fakeExams) update(fn func(env *model.ExamEnvelope)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.env)
}

func (f *fakeExams) counts() (fetches, submits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.submits
}

type fakeView struct {
	renders    []State
	countdowns []time.Duration
	notices    []NoticeCode
	leaves     int
}

func (v *fakeView) Render(state State, _ *model.ExamDefinition) { v.renders = append(v.renders, state) }
func (v *fakeView) Countdown(d time.Duration)                  { v.countdowns = append(v.countdowns, d) }
func (v *fakeView) Notify(n Notice)                            { v.notices = append(v.notices, n.Code) }
func (v *fakeView) Leave()                                     { v.leaves++ }

func (v *fakeView) noticed(code NoticeCode) int {
	n := 0
	for _, c := range v.notices {
		if c == code {
			n++
		}
	}
	return n
}

type fakeStream struct {
	tracks  []webrtc.TrackLocal
	stopped int
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *fakeStream) Stop()                       { s.stopped++ }

type fakeCapturer struct {
	stream *fakeStream
	err    error
}

func (c *fakeCapturer) Capture(context.Context) (proctor.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

// ─── Harness ────────────────────────────────────────────────────────

type harness struct {
	t        *testing.T
	s        *Session
	exams    *fakeExams
	view     *fakeView
	ch       *realtime.Memory
	sched    *tick.Manual
	store    *progress.MemoryStore
	capturer *fakeCapturer

	mu      sync.Mutex
	spawned []func()
}

var epoch = time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)

func baseExam(now time.Time) model.ExamDefinition {
	start := now.Add(-5 * time.Second)
	return model.ExamDefinition{
		ID:              "exam-1",
		Title:           "Fisika Dasar",
		Status:          model.ExamStatusActive,
		StartMethod:     model.StartMethodAuto,
		StartTime:       &start,
		DurationMinutes: 10,
		Sections: []model.Section{{
			ID: "sec-1",
			Questions: []model.Question{
				{ID: "q1", Type: model.QuestionTypeMultipleChoice, Text: "Satuan gaya?", Options: []string{"Newton", "Joule", "Watt"}, Required: true},
				{ID: "q2", Type: model.QuestionTypeShortAnswer, Text: "Rumus energi kinetik?"},
			},
		}},
		UngroupedQuestions: []model.Question{
			{ID: "q3", Type: model.QuestionTypeParagraph, Text: "Jelaskan hukum Newton III."},
		},
	}
}

func newHarness(t *testing.T, mutate func(def *model.ExamDefinition)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		view:     &fakeView{},
		ch:       realtime.NewMemory(),
		sched:    tick.NewManual(epoch),
		store:    progress.NewMemoryStore(),
		capturer: &fakeCapturer{stream: &fakeStream{tracks: []webrtc.TrackLocal{testTrack(t)}}},
	}
	def := baseExam(epoch)
	if mutate != nil {
		mutate(&def)
	}
	h.exams = &fakeExams{env: model.ExamEnvelope{Exam: def}, serverTime: h.sched.Now}

	h.s = New(Config{
		ExamID:       "exam-1",
		Candidate:    model.Candidate{ID: "cand-1", Name: "Ayu Lestari"},
		PollInterval: 3 * time.Second,
	}, Deps{
		Exams:     h.exams,
		Channel:   h.ch,
		Store:     h.store,
		Scheduler: h.sched,
		View:      h.view,
		Peers: func() (proctor.PeerConnection, error) {
			return nil, errors.New("no peers in this test")
		},
		Capturer: h.capturer,
		Log:      zerolog.Nop(),
		Spawn: func(f func()) {
			h.mu.Lock()
			h.spawned = append(h.spawned, f)
			h.mu.Unlock()
		},
	})
	return h
}

func testTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	return track
}

func (h *harness) pendingSpawns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.spawned)
}

func (h *harness) runSpawned() bool {
	h.mu.Lock()
	if len(h.spawned) == 0 {
		h.mu.Unlock()
		return false
	}
	f := h.spawned[0]
	h.spawned = h.spawned[1:]
	h.mu.Unlock()
	f()
	return true
}

// hold removes the oldest spawned work without running it.
func (h *harness) hold() func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.spawned) == 0 {
		h.t.Fatalf("nothing spawned to hold")
	}
	f := h.spawned[0]
	h.spawned = h.spawned[1:]
	return f
}

// settle runs spawned work and loop events until both are idle.
func (h *harness) settle() {
	for {
		if h.runSpawned() {
			continue
		}
		if h.s.box.Len() > 0 {
			h.s.Drain()
			continue
		}
		return
	}
}

func (h *harness) start() {
	h.s.Start()
	h.settle()
}

func (h *harness) advance(d time.Duration) {
	for d > 0 {
		step := min(d, time.Second)
		h.sched.Advance(step)
		h.settle()
		d -= step
	}
}

func (h *harness) deliver(event realtime.Event) {
	if err := h.ch.Deliver(event, realtime.Control{ExamID: "exam-1"}); err != nil {
		h.t.Fatalf("deliver: %v", err)
	}
	h.settle()
}

func (h *harness) await(c <-chan error) error {
	h.settle()
	select {
	case err := <-c:
		return err
	default:
		h.t.Fatalf("no reply after settle")
		return nil
	}
}

func (h *harness) activities() []realtime.ActivityType {
	var out []realtime.ActivityType
	for _, msg := range h.ch.Sent(realtime.EventStudentActivity) {
		a, _ := realtime.Decode[realtime.StudentActivity](msg.Data)
		out = append(out, a.EventType)
	}
	return out
}

func (h *harness) assertReleased() {
	h.t.Helper()
	select {
	case <-h.s.Done():
	default:
		h.t.Fatalf("session did not detach")
	}
	if n := h.sched.Pending(); n != 0 {
		h.t.Fatalf("expected no timers left, got %d", n)
	}
	if n := h.ch.Subscribers(""); n != 0 {
		h.t.Fatalf("expected no subscriptions left, got %d", n)
	}
	if h.s.engine != nil {
		if st := h.s.engine.Stats(); st.Peers != 0 || st.Tracks != 0 || st.Streaming {
			h.t.Fatalf("expected proctoring released, got %+v", st)
		}
	}
}

// ─── Resolution ─────────────────────────────────────────────────────

func TestResolve(t *testing.T) {
	now := epoch
	at := func(d time.Duration) *time.Time { v := now.Add(d); return &v }
	unix0 := time.Unix(0, 0)

	cases := []struct {
		name   string
		mutate func(env *model.ExamEnvelope)
		want   State
	}{
		{"prior submission", func(env *model.ExamEnvelope) {
			env.Submission = &model.SubmissionRecord{}
		}, Submitted{}},
		{"draft exam", func(env *model.ExamEnvelope) {
			env.Exam.Status = model.ExamStatusDraft
		}, Terminated{Reason: ReasonNotOpen}},
		{"closed manual without start", func(env *model.ExamEnvelope) {
			env.Exam.Status = model.ExamStatusClosed
			env.Exam.StartMethod = model.StartMethodManual
			env.Exam.StartTime = nil
		}, Waiting{Reason: WaitManual}},
		{"closed manual with epoch start", func(env *model.ExamEnvelope) {
			env.Exam.Status = model.ExamStatusClosed
			env.Exam.StartMethod = model.StartMethodManual
			env.Exam.StartTime = &unix0
		}, Waiting{Reason: WaitManual}},
		{"closed manual already started", func(env *model.ExamEnvelope) {
			env.Exam.Status = model.ExamStatusClosed
			env.Exam.StartMethod = model.StartMethodManual
		}, Terminated{Reason: ReasonNotOpen}},
		{"auto without a time", func(env *model.ExamEnvelope) {
			env.Exam.StartTime = nil
		}, Waiting{Reason: WaitManual}},
		{"auto in the future", func(env *model.ExamEnvelope) {
			env.Exam.StartTime = at(time.Minute)
		}, Waiting{Reason: WaitScheduled, ScheduledAt: now.Add(time.Minute)}},
		{"started five seconds ago", func(env *model.ExamEnvelope) {
			env.Exam.StartTime = at(-5 * time.Second)
		}, Active{Deadline: now.Add(10*time.Minute - 5*time.Second)}},
		{"past deadline", func(env *model.ExamEnvelope) {
			env.Exam.StartTime = at(-11 * time.Minute)
		}, Terminated{Reason: ReasonEnded}},
		{"past deadline with late submission", func(env *model.ExamEnvelope) {
			env.Exam.StartTime = at(-11 * time.Minute)
			env.Exam.AllowLateSubmission = true
		}, Active{Deadline: now.Add(-time.Minute), AllowLate: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := model.ExamEnvelope{Exam: baseExam(now)}
			tc.mutate(&env)
			got := Resolve(env, now)
			if !sameState(got, tc.want) {
				t.Fatalf("expected %s, got %s", Describe(tc.want), Describe(got))
			}
		})
	}
}

func sameState(a, b State) bool {
	switch x := a.(type) {
	case Waiting:
		y, ok := b.(Waiting)
		return ok && x.Reason == y.Reason && x.ScheduledAt.Equal(y.ScheduledAt)
	case Active:
		y, ok := b.(Active)
		return ok && x.Deadline.Equal(y.Deadline) && x.AllowLate == y.AllowLate
	case Terminated:
		y, ok := b.(Terminated)
		return ok && x.Reason == y.Reason
	case Submitted:
		_, ok := b.(Submitted)
		return ok
	}
	return a.Name() == b.Name()
}

// ─── Lifecycle ──────────────────────────────────────────────────────

func TestStartedFiveSecondsAgoIsActive(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	st, ok := h.s.State().(Active)
	if !ok {
		t.Fatalf("expected active, got %s", Describe(h.s.State()))
	}
	if want := epoch.Add(-5 * time.Second).Add(10 * time.Minute); !st.Deadline.Equal(want) {
		t.Fatalf("expected deadline %v, got %v", want, st.Deadline)
	}
	if got := h.view.countdowns[len(h.view.countdowns)-1]; got != 10*time.Minute-5*time.Second {
		t.Fatalf("unexpected countdown %v", got)
	}
	if n := len(h.ch.Sent(realtime.EventJoinExam)); n != 1 {
		t.Fatalf("expected one join_exam, got %d", n)
	}
}

func TestAutoSubmitFiresExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	_ = h.await(h.s.Answer("q2", []string{"1/2 m v^2"}))

	h.advance(10*time.Minute - 5*time.Second)

	if _, ok := h.s.State().(Submitted); !ok {
		t.Fatalf("expected submitted, got %s", Describe(h.s.State()))
	}
	h.advance(5 * time.Second)
	if _, submits := h.exams.counts(); submits != 1 {
		t.Fatalf("expected exactly one submission, got %d", submits)
	}
	if h.exams.last.Answers["q2"][0] != "1/2 m v^2" {
		t.Fatalf("expected draft to be submitted, got %v", h.exams.last.Answers)
	}
	if h.view.noticed(NoticeAutoSubmitted) != 1 {
		t.Fatalf("expected auto-submit notice")
	}
	h.assertReleased()
}

func TestOvertimeCountsNegative(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) { def.AllowLateSubmission = true })
	h.start()
	h.advance(10*time.Minute + 5*time.Second)

	if _, ok := h.s.State().(Active); !ok {
		t.Fatalf("expected to stay active in overtime, got %s", Describe(h.s.State()))
	}
	if got := h.view.countdowns[len(h.view.countdowns)-1]; got != -10*time.Second {
		t.Fatalf("expected -10s overtime, got %v", got)
	}
	if _, submits := h.exams.counts(); submits != 0 {
		t.Fatalf("expected no automatic submission, got %d", submits)
	}
	if h.view.noticed(NoticeOvertime) != 1 {
		t.Fatalf("expected a single overtime notice")
	}
}

func TestManualStartWaitsForExamStarted(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) {
		def.Status = model.ExamStatusClosed
		def.StartMethod = model.StartMethodManual
		def.StartTime = nil
	})
	h.start()

	if st, ok := h.s.State().(Waiting); !ok || st.Reason != WaitManual {
		t.Fatalf("expected manual waiting, got %s", Describe(h.s.State()))
	}

	h.exams.update(func(env *model.ExamEnvelope) {
		start := h.sched.Now()
		env.Exam.Status = model.ExamStatusActive
		env.Exam.StartTime = &start
	})
	h.deliver(realtime.EventExamStarted)

	st, ok := h.s.State().(Active)
	if !ok {
		t.Fatalf("expected active after exam_started, got %s", Describe(h.s.State()))
	}
	if !st.Deadline.Equal(epoch.Add(10 * time.Minute)) {
		t.Fatalf("unexpected deadline %v", st.Deadline)
	}
	if fetches, _ := h.exams.counts(); fetches != 2 {
		t.Fatalf("expected an immediate refetch, got %d fetches", fetches)
	}
	if n := h.sched.Pending(); n != 1 {
		t.Fatalf("expected only the countdown timer, got %d", n)
	}
}

func TestWaitingPollsUntilStarted(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) {
		def.StartMethod = model.StartMethodManual
		def.StartTime = nil
	})
	h.start()
	h.advance(3 * time.Second)
	if fetches, _ := h.exams.counts(); fetches != 2 {
		t.Fatalf("expected poll to refetch, got %d fetches", fetches)
	}
	renders := len(h.view.renders)

	h.advance(3 * time.Second)
	if len(h.view.renders) != renders {
		t.Fatalf("expected an unchanged waiting state not to re-render")
	}

	h.exams.update(func(env *model.ExamEnvelope) {
		start := h.sched.Now()
		env.Exam.StartTime = &start
	})
	h.advance(3 * time.Second)
	if _, ok := h.s.State().(Active); !ok {
		t.Fatalf("expected active, got %s", Describe(h.s.State()))
	}
	fetches, _ := h.exams.counts()
	h.advance(10 * time.Second)
	if after, _ := h.exams.counts(); after != fetches {
		t.Fatalf("expected polling to stop once active")
	}
}

func TestPollSkippedWhileFetchInFlight(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) {
		def.StartMethod = model.StartMethodManual
		def.StartTime = nil
	})
	h.start()

	h.sched.Advance(3 * time.Second)
	h.s.Drain()
	h.sched.Advance(3 * time.Second)
	h.s.Drain()
	if n := h.pendingSpawns(); n != 1 {
		t.Fatalf("expected a single in-flight fetch, got %d", n)
	}
	h.settle()
	if fetches, _ := h.exams.counts(); fetches != 2 {
		t.Fatalf("expected two fetches, got %d", fetches)
	}
}

func TestExamStartedPreemptsInFlightPoll(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) {
		def.StartMethod = model.StartMethodManual
		def.StartTime = nil
	})
	h.start()

	h.sched.Advance(3 * time.Second)
	h.s.Drain()
	if h.pendingSpawns() != 1 {
		t.Fatalf("expected poll fetch in flight")
	}

	h.exams.update(func(env *model.ExamEnvelope) {
		start := h.sched.Now()
		env.Exam.StartTime = &start
	})
	_ = h.ch.Deliver(realtime.EventExamStarted, realtime.Control{ExamID: "exam-1"})
	h.s.Drain()
	h.settle()

	if _, ok := h.s.State().(Active); !ok {
		t.Fatalf("expected active, got %s", Describe(h.s.State()))
	}
	h.exams.mu.Lock()
	polled := h.exams.ctxs[1]
	h.exams.mu.Unlock()
	if polled.Err() == nil {
		t.Fatalf("expected the in-flight poll to be cancelled")
	}
	actives := 0
	for _, r := range h.view.renders {
		if _, ok := r.(Active); ok {
			actives++
		}
	}
	if actives != 1 {
		t.Fatalf("expected a single activation, got %d", actives)
	}
}

func TestScheduledStartActivatesOnTime(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) {
		start := epoch.Add(10 * time.Second)
		def.StartTime = &start
	})
	h.start()

	if st, ok := h.s.State().(Waiting); !ok || st.Reason != WaitScheduled {
		t.Fatalf("expected scheduled waiting, got %s", Describe(h.s.State()))
	}
	h.advance(9 * time.Second)
	if _, ok := h.s.State().(Waiting); !ok {
		t.Fatalf("activated early")
	}
	h.advance(time.Second)
	st, ok := h.s.State().(Active)
	if !ok {
		t.Fatalf("expected active at the scheduled time, got %s", Describe(h.s.State()))
	}
	if !st.Deadline.Equal(epoch.Add(10*time.Second + 10*time.Minute)) {
		t.Fatalf("unexpected deadline %v", st.Deadline)
	}
}

func TestServerClockOffsetDrivesResolution(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) {
		start := epoch.Add(time.Hour - 5*time.Second)
		def.StartTime = &start
	})
	h.exams.serverTime = func() time.Time { return h.sched.Now().Add(time.Hour) }
	h.start()

	if _, ok := h.s.State().(Active); !ok {
		t.Fatalf("expected server clock to put the attempt in progress, got %s", Describe(h.s.State()))
	}
}

func TestPriorSubmissionResolvesSubmitted(t *testing.T) {
	h := newHarness(t, nil)
	score := 80.0
	h.exams.update(func(env *model.ExamEnvelope) {
		env.Submission = &model.SubmissionRecord{Result: model.SubmissionResult{Score: &score}}
	})
	h.start()

	st, ok := h.s.State().(Submitted)
	if !ok || st.Result.Score == nil || *st.Result.Score != 80 {
		t.Fatalf("expected prior result, got %s", Describe(h.s.State()))
	}
	if n := len(h.ch.Sent(realtime.EventJoinExam)); n != 0 {
		t.Fatalf("expected no join for a finished attempt")
	}
	h.assertReleased()
}

func TestNotOpenNavigatesAway(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) { def.Status = model.ExamStatusDraft })
	h.start()

	if st, ok := h.s.State().(Terminated); !ok || st.Reason != ReasonNotOpen {
		t.Fatalf("expected not-open, got %s", Describe(h.s.State()))
	}
	if h.view.leaves != 1 || h.view.noticed(NoticeExamNotOpen) != 1 {
		t.Fatalf("expected notice and navigation, got %v leaves=%d", h.view.notices, h.view.leaves)
	}
	h.assertReleased()
}

func TestEndedShowsNotice(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) {
		start := epoch.Add(-11 * time.Minute)
		def.StartTime = &start
	})
	h.start()

	if st, ok := h.s.State().(Terminated); !ok || st.Reason != ReasonEnded {
		t.Fatalf("expected ended, got %s", Describe(h.s.State()))
	}
	if h.view.noticed(NoticeExamEnded) != 1 || h.view.leaves != 1 {
		t.Fatalf("expected ended notice and navigation")
	}
}

func TestFetchFailureNotices(t *testing.T) {
	cases := []struct {
		err  error
		want NoticeCode
	}{
		{&examapi.APIError{Status: 404}, NoticeExamNotFound},
		{&examapi.APIError{Status: 401}, NoticeUnauthorized},
		{examapi.ErrUnavailable, NoticeServiceDown},
		{errors.New("decode"), NoticeFetchFailed},
	}
	for _, tc := range cases {
		h := newHarness(t, nil)
		h.exams.fetchErr = tc.err
		h.start()

		if st, ok := h.s.State().(Terminated); !ok || st.Reason != ReasonFetchFailed {
			t.Fatalf("%v: expected fetch-failed, got %s", tc.err, Describe(h.s.State()))
		}
		if h.view.noticed(tc.want) != 1 || h.view.leaves != 1 {
			t.Fatalf("%v: expected %s notice, got %v", tc.err, tc.want, h.view.notices)
		}
		if fetches, _ := h.exams.counts(); fetches != 1 {
			t.Fatalf("expected no retry")
		}
	}
}

func TestWaitingSurvivesTransientRefreshFailure(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) {
		def.StartMethod = model.StartMethodManual
		def.StartTime = nil
	})
	h.start()
	h.exams.fetchErr = examapi.ErrUnavailable
	h.advance(3 * time.Second)
	if _, ok := h.s.State().(Waiting); !ok {
		t.Fatalf("expected to keep waiting, got %s", Describe(h.s.State()))
	}

	h.exams.fetchErr = &examapi.APIError{Status: 404}
	h.advance(3 * time.Second)
	if st, ok := h.s.State().(Terminated); !ok || st.Reason != ReasonFetchFailed {
		t.Fatalf("expected a vanished exam to end waiting, got %s", Describe(h.s.State()))
	}
}

// ─── Control events ─────────────────────────────────────────────────

func TestExamClosedForcesSubmit(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.deliver(realtime.EventExamClosed)

	if _, ok := h.s.State().(Submitted); !ok {
		t.Fatalf("expected submitted, got %s", Describe(h.s.State()))
	}
	if _, submits := h.exams.counts(); submits != 1 {
		t.Fatalf("expected one forced submission, got %d", submits)
	}
	h.assertReleased()
}

func TestExamClosedWithLateSubmissionTakesDown(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) { def.AllowLateSubmission = true })
	h.start()
	h.deliver(realtime.EventExamClosed)

	if st, ok := h.s.State().(Terminated); !ok || st.Reason != ReasonClosed {
		t.Fatalf("expected closed, got %s", Describe(h.s.State()))
	}
	if _, submits := h.exams.counts(); submits != 0 {
		t.Fatalf("expected no submission")
	}
	if h.view.leaves != 1 {
		t.Fatalf("expected navigation away")
	}
	h.assertReleased()
}

func TestExamClosedWhileWaitingTakesDown(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) {
		def.StartMethod = model.StartMethodManual
		def.StartTime = nil
	})
	h.start()
	h.deliver(realtime.EventExamClosed)

	if st, ok := h.s.State().(Terminated); !ok || st.Reason != ReasonClosed {
		t.Fatalf("expected closed, got %s", Describe(h.s.State()))
	}
	h.assertReleased()
}

func TestExamDeletedTakesDown(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.deliver(realtime.EventExamDeleted)

	if st, ok := h.s.State().(Terminated); !ok || st.Reason != ReasonDeleted {
		t.Fatalf("expected deleted, got %s", Describe(h.s.State()))
	}
	if h.view.noticed(NoticeExamDeleted) != 1 || h.view.leaves != 1 {
		t.Fatalf("expected deleted notice and navigation")
	}
	if n := len(h.ch.Sent(realtime.EventLeaveExam)); n != 1 {
		t.Fatalf("expected leave_exam, got %d", n)
	}
	h.assertReleased()
}

func TestControlEventsForOtherExamsAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	_ = h.ch.Deliver(realtime.EventExamDeleted, realtime.Control{ExamID: "exam-2"})
	h.settle()
	if _, ok := h.s.State().(Active); !ok {
		t.Fatalf("expected to stay active, got %s", Describe(h.s.State()))
	}
}

func TestStatusSyncResyncsPresenceAndStream(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) { def.ProctoringEnabled = true })
	h.start()
	if n := len(h.ch.Sent(realtime.EventWebRTCReady)); n != 1 {
		t.Fatalf("expected webrtc_ready after activation, got %d", n)
	}

	h.s.Visibility(true)
	h.deliver(realtime.EventStatusSyncRequest)

	got := h.activities()
	if len(got) != 2 || got[0] != realtime.ActivityFocusLost || got[1] != realtime.ActivityFocusLost {
		t.Fatalf("expected FOCUS_LOST to be repeated, got %v", got)
	}
	if n := len(h.ch.Sent(realtime.EventWebRTCReady)); n != 2 {
		t.Fatalf("expected webrtc_ready to be repeated, got %d", n)
	}
}

func TestMediaFailureKeepsExamRunning(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) { def.ProctoringEnabled = true })
	h.capturer.err = errors.New("no camera")
	h.start()

	if _, ok := h.s.State().(Active); !ok {
		t.Fatalf("expected active, got %s", Describe(h.s.State()))
	}
	if h.view.noticed(NoticeMediaUnavailable) != 1 {
		t.Fatalf("expected media notice")
	}
	if n := len(h.ch.Sent(realtime.EventWebRTCReady)); n != 0 {
		t.Fatalf("expected no webrtc_ready without a stream")
	}
}

// ─── Submission ─────────────────────────────────────────────────────

func TestManualSubmitValidatesRequired(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	if err := h.await(h.s.Submit()); !errors.Is(err, ErrMissingRequired) {
		t.Fatalf("expected ErrMissingRequired, got %v", err)
	}
	if _, ok := h.s.State().(Active); !ok {
		t.Fatalf("expected to remain active")
	}
	if _, submits := h.exams.counts(); submits != 0 {
		t.Fatalf("expected no request for an invalid submission")
	}

	if err := h.await(h.s.Answer("q1", []string{"Newton"})); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := h.await(h.s.Submit()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	st, ok := h.s.State().(Submitted)
	if !ok || st.Result.TotalQuestions == nil || *st.Result.TotalQuestions != 3 {
		t.Fatalf("expected submitted with total, got %s", Describe(h.s.State()))
	}
	if err := h.await(h.s.Submit()); !errors.Is(err, ErrDetached) {
		t.Fatalf("expected a second submit to be rejected, got %v", err)
	}
	if h.store.Len() != 0 {
		t.Fatalf("expected draft to be cleared")
	}
	h.assertReleased()
}

func TestManualSubmitFailureAllowsRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.exams.submitErrs = []error{examapi.ErrUnavailable}
	h.start()
	_ = h.await(h.s.Answer("q1", []string{"Newton"}))

	if err := h.await(h.s.Submit()); !errors.Is(err, examapi.ErrUnavailable) {
		t.Fatalf("expected the failure to reach the caller, got %v", err)
	}
	if _, ok := h.s.State().(Active); !ok {
		t.Fatalf("expected to remain active, got %s", Describe(h.s.State()))
	}
	if h.view.noticed(NoticeSubmitFailed) != 1 {
		t.Fatalf("expected submit failure notice")
	}
	if h.store.Len() != 1 {
		t.Fatalf("expected draft to survive a failed submit")
	}

	if err := h.await(h.s.Submit()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, ok := h.s.State().(Submitted); !ok {
		t.Fatalf("expected submitted after retry")
	}
}

func TestForcedSubmitFailureTerminates(t *testing.T) {
	h := newHarness(t, nil)
	h.exams.submitErrs = []error{examapi.ErrUnavailable}
	h.start()
	h.deliver(realtime.EventExamClosed)

	if st, ok := h.s.State().(Terminated); !ok || st.Reason != ReasonSubmitFailed {
		t.Fatalf("expected submit-failed, got %s", Describe(h.s.State()))
	}
	if h.view.noticed(NoticeSubmitDataLoss) != 1 || h.view.leaves != 1 {
		t.Fatalf("expected data-loss notice and navigation")
	}
	h.advance(15 * time.Minute)
	if _, submits := h.exams.counts(); submits != 1 {
		t.Fatalf("expected no retry, got %d submissions", submits)
	}
	h.assertReleased()
}

func TestAnswerUnknownQuestion(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	if err := h.await(h.s.Answer("nope", []string{"x"})); !errors.Is(err, ErrUnknownQuestion) {
		t.Fatalf("expected ErrUnknownQuestion, got %v", err)
	}
}

func TestDraftIsRestoredFilteredAndSaved(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.store.Save(context.Background(), "exam-1", "cand-1", model.AnswerDraft{
		"q2":      {"restored"},
		"deleted": {"stale"},
	})
	h.start()

	var draft model.AnswerDraft
	h.s.Inspect(func(_ State, _ *model.ExamDefinition, d model.AnswerDraft) { draft = d })
	h.settle()
	if len(draft) != 1 || draft["q2"][0] != "restored" {
		t.Fatalf("expected filtered restore, got %v", draft)
	}

	_ = h.await(h.s.Answer("q1", []string{"Joule"}))
	saved, _ := h.store.Load(context.Background(), "exam-1", "cand-1")
	if saved["q1"][0] != "Joule" || saved["q2"][0] != "restored" {
		t.Fatalf("expected draft to be mirrored, got %v", saved)
	}
}

func TestDraftClearedWhenSaveLandsAfterSubmit(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	_ = h.await(h.s.Answer("q1", []string{"Newton"}))
	if h.store.Len() != 1 {
		t.Fatalf("expected the draft to be saved")
	}

	reply := h.s.Answer("q2", []string{"1/2 mv^2"})
	h.s.Drain()
	if err := <-reply; err != nil {
		t.Fatalf("answer: %v", err)
	}
	save := h.hold()

	if err := h.await(h.s.Submit()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	save()
	h.settle()

	if _, ok := h.s.State().(Submitted); !ok {
		t.Fatalf("expected submitted, got %s", Describe(h.s.State()))
	}
	if n := h.store.Len(); n != 0 {
		t.Fatalf("expected the draft to stay cleared, store has %d", n)
	}
}

// ─── Teardown ───────────────────────────────────────────────────────

func TestLeaveReleasesEverything(t *testing.T) {
	h := newHarness(t, func(def *model.ExamDefinition) { def.ProctoringEnabled = true })
	h.start()
	if !h.s.engine.Stats().Streaming {
		t.Fatalf("expected stream before leaving")
	}
	h.s.Blur(false)
	if h.sched.Pending() != 2 {
		t.Fatalf("expected countdown and blur debounce pending, got %d", h.sched.Pending())
	}

	h.s.Leave()
	h.settle()

	got := h.activities()
	if len(got) != 1 || got[0] != realtime.ActivityLeftExam {
		t.Fatalf("expected LEFT_EXAM, got %v", got)
	}
	if n := len(h.ch.Sent(realtime.EventLeaveExam)); n != 1 {
		t.Fatalf("expected leave_exam, got %d", n)
	}
	if h.capturer.stream.stopped != 1 {
		t.Fatalf("expected the stream to be stopped")
	}
	h.assertReleased()

	if err := h.await(h.s.Answer("q1", []string{"Newton"})); !errors.Is(err, ErrDetached) {
		t.Fatalf("expected ErrDetached, got %v", err)
	}
}

func TestJoinIsEmittedBeforeLeave(t *testing.T) {
	h := newHarness(t, nil)
	h.s.Start()
	for i := 0; i < 20; i++ {
		if _, ok := h.s.State().(Active); ok {
			break
		}
		if !h.runSpawned() {
			h.s.Drain()
		}
	}
	if _, ok := h.s.State().(Active); !ok {
		t.Fatalf("expected active, got %s", Describe(h.s.State()))
	}

	h.s.Leave()
	h.s.Drain()
	h.settle()

	sent := h.ch.Sent(realtime.EventJoinExam, realtime.EventLeaveExam)
	if len(sent) != 2 || sent[0].Event != realtime.EventJoinExam || sent[1].Event != realtime.EventLeaveExam {
		t.Fatalf("expected join_exam then leave_exam, got %v", sent)
	}
}
