// Package session runs one candidate attempt: it loads the exam, decides whether the
// candidate waits, works or is turned away, keeps time against the server clock, reacts to
// facilitator control events and submits the answers exactly once.
//
// All state is owned by a single event loop. Network calls run elsewhere and post their
// results back into the loop's mailbox.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/examapi"
	"github.com/stemsi/exstem-candidate/internal/loop"
	"github.com/stemsi/exstem-candidate/internal/model"
	"github.com/stemsi/exstem-candidate/internal/presence"
	"github.com/stemsi/exstem-candidate/internal/proctor"
	"github.com/stemsi/exstem-candidate/internal/progress"
	"github.com/stemsi/exstem-candidate/internal/realtime"
	"github.com/stemsi/exstem-candidate/internal/shuffle"
	"github.com/stemsi/exstem-candidate/internal/tick"
)

var (
	ErrNotActive        = errors.New("attempt is not active")
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	ErrSubmitInFlight   = errors.New("submission already in progress")
	ErrMissingRequired  = errors.New("required questions unanswered")
	ErrUnknownQuestion  = errors.New("unknown question")
	ErrDetached         = errors.New("session detached")
)

const teardownTimeout = 2 * time.Second

// View is the presentation collaborator. It is always called on the session loop.
type View interface {
	// Render shows a new state. exam is the arranged definition, nil while loading.
	Render(state State, exam *model.ExamDefinition)
	// Countdown reports the signed time left. Negative values are overtime.
	Countdown(remaining time.Duration)
	Notify(n Notice)
	// Leave navigates away from the attempt.
	Leave()
}

// Config identifies the attempt and tunes its timers.
type Config struct {
	ExamID         string
	Candidate      model.Candidate
	PollInterval   time.Duration
	BlurDebounce   time.Duration
	RequestTimeout time.Duration
}

// Deps are the collaborators of a session. Peers and Capturer may be nil, which disables
// proctoring regardless of the exam setting.
type Deps struct {
	Exams     examapi.Service
	Channel   realtime.Channel
	Store     progress.Store
	Scheduler tick.Scheduler
	View      View
	Peers     proctor.PeerFactory
	Capturer  proctor.Capturer
	Log       zerolog.Logger
	// Spawn runs network work off the loop. Defaults to a new goroutine.
	Spawn func(func())
}

// Session is one candidate attempt.
type Session struct {
	cfg   Config
	deps  Deps
	log   zerolog.Logger
	box   *loop.Mailbox[func()]
	spawn func(func())

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	snapMu   sync.Mutex
	snap     State
	reporter atomic.Pointer[presence.Reporter]

	// Everything below is owned by the loop.
	state       State
	env         model.ExamEnvelope
	exam        *model.ExamDefinition
	offset      time.Duration
	started     bool
	joined      bool
	detached    bool
	unsubs      []func()
	poll        tick.Handle
	countdown   tick.Handle
	fetching    bool
	fetchGen    int
	fetchCancel context.CancelFunc

	draft        model.AnswerDraft
	recorder     *progress.Recorder
	saving     bool
	draftDirty bool

	engine *proctor.Engine

	submitted      bool
	submitting     bool
	autoFired      bool
	overtimeShown  bool
	closeRequested bool
}

// New creates a session. Nothing happens until Start or Run.
func New(cfg Config, deps Deps) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.BlurDebounce <= 0 {
		cfg.BlurDebounce = 500 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if deps.Store == nil {
		deps.Store = progress.NewMemoryStore()
	}
	spawn := deps.Spawn
	if spawn == nil {
		spawn = func(f func()) { go f() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Log.With().Str("component", "session").Str("exam_id", cfg.ExamID).Str("candidate_id", cfg.Candidate.ID).Logger(),
		box:    loop.NewMailbox[func()](),
		spawn:  spawn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  Loading{},
		snap:   Loading{},
		draft:  model.AnswerDraft{},
	}
	return s
}

// ─── Loop ───────────────────────────────────────────────────────────

// Run starts the attempt and processes events until the session detaches or ctx ends. A
// cancelled ctx counts as the candidate leaving.
func (s *Session) Run(ctx context.Context) error {
	s.Start()
	for {
		select {
		case <-ctx.Done():
			s.Drain()
			s.detach(true)
			return ctx.Err()
		case <-s.done:
			return nil
		case <-s.box.Wake():
			s.Drain()
		}
	}
}

// Drain runs every queued event on the calling goroutine. Run calls it; tests drive the
// loop with it directly.
func (s *Session) Drain() {
	for {
		fn, ok := s.box.Take()
		if !ok {
			return
		}
		fn()
	}
}

func (s *Session) post(fn func()) bool {
	return s.box.Post(fn)
}

// postLive posts fn to run only while the session is still attached.
func (s *Session) postLive(fn func()) {
	s.post(func() {
		if !s.detached {
			fn()
		}
	})
}

// Start queues the initial load.
func (s *Session) Start() {
	s.post(func() {
		if s.started || s.detached {
			return
		}
		s.started = true
		s.subscribe()
		s.deps.View.Render(s.state, nil)
		s.startFetch(false)
	})
}

// Done is closed once the session has detached.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the latest state. Safe from any goroutine.
func (s *Session) State() State {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snap
}

// now is the server synchronized clock.
func (s *Session) now() time.Time {
	return s.deps.Scheduler.Now().Add(s.offset)
}

// ─── Candidate inputs ───────────────────────────────────────────────

// Answer records the values for a question. An empty values slice clears the answer.
func (s *Session) Answer(questionID string, values []string) <-chan error {
	reply := make(chan error, 1)
	values = slices.Clone(values)
	if !s.post(func() { reply <- s.answer(questionID, values) }) {
		reply <- ErrDetached
	}
	return reply
}

// Submit sends the answers on the candidate's request. Required questions must be answered.
// A failure leaves the attempt active so the candidate can retry.
func (s *Session) Submit() <-chan error {
	reply := make(chan error, 1)
	if !s.post(func() { s.submit(false, reply) }) {
		reply <- ErrDetached
	}
	return reply
}

// Leave detaches the session. An unsubmitted active attempt reports LEFT_EXAM.
func (s *Session) Leave() {
	s.post(func() { s.detach(true) })
}

// Visibility forwards a visibility change to the presence reporter when attached.
func (s *Session) Visibility(hidden bool) {
	if r := s.reporter.Load(); r != nil {
		r.Visibility(hidden)
	}
}

// Blur forwards a window blur to the presence reporter when attached.
func (s *Session) Blur(textInputActive bool) {
	if r := s.reporter.Load(); r != nil {
		r.Blur(textInputActive)
	}
}

// Focus forwards a window focus to the presence reporter when attached.
func (s *Session) Focus() {
	if r := s.reporter.Load(); r != nil {
		r.Focus()
	}
}

// Inspect runs fn on the loop with the current state, the arranged definition (nil before
// it loaded) and a copy of the answers. It reports false once the session has detached.
func (s *Session) Inspect(fn func(state State, exam *model.ExamDefinition, draft model.AnswerDraft)) bool {
	return s.post(func() { fn(s.state, s.exam, s.draft.Clone()) })
}

// ─── Transport ──────────────────────────────────────────────────────

func (s *Session) subscribe() {
	on := func(event realtime.Event, fn func()) {
		unsub := s.deps.Channel.Subscribe(event, func(data json.RawMessage) {
			ctl, err := realtime.Decode[realtime.Control](data)
			if err != nil {
				s.log.Debug().Err(err).Str("event", string(event)).Msg("Malformed control event")
				return
			}
			if ctl.ExamID != "" && ctl.ExamID != s.cfg.ExamID {
				return
			}
			s.postLive(fn)
		})
		s.unsubs = append(s.unsubs, unsub)
	}
	on(realtime.EventExamStarted, s.onExamStarted)
	on(realtime.EventExamClosed, s.onExamClosed)
	on(realtime.EventExamDeleted, s.onExamDeleted)
	on(realtime.EventStatusSyncRequest, s.onStatusSync)
}

// join announces the candidate from the loop itself, like the leave in detach, so the
// relay always sees join_exam before leave_exam.
func (s *Session) join() {
	if s.joined {
		return
	}
	s.joined = true
	c := s.cfg.Candidate
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()
	err := s.deps.Channel.Emit(ctx, realtime.EventJoinExam, realtime.JoinExam{
		ExamID: s.cfg.ExamID, StudentID: c.ID, StudentName: c.Name, Picture: c.Picture,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("event", string(realtime.EventJoinExam)).Msg("Emit failed")
	}
}

// ─── Fetching ───────────────────────────────────────────────────────

// startFetch loads the definition. A routine refresh is skipped while a fetch is in flight;
// a preempting one cancels the in-flight fetch and discards its result.
func (s *Session) startFetch(preempt bool) {
	if s.fetching && !preempt {
		return
	}
	if s.fetchCancel != nil {
		s.fetchCancel()
	}
	s.fetchGen++
	gen := s.fetchGen
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	s.fetchCancel = cancel
	s.fetching = true

	s.spawn(func() {
		res, err := s.deps.Exams.FetchExam(ctx, s.cfg.ExamID)
		s.post(func() { s.onFetched(gen, res, err) })
	})
}

func (s *Session) stopFetch() {
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	s.fetching = false
	s.fetchGen++
}

func (s *Session) onFetched(gen int, res *examapi.Fetched, err error) {
	if gen != s.fetchGen || s.detached {
		return
	}
	s.fetching = false
	s.fetchCancel()
	s.fetchCancel = nil
	if s.state.terminal() {
		return
	}

	if err != nil {
		s.onFetchError(err)
		return
	}

	if !res.ServerTime.IsZero() {
		s.offset = res.ServerTime.Sub(s.deps.Scheduler.Now())
		s.log.Debug().Dur("offset", s.offset).Msg("Clock synchronized")
	}
	s.env = res.Envelope
	s.exam = shuffle.Arrange(&s.env.Exam, s.cfg.Candidate.ID)
	s.enter(Resolve(s.env, s.now()))
}

// onFetchError terminates on the initial load. While waiting, a transient failure is retried
// by the next poll, but a missing exam or revoked access still ends the attempt.
func (s *Session) onFetchError(err error) {
	if _, waiting := s.state.(Waiting); waiting &&
		!errors.Is(err, examapi.ErrNotFound) && !errors.Is(err, examapi.ErrUnauthorized) {
		s.log.Warn().Err(err).Msg("Refresh failed, retrying on next poll")
		return
	}
	s.log.Error().Err(err).Msg("Failed to load exam")
	s.deps.View.Notify(fetchNotice(err))
	s.terminate(ReasonFetchFailed, false)
}

// ─── Transitions ────────────────────────────────────────────────────

func (s *Session) setState(next State) bool {
	if !canTransition(s.state, next) {
		s.log.Debug().Str("from", s.state.Name()).Str("to", next.Name()).Msg("Ignoring transition")
		return false
	}
	s.log.Info().Str("from", s.state.Name()).Str("to", Describe(next)).Msg("State changed")
	s.state = next
	s.snapMu.Lock()
	s.snap = next
	s.snapMu.Unlock()
	return true
}

func (s *Session) enter(next State) {
	switch st := next.(type) {
	case Terminated:
		s.terminate(st.Reason, true)
	case Submitted:
		if s.setState(st) {
			s.submitted = true
			s.deps.View.Render(st, s.exam)
			s.detach(false)
		}
	case Waiting:
		if cur, ok := s.state.(Waiting); ok && cur.Reason == st.Reason && cur.ScheduledAt.Equal(st.ScheduledAt) {
			return
		}
		if s.setState(st) {
			s.enterWaiting(st)
		}
	case Active:
		if s.setState(st) {
			s.enterActive(st)
		}
	}
}

func (s *Session) terminate(reason TerminateReason, notify bool) {
	if !s.setState(Terminated{Reason: reason}) {
		return
	}
	if notify {
		s.deps.View.Notify(terminateNotice(reason))
	}
	s.deps.View.Render(s.state, s.exam)
	s.detach(false)
	s.deps.View.Leave()
}

func (s *Session) stopCountdown() {
	if s.countdown != nil {
		s.countdown.Stop()
		s.countdown = nil
	}
}

func (s *Session) stopPoll() {
	if s.poll != nil {
		s.poll.Stop()
		s.poll = nil
	}
}

func (s *Session) every(d time.Duration, fn func()) tick.Handle {
	return s.deps.Scheduler.Every(d, func() { s.postLive(fn) })
}

// ─── Waiting ────────────────────────────────────────────────────────

func (s *Session) enterWaiting(st Waiting) {
	s.join()
	s.deps.View.Render(st, s.exam)

	if s.poll == nil {
		s.poll = s.every(s.cfg.PollInterval, func() {
			if _, ok := s.state.(Waiting); ok {
				s.startFetch(false)
			}
		})
	}

	s.stopCountdown()
	if st.Reason == WaitScheduled {
		s.countdown = s.every(time.Second, s.tickWaiting)
		s.tickWaiting()
	}
}

func (s *Session) tickWaiting() {
	st, ok := s.state.(Waiting)
	if !ok || st.Reason != WaitScheduled {
		return
	}
	remaining := st.ScheduledAt.Sub(s.now())
	s.deps.View.Countdown(remaining)
	if remaining <= 0 {
		s.stopCountdown()
		s.enter(Resolve(s.env, s.now()))
	}
}

func (s *Session) onExamStarted() {
	if _, ok := s.state.(Waiting); ok {
		s.log.Info().Msg("Exam started by facilitator")
		s.startFetch(true)
	}
}

// ─── Active ─────────────────────────────────────────────────────────

func (s *Session) enterActive(st Active) {
	s.stopPoll()
	s.stopFetch()
	s.stopCountdown()
	s.join()
	s.attach()
	s.deps.View.Render(st, s.exam)

	s.countdown = s.every(time.Second, s.tickActive)
	s.tickActive()
}

// attach wires the attempt-scoped collaborators. Only an active attempt reports presence,
// streams video and keeps a draft.
func (s *Session) attach() {
	rep := presence.New(s.deps.Channel, s.deps.Scheduler, s.cfg.ExamID, s.cfg.Candidate, s.cfg.BlurDebounce, s.deps.Log)
	s.reporter.Store(rep)

	s.recorder = progress.NewRecorder(s.deps.Store, s.cfg.ExamID, s.cfg.Candidate.ID, s.deps.Log)
	rec := s.recorder
	ids := s.exam.QuestionIDs()
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
		defer cancel()
		restored, err := rec.Restore(ctx, ids)
		s.post(func() { s.onRestored(restored, err) })
	})

	if s.exam.ProctoringEnabled && s.deps.Peers != nil && s.deps.Capturer != nil {
		s.engine = proctor.New(s.deps.Channel, s.deps.Peers, s.deps.Capturer, s.cfg.ExamID, s.cfg.Candidate.ID, s.deps.Log)
		s.engine.Start()
		engine := s.engine
		s.spawn(func() {
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
			defer cancel()
			if err := engine.Acquire(ctx); err != nil && !errors.Is(err, proctor.ErrClosed) {
				s.postLive(func() { s.deps.View.Notify(newNotice(NoticeMediaUnavailable)) })
			}
		})
	}
}

func (s *Session) onRestored(restored model.AnswerDraft, err error) {
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to restore draft")
		return
	}
	if s.submitted || len(restored) == 0 {
		return
	}
	n := 0
	for id, values := range restored {
		if _, answered := s.draft[id]; !answered {
			s.draft[id] = values
			n++
		}
	}
	s.log.Info().Int("answers", n).Msg("Draft restored")
}

func (s *Session) tickActive() {
	st, ok := s.state.(Active)
	if !ok {
		return
	}
	remaining := st.Deadline.Sub(s.now())
	s.deps.View.Countdown(remaining)
	if remaining > 0 {
		return
	}
	if st.AllowLate {
		if !s.overtimeShown {
			s.overtimeShown = true
			s.deps.View.Notify(newNotice(NoticeOvertime))
		}
		return
	}
	if !s.autoFired {
		s.autoFired = true
		s.log.Info().Msg("Time is up, submitting")
		s.submit(true, nil)
	}
}

func (s *Session) answer(questionID string, values []string) error {
	if s.detached {
		return ErrDetached
	}
	if _, ok := s.state.(Active); !ok || s.submitted {
		return ErrNotActive
	}
	if _, ok := s.exam.QuestionIDs()[questionID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if len(values) == 0 {
		delete(s.draft, questionID)
	} else {
		s.draft[questionID] = values
	}
	s.draftDirty = true
	s.flushDraft()
	return nil
}

// flushDraft writes the latest draft. At most one write is in flight; changes made meanwhile
// are written when it completes.
func (s *Session) flushDraft() {
	if s.saving || s.recorder == nil {
		return
	}
	if !s.draftDirty || s.submitted {
		return
	}
	s.draftDirty = false
	s.saving = true
	rec, snapshot := s.recorder, s.draft.Clone()
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
		defer cancel()
		err := rec.Record(ctx, snapshot)
		s.post(func() {
			s.saving = false
			if err != nil {
				s.log.Warn().Err(err).Msg("Failed to save draft")
			}
			s.flushDraft()
		})
	})
}

// clearDraft removes the stored draft. It does not wait for the loop: the session detaches
// right after a confirmed submission, and the recorder orders the clear after any write
// already in flight and drops writes that land later.
func (s *Session) clearDraft() {
	if s.recorder == nil {
		return
	}
	rec := s.recorder
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		if err := rec.Clear(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Failed to clear draft")
		}
	})
}

// ─── Control events ─────────────────────────────────────────────────

func (s *Session) onExamClosed() {
	switch st := s.state.(type) {
	case Waiting:
		s.terminate(ReasonClosed, true)
	case Active:
		if st.AllowLate {
			s.terminate(ReasonClosed, true)
			return
		}
		if s.submitting {
			s.closeRequested = true
			return
		}
		s.log.Info().Msg("Exam closed, submitting")
		s.submit(true, nil)
	}
}

func (s *Session) onExamDeleted() {
	if s.state.terminal() {
		return
	}
	s.terminate(ReasonDeleted, true)
}

func (s *Session) onStatusSync() {
	if _, ok := s.state.(Active); !ok {
		return
	}
	rep, engine := s.reporter.Load(), s.engine
	s.spawn(func() {
		if rep != nil {
			rep.Resync()
		}
		if engine != nil {
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
			defer cancel()
			engine.Announce(ctx)
		}
	})
}

// ─── Submission ─────────────────────────────────────────────────────

// submit sends the draft. Forced submissions come from the deadline or a facilitator
// closing the exam; they skip validation and a failure ends the attempt.
func (s *Session) submit(forced bool, reply chan<- error) {
	respond := func(err error) {
		if reply != nil {
			reply <- err
		}
	}
	switch {
	case s.detached:
		respond(ErrDetached)
		return
	case s.submitted:
		respond(ErrAlreadySubmitted)
		return
	case s.submitting:
		respond(ErrSubmitInFlight)
		return
	}
	if _, ok := s.state.(Active); !ok {
		respond(ErrNotActive)
		return
	}
	if !forced {
		if missing := s.missingRequired(); len(missing) > 0 {
			s.deps.View.Notify(newNotice(NoticeMissingRequired))
			respond(fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", ")))
			return
		}
	}

	s.submitting = true
	req := model.SubmissionRequest{ExamID: s.cfg.ExamID, Answers: s.draft.Clone()}
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
		defer cancel()
		res, err := s.deps.Exams.Submit(ctx, req)
		if !s.post(func() { s.onSubmitted(forced, res, err, respond) }) {
			respond(ErrDetached)
		}
	})
}

func (s *Session) onSubmitted(forced bool, res *examapi.Submitted, err error, respond func(error)) {
	s.submitting = false
	if s.detached {
		respond(ErrDetached)
		return
	}

	if err != nil {
		s.log.Error().Err(err).Bool("forced", forced).Msg("Submission failed")
		if forced {
			s.terminate(ReasonSubmitFailed, true)
			respond(err)
			return
		}
		s.deps.View.Notify(newNotice(NoticeSubmitFailed))
		respond(err)
		if s.mustForce() {
			s.submit(true, nil)
		}
		return
	}

	s.submitted = true
	s.log.Info().Bool("forced", forced).Msg("Submitted")
	if forced {
		s.deps.View.Notify(newNotice(NoticeAutoSubmitted))
	} else {
		s.deps.View.Notify(newNotice(NoticeSubmitted))
	}
	s.clearDraft()
	s.enter(Submitted{Result: res.Result})
	respond(nil)
}

// mustForce reports whether a failed manual submission has to be followed by a forced one
// because the deadline passed or the exam was closed while it was in flight.
func (s *Session) mustForce() bool {
	st, ok := s.state.(Active)
	if !ok || st.AllowLate {
		return false
	}
	return s.closeRequested || !st.Deadline.After(s.now())
}

func (s *Session) missingRequired() []string {
	var missing []string
	for _, q := range s.exam.Questions() {
		if q.Required && !s.draft.Answered(q.ID) {
			missing = append(missing, q.ID)
		}
	}
	return missing
}

// ─── Teardown ───────────────────────────────────────────────────────

// detach releases every timer, subscription, peer connection and track, and leaves the
// channel. left marks the candidate walking away from an unsubmitted attempt.
func (s *Session) detach(left bool) {
	if s.detached {
		return
	}
	s.detached = true

	s.stopFetch()
	s.stopPoll()
	s.stopCountdown()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if rep := s.reporter.Swap(nil); rep != nil {
		_, active := s.state.(Active)
		if left && active && !s.submitted {
			rep.Leave()
		} else {
			rep.Stop()
		}
	}
	if s.engine != nil {
		s.engine.Close()
	}
	if s.joined {
		if err := s.deps.Channel.Emit(ctx, realtime.EventLeaveExam, realtime.LeaveExam{ExamID: s.cfg.ExamID}); err != nil {
			s.log.Debug().Err(err).Msg("Emit leave_exam")
		}
	}

	s.cancel()
	close(s.done)
	// Work queued behind the detach still answers its callers.
	for _, fn := range s.box.Close() {
		fn()
	}
	s.log.Info().Str("state", s.state.Name()).Msg("Session detached")
}
