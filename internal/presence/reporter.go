// Package presence turns visibility and focus changes into FOCUS_LOST / FOCUS_GAINED
// activity reports for the observers of an attempt.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/model"
	"github.com/stemsi/exstem-candidate/internal/realtime"
	"github.com/stemsi/exstem-candidate/internal/tick"
)

// Status is the derived attention state.
type Status int

const (
	Focused Status = iota
	Unfocused
)

func (s Status) String() string {
	if s == Unfocused {
		return "unfocused"
	}
	return "focused"
}

func (s Status) activity() realtime.ActivityType {
	if s == Unfocused {
		return realtime.ActivityFocusLost
	}
	return realtime.ActivityFocusGained
}

const emitTimeout = 5 * time.Second

// Reporter is safe for concurrent use. Every report goes out under the reporter lock so
// observers see changes in the order they happened.
type Reporter struct {
	ch        realtime.Channel
	sched     tick.Scheduler
	examID    string
	candidate model.Candidate
	debounce  time.Duration
	log       zerolog.Logger

	mu       sync.Mutex
	status   Status
	reported Status
	blur     tick.Handle
	blurSeq  uint64
	stopped  bool
}

// New creates a Reporter. The candidate is assumed focused when the attempt opens.
func New(ch realtime.Channel, sched tick.Scheduler, examID string, candidate model.Candidate, debounce time.Duration, log zerolog.Logger) *Reporter {
	return &Reporter{
		ch:        ch,
		sched:     sched,
		examID:    examID,
		candidate: candidate,
		debounce:  debounce,
		log:       log.With().Str("component", "presence").Logger(),
		status:    Focused,
		reported:  Focused,
	}
}

// Status returns the current derived value.
func (r *Reporter) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Visibility handles a page visibility change. Hiding reports immediately.
func (r *Reporter) Visibility(hidden bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.cancelBlurLocked()
	if hidden {
		r.setLocked(Unfocused)
	} else {
		r.setLocked(Focused)
	}
}

// Blur handles the window losing focus. The report waits for the debounce so a quick
// click elsewhere is not reported, and is skipped while the candidate types into a text field.
func (r *Reporter) Blur(textInputActive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || textInputActive || r.blur != nil {
		return
	}
	r.blurSeq++
	seq := r.blurSeq
	r.blur = r.sched.AfterFunc(r.debounce, func() { r.blurElapsed(seq) })
}

// blurElapsed acts only for the blur that scheduled it. A timer that fired just as it was
// cancelled must not consume a newer blur's debounce.
func (r *Reporter) blurElapsed(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.blur == nil || seq != r.blurSeq {
		return
	}
	r.blur = nil
	r.setLocked(Unfocused)
}

// Focus handles the window regaining focus.
func (r *Reporter) Focus() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.cancelBlurLocked()
	r.setLocked(Focused)
}

// Resync re-emits the current value even if it was reported before. Observers that joined
// late ask for this with status_sync_request.
func (r *Reporter) Resync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.emitLocked(r.status.activity())
	r.reported = r.status
}

// Leave reports that the candidate walked away from an unsubmitted attempt and stops the
// reporter.
func (r *Reporter) Leave() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.emitLocked(realtime.ActivityLeftExam)
	r.stopLocked()
}

// Stop cancels the pending blur and makes the reporter inert.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Reporter) stopLocked() {
	r.cancelBlurLocked()
	r.stopped = true
}

func (r *Reporter) cancelBlurLocked() {
	if r.blur != nil {
		r.blur.Stop()
		r.blur = nil
	}
}

func (r *Reporter) setLocked(s Status) {
	r.status = s
	if s == r.reported {
		return
	}
	r.reported = s
	r.emitLocked(s.activity())
}

func (r *Reporter) emitLocked(activity realtime.ActivityType) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	err := r.ch.Emit(ctx, realtime.EventStudentActivity, realtime.StudentActivity{
		ExamID:      r.examID,
		StudentID:   r.candidate.ID,
		StudentName: r.candidate.Name,
		Picture:     r.candidate.Picture,
		EventType:   activity,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("activity", string(activity)).Msg("Failed to report activity")
		return
	}
	r.log.Debug().Str("activity", string(activity)).Msg("Activity reported")
}
