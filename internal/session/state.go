package session

import (
	"fmt"
	"time"

	"github.com/stemsi/exstem-candidate/internal/model"
)

// State is one of Loading, Waiting, Active, Submitted or Terminated.
type State interface {
	Name() string
	terminal() bool
}

// WaitReason tells why an attempt cannot start yet.
type WaitReason string

const (
	// WaitManual waits for a facilitator to start the exam.
	WaitManual WaitReason = "manual"
	// WaitScheduled waits for the scheduled start time.
	WaitScheduled WaitReason = "scheduled"
)

// TerminateReason tells why an attempt ended without a submission from this session.
type TerminateReason string

const (
	ReasonNotOpen      TerminateReason = "not-open"
	ReasonEnded        TerminateReason = "ended"
	ReasonClosed       TerminateReason = "closed"
	ReasonDeleted      TerminateReason = "deleted"
	ReasonFetchFailed  TerminateReason = "fetch-failed"
	ReasonSubmitFailed TerminateReason = "submit-failed"
)

type Loading struct{}

type Waiting struct {
	Reason WaitReason
	// ScheduledAt is set for WaitScheduled.
	ScheduledAt time.Time
}

type Active struct {
	Deadline  time.Time
	AllowLate bool
}

type Submitted struct {
	Result model.SubmissionResult
}

type Terminated struct {
	Reason TerminateReason
}

func (Loading) Name() string    { return "loading" }
func (Waiting) Name() string    { return "waiting" }
func (Active) Name() string     { return "active" }
func (Submitted) Name() string  { return "submitted" }
func (Terminated) Name() string { return "terminated" }

func (Loading) terminal() bool    { return false }
func (Waiting) terminal() bool    { return false }
func (Active) terminal() bool     { return false }
func (Submitted) terminal() bool  { return true }
func (Terminated) terminal() bool { return true }

// canTransition encodes the one-way lifecycle. Waiting may refresh itself; nothing leaves
// Submitted or Terminated.
func canTransition(from, to State) bool {
	switch from.(type) {
	case Loading:
		_, loading := to.(Loading)
		return !loading
	case Waiting:
		switch to.(type) {
		case Waiting, Active, Submitted, Terminated:
			return true
		}
	case Active:
		switch to.(type) {
		case Submitted, Terminated:
			return true
		}
	}
	return false
}

// Describe renders a state for logs and the console.
func Describe(s State) string {
	switch st := s.(type) {
	case Waiting:
		if st.Reason == WaitScheduled {
			return fmt.Sprintf("waiting (scheduled %s)", st.ScheduledAt.Format(time.RFC3339))
		}
		return "waiting (manual start)"
	case Active:
		return fmt.Sprintf("active (deadline %s, late allowed: %t)", st.Deadline.Format(time.RFC3339), st.AllowLate)
	case Terminated:
		return "terminated (" + string(st.Reason) + ")"
	}
	return s.Name()
}

// Resolve derives the lifecycle state for a freshly fetched exam at now, the server
// synchronized clock.
func Resolve(env model.ExamEnvelope, now time.Time) State {
	def := &env.Exam
	if env.Submission != nil {
		return Submitted{Result: env.Submission.Result}
	}

	start, scheduled := def.Start()
	awaitingManualStart := def.Status == model.ExamStatusClosed &&
		def.StartMethod == model.StartMethodManual && !scheduled
	if def.Status != model.ExamStatusActive && !awaitingManualStart {
		return Terminated{Reason: ReasonNotOpen}
	}

	if !scheduled {
		return Waiting{Reason: WaitManual}
	}
	if def.StartMethod == model.StartMethodAuto && start.After(now) {
		return Waiting{Reason: WaitScheduled, ScheduledAt: start}
	}

	deadline := start.Add(def.Duration())
	if now.After(deadline) && !def.AllowLateSubmission {
		return Terminated{Reason: ReasonEnded}
	}
	return Active{Deadline: deadline, AllowLate: def.AllowLateSubmission}
}
