package model

import (
	"time"
)

// ExamStatus enumerates the lifecycle status an exam is published with.
type ExamStatus string

const (
	ExamStatusActive ExamStatus = "active"
	ExamStatusClosed ExamStatus = "closed"
	ExamStatusDraft  ExamStatus = "draft"
)

// StartMethod decides who opens the attempt window.
type StartMethod string

const (
	// StartMethodManual exams stay closed until a facilitator starts them.
	StartMethodManual StartMethod = "manual"
	// StartMethodAuto exams open at their scheduled start time.
	StartMethodAuto StartMethod = "auto"
)

// ExamDefinition is the candidate-facing exam as served by the exam service.
// It is treated as immutable once fetched.
type ExamDefinition struct {
	ID                  string      `json:"id" yaml:"id"`
	Title               string      `json:"title" yaml:"title"`
	Status              ExamStatus  `json:"status" yaml:"status"`
	StartMethod         StartMethod `json:"start_method" yaml:"start_method"`
	StartTime           *time.Time  `json:"start_time" yaml:"start_time"`
	DurationMinutes     int         `json:"duration_minutes" yaml:"duration_minutes"`
	AllowLateSubmission bool        `json:"allow_late_submission" yaml:"allow_late_submission"`
	ShuffleQuestions    bool        `json:"shuffle_questions" yaml:"shuffle_questions"`
	ShuffleOptions      bool        `json:"shuffle_options" yaml:"shuffle_options"`
	ProctoringEnabled   bool        `json:"proctoring_enabled" yaml:"proctoring_enabled"`
	Sections            []Section   `json:"sections" yaml:"sections"`
	UngroupedQuestions  []Question  `json:"ungrouped_questions" yaml:"ungrouped_questions"`
}

// Section groups an ordered run of questions.
type Section struct {
	ID        string     `json:"id" yaml:"id"`
	Title     string     `json:"title" yaml:"title"`
	Questions []Question `json:"questions" yaml:"questions"`
}

// Start returns the recorded start time. The second result is false when no concrete start
// has been recorded yet: a null value, the zero time, or the Unix epoch sentinel.
func (e *ExamDefinition) Start() (time.Time, bool) {
	if e.StartTime == nil || e.StartTime.IsZero() || e.StartTime.Unix() == 0 {
		return time.Time{}, false
	}
	return *e.StartTime, true
}

// Duration returns the nominal attempt length.
func (e *ExamDefinition) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// Questions returns every question in display order: sections first, then ungrouped.
func (e *ExamDefinition) Questions() []Question {
	n := len(e.UngroupedQuestions)
	for _, s := range e.Sections {
		n += len(s.Questions)
	}
	out := make([]Question, 0, n)
	for _, s := range e.Sections {
		out = append(out, s.Questions...)
	}
	return append(out, e.UngroupedQuestions...)
}

// QuestionIDs returns the set of question ids in the definition.
func (e *ExamDefinition) QuestionIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, q := range e.Questions() {
		ids[q.ID] = struct{}{}
	}
	return ids
}

// Clone returns a deep copy whose slices can be reordered without touching e.
func (e *ExamDefinition) Clone() *ExamDefinition {
	out := *e
	if e.StartTime != nil {
		t := *e.StartTime
		out.StartTime = &t
	}
	out.Sections = make([]Section, len(e.Sections))
	for i, s := range e.Sections {
		s.Questions = cloneQuestions(s.Questions)
		out.Sections[i] = s
	}
	out.UngroupedQuestions = cloneQuestions(e.UngroupedQuestions)
	return &out
}

func cloneQuestions(in []Question) []Question {
	if in == nil {
		return nil
	}
	out := make([]Question, len(in))
	for i, q := range in {
		if q.Options != nil {
			q.Options = append([]string(nil), q.Options...)
		}
		out[i] = q
	}
	return out
}
