package model

import "time"

// ActivityKind is a candidate presence change tallied for observers.
type ActivityKind string

const (
	ActivityJoined      ActivityKind = "joined"
	ActivityLeft        ActivityKind = "left"
	ActivityFocusLost   ActivityKind = "focus_lost"
	ActivityFocusGained ActivityKind = "focus_gained"
	ActivityLeftExam    ActivityKind = "left_exam"
)

// ActivityRecord is one presence event waiting in the activity queue.
type ActivityRecord struct {
	ExamID      string       `json:"exam_id"`
	CandidateID string       `json:"candidate_id"`
	Name        string       `json:"name,omitempty"`
	Kind        ActivityKind `json:"kind"`
	At          time.Time    `json:"at"`
}

// CandidateActivity is the tally for one candidate of an exam.
type CandidateActivity struct {
	CandidateID string       `json:"candidate_id"`
	Name        string       `json:"name"`
	Online      bool         `json:"online"`
	Focused     bool         `json:"focused"`
	FocusLost   int64        `json:"focus_lost"`
	LeftExam    int64        `json:"left_exam"`
	LastEvent   ActivityKind `json:"last_event,omitempty"`
	LastSeen    *time.Time   `json:"last_seen"`
	Submitted   bool         `json:"submitted"`
}

// ExamMonitor is the observer snapshot of an exam.
type ExamMonitor struct {
	ExamID         string              `json:"exam_id"`
	Candidates     []CandidateActivity `json:"candidates"`
	TotalOnline    int                 `json:"total_online"`
	TotalSubmitted int                 `json:"total_submitted"`
	TotalFocusLost int64               `json:"total_focus_lost"`
}
