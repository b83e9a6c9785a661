package model

import "time"

// Candidate identifies the person taking the attempt.
type Candidate struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// SubmissionRequest is posted once per attempt.
type SubmissionRequest struct {
	ExamID  string      `json:"exam_id" binding:"required,exam_id"`
	Answers AnswerDraft `json:"answers" binding:"required,answers_shape"`
}

// SubmissionResult is returned by the exam service. Score fields stay nil when the exam is
// graded later or not at all.
type SubmissionResult struct {
	Score          *float64 `json:"score,omitempty"`
	RawScore       *float64 `json:"raw_score,omitempty"`
	TotalQuestions *int     `json:"total_questions,omitempty"`
}

// SubmissionRecord is a stored submission, returned alongside the definition when the
// candidate already submitted.
type SubmissionRecord struct {
	ExamID      string           `json:"exam_id"`
	CandidateID string           `json:"candidate_id"`
	Answers     AnswerDraft      `json:"answers,omitempty"`
	Result      SubmissionResult `json:"result"`
	SubmittedAt time.Time        `json:"submitted_at"`
}

// ExamEnvelope is the GET /exams/{id} payload.
type ExamEnvelope struct {
	Exam       ExamDefinition    `json:"exam"`
	Submission *SubmissionRecord `json:"submission,omitempty"`
}
