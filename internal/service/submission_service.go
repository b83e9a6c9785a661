package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/model"
	"github.com/stemsi/exstem-candidate/internal/repository"
)

// SubmitGrace is how long after the deadline a submission is still accepted when late
// submission is off. It covers the time an automatic submission spends in flight.
const SubmitGrace = 2 * time.Minute

// Submission errors.
var (
	ErrExamNotAvailable = errors.New("exam is not open for submissions")
	ErrExamEnded        = errors.New("exam has ended")
	ErrAlreadySubmitted = errors.New("already submitted")
	ErrUnknownQuestion  = errors.New("answer for unknown question")
)

// SubmissionService accepts the single submission of each candidate. Nothing is graded; the
// result only reports the question count.
type SubmissionService struct {
	exams       *repository.ExamRepository
	submissions *repository.SubmissionRepository
	now         func() time.Time
	log         zerolog.Logger
}

// NewSubmissionService creates a new SubmissionService.
func NewSubmissionService(exams *repository.ExamRepository, submissions *repository.SubmissionRepository, log zerolog.Logger) *SubmissionService {
	return &SubmissionService{
		exams:       exams,
		submissions: submissions,
		now:         time.Now,
		log:         log.With().Str("component", "submission_service").Logger(),
	}
}

// Submit stores the candidate's answers once.
func (s *SubmissionService) Submit(ctx context.Context, candidateID string, req model.SubmissionRequest) (*model.SubmissionResult, error) {
	def, err := s.exams.GetByID(ctx, req.ExamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, err
	}

	now := s.now()
	start, started := def.Start()
	if def.Status == model.ExamStatusDraft || !started || now.Before(start) {
		return nil, ErrExamNotAvailable
	}
	if !def.AllowLateSubmission && now.After(start.Add(def.Duration()+SubmitGrace)) {
		return nil, ErrExamEnded
	}

	ids := def.QuestionIDs()
	for id := range req.Answers {
		if _, ok := ids[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownQuestion, id)
		}
	}

	total := len(ids)
	rec := &model.SubmissionRecord{
		ExamID:      def.ID,
		CandidateID: candidateID,
		Answers:     req.Answers,
		Result:      model.SubmissionResult{TotalQuestions: &total},
		SubmittedAt: now.UTC(),
	}
	if err := s.submissions.Create(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrAlreadySubmitted
		}
		return nil, err
	}

	s.log.Info().
		Str("exam_id", def.ID).
		Str("candidate_id", candidateID).
		Int("answered", len(req.Answers)).
		Msg("Submission stored")
	return &rec.Result, nil
}

// ListByExam returns every submission of an existing exam.
func (s *SubmissionService) ListByExam(ctx context.Context, examID string) ([]model.SubmissionRecord, error) {
	if _, err := s.exams.GetByID(ctx, examID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, err
	}
	return s.submissions.ListByExam(ctx, examID)
}
