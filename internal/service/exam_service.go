package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/model"
	"github.com/stemsi/exstem-candidate/internal/realtime"
	"github.com/stemsi/exstem-candidate/internal/repository"
	"github.com/stemsi/exstem-candidate/internal/validator"
	"gopkg.in/yaml.v3"
)

// Exam service errors.
var (
	ErrExamNotFound      = errors.New("exam not found")
	ErrInvalidTransition = errors.New("invalid exam status transition")
	ErrInvalidFixture    = errors.New("invalid exam fixture")
)

// ExamSummary is the observer listing entry.
type ExamSummary struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Status          model.ExamStatus  `json:"status"`
	StartMethod     model.StartMethod `json:"start_method"`
	StartTime       *time.Time        `json:"start_time"`
	DurationMinutes int               `json:"duration_minutes"`
	Questions       int               `json:"questions"`
}

// ExamService serves definitions to candidates and applies facilitator controls.
type ExamService struct {
	exams       *repository.ExamRepository
	submissions *repository.SubmissionRepository
	relay       *RelayService
	now         func() time.Time
	log         zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(
	exams *repository.ExamRepository,
	submissions *repository.SubmissionRepository,
	relay *RelayService,
	log zerolog.Logger,
) *ExamService {
	return &ExamService{
		exams:       exams,
		submissions: submissions,
		relay:       relay,
		now:         time.Now,
		log:         log.With().Str("component", "exam_service").Logger(),
	}
}

// GetForCandidate returns the definition together with the candidate's prior submission.
func (s *ExamService) GetForCandidate(ctx context.Context, examID, candidateID string) (*model.ExamEnvelope, error) {
	def, err := s.get(ctx, examID)
	if err != nil {
		return nil, err
	}
	env := &model.ExamEnvelope{Exam: *def}

	rec, err := s.submissions.Get(ctx, examID, candidateID)
	switch {
	case err == nil:
		rec.Answers = nil
		env.Submission = rec
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}
	return env, nil
}

// List summarizes every loaded exam.
func (s *ExamService) List(ctx context.Context) ([]ExamSummary, error) {
	exams, err := s.exams.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ExamSummary, len(exams))
	for i := range exams {
		e := &exams[i]
		out[i] = ExamSummary{
			ID:              e.ID,
			Title:           e.Title,
			Status:          e.Status,
			StartMethod:     e.StartMethod,
			StartTime:       e.StartTime,
			DurationMinutes: e.DurationMinutes,
			Questions:       len(e.Questions()),
		}
	}
	return out, nil
}

// Start opens the exam now and tells waiting candidates to refetch.
func (s *ExamService) Start(ctx context.Context, examID string) (*model.ExamDefinition, error) {
	def, err := s.get(ctx, examID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	start, started := def.Start()
	if def.Status == model.ExamStatusActive && started && !start.After(now) {
		return nil, fmt.Errorf("%w: exam already running", ErrInvalidTransition)
	}

	def.Status = model.ExamStatusActive
	def.StartTime = &now
	if err := s.exams.Save(ctx, def); err != nil {
		return nil, err
	}
	s.notify(ctx, examID, realtime.EventExamStarted)
	return def, nil
}

// Close stops the exam. Candidates submit or leave depending on allow_late_submission.
func (s *ExamService) Close(ctx context.Context, examID string) (*model.ExamDefinition, error) {
	def, err := s.get(ctx, examID)
	if err != nil {
		return nil, err
	}
	_, started := def.Start()
	if def.Status == model.ExamStatusClosed && started {
		return nil, fmt.Errorf("%w: exam already closed", ErrInvalidTransition)
	}

	def.Status = model.ExamStatusClosed
	if !started {
		// A recorded start keeps a closed manual exam from reading as "awaiting start".
		now := s.now()
		def.StartTime = &now
	}
	if err := s.exams.Save(ctx, def); err != nil {
		return nil, err
	}
	s.notify(ctx, examID, realtime.EventExamClosed)
	return def, nil
}

// Delete removes the exam with its submissions and takes candidates down.
func (s *ExamService) Delete(ctx context.Context, examID string) error {
	if err := s.exams.Delete(ctx, examID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrExamNotFound
		}
		return err
	}
	s.notify(ctx, examID, realtime.EventExamDeleted)
	return nil
}

// RequestSync asks every candidate to re-send presence and stream readiness.
func (s *ExamService) RequestSync(ctx context.Context, examID string) error {
	if _, err := s.get(ctx, examID); err != nil {
		return err
	}
	s.notify(ctx, examID, realtime.EventStatusSyncRequest)
	return nil
}

// Get returns the stored definition.
func (s *ExamService) Get(ctx context.Context, examID string) (*model.ExamDefinition, error) {
	return s.get(ctx, examID)
}

func (s *ExamService) get(ctx context.Context, examID string) (*model.ExamDefinition, error) {
	def, err := s.exams.GetByID(ctx, examID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrExamNotFound
	}
	return def, err
}

// notify is best effort: the stored status already changed and candidates polling will see it.
func (s *ExamService) notify(ctx context.Context, examID string, event realtime.Event) {
	if err := s.relay.Broadcast(ctx, examID, event); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID).Str("event", string(event)).Msg("Failed to notify candidates")
	}
}

// ─── Fixtures ───────────────────────────────────────────────────────

type fixtureFile struct {
	Exams []fixture `yaml:"exams"`
}

// fixture is an exam definition whose start may be given relative to load time.
type fixture struct {
	model.ExamDefinition `yaml:",inline"`
	StartIn              *time.Duration `yaml:"start_in"`
}

// LoadFixtures reads exams from a YAML file into the store before traffic is accepted.
func (s *ExamService) LoadFixtures(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read fixtures: %w", err)
	}

	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse fixtures: %w", err)
	}

	now := s.now()
	for i := range file.Exams {
		f := &file.Exams[i]
		if !validator.ValidExamID(f.ID) {
			return i, fmt.Errorf("%w: exam %d has id %q", ErrInvalidFixture, i, f.ID)
		}
		if f.StartIn != nil {
			start := now.Add(*f.StartIn).Truncate(time.Second)
			f.StartTime = &start
		}
		if err := s.exams.Save(ctx, &f.ExamDefinition); err != nil {
			return i, err
		}
		s.log.Debug().
			Str("exam_id", f.ID).
			Int("questions", len(f.Questions())).
			Msg("Fixture loaded")
	}

	s.log.Info().Int("count", len(file.Exams)).Str("path", path).Msg("Fixtures loaded")
	return len(file.Exams), nil
}
