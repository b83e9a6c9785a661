package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/model"
	"github.com/stemsi/exstem-candidate/internal/repository"
	"golang.org/x/sync/errgroup"
)

// MonitorService records candidate presence and builds the observer snapshot.
type MonitorService struct {
	activity    *repository.MonitorRepository
	exams       *repository.ExamRepository
	submissions *repository.SubmissionRepository
	now         func() time.Time
	log         zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(
	activity *repository.MonitorRepository,
	exams *repository.ExamRepository,
	submissions *repository.SubmissionRepository,
	log zerolog.Logger,
) *MonitorService {
	return &MonitorService{
		activity:    activity,
		exams:       exams,
		submissions: submissions,
		now:         time.Now,
		log:         log.With().Str("component", "monitor_service").Logger(),
	}
}

// Record queues a presence event for the activity worker. Failures are logged and dropped:
// the tally is advisory and must never hold up the relay.
func (s *MonitorService) Record(ctx context.Context, examID, candidateID, name string, kind model.ActivityKind) {
	rec := model.ActivityRecord{ExamID: examID, CandidateID: candidateID, Name: name, Kind: kind, At: s.now()}
	if err := s.activity.Enqueue(ctx, rec); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID).Str("candidate_id", candidateID).
			Str("kind", string(kind)).Msg("Failed to queue activity")
	}
}

// Snapshot merges the activity tally with the stored submissions.
func (s *MonitorService) Snapshot(ctx context.Context, examID string) (*model.ExamMonitor, error) {
	if _, err := s.exams.GetByID(ctx, examID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, err
	}

	var (
		tally       map[string]*model.CandidateActivity
		submissions []model.SubmissionRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tally, err = s.activity.Tally(gctx, examID)
		return err
	})
	g.Go(func() error {
		var err error
		submissions, err = s.submissions.ListByExam(gctx, examID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, rec := range submissions {
		a, ok := tally[rec.CandidateID]
		if !ok {
			a = &model.CandidateActivity{CandidateID: rec.CandidateID}
			tally[rec.CandidateID] = a
		}
		a.Submitted = true
	}

	out := &model.ExamMonitor{ExamID: examID, Candidates: make([]model.CandidateActivity, 0, len(tally))}
	for _, a := range tally {
		if a.Name == "" {
			a.Name = a.CandidateID
		}
		out.Candidates = append(out.Candidates, *a)
		if a.Online {
			out.TotalOnline++
		}
		if a.Submitted {
			out.TotalSubmitted++
		}
		out.TotalFocusLost += a.FocusLost
	}
	slices.SortFunc(out.Candidates, func(a, b model.CandidateActivity) int {
		return strings.Compare(a.CandidateID, b.CandidateID)
	})
	return out, nil
}
