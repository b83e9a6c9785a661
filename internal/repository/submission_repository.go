package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-candidate/internal/config"
	"github.com/stemsi/exstem-candidate/internal/model"
)

// ErrDuplicate is returned when a candidate already has a submission for the exam.
var ErrDuplicate = errors.New("duplicate submission")

// SubmissionRepository keeps one record per candidate in a hash per exam.
type SubmissionRepository struct {
	rdb *redis.Client
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(rdb *redis.Client) *SubmissionRepository {
	return &SubmissionRepository{rdb: rdb}
}

// Create stores rec unless the candidate already submitted. HSETNX makes the check and the
// write one step.
func (r *SubmissionRepository) Create(ctx context.Context, rec *model.SubmissionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	created, err := r.rdb.HSetNX(ctx, config.CacheKey.ExamSubmissionsKey(rec.ExamID), rec.CandidateID, data).Result()
	if err != nil {
		return fmt.Errorf("store submission: %w", err)
	}
	if !created {
		return ErrDuplicate
	}
	return nil
}

// Get returns the candidate's record, or ErrNotFound.
func (r *SubmissionRepository) Get(ctx context.Context, examID, candidateID string) (*model.SubmissionRecord, error) {
	data, err := r.rdb.HGet(ctx, config.CacheKey.ExamSubmissionsKey(examID), candidateID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	var rec model.SubmissionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal submission: %w", err)
	}
	return &rec, nil
}

// ListByExam returns every record for the exam ordered by candidate id.
func (r *SubmissionRepository) ListByExam(ctx context.Context, examID string) ([]model.SubmissionRecord, error) {
	all, err := r.rdb.HGetAll(ctx, config.CacheKey.ExamSubmissionsKey(examID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	out := make([]model.SubmissionRecord, 0, len(all))
	for _, data := range all {
		var rec model.SubmissionRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal submission: %w", err)
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b model.SubmissionRecord) int {
		return strings.Compare(a.CandidateID, b.CandidateID)
	})
	return out, nil
}
