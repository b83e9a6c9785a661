package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-candidate/internal/config"
	"github.com/stemsi/exstem-candidate/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ExamRepository stores exam definitions as JSON strings, with a set indexing their ids.
type ExamRepository struct {
	rdb *redis.Client
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(rdb *redis.Client) *ExamRepository {
	return &ExamRepository{rdb: rdb}
}

// Save writes def and indexes it.
func (r *ExamRepository) Save(ctx context.Context, def *model.ExamDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal exam: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.ExamDefinitionKey(def.ID), data, 0)
	pipe.SAdd(ctx, config.CacheKey.ExamIndexKey(), def.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save exam: %w", err)
	}
	return nil
}

// GetByID loads one definition.
func (r *ExamRepository) GetByID(ctx context.Context, examID string) (*model.ExamDefinition, error) {
	data, err := r.rdb.Get(ctx, config.CacheKey.ExamDefinitionKey(examID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	var def model.ExamDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal exam: %w", err)
	}
	return &def, nil
}

// List returns every indexed definition ordered by id. Index entries whose definition has
// gone are skipped.
func (r *ExamRepository) List(ctx context.Context) ([]model.ExamDefinition, error) {
	ids, err := r.rdb.SMembers(ctx, config.CacheKey.ExamIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list exam ids: %w", err)
	}
	slices.Sort(ids)

	exams := make([]model.ExamDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := r.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		exams = append(exams, *def)
	}
	return exams, nil
}

// Delete removes the definition, its index entry, its submissions and its activity tally.
func (r *ExamRepository) Delete(ctx context.Context, examID string) error {
	pipe := r.rdb.TxPipeline()
	del := pipe.Del(ctx, config.CacheKey.ExamDefinitionKey(examID))
	pipe.SRem(ctx, config.CacheKey.ExamIndexKey(), examID)
	pipe.Del(ctx, config.CacheKey.ExamSubmissionsKey(examID))
	pipe.Del(ctx, config.CacheKey.ExamActivityKey(examID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete exam: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}
