// Package progress keeps a candidate's in-progress answers for one attempt so a reload or a
// crashed client resumes where the candidate left off.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-candidate/internal/config"
	"github.com/stemsi/exstem-candidate/internal/model"
)

// Store persists drafts keyed by attempt. Load returns an empty draft when nothing is stored.
type Store interface {
	Load(ctx context.Context, examID, candidateID string) (model.AnswerDraft, error)
	Save(ctx context.Context, examID, candidateID string, draft model.AnswerDraft) error
	Clear(ctx context.Context, examID, candidateID string) error
}

// RedisStore keeps each draft as a JSON string with a sliding TTL.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a new RedisStore. A zero ttl keeps drafts until cleared.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, examID, candidateID string) (model.AnswerDraft, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.CandidateDraftKey(examID, candidateID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.AnswerDraft{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get draft: %w", err)
	}

	var draft model.AnswerDraft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	if draft == nil {
		draft = model.AnswerDraft{}
	}
	return draft, nil
}

func (s *RedisStore) Save(ctx context.Context, examID, candidateID string, draft model.AnswerDraft) error {
	raw, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.CandidateDraftKey(examID, candidateID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set draft: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, examID, candidateID string) error {
	if err := s.rdb.Del(ctx, config.CacheKey.CandidateDraftKey(examID, candidateID)).Err(); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// MemoryStore keeps drafts in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	drafts map[string]model.AnswerDraft
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[string]model.AnswerDraft)}
}

func (s *MemoryStore) Load(_ context.Context, examID, candidateID string) (model.AnswerDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[config.CacheKey.CandidateDraftKey(examID, candidateID)]
	if !ok {
		return model.AnswerDraft{}, nil
	}
	return d.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, examID, candidateID string, draft model.AnswerDraft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[config.CacheKey.CandidateDraftKey(examID, candidateID)] = draft.Clone()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, examID, candidateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, config.CacheKey.CandidateDraftKey(examID, candidateID))
	return nil
}

// Len reports how many drafts are held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drafts)
}
