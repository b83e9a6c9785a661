package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-candidate/internal/config"
	"github.com/stemsi/exstem-candidate/internal/model"
)

// activityTTL bounds how long a tally outlives the last event of its exam.
const activityTTL = 48 * time.Hour

// Activity hash fields are "<field>:<candidate id>". Field names never contain ':' so the
// first one splits them even when candidate ids do.
const (
	fieldName      = "name"
	fieldOnline    = "online"
	fieldFocused   = "focused"
	fieldFocusLost = "focus_lost"
	fieldLeftExam  = "left_exam"
	fieldLastEvent = "last_event"
	fieldLastSeen  = "last_seen"
)

// MonitorRepository keeps per-candidate presence tallies in one Redis hash per exam. Counters
// use HINCRBY so several server instances can apply batches concurrently.
type MonitorRepository struct {
	rdb *redis.Client
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(rdb *redis.Client) *MonitorRepository {
	return &MonitorRepository{rdb: rdb}
}

// Enqueue pushes records onto the activity queue.
func (r *MonitorRepository) Enqueue(ctx context.Context, records ...model.ActivityRecord) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]any, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal activity: %w", err)
		}
		values = append(values, data)
	}
	if err := r.rdb.RPush(ctx, config.WorkerKey.ActivityQueue, values...).Err(); err != nil {
		return fmt.Errorf("enqueue activity: %w", err)
	}
	return nil
}

// Apply tallies a batch in a single pipeline, in order.
func (r *MonitorRepository) Apply(ctx context.Context, batch []model.ActivityRecord) error {
	pipe := r.rdb.Pipeline()
	touched := make(map[string]struct{})
	for _, rec := range batch {
		key := config.CacheKey.ExamActivityKey(rec.ExamID)
		touched[key] = struct{}{}
		field := func(name string) string { return name + ":" + rec.CandidateID }

		if rec.Name != "" {
			pipe.HSet(ctx, key, field(fieldName), rec.Name)
		}
		switch rec.Kind {
		case model.ActivityJoined:
			pipe.HSet(ctx, key, field(fieldOnline), 1, field(fieldFocused), 1)
		case model.ActivityLeft:
			pipe.HSet(ctx, key, field(fieldOnline), 0)
		case model.ActivityFocusLost:
			pipe.HIncrBy(ctx, key, field(fieldFocusLost), 1)
			pipe.HSet(ctx, key, field(fieldFocused), 0)
		case model.ActivityFocusGained:
			pipe.HSet(ctx, key, field(fieldFocused), 1)
		case model.ActivityLeftExam:
			pipe.HIncrBy(ctx, key, field(fieldLeftExam), 1)
			pipe.HSet(ctx, key, field(fieldOnline), 0)
		default:
			continue
		}
		pipe.HSet(ctx, key,
			field(fieldLastEvent), string(rec.Kind),
			field(fieldLastSeen), rec.At.UTC().Format(time.RFC3339Nano))
	}
	for key := range touched {
		pipe.Expire(ctx, key, activityTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("apply activity: %w", err)
	}
	return nil
}

// Tally returns the activity of every candidate seen in the exam, keyed by candidate id.
func (r *MonitorRepository) Tally(ctx context.Context, examID string) (map[string]*model.CandidateActivity, error) {
	fields, err := r.rdb.HGetAll(ctx, config.CacheKey.ExamActivityKey(examID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read activity: %w", err)
	}

	out := make(map[string]*model.CandidateActivity)
	for f, v := range fields {
		name, candidateID, ok := strings.Cut(f, ":")
		if !ok {
			continue
		}
		a, exists := out[candidateID]
		if !exists {
			a = &model.CandidateActivity{CandidateID: candidateID}
			out[candidateID] = a
		}
		switch name {
		case fieldName:
			a.Name = v
		case fieldOnline:
			a.Online = v == "1"
		case fieldFocused:
			a.Focused = v == "1"
		case fieldFocusLost:
			a.FocusLost, _ = strconv.ParseInt(v, 10, 64)
		case fieldLeftExam:
			a.LeftExam, _ = strconv.ParseInt(v, 10, 64)
		case fieldLastEvent:
			a.LastEvent = model.ActivityKind(v)
		case fieldLastSeen:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				a.LastSeen = &t
			}
		}
	}
	return out, nil
}
