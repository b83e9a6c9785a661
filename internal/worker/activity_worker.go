package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/config"
	"github.com/stemsi/exstem-candidate/internal/model"
	"github.com/stemsi/exstem-candidate/internal/repository"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ActivityWorker drains the activity queue into the per-exam tallies observers read.
type ActivityWorker struct {
	rdb      *redis.Client
	activity *repository.MonitorRepository
	log      zerolog.Logger

	batchSize    int
	batchTimeout time.Duration
	pollTimeout  time.Duration
	retryDelay   time.Duration
}

func NewActivityWorker(rdb *redis.Client, activity *repository.MonitorRepository, log zerolog.Logger) *ActivityWorker {
	return &ActivityWorker{
		rdb:          rdb,
		activity:     activity,
		log:          log.With().Str("component", "activity_worker").Logger(),
		batchSize:    BatchSize,
		batchTimeout: BatchTimeout,
		pollTimeout:  PollTimeout,
		retryDelay:   3 * time.Second,
	}
}

// Start consumes until ctx ends, then flushes what it buffered.
func (w *ActivityWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ActivityWorker started")

	buffer := make([]model.ActivityRecord, 0, w.batchSize)
	lastFlush := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 && (len(buffer) >= w.batchSize || time.Since(lastFlush) >= w.batchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch. BLPop returns at once when the queue has data.
		result, err := w.rdb.BLPop(ctx, w.pollTimeout, config.WorkerKey.ActivityQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Dur("retry_in", w.retryDelay).Msg("Redis error while polling")
			select {
			case <-ctx.Done():
			case <-time.After(w.retryDelay):
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var rec model.ActivityRecord
		if err := json.Unmarshal([]byte(result[1]), &rec); err != nil {
			// Malformed entries can never succeed; drop them.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed activity")
			continue
		}
		buffer = append(buffer, rec)
	}
}

// flushSafe applies the batch in one pipeline, falls back to one record at a time and
// requeues what still fails.
func (w *ActivityWorker) flushSafe(ctx context.Context, batch []model.ActivityRecord) {
	err := w.activity.Apply(ctx, batch)
	if err == nil {
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Batch apply failed, retrying one by one")

	var failed []model.ActivityRecord
	for _, rec := range batch {
		if err := w.activity.Apply(ctx, []model.ActivityRecord{rec}); err != nil {
			failed = append(failed, rec)
		}
	}
	if len(failed) == 0 {
		return
	}
	if err := w.activity.Enqueue(ctx, failed...); err != nil {
		w.log.Error().Err(err).Int("count", len(failed)).Msg("Failed to requeue activity, tallies lost")
		return
	}
	w.log.Info().Int("count", len(failed)).Msg("Requeued activity")
}

func (w *ActivityWorker) shutdown(buffer []model.ActivityRecord) {
	w.log.Info().Int("buffered", len(buffer)).Msg("ActivityWorker stopping")
	if len(buffer) == 0 {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.flushSafe(shutdownCtx, buffer)
}
