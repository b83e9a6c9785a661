package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	connectAttempts = 5
	connectBackoff  = 200 * time.Millisecond
)

// NewRedisClient connects to a redis:// URL. Redis often starts next to the rehearsal server,
// so the first pings are retried with doubling backoff until ctx ends.
func NewRedisClient(ctx context.Context, url string, log zerolog.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	backoff := connectBackoff
	for attempt := 1; ; attempt++ {
		err = rdb.Ping(ctx).Err()
		if err == nil {
			break
		}
		if attempt == connectAttempts {
			rdb.Close()
			return nil, fmt.Errorf("ping redis after %d attempts: %w", attempt, err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", backoff).Msg("Redis not ready")
		select {
		case <-ctx.Done():
			rdb.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	log.Info().Str("addr", opt.Addr).Int("db", opt.DB).Msg("Redis connected")
	return rdb, nil
}
