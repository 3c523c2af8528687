// Package kv owns the Redis client lifecycle.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	pingAttempts = 5
	pingBackoff  = 500 * time.Millisecond
)

// Connect opens a Redis client and verifies connectivity with a few
// pings before giving up. Startup tolerates a store that is still
// coming up alongside us.
func Connect(ctx context.Context, addr, password string, db int, log zerolog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			log.Info().Str("addr", addr).Msg("redis connected")
			return rdb, nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("redis ping failed")
		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * pingBackoff):
		}
	}
	_ = rdb.Close()
	return nil, fmt.Errorf("redis unreachable at %s: %w", addr, err)
}
