// Package limiter provides the mutual-exclusion and call-budget
// primitives gating every touch of the rate-limited upstream API.
//
// Both primitives FAIL CLOSED: if the store is unreachable the answer is
// "denied", never "allowed". That inverts the usual cache-fallback
// instinct on purpose — unbounded upstream calls are worse than a
// temporarily refused one.
package limiter

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotAcquired is returned by WithLock when the lock is held elsewhere.
// Contention is not a failure; callers back off to cache-or-null.
var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the lock only while it still holds our token, so
// a stale holder whose TTL expired can never delete a newer acquisition.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

// Limiter implements distributed locks, token buckets, and fixed-window
// counters on a shared key-value store.
type Limiter struct {
	rdb *redis.Client
	log zerolog.Logger
	now func() time.Time
}

func New(rdb *redis.Client, log zerolog.Logger) *Limiter {
	return &Limiter{
		rdb: rdb,
		log: log.With().Str("component", "limiter").Logger(),
		now: time.Now,
	}
}

// AcquireLock takes a TTL lock via set-if-absent and returns the holder
// token. With retryEvery > 0 it re-attempts up to maxRetries times.
// Returns ok=false on contention and on store failure alike.
func (l *Limiter) AcquireLock(ctx context.Context, key string, ttl time.Duration, retryEvery time.Duration, maxRetries int) (string, bool) {
	token := uuid.NewString()
	for attempt := 0; ; attempt++ {
		ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("lock acquire failed, denying")
			return "", false
		}
		if ok {
			return token, true
		}
		if retryEvery <= 0 || attempt >= maxRetries {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(retryEvery):
		}
	}
}

// ReleaseLock removes the lock iff it still holds token. A mismatched
// token is a no-op returning false.
func (l *Limiter) ReleaseLock(ctx context.Context, key, token string) bool {
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("lock release failed")
		return false
	}
	return n == 1
}

// WithLock runs fn under the lock, releasing on every exit path.
func (l *Limiter) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	token, ok := l.AcquireLock(ctx, key, ttl, 0, 0)
	if !ok {
		return ErrNotAcquired
	}
	defer l.ReleaseLock(ctx, key, token)
	return fn(ctx)
}

// AllowTokenBucket admits one call if the bucket has a whole token.
// State is a hash {tokens, last}; tokens refill proportionally to elapsed
// time, capped at maxTokens, and the updated state is written back with
// the window as its TTL.
//
// The read-modify-write is not atomic at the store level. On the hot
// path it sits behind the per-symbol lock; any caller using a bucket
// without such a lock accepts a small over-admission race.
func (l *Limiter) AllowTokenBucket(ctx context.Context, key string, maxTokens int, refillPerSec float64, window time.Duration) bool {
	state, err := l.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("token bucket read failed, denying")
		return false
	}

	now := l.now()
	tokens := float64(maxTokens)
	if len(state) > 0 {
		if v, err := strconv.ParseFloat(state["tokens"], 64); err == nil {
			tokens = v
		}
		last := now
		if ms, err := strconv.ParseInt(state["last"], 10, 64); err == nil {
			last = time.UnixMilli(ms)
		}
		elapsed := now.Sub(last).Seconds()
		if elapsed > 0 {
			tokens = math.Min(float64(maxTokens), tokens+elapsed*refillPerSec)
		}
	}

	allowed := false
	if tokens >= 1 {
		tokens--
		allowed = true
	}

	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"tokens", strconv.FormatFloat(tokens, 'f', 6, 64),
			"last", strconv.FormatInt(now.UnixMilli(), 10),
		)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("token bucket write failed, denying")
		return false
	}
	return allowed
}

// AllowFixedWindow admits up to limit calls per window: atomic increment
// with the TTL set on the first hit.
func (l *Limiter) AllowFixedWindow(ctx context.Context, key string, limit int64, window time.Duration) bool {
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("rate limit incr failed, denying")
		return false
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("rate limit expire failed")
		}
	}
	return n <= limit
}
