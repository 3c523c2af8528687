// Package dlq is a capped, time-ordered dead-letter queue for failed
// background jobs. It is passive: nothing here retries anything. An
// external scheduler polls ShouldRetry and re-invokes the original
// handler (see Retrier).
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
)

const (
	// DefaultCap bounds the queue; oldest entries are trimmed past it.
	// Linear scans below are acceptable only because of this bound.
	DefaultCap = 500

	// MaxAttempts after which a job is never retried again.
	MaxAttempts = 5

	queueKey = "dlq:jobs"
)

// backoffTable fixes NextRetry at insertion time, capped at the last step.
var backoffTable = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	20 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// Backoff returns the retry delay for a job that has failed
// attempts times already.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(backoffTable) {
		return backoffTable[len(backoffTable)-1]
	}
	return backoffTable[attempts]
}

// ShouldRetry is the pure retry-eligibility predicate.
func ShouldRetry(j domain.FailedJob, now time.Time) bool {
	return j.Attempts < MaxAttempts && !now.Before(j.NextRetry)
}

type Queue struct {
	rdb *redis.Client
	log zerolog.Logger
	cap int64
	now func() time.Time
}

// New builds a queue with the given cap; cap <= 0 means DefaultCap.
func New(rdb *redis.Client, log zerolog.Logger, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Queue{
		rdb: rdb,
		log: log.With().Str("component", "dlq").Logger(),
		cap: int64(capacity),
		now: time.Now,
	}
}

// Add appends a failed job, evicting the oldest entry past the cap.
func (q *Queue) Add(ctx context.Context, jobType string, payload any, cause error, attempts int) (domain.FailedJob, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.FailedJob{}, fmt.Errorf("encode dlq payload: %w", err)
	}

	now := q.now()
	job := domain.FailedJob{
		ID:        uuid.NewString(),
		Type:      jobType,
		Payload:   raw,
		Attempts:  attempts,
		Timestamp: now,
		NextRetry: now.Add(Backoff(attempts)),
	}
	if cause != nil {
		job.Error = cause.Error()
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		return domain.FailedJob{}, fmt.Errorf("encode dlq job: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, queueKey, encoded)
		pipe.LTrim(ctx, queueKey, 0, q.cap-1)
		return nil
	})
	if err != nil {
		return domain.FailedJob{}, fmt.Errorf("dlq push: %w", err)
	}
	q.log.Debug().Str("type", jobType).Str("id", job.ID).Int("attempts", attempts).Msg("job dead-lettered")
	return job, nil
}

// Jobs returns the most recent entries, optionally filtered by type.
// limit <= 0 returns everything up to the cap.
func (q *Queue) Jobs(ctx context.Context, jobType string, limit int) ([]domain.FailedJob, error) {
	raws, err := q.rdb.LRange(ctx, queueKey, 0, q.cap-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq range: %w", err)
	}

	jobs := make([]domain.FailedJob, 0, len(raws))
	for _, raw := range raws {
		var j domain.FailedJob
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			q.log.Warn().Err(err).Msg("corrupt dlq entry, skipping")
			continue
		}
		if jobType != "" && j.Type != jobType {
			continue
		}
		jobs = append(jobs, j)
		if limit > 0 && len(jobs) >= limit {
			break
		}
	}
	return jobs, nil
}

// Remove deletes one job by id via scan-and-remove.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	raws, err := q.rdb.LRange(ctx, queueKey, 0, q.cap-1).Result()
	if err != nil {
		return false, fmt.Errorf("dlq range: %w", err)
	}
	for _, raw := range raws {
		var j domain.FailedJob
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			continue
		}
		if j.ID != id {
			continue
		}
		n, err := q.rdb.LRem(ctx, queueKey, 1, raw).Result()
		if err != nil {
			return false, fmt.Errorf("dlq rem: %w", err)
		}
		return n > 0, nil
	}
	return false, nil
}

// Stats aggregates queue contents per type.
type Stats struct {
	Total     int            `json:"total"`
	Retryable int            `json:"retryable"`
	ByType    map[string]int `json:"byType"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	jobs, err := q.Jobs(ctx, "", 0)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(jobs), ByType: make(map[string]int)}
	now := q.now()
	for _, j := range jobs {
		st.ByType[j.Type]++
		if ShouldRetry(j, now) {
			st.Retryable++
		}
	}
	return st, nil
}
