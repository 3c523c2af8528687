package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
)

func newTestQueue(t *testing.T, capacity int) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, zerolog.Nop(), capacity)
}

func TestAddAndFilter(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()

	job, err := q.Add(ctx, "persist_prev_close", map[string]string{"symbol": "AAPL"}, errors.New("pg down"), 2)
	require.NoError(t, err)
	_, err = q.Add(ctx, "shares_refresh", map[string]string{"symbol": "MSFT"}, errors.New("timeout"), 0)
	require.NoError(t, err)

	jobs, err := q.Jobs(ctx, "persist_prev_close", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, "persist_prev_close", jobs[0].Type)
	assert.Equal(t, 2, jobs[0].Attempts)
	assert.Equal(t, "pg down", jobs[0].Error)

	all, err := q.Jobs(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	// Most recent first.
	assert.Equal(t, "shares_refresh", all[0].Type)
}

func TestCapEvictsOldestFirst(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := q.Add(ctx, "t", map[string]int{"seq": i}, nil, 0)
		require.NoError(t, err)
	}

	jobs, err := q.Jobs(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 5, "never exceeds the cap")

	var seq struct{ Seq int }
	require.NoError(t, json.Unmarshal(jobs[len(jobs)-1].Payload, &seq))
	assert.Equal(t, 3, seq.Seq, "oldest surviving entry is #3, 0-2 evicted")
}

func TestRemove(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()

	job, err := q.Add(ctx, "t", "payload", nil, 0)
	require.NoError(t, err)

	ok, err := q.Remove(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Remove(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second remove finds nothing")
}

func TestShouldRetry(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		attempts int
		next     time.Time
		want     bool
	}{
		{"eligible", 2, now.Add(-time.Second), true},
		{"exactly at next retry", 0, now, true},
		{"attempts exhausted", 5, now.Add(-time.Hour), false},
		{"attempts beyond max", 9, now.Add(-time.Hour), false},
		{"not yet due", 1, now.Add(time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := domain.FailedJob{Attempts: tt.attempts, NextRetry: tt.next}
			assert.Equal(t, tt.want, ShouldRetry(j, now))
		})
	}
}

func TestBackoffTable(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0))
	assert.Equal(t, 5*time.Second, Backoff(1))
	assert.Equal(t, 300*time.Second, Backoff(4))
	assert.Equal(t, 300*time.Second, Backoff(50), "capped at the last step")
}

func TestStats(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Add(ctx, "a", i, nil, 0)
		require.NoError(t, err)
	}
	_, err := q.Add(ctx, "b", 0, nil, MaxAttempts)
	require.NoError(t, err)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 3, st.ByType["a"])
	assert.Equal(t, 1, st.ByType["b"])
}

func TestRetrierRequeuesFailures(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()

	// Eligible immediately: backdate NextRetry through a fake clock.
	q.now = func() time.Time { return time.Now().Add(-2 * time.Second) }
	_, err := q.Add(ctx, "flaky", map[string]string{"symbol": "AAPL"}, errors.New("boom"), 1)
	require.NoError(t, err)
	q.now = time.Now

	r := NewRetrier(q, zerolog.Nop())
	calls := 0
	r.Register("flaky", func(ctx context.Context, job domain.FailedJob) error {
		calls++
		return fmt.Errorf("still broken")
	})

	retried, failed := r.RunOnce(ctx)
	assert.Equal(t, 0, retried)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, calls)

	jobs, err := q.Jobs(ctx, "flaky", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts, "re-enqueued with attempts+1")
}
