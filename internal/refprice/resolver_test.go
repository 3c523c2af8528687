package refprice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusan02/vercel-pmp-sub002/internal/calendar"
	"github.com/dusan02/vercel-pmp-sub002/internal/dlq"
	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
	"github.com/dusan02/vercel-pmp-sub002/internal/limiter"
)

// Wednesday, regular trading day (noon New York time in UTC).
var testDay = time.Date(2025, time.August, 27, 16, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu          sync.Mutex
	rangedCalls int
	dailyCalls  int
	rangedErr   error
	bars        []domain.Bar
	dailyClose  float64
	dailyErr    error
}

func (f *fakeAPI) Aggregates(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangedCalls++
	if f.rangedErr != nil {
		return nil, f.rangedErr
	}
	return f.bars, nil
}

func (f *fakeAPI) DailyClose(ctx context.Context, symbol string, day time.Time) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dailyCalls++
	if f.dailyErr != nil {
		return 0, f.dailyErr
	}
	return f.dailyClose, nil
}

func (f *fakeAPI) TickerDetails(ctx context.Context, symbol string) (domain.TickerDetails, error) {
	return domain.TickerDetails{}, errors.New("not implemented")
}

func (f *fakeAPI) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rangedCalls, f.dailyCalls
}

type fakeRepo struct {
	mu       sync.Mutex
	fail     bool
	refs     []domain.DailyRef
	prevSets int
}

func (f *fakeRepo) ListTickers(ctx context.Context) ([]domain.Ticker, error) { return nil, nil }

func (f *fakeRepo) UpsertDailyRef(ctx context.Context, ref domain.DailyRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("pg unavailable")
	}
	f.refs = append(f.refs, ref)
	return nil
}

func (f *fakeRepo) UpdatePrevClose(ctx context.Context, symbol string, close float64, day time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("pg unavailable")
	}
	f.prevSets++
	return nil
}

func (f *fakeRepo) UpdateShares(ctx context.Context, symbol string, shares float64) error { return nil }
func (f *fakeRepo) UpdateLogo(ctx context.Context, symbol, url string) error              { return nil }
func (f *fakeRepo) UpdateLastQuote(ctx context.Context, rec domain.RankRecord) error      { return nil }

type fixture struct {
	resolver *Resolver
	api      *fakeAPI
	repo     *fakeRepo
	rdb      *redis.Client
	queue    *dlq.Queue
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := DefaultConfig()
	cfg.ContentionPoll = 50 * time.Millisecond
	cfg.PaceDelay = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	api := &fakeAPI{
		bars:       []domain.Bar{{Date: testDay.AddDate(0, 0, -1), Close: 187.5}},
		dailyClose: 187.5,
	}
	repo := &fakeRepo{}
	queue := dlq.New(rdb, zerolog.Nop(), 0)
	lim := limiter.New(rdb, zerolog.Nop())
	res := NewResolver(rdb, lim, api, repo, queue, calendar.New(), zerolog.Nop(), cfg)
	return &fixture{resolver: res, api: api, repo: repo, rdb: rdb, queue: queue}
}

func TestCacheHitNoOutboundNoLock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.rdb.Set(ctx, "prevclose:2025-08-27:AAPL", "187.5", time.Hour).Err())

	v, ok := f.resolver.PreviousClose(ctx, "AAPL", testDay)
	require.True(t, ok)
	assert.Equal(t, 187.5, v)

	ranged, daily := f.api.calls()
	assert.Zero(t, ranged)
	assert.Zero(t, daily)
	assert.Equal(t, int64(0), f.rdb.Exists(ctx, "bucket:prevclose").Val(), "budget untouched on hit")
	assert.Equal(t, int64(0), f.rdb.Exists(ctx, "lock:prevclose:AAPL").Val(), "no lock taken on hit")
}

func TestColdFetchWritesThrough(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	v, ok := f.resolver.PreviousClose(ctx, "AAPL", testDay)
	require.True(t, ok)
	assert.Equal(t, 187.5, v)

	ranged, daily := f.api.calls()
	assert.Equal(t, 1, ranged)
	assert.Zero(t, daily)

	cached, err := f.rdb.Get(ctx, "prevclose:2025-08-27:AAPL").Result()
	require.NoError(t, err)
	assert.Equal(t, "187.5", cached)

	require.Len(t, f.repo.refs, 1)
	assert.Equal(t, "AAPL", f.repo.refs[0].Symbol)
	assert.Equal(t, 1, f.repo.prevSets)

	// Second call is a pure cache hit.
	_, ok = f.resolver.PreviousClose(ctx, "AAPL", testDay)
	require.True(t, ok)
	ranged, _ = f.api.calls()
	assert.Equal(t, 1, ranged)
}

func TestRangedScanPicksMostRecentValidClose(t *testing.T) {
	f := newFixture(t, nil)
	f.api.bars = []domain.Bar{
		{Date: testDay.AddDate(0, 0, -5), Close: 100},
		{Date: testDay.AddDate(0, 0, -1), Close: 0}, // invalid, skipped
		{Date: testDay.AddDate(0, 0, -2), Close: 105},
	}

	v, ok := f.resolver.PreviousClose(context.Background(), "AAPL", testDay)
	require.True(t, ok)
	assert.Equal(t, 105.0, v)
}

func TestDayByDayFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.api.rangedErr = errors.New("502")

	v, ok := f.resolver.PreviousClose(context.Background(), "AAPL", testDay)
	require.True(t, ok)
	assert.Equal(t, 187.5, v)

	ranged, daily := f.api.calls()
	assert.Equal(t, 1, ranged)
	assert.Equal(t, 1, daily, "first fallback day succeeded")
}

func TestBucketRefusalHasNoSideEffects(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.BucketMax = 0 })
	ctx := context.Background()

	_, ok := f.resolver.PreviousClose(ctx, "AAPL", testDay)
	assert.False(t, ok)

	ranged, daily := f.api.calls()
	assert.Zero(t, ranged)
	assert.Zero(t, daily)
	assert.Equal(t, int64(0), f.rdb.Exists(ctx, "lock:prevclose:AAPL").Val())
}

func TestSingleFlightUnderConcurrency(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.resolver.PreviousClose(ctx, "NVDA", testDay)
		}()
	}
	wg.Wait()

	ranged, daily := f.api.calls()
	assert.Equal(t, 1, ranged+daily, "exactly one upstream call for a cold symbol")
}

func TestPersistFailureIsIsolatedAndDeadLettered(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.fail = true
	ctx := context.Background()

	v, ok := f.resolver.PreviousClose(ctx, "AAPL", testDay)
	require.True(t, ok, "cache entry stays authoritative despite persist failure")
	assert.Equal(t, 187.5, v)

	jobs, err := f.queue.Jobs(ctx, JobPersistPrevClose, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 0, jobs[0].Attempts)
}

func TestBatchZeroBudgetStopsEarly(t *testing.T) {
	f := newFixture(t, nil)

	symbols := []string{"S0", "S1", "S2", "S3", "S4", "S5", "S6", "S7", "S8", "S9"}
	out, rep := f.resolver.PreviousClosesBatchAndPersist(context.Background(), symbols, testDay, 0)

	assert.Empty(t, out)
	assert.True(t, rep.EarlyStop)
	assert.Equal(t, 10, rep.Skipped)
	ranged, daily := f.api.calls()
	assert.Zero(t, ranged+daily)
}

func TestBatchResolvesInGroups(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.GroupSize = 2 })

	symbols := []string{"A1", "A2", "A3", "A4", "A5"}
	out, rep := f.resolver.PreviousClosesBatch(context.Background(), symbols, testDay, 10*time.Second)

	assert.Len(t, out, 5)
	assert.Equal(t, 5, rep.Resolved)
	assert.Zero(t, rep.Missing)
	assert.False(t, rep.EarlyStop)

	ranged, _ := f.api.calls()
	assert.Equal(t, 5, ranged)
}
