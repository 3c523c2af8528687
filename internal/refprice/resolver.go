// Package refprice resolves missing previous-close prices on demand.
//
// Every resolution is gated twice: a shared token bucket bounds total
// upstream spend, and a per-symbol lock makes the fetch single-flight so
// a thundering herd on one cold symbol costs one outbound call. Results
// write through to the cache (authoritative) and the durable store
// (best-effort, dead-lettered on failure).
package refprice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dusan02/vercel-pmp-sub002/internal/calendar"
	"github.com/dusan02/vercel-pmp-sub002/internal/dlq"
	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
	"github.com/dusan02/vercel-pmp-sub002/internal/limiter"
	"github.com/dusan02/vercel-pmp-sub002/internal/ports"
)

// JobPersistPrevClose is the DLQ job type for failed durable persists.
const JobPersistPrevClose = "persist_prev_close"

// PersistPayload is the DLQ payload for JobPersistPrevClose.
type PersistPayload struct {
	Symbol string  `json:"symbol"`
	Date   string  `json:"date"`
	Close  float64 `json:"close"`
}

type Config struct {
	MaxLookback        int
	CacheTTL           time.Duration
	LockTTL            time.Duration
	BucketKey          string
	BucketMax          int
	BucketRefillPerSec float64
	BucketWindow       time.Duration
	GroupSize          int
	// ContentionPoll is how long a loser of the per-symbol lock waits
	// before its single cache poll.
	ContentionPoll time.Duration
	// PaceDelay spaces day-by-day fallback calls.
	PaceDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxLookback: 10,
		CacheTTL:    24 * time.Hour,
		LockTTL:     30 * time.Second,
		BucketKey:   "bucket:prevclose",
		// Sized for the worst case of one resolution degrading to
		// MaxLookback day-by-day calls.
		BucketMax:          30,
		BucketRefillPerSec: 0.5,
		BucketWindow:       10 * time.Minute,
		GroupSize:          5,
		ContentionPoll:     150 * time.Millisecond,
		PaceDelay:          120 * time.Millisecond,
	}
}

type Resolver struct {
	rdb   *redis.Client
	lim   *limiter.Limiter
	api   ports.PriceAPI
	repo  ports.TickerRepo
	queue *dlq.Queue
	cal   *calendar.Calendar
	log   zerolog.Logger
	cfg   Config
	now   func() time.Time
}

// NewResolver wires the resolver. repo and queue may be nil in cache-only
// deployments; persistence is then skipped.
func NewResolver(rdb *redis.Client, lim *limiter.Limiter, api ports.PriceAPI, repo ports.TickerRepo, queue *dlq.Queue, cal *calendar.Calendar, log zerolog.Logger, cfg Config) *Resolver {
	if cfg.MaxLookback <= 0 {
		cfg.MaxLookback = 10
	}
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = 5
	}
	return &Resolver{
		rdb:   rdb,
		lim:   lim,
		api:   api,
		repo:  repo,
		queue: queue,
		cal:   cal,
		log:   log.With().Str("component", "refprice").Logger(),
		cfg:   cfg,
		now:   time.Now,
	}
}

func cacheKey(date, symbol string) string {
	return fmt.Sprintf("prevclose:%s:%s", date, symbol)
}

// PreviousClose resolves the previous close for symbol relative to day
// (zero value means "now"). Returns ok=false when the value is
// unavailable this attempt — budget refused, lock contended and cache
// still cold, or upstream empty. Never an error: read paths degrade.
func (r *Resolver) PreviousClose(ctx context.Context, symbol string, day time.Time) (float64, bool) {
	v, ok, _ := r.resolve(ctx, symbol, day, true)
	return v, ok
}

// resolve implements the full miss path. persistFailed reports a durable
// write failure; the cache entry stays authoritative regardless.
func (r *Resolver) resolve(ctx context.Context, symbol string, day time.Time, persist bool) (price float64, ok bool, persistFailed bool) {
	if day.IsZero() {
		day = r.cal.PrevTradingDay(r.now())
	} else {
		day = r.cal.LastTradingDay(day)
	}
	key := cacheKey(domain.DateKey(day), symbol)

	if v, hit := r.cached(ctx, key); hit {
		return v, true, false
	}

	// Budget check before any outbound work. Refusal has no side effects.
	if !r.lim.AllowTokenBucket(ctx, r.cfg.BucketKey, r.cfg.BucketMax, r.cfg.BucketRefillPerSec, r.cfg.BucketWindow) {
		r.log.Debug().Str("symbol", symbol).Msg("previous close refused by token bucket")
		return 0, false, false
	}

	lockKey := "lock:prevclose:" + symbol
	token, acquired := r.lim.AcquireLock(ctx, lockKey, r.cfg.LockTTL, 0, 0)
	if !acquired {
		// Another worker owns this fetch. Poll the cache once rather
		// than duplicating the outbound call.
		select {
		case <-ctx.Done():
			return 0, false, false
		case <-time.After(r.cfg.ContentionPoll):
		}
		v, hit := r.cached(ctx, key)
		return v, hit, false
	}
	defer r.lim.ReleaseLock(ctx, lockKey, token)

	// The winner of a herd may have populated the cache while we queued
	// on the lock.
	if v, hit := r.cached(ctx, key); hit {
		return v, true, false
	}

	close, closeDay, found := r.fetch(ctx, symbol, day)
	if !found {
		return 0, false, false
	}

	if err := r.rdb.Set(ctx, key, strconv.FormatFloat(close, 'f', -1, 64), r.cfg.CacheTTL).Err(); err != nil {
		r.log.Warn().Err(err).Str("symbol", symbol).Msg("previous close cache write failed")
	}
	if persist {
		if err := r.persist(ctx, symbol, closeDay, close); err != nil {
			persistFailed = true
			r.log.Warn().Err(err).Str("symbol", symbol).Msg("previous close persist failed")
			if r.queue != nil {
				payload := PersistPayload{Symbol: symbol, Date: domain.DateKey(closeDay), Close: close}
				if _, qerr := r.queue.Add(ctx, JobPersistPrevClose, payload, err, 0); qerr != nil {
					r.log.Error().Err(qerr).Str("symbol", symbol).Msg("dead-letter enqueue failed")
				}
			}
		}
	}
	return close, true, persistFailed
}

func (r *Resolver) cached(ctx context.Context, key string) (float64, bool) {
	raw, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false
	}
	if err != nil {
		// Store trouble reads as a miss; the budget gate decides what
		// happens next.
		r.log.Warn().Err(err).Str("key", key).Msg("previous close cache read failed")
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// fetch tries one ranged historical call covering the lookback window,
// scanning backward for the most recent valid close. Only if the ranged
// call itself fails does it degrade to bounded, paced day-by-day fetches.
func (r *Resolver) fetch(ctx context.Context, symbol string, day time.Time) (float64, time.Time, bool) {
	from := day.AddDate(0, 0, -r.cfg.MaxLookback)
	bars, err := r.api.Aggregates(ctx, symbol, from, day)
	if err == nil {
		var best domain.Bar
		for _, b := range bars {
			if b.Close > 0 && !b.Date.After(day) && b.Date.After(best.Date) {
				best = b
			}
		}
		if best.Close > 0 {
			return best.Close, best.Date, true
		}
		return 0, time.Time{}, false
	}
	r.log.Debug().Err(err).Str("symbol", symbol).Msg("ranged fetch failed, trying day-by-day")

	d := day
	for i := 0; i < r.cfg.MaxLookback; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return 0, time.Time{}, false
			case <-time.After(r.cfg.PaceDelay):
			}
			d = r.cal.PrevTradingDay(d)
		}
		c, err := r.api.DailyClose(ctx, symbol, d)
		if err == nil && c > 0 {
			return c, d, true
		}
	}
	return 0, time.Time{}, false
}

func (r *Resolver) persist(ctx context.Context, symbol string, day time.Time, close float64) error {
	if r.repo == nil {
		return nil
	}
	ref := domain.DailyRef{Symbol: symbol, Date: day, PreviousClose: close}
	if err := r.repo.UpsertDailyRef(ctx, ref); err != nil {
		return fmt.Errorf("upsert daily ref: %w", err)
	}
	if err := r.repo.UpdatePrevClose(ctx, symbol, close, day); err != nil {
		return fmt.Errorf("update ticker prev close: %w", err)
	}
	return nil
}

// BatchReport summarizes one batch resolution.
type BatchReport struct {
	Requested     int
	Resolved      int
	Missing       int
	Skipped       int
	PersistFailed int
	EarlyStop     bool
}

// PreviousClosesBatch resolves many symbols in small concurrent groups
// under one wall-clock budget, cache/upstream only (no durable persist).
func (r *Resolver) PreviousClosesBatch(ctx context.Context, symbols []string, day time.Time, budget time.Duration) (map[string]float64, BatchReport) {
	return r.batch(ctx, symbols, day, budget, false)
}

// PreviousClosesBatchAndPersist additionally writes each result through
// to the durable store. Persistence is per symbol: a durable failure is
// counted and dead-lettered but never rolls back the cache entry or the
// rest of the batch.
func (r *Resolver) PreviousClosesBatchAndPersist(ctx context.Context, symbols []string, day time.Time, budget time.Duration) (map[string]float64, BatchReport) {
	return r.batch(ctx, symbols, day, budget, true)
}

func (r *Resolver) batch(ctx context.Context, symbols []string, day time.Time, budget time.Duration, persist bool) (map[string]float64, BatchReport) {
	out := make(map[string]float64, len(symbols))
	rep := BatchReport{Requested: len(symbols)}
	deadline := r.now().Add(budget)

	var mu sync.Mutex
	for start := 0; start < len(symbols); start += r.cfg.GroupSize {
		// The budget is only checked between groups; an in-flight fetch
		// is never preempted.
		if !r.now().Before(deadline) {
			rep.Skipped = len(symbols) - start
			rep.EarlyStop = true
			r.log.Warn().Int("skipped", rep.Skipped).Int("requested", rep.Requested).
				Msg("previous close batch stopped early, budget exhausted")
			break
		}

		end := start + r.cfg.GroupSize
		if end > len(symbols) {
			end = len(symbols)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, symbol := range symbols[start:end] {
			symbol := symbol
			g.Go(func() error {
				v, ok, persistFailed := r.resolve(gctx, symbol, day, persist)
				mu.Lock()
				defer mu.Unlock()
				if ok {
					out[symbol] = v
				} else {
					rep.Missing++
				}
				if persistFailed {
					rep.PersistFailed++
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	rep.Resolved = len(out)
	return out, rep
}
