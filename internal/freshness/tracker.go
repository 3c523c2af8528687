// Package freshness tracks per-symbol last-update timestamps in one flat
// hash and reports age buckets and percentiles. Writes are O(1); the
// whole map's TTL is refreshed on write instead of tracking per-entry
// expiry, trading bounded staleness of abandoned symbols for cheap writes.
package freshness

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

const (
	mapKey = "freshness:last_update"
	mapTTL = 24 * time.Hour
)

type Tracker struct {
	rdb *redis.Client
	log zerolog.Logger
	now func() time.Time
}

func New(rdb *redis.Client, log zerolog.Logger) *Tracker {
	return &Tracker{
		rdb: rdb,
		log: log.With().Str("component", "freshness").Logger(),
		now: time.Now,
	}
}

// Touch records "updated now" for the given symbols.
func (t *Tracker) Touch(ctx context.Context, symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	ms := strconv.FormatInt(t.now().UnixMilli(), 10)
	args := make([]any, 0, len(symbols)*2)
	for _, sym := range symbols {
		args = append(args, sym, ms)
	}

	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, mapKey, args...)
		pipe.Expire(ctx, mapKey, mapTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("freshness touch: %w", err)
	}
	return nil
}

// Buckets holds symbol counts per age band.
type Buckets struct {
	Fresh     int `json:"fresh"`     // < 2m
	Recent    int `json:"recent"`    // 2–5m
	Stale     int `json:"stale"`     // 5–15m
	VeryStale int `json:"veryStale"` // > 15m
}

// Metrics is one freshness report. Percent values sum to 100 modulo
// rounding; percentiles are update ages.
type Metrics struct {
	Total   int                `json:"total"`
	Buckets Buckets            `json:"buckets"`
	Percent map[string]float64 `json:"percent"`
	P50     time.Duration      `json:"p50"`
	P90     time.Duration      `json:"p90"`
	P99     time.Duration      `json:"p99"`
}

// Report computes metrics. Pass the current symbol universe so Total
// reflects tracked members of it rather than orphaned historical entries;
// with no symbols the whole map is read.
func (t *Tracker) Report(ctx context.Context, symbols []string) (Metrics, error) {
	var stamps []int64

	if len(symbols) > 0 {
		vals, err := t.rdb.HMGet(ctx, mapKey, symbols...).Result()
		if err != nil {
			return Metrics{}, fmt.Errorf("freshness hmget: %w", err)
		}
		for _, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue // not tracked
			}
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				stamps = append(stamps, ms)
			}
		}
	} else {
		all, err := t.rdb.HGetAll(ctx, mapKey).Result()
		if err != nil {
			return Metrics{}, fmt.Errorf("freshness hgetall: %w", err)
		}
		for _, raw := range all {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				stamps = append(stamps, ms)
			}
		}
	}

	m := Metrics{Total: len(stamps), Percent: map[string]float64{}}
	if len(stamps) == 0 {
		return m, nil
	}

	now := t.now()
	ages := make([]float64, 0, len(stamps))
	for _, ms := range stamps {
		age := now.Sub(time.UnixMilli(ms))
		if age < 0 {
			age = 0
		}
		ages = append(ages, age.Seconds())
		switch {
		case age < 2*time.Minute:
			m.Buckets.Fresh++
		case age < 5*time.Minute:
			m.Buckets.Recent++
		case age < 15*time.Minute:
			m.Buckets.Stale++
		default:
			m.Buckets.VeryStale++
		}
	}

	total := float64(m.Total)
	m.Percent["fresh"] = round1(float64(m.Buckets.Fresh) / total * 100)
	m.Percent["recent"] = round1(float64(m.Buckets.Recent) / total * 100)
	m.Percent["stale"] = round1(float64(m.Buckets.Stale) / total * 100)
	m.Percent["veryStale"] = round1(float64(m.Buckets.VeryStale) / total * 100)

	sort.Float64s(ages)
	m.P50 = secs(stat.Quantile(0.50, stat.Empirical, ages, nil))
	m.P90 = secs(stat.Quantile(0.90, stat.Empirical, ages, nil))
	m.P99 = secs(stat.Quantile(0.99, stat.Empirical, ages, nil))
	return m, nil
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
