// Package ranks implements the atomic, versioned, multi-field rank index
// store. Each (date, session) window carries:
//
//   - a compact msgpack snapshot per symbol with a session TTL
//   - a denormalized JSON hash for fast page rendering
//   - one sorted set per (field, order); desc sets hold negated scores so
//     both orders page with a forward range scan
//   - one version counter per index, usable as an ETag
//
// All keys mutated by one update become visible in a single MULTI/EXEC
// transaction: a reader never sees a new score next to a stale snapshot.
// Everything here is reconstructable from ticks, so a failed transaction
// simply drops the write and the next tick repairs it.
package ranks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
)

// indexTTL keeps a day's indexes alive past the session without letting
// dead dates accumulate.
const indexTTL = 26 * time.Hour

const maxPageLimit = 500

type Store struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewStore(rdb *redis.Client, log zerolog.Logger) *Store {
	return &Store{rdb: rdb, log: log.With().Str("component", "ranks").Logger()}
}

func snapKey(date string, sess domain.Session, symbol string) string {
	return fmt.Sprintf("rank:snap:%s:%s:%s", date, sess, symbol)
}

func dataKey(date string, sess domain.Session) string {
	return fmt.Sprintf("rank:data:%s:%s", date, sess)
}

func idxKey(f domain.Field, date string, sess domain.Session, o domain.Order) string {
	return fmt.Sprintf("rank:idx:%s:%s:%s:%s", f, date, sess, o)
}

func verKey(f domain.Field, date string, sess domain.Session, o domain.Order) string {
	return fmt.Sprintf("rank:ver:%s:%s:%s:%s", f, date, sess, o)
}

type indexRef struct {
	field domain.Field
	order domain.Order
}

// Update applies one record. Same semantics as a batch of one.
func (s *Store) Update(ctx context.Context, date string, sess domain.Session, rec domain.RankRecord) error {
	return s.UpdateBatch(ctx, date, sess, []domain.RankRecord{rec})
}

// UpdateBatch upserts many records in one transaction, incrementing each
// touched index version once for the whole batch. Batching bounds write
// amplification under high tick rates. If the transaction cannot execute
// the whole write is dropped; nothing is ever partially applied.
func (s *Store) UpdateBatch(ctx context.Context, date string, sess domain.Session, recs []domain.RankRecord) error {
	if len(recs) == 0 {
		return nil
	}
	snapTTL := sess.SnapshotTTL()

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		touched := make(map[indexRef]struct{}, 12)
		wrote := false

		for _, rec := range recs {
			if rec.Symbol == "" {
				continue
			}
			packed, err := msgpack.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode snapshot %s: %w", rec.Symbol, err)
			}
			payload, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode payload %s: %w", rec.Symbol, err)
			}

			pipe.Set(ctx, snapKey(date, sess, rec.Symbol), packed, snapTTL)
			pipe.HSet(ctx, dataKey(date, sess), rec.Symbol, payload)
			wrote = true

			for _, f := range domain.AllFields() {
				score, ok := rec.Score(f)
				if !ok {
					continue
				}
				pipe.ZAdd(ctx, idxKey(f, date, sess, domain.Asc), redis.Z{Score: score, Member: rec.Symbol})
				pipe.ZAdd(ctx, idxKey(f, date, sess, domain.Desc), redis.Z{Score: -score, Member: rec.Symbol})
				touched[indexRef{f, domain.Asc}] = struct{}{}
				touched[indexRef{f, domain.Desc}] = struct{}{}
			}
		}
		if !wrote {
			return nil
		}

		pipe.Expire(ctx, dataKey(date, sess), indexTTL)
		for ref := range touched {
			pipe.Expire(ctx, idxKey(ref.field, date, sess, ref.order), indexTTL)
			pipe.Incr(ctx, verKey(ref.field, date, sess, ref.order))
			pipe.Expire(ctx, verKey(ref.field, date, sess, ref.order), indexTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rank update dropped (%d records): %w", len(recs), err)
	}
	return nil
}

// RankedSymbol is one row of a ranked page. Rank is 1-based within the
// requested order.
type RankedSymbol struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
	Rank   int64   `json:"rank"`
}

// Page is one window of ranked symbols. NextCursor is -1 when exhausted;
// Version is the index's ETag at read time.
type Page struct {
	Field      domain.Field   `json:"field"`
	Order      domain.Order   `json:"order"`
	Symbols    []RankedSymbol `json:"symbols"`
	NextCursor int64          `json:"nextCursor"`
	Total      int64          `json:"total"`
	Version    int64          `json:"version"`
}

// RankedSymbols pages through one index, O(log N + limit).
func (s *Store) RankedSymbols(ctx context.Context, date string, sess domain.Session, field domain.Field, order domain.Order, cursor, limit int64) (Page, error) {
	if !domain.ValidField(field) {
		return Page{}, fmt.Errorf("unknown rank field %q", field)
	}
	if !domain.ValidOrder(order) {
		return Page{}, fmt.Errorf("unknown rank order %q", order)
	}
	if cursor < 0 {
		cursor = 0
	}
	if limit <= 0 || limit > maxPageLimit {
		limit = 50
	}

	key := idxKey(field, date, sess, order)
	zs, err := s.rdb.ZRangeWithScores(ctx, key, cursor, cursor+limit-1).Result()
	if err != nil {
		return Page{}, fmt.Errorf("range %s: %w", key, err)
	}
	total, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return Page{}, fmt.Errorf("card %s: %w", key, err)
	}
	version, err := s.Version(ctx, date, sess, field, order)
	if err != nil {
		return Page{}, err
	}

	page := Page{Field: field, Order: order, Total: total, Version: version, NextCursor: -1}
	page.Symbols = make([]RankedSymbol, 0, len(zs))
	for i, z := range zs {
		score := z.Score
		if order == domain.Desc {
			score = -score
		}
		sym, _ := z.Member.(string)
		page.Symbols = append(page.Symbols, RankedSymbol{Symbol: sym, Score: score, Rank: cursor + int64(i) + 1})
	}
	if next := cursor + int64(len(zs)); int64(len(zs)) == limit && next < total {
		page.NextCursor = next
	}
	return page, nil
}

// Count returns the number of symbols in one index.
func (s *Store) Count(ctx context.Context, date string, sess domain.Session, field domain.Field) (int64, error) {
	n, err := s.rdb.ZCard(ctx, idxKey(field, date, sess, domain.Asc)).Result()
	if err != nil {
		return 0, fmt.Errorf("rank count: %w", err)
	}
	return n, nil
}

// Extents are the min/max scores of one index.
type Extents struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int64   `json:"count"`
}

// MinMax reads both ends of the asc index.
func (s *Store) MinMax(ctx context.Context, date string, sess domain.Session, field domain.Field) (Extents, error) {
	key := idxKey(field, date, sess, domain.Asc)
	lo, err := s.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return Extents{}, fmt.Errorf("min %s: %w", key, err)
	}
	hi, err := s.rdb.ZRangeWithScores(ctx, key, -1, -1).Result()
	if err != nil {
		return Extents{}, fmt.Errorf("max %s: %w", key, err)
	}
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return Extents{}, fmt.Errorf("card %s: %w", key, err)
	}
	ext := Extents{Count: n}
	if len(lo) > 0 {
		ext.Min = lo[0].Score
	}
	if len(hi) > 0 {
		ext.Max = hi[0].Score
	}
	return ext, nil
}

// Version returns the monotonic counter for one index, 0 if never written.
func (s *Store) Version(ctx context.Context, date string, sess domain.Session, field domain.Field, order domain.Order) (int64, error) {
	v, err := s.rdb.Get(ctx, verKey(field, date, sess, order)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rank version: %w", err)
	}
	return v, nil
}

// Snapshots multi-gets last-known records. Symbols without a live
// snapshot are simply absent from the result.
func (s *Store) Snapshots(ctx context.Context, date string, sess domain.Session, symbols []string) (map[string]domain.RankRecord, error) {
	if len(symbols) == 0 {
		return map[string]domain.RankRecord{}, nil
	}
	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = snapKey(date, sess, sym)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshots mget: %w", err)
	}

	out := make(map[string]domain.RankRecord, len(symbols))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec domain.RankRecord
		if err := msgpack.Unmarshal([]byte(raw), &rec); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbols[i]).Msg("bad snapshot, skipping")
			continue
		}
		out[symbols[i]] = rec
	}
	return out, nil
}
