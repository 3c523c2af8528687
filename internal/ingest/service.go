// Package ingest fans live quote records from one or more sources into
// the rank store. Each source gets a round-robin dispatcher and a pool
// of validating workers; validated records merge into one stream and
// flush in batches so a burst of ticks costs one store round trip.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dusan02/vercel-pmp-sub002/internal/calendar"
	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
	"github.com/dusan02/vercel-pmp-sub002/internal/freshness"
	"github.com/dusan02/vercel-pmp-sub002/internal/ports"
	"github.com/dusan02/vercel-pmp-sub002/internal/ranks"
)

type Config struct {
	Workers       int
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
	// FlushTimeout bounds the detached store write during shutdown.
	FlushTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		Buffer:        4096,
		BatchSize:     200,
		FlushInterval: time.Second,
		FlushTimeout:  5 * time.Second,
	}
}

type Service struct {
	store   *ranks.Store
	tracker *freshness.Tracker
	repo    ports.TickerRepo
	cal     *calendar.Calendar
	log     zerolog.Logger
	cfg     Config
	sources []ports.TickSource

	wg       sync.WaitGroup
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	now func() time.Time
}

// New wires the ingest pipeline. tracker and repo may be nil; the
// corresponding side writes are then skipped.
func New(store *ranks.Store, tracker *freshness.Tracker, repo ports.TickerRepo, cal *calendar.Calendar, log zerolog.Logger, cfg Config) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = 1024
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	return &Service{
		store:   store,
		tracker: tracker,
		repo:    repo,
		cal:     cal,
		log:     log.With().Str("component", "ingest").Logger(),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (s *Service) AttachSource(src ports.TickSource) {
	s.sources = append(s.sources, src)
}

// Start launches dispatchers, workers, and the batch flusher. It returns
// immediately; Stop drains everything.
func (s *Service) Start(ctx context.Context) {
	s.cancelMu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.cancelMu.Unlock()

	merged := make(chan domain.RankRecord, s.cfg.Buffer)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.flushLoop(ctx, merged)
	}()

	for _, src := range s.sources {
		in := src.Start(ctx)
		name := src.Name()

		workerIns := make([]chan domain.RankRecord, s.cfg.Workers)
		for i := 0; i < s.cfg.Workers; i++ {
			workerIns[i] = make(chan domain.RankRecord, 1024)

			s.wg.Add(1)
			go func(in <-chan domain.RankRecord) {
				defer s.wg.Done()
				s.worker(ctx, name, in, merged)
			}(workerIns[i])
		}

		s.wg.Add(1)
		go func(in <-chan domain.RankRecord, outs []chan domain.RankRecord) {
			defer s.wg.Done()
			s.dispatch(ctx, in, outs)
		}(in, workerIns)
	}
}

func (s *Service) Stop() {
	s.cancelMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancelMu.Unlock()
	s.wg.Wait()
}

// dispatch spreads records across workers round-robin, skipping to the
// next worker when one's queue is full. Blocks only when every queue is
// full so records are never dropped here.
func (s *Service) dispatch(ctx context.Context, in <-chan domain.RankRecord, outs []chan domain.RankRecord) {
	closeAll := func() {
		for _, c := range outs {
			close(c)
		}
	}
	var idx int
	for {
		select {
		case <-ctx.Done():
			closeAll()
			return
		case rec, ok := <-in:
			if !ok {
				closeAll()
				return
			}
			delivered := false
			for i := 0; i < len(outs); i++ {
				pos := (idx + i) % len(outs)
				select {
				case outs[pos] <- rec:
					idx = (pos + 1) % len(outs)
					delivered = true
				default:
				}
				if delivered {
					break
				}
			}
			if !delivered {
				select {
				case outs[idx] <- rec:
					idx = (idx + 1) % len(outs)
				case <-ctx.Done():
					closeAll()
					return
				}
			}
		}
	}
}

func (s *Service) worker(ctx context.Context, source string, in <-chan domain.RankRecord, out chan<- domain.RankRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-in:
			if !ok {
				return
			}
			if !valid(rec) {
				s.log.Debug().Str("source", source).Str("symbol", rec.Symbol).Msg("record rejected")
				continue
			}
			if rec.Updated.IsZero() {
				rec.Updated = s.now()
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

func valid(rec domain.RankRecord) bool {
	return rec.Symbol != "" && rec.Price > 0
}

// flushLoop batches merged records and writes them out when the batch
// fills or the interval elapses. Later records for the same symbol win
// within one batch.
func (s *Service) flushLoop(ctx context.Context, in <-chan domain.RankRecord) {
	batch := make(map[string]domain.RankRecord, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func(detached bool) {
		if len(batch) == 0 {
			return
		}
		recs := make([]domain.RankRecord, 0, len(batch))
		for _, r := range batch {
			recs = append(recs, r)
		}
		batch = make(map[string]domain.RankRecord, s.cfg.BatchSize)

		// The parent context is already cancelled during shutdown; the
		// final flush still has to land.
		fctx := ctx
		if detached {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
			defer cancel()
		}
		s.write(fctx, recs)
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever the workers already queued.
			for {
				select {
				case rec, ok := <-in:
					if !ok {
						flush(true)
						return
					}
					batch[rec.Symbol] = rec
				default:
					flush(true)
					return
				}
			}
		case <-ticker.C:
			flush(false)
		case rec, ok := <-in:
			if !ok {
				flush(true)
				return
			}
			batch[rec.Symbol] = rec
			if len(batch) >= s.cfg.BatchSize {
				flush(false)
			}
		}
	}
}

func (s *Service) write(ctx context.Context, recs []domain.RankRecord) {
	now := s.now()
	date := domain.DateKey(s.cal.LastTradingDay(now))
	sess := s.cal.Session(now)

	if err := s.store.UpdateBatch(ctx, date, sess, recs); err != nil {
		s.log.Warn().Err(err).Int("count", len(recs)).Msg("rank batch write failed")
		return
	}

	if s.tracker != nil {
		symbols := make([]string, 0, len(recs))
		for _, r := range recs {
			symbols = append(symbols, r.Symbol)
		}
		if err := s.tracker.Touch(ctx, symbols...); err != nil {
			s.log.Warn().Err(err).Msg("freshness touch failed")
		}
	}

	if s.repo != nil {
		// Per-record isolation: one failed upsert never blocks the rest.
		for _, r := range recs {
			if err := s.repo.UpdateLastQuote(ctx, r); err != nil {
				s.log.Warn().Err(err).Str("symbol", r.Symbol).Msg("durable quote update failed")
			}
		}
	}
}
