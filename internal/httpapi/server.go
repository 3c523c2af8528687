// Package httpapi exposes the read API over chi. Rank reads are
// best-effort: a store failure degrades to an empty page rather than a
// 5xx, because every index is reconstructable from the next tick.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dusan02/vercel-pmp-sub002/internal/audit"
	"github.com/dusan02/vercel-pmp-sub002/internal/calendar"
	"github.com/dusan02/vercel-pmp-sub002/internal/dlq"
	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
	"github.com/dusan02/vercel-pmp-sub002/internal/freshness"
	"github.com/dusan02/vercel-pmp-sub002/internal/ranks"
	"github.com/dusan02/vercel-pmp-sub002/internal/refprice"
)

const maxSnapshotSymbols = 100

// HealthChecker is anything with a liveness probe, the durable store in
// practice.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Config struct {
	Port     int
	Store    *ranks.Store
	Tracker  *freshness.Tracker
	Auditor  *audit.Auditor
	Resolver *refprice.Resolver
	Queue    *dlq.Queue
	Cal      *calendar.Calendar
	Redis    *redis.Client
	Durable  HealthChecker
	Log      zerolog.Logger
}

type Server struct {
	router   *chi.Mux
	server   *http.Server
	store    *ranks.Store
	tracker  *freshness.Tracker
	auditor  *audit.Auditor
	resolver *refprice.Resolver
	queue    *dlq.Queue
	cal      *calendar.Calendar
	rdb      *redis.Client
	durable  HealthChecker
	log      zerolog.Logger

	now func() time.Time
}

func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		store:    cfg.Store,
		tracker:  cfg.Tracker,
		auditor:  cfg.Auditor,
		resolver: cfg.Resolver,
		queue:    cfg.Queue,
		cal:      cfg.Cal,
		rdb:      cfg.Redis,
		durable:  cfg.Durable,
		log:      cfg.Log.With().Str("component", "httpapi").Logger(),
		now:      time.Now,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "If-None-Match"},
		ExposedHeaders: []string{"ETag"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/ranks", s.handleRanks)
		r.Get("/ranks/meta", s.handleRanksMeta)
		r.Get("/snapshots", s.handleSnapshots)
		r.Get("/freshness", s.handleFreshness)
		r.Get("/dlq", s.handleDLQ)
		r.Get("/prevclose/{symbol}", s.handlePrevClose)
		r.Post("/audit", s.handleAudit)
	})
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http api listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.router }

// window resolves the (date, session) a request targets, defaulting to
// the current trading window.
func (s *Server) window(r *http.Request) (string, domain.Session) {
	now := s.now()
	date := r.URL.Query().Get("date")
	if date == "" {
		date = domain.DateKey(s.cal.LastTradingDay(now))
	}
	sess := domain.Session(r.URL.Query().Get("session"))
	switch sess {
	case domain.SessionPre, domain.SessionLive, domain.SessionAfter, domain.SessionClosed:
	default:
		sess = s.cal.Session(now)
	}
	return date, sess
}

func (s *Server) handleRanks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date, sess := s.window(r)

	field := domain.Field(q.Get("field"))
	if field == "" {
		field = domain.FieldCap
	}
	order := domain.Order(q.Get("order"))
	if order == "" {
		order = domain.Desc
	}
	if !domain.ValidField(field) || !domain.ValidOrder(order) {
		writeError(w, http.StatusBadRequest, "unknown field or order")
		return
	}
	cursor, _ := strconv.ParseInt(q.Get("cursor"), 10, 64)
	limit, _ := strconv.ParseInt(q.Get("limit"), 10, 64)

	page, err := s.store.RankedSymbols(r.Context(), date, sess, field, order, cursor, limit)
	if err != nil {
		s.log.Warn().Err(err).Msg("rank read failed, serving empty page")
		page = ranks.Page{Field: field, Order: order, NextCursor: -1}
	}

	etag := fmt.Sprintf(`"%s:%s:%s:%s:%d"`, field, order, date, sess, page.Version)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleRanksMeta(w http.ResponseWriter, r *http.Request) {
	date, sess := s.window(r)
	field := domain.Field(r.URL.Query().Get("field"))
	if field == "" {
		field = domain.FieldCap
	}
	if !domain.ValidField(field) {
		writeError(w, http.StatusBadRequest, "unknown field")
		return
	}

	ext, err := s.store.MinMax(r.Context(), date, sess, field)
	if err != nil {
		s.log.Warn().Err(err).Msg("rank meta read failed, serving empty")
		ext = ranks.Extents{}
	}
	ascVer, _ := s.store.Version(r.Context(), date, sess, field, domain.Asc)
	descVer, _ := s.store.Version(r.Context(), date, sess, field, domain.Desc)

	writeJSON(w, http.StatusOK, map[string]any{
		"date":     date,
		"session":  sess,
		"field":    field,
		"extents":  ext,
		"versions": map[string]int64{"asc": ascVer, "desc": descVer},
	})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	date, sess := s.window(r)
	symbols := splitSymbols(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols is required")
		return
	}
	if len(symbols) > maxSnapshotSymbols {
		symbols = symbols[:maxSnapshotSymbols]
	}

	snaps, err := s.store.Snapshots(r.Context(), date, sess, symbols)
	if err != nil {
		s.log.Warn().Err(err).Msg("snapshot read failed, serving empty")
		snaps = map[string]domain.RankRecord{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleFreshness(w http.ResponseWriter, r *http.Request) {
	symbols := splitSymbols(r.URL.Query().Get("symbols"))
	metrics, err := s.tracker.Report(r.Context(), symbols)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "freshness unavailable")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "dlq unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePrevClose(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	v, ok := s.resolver.PreviousClose(r.Context(), symbol, time.Time{})
	if !ok {
		writeError(w, http.StatusNotFound, "previous close unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "previousClose": v})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	fix := r.URL.Query().Get("fix") == "true"
	summary, err := s.auditor.Run(r.Context(), fix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"redis": "ok"}
	code := http.StatusOK
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		status["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.durable != nil {
		status["postgres"] = "ok"
		if err := s.durable.Health(ctx); err != nil {
			status["postgres"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}

func splitSymbols(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
