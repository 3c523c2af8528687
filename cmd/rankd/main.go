package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dusan02/vercel-pmp-sub002/internal/adapters/kv"
	"github.com/dusan02/vercel-pmp-sub002/internal/adapters/storage"
	"github.com/dusan02/vercel-pmp-sub002/internal/adapters/upstream"
	"github.com/dusan02/vercel-pmp-sub002/internal/audit"
	"github.com/dusan02/vercel-pmp-sub002/internal/calendar"
	"github.com/dusan02/vercel-pmp-sub002/internal/config"
	"github.com/dusan02/vercel-pmp-sub002/internal/dlq"
	"github.com/dusan02/vercel-pmp-sub002/internal/freshness"
	"github.com/dusan02/vercel-pmp-sub002/internal/httpapi"
	"github.com/dusan02/vercel-pmp-sub002/internal/ingest"
	"github.com/dusan02/vercel-pmp-sub002/internal/limiter"
	"github.com/dusan02/vercel-pmp-sub002/internal/logging"
	"github.com/dusan02/vercel-pmp-sub002/internal/ports"
	"github.com/dusan02/vercel-pmp-sub002/internal/ranks"
	"github.com/dusan02/vercel-pmp-sub002/internal/refprice"
	"github.com/dusan02/vercel-pmp-sub002/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dev := flag.Bool("dev", false, "run with the synthetic quote generator")
	auditOnce := flag.Bool("audit", false, "run one audit pass and exit")
	fix := flag.Bool("fix", false, "with --audit, apply capped auto-fixes")
	strict := flag.Bool("strict", false, "with --audit, exit non-zero on critical findings")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
	log.Info().Msg("rankd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := kv.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("redis required")
	}
	defer rdb.Close()

	var repo ports.TickerRepo
	var durable httpapi.HealthChecker
	if cfg.Postgres.DSN != "" {
		pg, err := storage.NewPostgresRepo(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("postgres unavailable, running cache-only")
		} else {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("migrate failed")
			}
			repo = pg
			durable = pg
			defer pg.Close()
			log.Info().Msg("postgres connected")
		}
	} else {
		log.Warn().Msg("no postgres DSN, durable persistence disabled")
	}

	cal := calendar.New()
	lim := limiter.New(rdb, log)
	store := ranks.NewStore(rdb, log)
	tracker := freshness.New(rdb, log)
	queue := dlq.New(rdb, log, cfg.DLQ.Cap)
	api := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.Timeout, log)

	resCfg := refprice.DefaultConfig()
	resCfg.MaxLookback = cfg.RefPrice.MaxLookback
	resCfg.CacheTTL = cfg.RefPrice.CacheTTL
	resCfg.LockTTL = cfg.RefPrice.LockTTL
	resCfg.BucketMax = cfg.RefPrice.BucketMax
	resCfg.BucketRefillPerSec = cfg.RefPrice.BucketRefillPerSec
	resCfg.GroupSize = cfg.RefPrice.GroupSize
	resolver := refprice.NewResolver(rdb, lim, api, repo, queue, cal, log, resCfg)

	auditOpts := audit.DefaultOptions()
	auditOpts.FixLimit = cfg.Audit.FixLimit
	auditOpts.FixBudget = cfg.Audit.FixBudget
	auditOpts.StaleThreshold = cfg.Audit.StaleThreshold
	auditOpts.LogoDir = cfg.Audit.LogoDir
	auditor := audit.New(repo, api, resolver, cal, log, auditOpts)

	if *auditOnce {
		if repo == nil {
			log.Fatal().Msg("--audit needs postgres")
		}
		summary, err := auditor.Run(ctx, *fix)
		if err != nil {
			log.Fatal().Err(err).Msg("audit failed")
		}
		if *strict && summary.Critical() {
			log.Error().Interface("counts", summary.Counts).Msg("critical findings")
			os.Exit(2)
		}
		return
	}

	ingCfg := ingest.DefaultConfig()
	ingCfg.Workers = cfg.Ingest.Workers
	ingCfg.Buffer = cfg.Ingest.Buffer
	ingCfg.BatchSize = cfg.Ingest.BatchSize
	ingCfg.FlushInterval = cfg.Ingest.FlushInterval
	svc := ingest.New(store, tracker, repo, cal, log, ingCfg)
	if *dev || cfg.Ingest.Generator {
		svc.AttachSource(upstream.NewGeneratorSource(cfg.Ingest.Symbols, cfg.Ingest.Interval))
		log.Info().Strs("symbols", cfg.Ingest.Symbols).Msg("generator source attached")
	}
	svc.Start(ctx)

	sched := scheduler.New(log)
	if repo != nil {
		if err := sched.AddJob(cfg.Audit.Schedule, &auditJob{auditor: auditor, fix: cfg.Audit.AutoFix}); err != nil {
			log.Fatal().Err(err).Msg("bad audit schedule")
		}
	}
	retrier := newPersistRetrier(queue, repo, log)
	if err := sched.AddJob("@every 1m", retrier); err != nil {
		log.Fatal().Err(err).Msg("bad retry schedule")
	}
	sched.Start()

	srv := httpapi.New(httpapi.Config{
		Port:     cfg.Server.Port,
		Store:    store,
		Tracker:  tracker,
		Auditor:  auditor,
		Resolver: resolver,
		Queue:    queue,
		Cal:      cal,
		Redis:    rdb,
		Durable:  durable,
		Log:      log,
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	sched.Stop()
	svc.Stop()
	log.Info().Msg("rankd stopped")
}
