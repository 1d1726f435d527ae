// Command server runs the event ingestion node: the Sentry-compatible HTTP
// endpoints, the batch workers, the alert evaluator and the storage
// maintenance schedule, all in one process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/glitchtip/backend/internal/alerts"
	"github.com/glitchtip/backend/internal/api"
	"github.com/glitchtip/backend/internal/auth"
	"github.com/glitchtip/backend/internal/cachekv"
	"github.com/glitchtip/backend/internal/config"
	"github.com/glitchtip/backend/internal/ingest"
	"github.com/glitchtip/backend/internal/metrics"
	"github.com/glitchtip/backend/internal/scheduler"
	"github.com/glitchtip/backend/internal/store"
	"github.com/glitchtip/backend/internal/symbolicate"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Optional .env for local development; ignored when absent.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Server.Env == "development" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(cfg); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	st, err := store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	cache := openCache(cfg)
	defer cache.Close()

	m := metrics.New()

	// Sampled hits on the hot path and the periodic full audit both feed the
	// billing re-evaluation set.
	var auditFn func(orgID int64)
	reaudit := auth.NewReauditQueue(cache)
	if cfg.Throttle.BillingEnabled {
		auditFn = func(orgID int64) {
			reaudit.Enqueue(context.Background(), orgID)
		}
	}
	gate := auth.NewGate(cache, st,
		time.Duration(cfg.Throttle.BlockCacheTTLSec)*time.Second,
		cfg.Throttle.AuditSampleRate,
		auditFn)

	sym := symbolicate.New(st)
	proc := ingest.NewProcessor(st, cache, sym, m,
		cfg.Ingest.MaxLexemes,
		time.Duration(cfg.Ingest.DedupTTLSec)*time.Second)
	batcher := ingest.NewBatcher(proc, m,
		cfg.Ingest.QueueSize, cfg.Ingest.Workers, cfg.Ingest.FlushEvery,
		time.Duration(cfg.Ingest.FlushIntervalSec)*time.Second)
	batcher.Start()

	notifier := alerts.NewNotifier(st,
		alerts.NewSMTPSender(cfg.Email.SMTPAddr, cfg.Email.From), m,
		cfg.Alerts.DispatchWorkers, cfg.Alerts.MaxIssuesPerAlert,
		time.Duration(cfg.Alerts.DispatchTimeoutSec)*time.Second,
		cfg.Server.BaseURL)
	evaluator := alerts.NewEvaluator(st, cache, notifier, m)

	evalCtx, stopEval := context.WithCancel(context.Background())
	defer stopEval()
	go evaluator.Run(evalCtx, time.Duration(cfg.Alerts.EvalIntervalSec)*time.Second)

	sched := scheduler.New()
	sched.Add(scheduler.Task{
		Name:       "storage-maintenance",
		Interval:   24 * time.Hour,
		RunAtStart: true,
		Fn: func(ctx context.Context) error {
			now := time.Now()
			if err := st.EnsurePartitions(ctx, now, cfg.Retention.PartitionLeadDays); err != nil {
				return err
			}
			if err := st.DropExpiredPartitions(ctx, now, cfg.Retention.Days); err != nil {
				return err
			}
			if purged, err := st.PurgeDeletedIssues(ctx); err != nil {
				return err
			} else if purged > 0 {
				slog.Info("purged soft-deleted issues", "count", purged)
			}
			return st.PurgeExpiredAggregates(ctx, now, cfg.Retention.Days)
		},
	})
	if cfg.Throttle.BillingEnabled {
		sched.Add(scheduler.Task{
			Name:     "throttle-audit",
			Interval: time.Duration(cfg.Throttle.AuditIntervalHours) * time.Hour,
			Fn: func(ctx context.Context) error {
				orgs, err := st.ThrottledOrganizations(ctx)
				if err != nil {
					return err
				}
				reaudit.EnqueueAll(ctx, orgs)
				slog.Info("throttle audit pass", "throttled_orgs", len(orgs))
				return nil
			},
		})
	}
	sched.Start()

	server := api.NewServer(cfg, gate, batcher, proc, st, m)
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	// Shutdown order: stop accepting requests, drain the queue, stop the
	// evaluator, flush pending notifications.
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := batcher.Stop(shutdownCtx); err != nil {
		slog.Warn("ingest queue drain incomplete", "error", err)
	}
	stopEval()
	sched.Stop()
	notifier.Stop()

	slog.Info("shutdown complete")
	return nil
}

// openCache prefers Redis and falls back to the in-process cache so single
// node deployments run without one.
func openCache(cfg *config.Config) cachekv.Cache {
	if cfg.Redis.Enabled {
		cache, err := cachekv.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err == nil {
			return cache
		}
		slog.Warn("Redis unavailable, using in-process cache", "error", err)
	}
	return cachekv.NewMemoryCache(time.Hour)
}
