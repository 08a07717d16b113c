// Kestrel - Transaction anomaly detection and account monitoring.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/monitoring"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/queue"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scheduler"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/tadp"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(telemetry.NewLogger(cfg.Logging, os.Stdout))
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("kestrel stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"queue", cfg.Queue.Type,
	)

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	repo, err := repository.Open(cfg.Repository)
	if err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	defer repo.Close()
	go metrics.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cacheImpl.Close()

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer busImpl.Close()

	push, err := notify.New(cfg.Notify, busImpl)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if cfg.Notify.Transport == "" || cfg.Notify.Transport == "bus" {
		sub, err := notify.Relay(ctx, busImpl, notify.NewLogTransport(nil))
		if err != nil {
			return fmt.Errorf("notification relay: %w", err)
		}
		defer sub.Unsubscribe()
	}

	det := cfg.Detection
	profiles := profile.NewBuilder(repo, det.Profile,
		profile.WithCache(cacheImpl),
		profile.WithReadTimeout(det.ReadTimeout),
	)

	engine, err := rules.NewDefaultEngine(det.Rules)
	if err != nil {
		return fmt.Errorf("rule engine: %w", err)
	}
	if stored, err := repo.ListRuleConfigs(ctx); err != nil {
		slog.Warn("failed to list stored rules", "error", err)
	} else {
		slog.Info("stored rules loaded", "loaded", engine.LoadRuleConfigs(stored), "stored", len(stored))
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	dispatcher := alerts.NewDispatcher(repo, push, cacheImpl, cfg.Alerts)
	riskAgg := risk.NewAggregator(profiles, repo, repo, det.Risk, det.ReadTimeout)

	q, err := queue.New(cfg.Queue, repo)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	processor := worker.NewProcessor(q, repo, cfg.Worker)
	worker.NewHandlers(worker.Deps{
		Transactions: repo,
		Accounts:     repo,
		Goals:        repo,
		AlertStore:   repo,
		Queue:        q,
		Profiles:     profiles,
		Risk:         riskAgg,
		Alerts:       dispatcher,
		Push:         push,
		AlertsConfig: cfg.Alerts,
		QueueConfig:  cfg.Queue,
	}, cfg.Worker).RegisterAll(processor)
	processor.Start(ctx)

	sched, err := scheduler.New(q, repo, cfg.Scheduler)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	sched.Start()

	svc := monitoring.NewService(monitoring.Deps{
		Transactions:   repo,
		AlertStore:     repo,
		Queue:          q,
		Profiles:       profiles,
		Extractor:      features.NewExtractor(velocity.NewService(repo, det.ReadTimeout)),
		Rules:          engine,
		Scorer:         scoring.NewScorer(det.Scorer),
		Decision:       tadp.NewProcessor(det.Decision),
		Risk:           riskAgg,
		Alerts:         dispatcher,
		Trigger:        sched,
		EnqueueTimeout: cfg.Queue.EnqueueTimeout,
	})

	srv := api.NewServer(cfg.Server, api.Deps{
		Service:   svc,
		Rules:     engine,
		RuleStore: repo,
		Components: map[string]api.Pinger{
			"repository": repo,
			"cache":      cacheImpl,
			"eventbus":   busImpl,
		},
	}, Version)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"workers", cfg.Worker.Concurrency,
		"scheduler", cfg.Scheduler.Enabled,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop intake first, then the producers, then the consumers.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	sched.Stop(shutdownCtx)
	svc.Wait()
	processor.Stop()

	return runErr
}
