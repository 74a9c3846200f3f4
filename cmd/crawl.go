package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/textforge/harvest/internal/api"
	"github.com/textforge/harvest/internal/checkpoint/memory"
	"github.com/textforge/harvest/internal/checkpoint/postgres"
	"github.com/textforge/harvest/internal/checkpoint/sqlite"
	"github.com/textforge/harvest/internal/clock/system"
	"github.com/textforge/harvest/internal/config"
	"github.com/textforge/harvest/internal/crawler"
	"github.com/textforge/harvest/internal/dispatcher"
	"github.com/textforge/harvest/internal/extract"
	collyfetcher "github.com/textforge/harvest/internal/fetcher/colly"
	"github.com/textforge/harvest/internal/frontier"
	"github.com/textforge/harvest/internal/hash/sha256"
	"github.com/textforge/harvest/internal/logging"
	"github.com/textforge/harvest/internal/metrics"
	"github.com/textforge/harvest/internal/politeness"
	"github.com/textforge/harvest/internal/sink"
	"github.com/textforge/harvest/internal/worker"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run the crawl until every configured domain is exhausted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if len(cfg.Seeds) == 0 {
				return fmt.Errorf("no seeds configured; nothing to crawl")
			}
			return runCrawl(cmd.Context(), cfg)
		},
	}
}

func runCrawl(parent context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	clk := system.New()
	hasher := sha256.New()

	floors := make(map[string]time.Duration, len(cfg.Seeds))
	for _, seed := range cfg.Seeds {
		floors[seed.Domain] = seed.MinDelay(cfg.Crawler)
	}
	jitterMin, jitterMax := cfg.Crawler.Jitter()
	policy := politeness.New(politeness.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		DefaultDelay: cfg.Crawler.DefaultDelay(),
		JitterMin:    jitterMin,
		JitterMax:    jitterMax,
		CacheTTL:     cfg.Robots.RobotsTTL(),
		DomainFloors: floors,
	}, nil, clk, logger)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.HTTP.FetchTimeout(),
		MaxRedirects: cfg.HTTP.MaxRedirects,
	}, clk)
	retry := collyfetcher.NewRetryPolicy(cfg.HTTP.MaxAttempts, cfg.HTTP.BackoffBase(), cfg.HTTP.BackoffMax())

	traps := crawler.NewTrapFilter(crawler.TrapConfig{
		MaxPageNumber:      cfg.Trap.MaxPageNumber,
		MaxDateDepth:       cfg.Trap.MaxDateDepth,
		PatternRepeatLimit: cfg.Trap.PatternRepeatLimit,
	})
	m := metrics.New(prometheus.DefaultRegisterer)
	fm := frontier.New(store, traps, hasher, clk, cfg.Seeds, cfg.Crawler, m, logger)

	recordSink, err := sink.NewJSONL(cfg.Sink.Path, extract.NewRegistry(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = recordSink.Close() }()

	var statusServer *api.Server
	if cfg.Server.Enabled {
		statusServer = api.New(cfg.Server.Port, store, prometheus.DefaultGatherer, logger)
		go func() {
			if serveErr := statusServer.Start(); serveErr != nil {
				logger.Error("status server failed", zap.Error(serveErr))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = statusServer.Shutdown(shutdownCtx)
		}()
	}

	runID := uuid.NewString()
	logger.Info("starting crawl",
		zap.String("run_id", runID),
		zap.Int("workers", cfg.Crawler.Concurrency),
		zap.Int("seed_domains", len(cfg.Seeds)),
		zap.String("checkpoint", cfg.Checkpoint.Driver))

	if err := fm.Seed(ctx, clk.Now()); err != nil {
		return fmt.Errorf("seed frontier: %w", err)
	}

	workers := make([]dispatcher.Runner, cfg.Crawler.Concurrency)
	for i := range workers {
		workers[i] = worker.New(worker.Config{
			ID:        i,
			UserAgent: cfg.Crawler.UserAgent,
			RunID:     runID,
		}, fm, policy, fetcher, retry, recordSink, clk, m, logger)
	}

	err = dispatcher.New(workers, logger).Run(ctx)
	switch {
	case err == nil:
		logger.Info("crawl complete", zap.String("run_id", runID))
	case errors.Is(err, context.Canceled):
		logger.Info("crawl interrupted; progress checkpointed", zap.String("run_id", runID))
		err = nil
	}

	if stats, statsErr := store.Stats(context.Background()); statsErr == nil {
		logger.Info("final queue state",
			zap.Int("done", stats.Done),
			zap.Int("pending", stats.Pending),
			zap.Int("failed", stats.Failed),
			zap.Int("skipped_trap", stats.SkippedTrap),
			zap.Int("denied", stats.Denied),
			zap.Int("skipped", stats.Skipped),
			zap.Int("domains", stats.Domains))
	}
	return err
}

func openStore(ctx context.Context, cfg config.CheckpointConfig, logger *zap.Logger) (crawler.CheckpointStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.Open(ctx, cfg.Path, logger)
	case "postgres":
		return postgres.New(ctx, postgres.Config{DSN: cfg.DSN})
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint driver %q", cfg.Driver)
	}
}
