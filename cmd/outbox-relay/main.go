// Package main provides the outbox relay service entry point.
// Relays committed claim lifecycle events from the outbox table to Redpanda.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/config"
	"github.com/hospitalops/claimflow/internal/infrastructure/postgres"
	"github.com/hospitalops/claimflow/internal/infrastructure/redpanda"
	"github.com/hospitalops/claimflow/internal/observability/logging"
	"github.com/hospitalops/claimflow/internal/observability/metrics"
	"github.com/hospitalops/claimflow/internal/observability/tracing"
)

const (
	serviceName       = "outbox-relay"
	statsInterval     = 15 * time.Second
	processedRetained = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env, serviceName)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if !cfg.UsePostgres() {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Connect to database
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.ApplySchema(ctx, pool, logger); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	adminCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := admin.EnsureTopics(adminCtx, cfg.TopicReplication); err != nil {
		logger.Warn("topic creation failed", zap.Error(err))
	}
	cancel()
	admin.Close()

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)

	outbox.Start()

	statsCtx, stopStats := context.WithCancel(ctx)
	statsDone := make(chan struct{})
	go reportStats(statsCtx, outbox, m, logger, statsDone)

	metricsServer := &http.Server{Addr: ":" + cfg.Port, Handler: metrics.Handler(), ReadTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	_ = metricsServer.Close()
	stopStats()
	<-statsDone
	outbox.Stop()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	if err := producer.Flush(flushCtx); err != nil {
		logger.Warn("producer flush", zap.Error(err))
	}
	if err := tp.Shutdown(flushCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

// reportStats exports the outbox backlog and prunes relayed entries
func reportStats(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := outbox.GetStats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.SetOutboxPending(stats.Pending)
			if stats.DeadLettered > 0 {
				logger.Warn("outbox entries dead-lettered", zap.Int64("dead_lettered", stats.DeadLettered))
			}
			if n, err := outbox.CleanupProcessed(ctx, processedRetained); err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				logger.Debug("pruned relayed outbox entries", zap.Int64("entries", n))
			}
		}
	}
}
