// Package main provides the charge intake service entry point.
// Consumes charge-capture messages and records each captured service as a
// pending charge exactly once.
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

	"github.com/hospitalops/claimflow/internal/claims"
	"github.com/hospitalops/claimflow/internal/config"
	"github.com/hospitalops/claimflow/internal/domain/charge"
	"github.com/hospitalops/claimflow/internal/infrastructure/postgres"
	"github.com/hospitalops/claimflow/internal/infrastructure/redpanda"
	"github.com/hospitalops/claimflow/internal/intake"
	"github.com/hospitalops/claimflow/internal/observability/logging"
	"github.com/hospitalops/claimflow/internal/observability/metrics"
	"github.com/hospitalops/claimflow/internal/observability/tracing"
	"github.com/hospitalops/claimflow/pkg/idempotency"
	"github.com/hospitalops/claimflow/pkg/scheduler"
	"github.com/hospitalops/claimflow/pkg/workerpool"
)

const (
	serviceName = "charge-intake"
	lagInterval = time.Minute
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
		logger.Fatal("DATABASE_URL is required, intake writes to the shared ledger")
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
	defer admin.Close()

	// Intake only creates charges; adjudication timers run in claims-api
	workers := workerpool.New(workerpool.Config{
		Workers:                 1,
		QueueSize:               1,
		GracefulShutdownTimeout: time.Second,
	}, logger)
	workers.Start()
	defer workers.Stop()

	ids, err := claims.NewSnowflakeIDs(cfg.NodeID)
	if err != nil {
		logger.Fatal("id generator creation failed", zap.Error(err))
	}
	engine, err := claims.New(charge.NewPostgresLedger(pool, logger), scheduler.NewTimer(workers, logger),
		claims.Dependencies{IDs: ids, Metrics: m}, claims.DefaultConfig(), logger)
	if err != nil {
		logger.Fatal("engine creation failed", zap.Error(err))
	}

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.IsTerminal = intake.IsTerminal
	inbox := idempotency.NewInbox(pool, inboxCfg, logger)
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("entries", n))
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	handler := intake.NewHandler(engine, inbox, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup

	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()

	metricsServer := &http.Server{Addr: ":" + cfg.Port, Handler: metrics.Handler(), ReadTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	lagCtx, stopLag := context.WithCancel(ctx)
	lagDone := make(chan struct{})
	go reportLag(lagCtx, admin, consumerCfg.GroupID, logger, lagDone)

	logger.Info("charge intake started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", consumerCfg.GroupID),
		zap.Strings("topics", consumerCfg.Topics))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	_ = metricsServer.Close()
	stopLag()
	<-lagDone
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}
	stats := consumer.Stats()
	logger.Info("charge intake stopped",
		zap.Int64("messages", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
}

// reportLag logs the consumer group's backlog per topic
func reportLag(ctx context.Context, admin *redpanda.Admin, group string, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(lagInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GroupLag(ctx, group)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("consumer lag check failed", zap.Error(err))
				}
				continue
			}
			for topic, n := range lag {
				logger.Info("consumer lag", zap.String("topic", topic), zap.Int64("lag", n))
			}
		}
	}
}
