// Package main provides the claims API service entry point.
// Serves the charge and claim lifecycle API and runs the adjudication
// timers and the payment and follow-up sweeps.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/api"
	"github.com/hospitalops/claimflow/internal/api/middleware"
	"github.com/hospitalops/claimflow/internal/claims"
	"github.com/hospitalops/claimflow/internal/config"
	"github.com/hospitalops/claimflow/internal/domain/charge"
	"github.com/hospitalops/claimflow/internal/infrastructure/postgres"
	"github.com/hospitalops/claimflow/internal/infrastructure/redpanda"
	"github.com/hospitalops/claimflow/internal/observability/logging"
	"github.com/hospitalops/claimflow/internal/observability/metrics"
	"github.com/hospitalops/claimflow/internal/observability/tracing"
	"github.com/hospitalops/claimflow/pkg/circuitbreaker"
	"github.com/hospitalops/claimflow/pkg/scheduler"
	"github.com/hospitalops/claimflow/pkg/workerpool"
)

const serviceName = "claims-api"

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

	// Worker pool runs the adjudication and follow-up timers
	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Workers
	poolCfg.QueueSize = cfg.QueueSize
	workers := workerpool.New(poolCfg, logger)
	workers.Start()
	timers := scheduler.NewTimer(workers, logger)

	breakerCfg := circuitbreaker.DefaultConfig("payer")
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	// Ledger: Postgres when configured, otherwise in memory
	var (
		ledger charge.Ledger
		ready  func(context.Context) error
	)
	if cfg.UsePostgres() {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pool.Close()
		if err := postgres.ApplySchema(ctx, pool, logger); err != nil {
			logger.Fatal("schema migration failed", zap.Error(err))
		}
		ledger = charge.NewPostgresLedger(pool, logger)
		ready = func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return err
			}
			return poolReady(workers)
		}
		logger.Info("connected to database")
	} else {
		ledger = charge.NewMemoryLedger(nil, logger)
		ready = func(context.Context) error { return poolReady(workers) }
		logger.Warn("DATABASE_URL not set, using in-memory ledger")
	}

	// Follow-up notices go to the log, and to the broker when one is reachable
	notifier := claims.MultiNotifier{claims.NewLogNotifier(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := newProducer(ctx, cfg, m, logger)
		if err != nil {
			logger.Warn("follow-up notices will only be logged", zap.Error(err))
		} else {
			defer producer.Close()
			notifier = append(notifier, claims.NewTopicNotifier(producer, redpanda.TopicFollowUps))
		}
	}

	ids, err := claims.NewSnowflakeIDs(cfg.NodeID)
	if err != nil {
		logger.Fatal("id generator creation failed", zap.Error(err))
	}

	rng := claims.NewRand(cfg.RandomSeed)
	engine, err := claims.New(ledger, timers, claims.Dependencies{
		Decider: claims.NewRandomDecider(claims.Weights{
			Accept: cfg.AcceptWeight,
			Deny:   cfg.DenyWeight,
			Reject: cfg.RejectWeight,
		}, rng),
		Reviewer: claims.NewRandomReviewer(cfg.AppealApprovalRate, rng),
		Payments: claims.NewRandomPayments(cfg.PaymentSuccessRate, rng),
		Notifier: notifier,
		IDs:      ids,
		Breaker:  breaker,
		Metrics:  m,
	}, engineConfig(cfg), logger)
	if err != nil {
		logger.Fatal("engine creation failed", zap.Error(err))
	}

	if _, err := engine.Recover(ctx); err != nil {
		logger.Fatal("lifecycle recovery failed", zap.Error(err))
	}
	engine.StartAutomatedProcessing()

	router := api.NewRouter(engine, api.Options{
		ServiceName: serviceName,
		Version:     traceCfg.ServiceVersion,
		APIKeys:     middleware.KeysFrom(cfg.APIKeys),
		Ready:       ready,
		Metrics:     metrics.Handler(),
	}, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting claims API",
		zap.String("port", cfg.Port),
		zap.Bool("postgres", cfg.UsePostgres()),
		zap.Int("api_keys", len(cfg.APIKeys)))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	engine.Stop()
	if n := timers.Stop(); n > 0 {
		logger.Info("pending timers dropped, they are re-armed on restart", zap.Int("timers", n))
	}
	if err := workers.Stop(); err != nil {
		logger.Warn("worker pool stop", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newProducer(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*redpanda.Producer, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redpanda.HealthCheck(checkCtx, cfg.KafkaBrokers); err != nil {
		return nil, err
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	return redpanda.NewProducer(producerCfg, m, logger)
}

// poolReady fails while the timer queue is close to refusing work
func poolReady(workers *workerpool.Pool) error {
	if workers.Saturated() {
		s := workers.Stats()
		return fmt.Errorf("worker queue saturated: %d of %d", s.QueueDepth, s.QueueCapacity)
	}
	return nil
}

func engineConfig(cfg *config.Config) claims.Config {
	ec := claims.DefaultConfig()
	ec.ReceivedDelay = cfg.ReceivedDelay
	ec.ValidatedDelay = cfg.ValidatedDelay
	ec.DecisionDelay = cfg.DecisionDelay
	ec.AppealReviewDelay = cfg.AppealReviewDelay
	ec.PaymentInterval = cfg.PaymentInterval
	ec.FollowUpInterval = cfg.FollowUpInterval
	ec.ProcessingStaleAfter = cfg.ProcessingStaleAfter
	ec.DeniedStaleAfter = cfg.DeniedStaleAfter
	ec.MaxResubmissions = cfg.MaxResubmissions
	return ec
}
