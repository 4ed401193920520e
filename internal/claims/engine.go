// Package claims drives the claim lifecycle of charges: submission,
// staged adjudication, denial resolution, appeals, automated payment posting,
// follow-up scheduling and analytics.
package claims

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/domain/charge"
	"github.com/hospitalops/claimflow/internal/observability/metrics"
	"github.com/hospitalops/claimflow/pkg/circuitbreaker"
	"github.com/hospitalops/claimflow/pkg/scheduler"
	"github.com/hospitalops/claimflow/pkg/workerpool"
)

// Config holds lifecycle timing and policy
type Config struct {
	// ReceivedDelay is the time from submission to clearinghouse receipt
	ReceivedDelay time.Duration
	// ValidatedDelay is the time from receipt to initial validation
	ValidatedDelay time.Duration
	// DecisionDelay is the time from validation to the payer decision
	DecisionDelay time.Duration
	// AppealReviewDelay is the time from appeal submission to its decision
	AppealReviewDelay time.Duration

	PaymentInterval  time.Duration
	FollowUpInterval time.Duration

	// ProcessingStaleAfter flags claims stuck in processing
	ProcessingStaleAfter time.Duration
	// DeniedStaleAfter flags denied or rejected charges left untouched
	DeniedStaleAfter time.Duration

	DenialFollowUpAfter    time.Duration
	RejectionFollowUpAfter time.Duration
	// FollowUpDueAfter is the lead time of sweep-scheduled follow-ups
	FollowUpDueAfter time.Duration

	MaxResubmissions int
}

// DefaultConfig returns the production lifecycle timings
func DefaultConfig() Config {
	return Config{
		ReceivedDelay:          2 * time.Second,
		ValidatedDelay:         3 * time.Second,
		DecisionDelay:          5 * time.Second,
		AppealReviewDelay:      10 * time.Second,
		PaymentInterval:        30 * time.Second,
		FollowUpInterval:       time.Hour,
		ProcessingStaleAfter:   3 * 24 * time.Hour,
		DeniedStaleAfter:       7 * 24 * time.Hour,
		DenialFollowUpAfter:    3 * 24 * time.Hour,
		RejectionFollowUpAfter: 24 * time.Hour,
		FollowUpDueAfter:       24 * time.Hour,
		MaxResubmissions:       2,
	}
}

// Dependencies are the engine's collaborators. Nil fields get simulated or
// no-op defaults.
type Dependencies struct {
	Decider  Decider
	Reviewer AppealReviewer
	Payments PaymentGateway
	Notifier Notifier
	IDs      IDGenerator
	Clock    scheduler.Clock
	// Breaker guards decider calls when set
	Breaker *circuitbreaker.CircuitBreaker
	Metrics *metrics.Metrics
	// Seed seeds the simulated collaborators; zero uses the current time
	Seed uint64
}

// Engine is the claims lifecycle engine
type Engine struct {
	ledger   charge.Ledger
	sched    scheduler.Scheduler
	clock    scheduler.Clock
	decider  Decider
	reviewer AppealReviewer
	payments PaymentGateway
	notifier Notifier
	ids      IDGenerator
	breaker  *circuitbreaker.CircuitBreaker
	metrics  *metrics.Metrics
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer

	// paymentMu serializes payment sweeps
	paymentMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an engine over ledger that schedules its stage jobs on sched
func New(ledger charge.Ledger, sched scheduler.Scheduler, deps Dependencies, cfg Config, logger *zap.Logger) (*Engine, error) {
	if ledger == nil || sched == nil {
		return nil, fmt.Errorf("ledger and scheduler are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rng := NewRand(deps.Seed)
	if deps.Decider == nil {
		deps.Decider = NewRandomDecider(DefaultWeights(), rng)
	}
	if deps.Reviewer == nil {
		deps.Reviewer = NewRandomReviewer(0.3, rng)
	}
	if deps.Payments == nil {
		deps.Payments = NewRandomPayments(0.95, rng)
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(logger)
	}
	if deps.IDs == nil {
		ids, err := NewSnowflakeIDs(1)
		if err != nil {
			return nil, err
		}
		deps.IDs = ids
	}
	if deps.Clock == nil {
		deps.Clock = scheduler.SystemClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		ledger:   ledger,
		sched:    sched,
		clock:    deps.Clock,
		decider:  deps.Decider,
		reviewer: deps.Reviewer,
		payments: deps.Payments,
		notifier: deps.Notifier,
		ids:      deps.IDs,
		breaker:  deps.Breaker,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("claims-engine"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Ledger returns the engine's ledger for collaborator reads
func (e *Engine) Ledger() charge.Ledger { return e.ledger }

// StartAutomatedProcessing starts the payment and follow-up sweeps. Calling
// it again has no effect.
func (e *Engine) StartAutomatedProcessing() {
	e.startOnce.Do(func() {
		e.wg.Add(2)
		go e.sweepLoop("payment", e.cfg.PaymentInterval, func(ctx context.Context) error {
			_, err := e.PostPayments(ctx)
			return err
		})
		go e.sweepLoop("follow_up", e.cfg.FollowUpInterval, func(ctx context.Context) error {
			_, err := e.ScheduleFollowUps(ctx)
			return err
		})
		e.logger.Info("automated processing started",
			zap.Duration("payment_interval", e.cfg.PaymentInterval),
			zap.Duration("follow_up_interval", e.cfg.FollowUpInterval))
	})
}

// Stop stops the sweeps and waits for a running sweep to finish
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		e.logger.Info("automated processing stopped")
	})
}

func (e *Engine) sweepLoop(name string, interval time.Duration, sweep func(context.Context) error) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := sweep(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("sweep failed", zap.String("sweep", name), zap.Error(err))
			}
			e.metrics.ObserveSweep(name, start)
		}
	}
}

// Recover re-arms timers for in-flight claims, pending appeals and scheduled
// follow-ups after a restart. It returns the number of jobs armed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "claims_recover")
	defer span.End()

	charges, err := e.ledger.List(ctx, charge.Filter{WithClaim: true})
	if err != nil {
		return 0, fmt.Errorf("list charges: %w", err)
	}

	armed := 0
	for _, c := range charges {
		claimID := c.Claim.ID
		switch c.Claim.Status {
		case charge.ClaimSubmitted:
			e.scheduleReceived(c.ID, claimID)
			armed++
		case charge.ClaimProcessing:
			e.scheduleValidated(c.ID, claimID)
			armed++
		case charge.ClaimValidated:
			e.scheduleDecision(c.ID, claimID)
			armed++
		}
		if c.HasPendingAppeal(claimID) {
			e.scheduleAppealReview(c.ID, claimID)
			armed++
		}
		if c.FollowUp.Scheduled && c.FollowUp.DueAt != nil {
			e.armFollowUp(c.ID, c.FollowUp.ClaimID, *c.FollowUp.DueAt)
			armed++
		}
	}

	span.SetAttributes(attribute.Int("jobs_armed", armed))
	e.logger.Info("claims lifecycle recovered",
		zap.Int("charges", len(charges)),
		zap.Int("jobs_armed", armed))
	return armed, nil
}

// transition applies fn to a charge inside an atomic ledger update. Stale or
// vanished preconditions are reported as not applied with a nil error.
// Invariant violations are logged and returned as permanent job failures.
func (e *Engine) transition(ctx context.Context, job, chargeID, claimID string, fn func(*charge.Charge) error) (*charge.Charge, bool, error) {
	updated, err := e.ledger.Update(ctx, chargeID, fn)
	switch {
	case err == nil:
		return updated, true, nil
	case errors.Is(err, charge.ErrStaleTransition), errors.Is(err, charge.ErrChargeNotFound):
		e.metrics.StaleTransition(job)
		e.logger.Debug("stale transition skipped",
			zap.String("job", job),
			zap.String("charge_id", chargeID),
			zap.String("claim_id", claimID))
		return nil, false, nil
	case errors.Is(err, charge.ErrInvariant):
		e.logger.Error("charge invariant violated",
			zap.String("job", job),
			zap.String("charge_id", chargeID),
			zap.String("claim_id", claimID),
			zap.Error(err))
		return nil, false, workerpool.Permanent(err)
	case charge.Code(err) != "":
		return nil, false, workerpool.Permanent(fmt.Errorf("%s %s: %w", job, chargeID, err))
	default:
		return nil, false, fmt.Errorf("%s %s: %w", job, chargeID, err)
	}
}

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }
