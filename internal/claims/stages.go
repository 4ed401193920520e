package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/domain/charge"
	"github.com/hospitalops/claimflow/pkg/circuitbreaker"
	"github.com/hospitalops/claimflow/pkg/scheduler"
)

// Job names
const (
	jobReceived     = "received"
	jobValidated    = "validated"
	jobDecision     = "decision"
	jobAppealReview = "appeal_review"
	jobFollowUp     = "follow_up"
)

const (
	msgReceived  = "Claim received by clearinghouse"
	msgValidated = "Claim passed initial validation"
)

func (e *Engine) schedule(name, chargeID, claimID string, delay time.Duration, run func(ctx context.Context) error) {
	e.sched.Schedule(scheduler.Job{Key: claimID, Name: name, Run: run}, delay)
	e.logger.Debug("job scheduled",
		zap.String("job", name),
		zap.String("charge_id", chargeID),
		zap.String("claim_id", claimID),
		zap.Duration("delay", delay))
}

func (e *Engine) scheduleReceived(chargeID, claimID string) {
	e.schedule(jobReceived, chargeID, claimID, e.cfg.ReceivedDelay, func(ctx context.Context) error {
		_, applied, err := e.transition(ctx, jobReceived, chargeID, claimID, func(c *charge.Charge) error {
			return c.Advance(claimID, charge.ClaimSubmitted, charge.ClaimProcessing, msgReceived, e.now())
		})
		if err != nil || !applied {
			return err
		}
		e.metrics.StageTransition(string(charge.ClaimProcessing))
		e.scheduleValidated(chargeID, claimID)
		return nil
	})
}

func (e *Engine) scheduleValidated(chargeID, claimID string) {
	e.schedule(jobValidated, chargeID, claimID, e.cfg.ValidatedDelay, func(ctx context.Context) error {
		_, applied, err := e.transition(ctx, jobValidated, chargeID, claimID, func(c *charge.Charge) error {
			return c.Advance(claimID, charge.ClaimProcessing, charge.ClaimValidated, msgValidated, e.now())
		})
		if err != nil || !applied {
			return err
		}
		e.metrics.StageTransition(string(charge.ClaimValidated))
		e.scheduleDecision(chargeID, claimID)
		return nil
	})
}

func (e *Engine) scheduleDecision(chargeID, claimID string) {
	e.schedule(jobDecision, chargeID, claimID, e.cfg.DecisionDelay, func(ctx context.Context) error {
		return e.decide(ctx, chargeID, claimID)
	})
}

// decide asks the payer for a decision outside the record lock and then
// applies it, re-checking that the claim is still awaiting that decision.
func (e *Engine) decide(ctx context.Context, chargeID, claimID string) error {
	ctx, span := e.tracer.Start(ctx, "claim_decision")
	defer span.End()

	snapshot, err := e.ledger.Get(ctx, chargeID)
	if err != nil && !errors.Is(err, charge.ErrChargeNotFound) {
		return fmt.Errorf("load %s: %w", chargeID, err)
	}
	if err != nil || snapshot.ClaimID() != claimID || snapshot.ClaimStatus() != charge.ClaimValidated {
		e.metrics.StaleTransition(jobDecision)
		return nil
	}

	start := time.Now()
	decision, err := e.callDecider(ctx, snapshot)
	if err != nil {
		span.RecordError(err)
		e.logger.Warn("payer decision unavailable, retrying",
			zap.String("charge_id", chargeID),
			zap.String("claim_id", claimID),
			zap.Duration("retry_in", e.cfg.DecisionDelay),
			zap.Error(err))
		e.scheduleDecision(chargeID, claimID)
		return nil
	}

	updated, applied, err := e.transition(ctx, jobDecision, chargeID, claimID, func(c *charge.Charge) error {
		return e.applyDecision(c, claimID, decision)
	})
	if err != nil || !applied {
		return err
	}

	e.metrics.Decision(string(decision.Outcome), time.Since(start))
	e.metrics.StageTransition(string(updated.Claim.Status))
	e.logger.Info("claim decided",
		zap.String("charge_id", chargeID),
		zap.String("claim_id", claimID),
		zap.String("outcome", string(decision.Outcome)),
		zap.String("reason_code", decision.ReasonCode))

	if updated.FollowUp.Scheduled && updated.FollowUp.DueAt != nil {
		e.metrics.FollowUpScheduled()
		e.armFollowUp(chargeID, claimID, *updated.FollowUp.DueAt)
	}
	return nil
}

func (e *Engine) callDecider(ctx context.Context, c *charge.Charge) (Decision, error) {
	if e.breaker == nil {
		return e.decider.Decide(ctx, c)
	}
	return circuitbreaker.Call(ctx, e.breaker, func(ctx context.Context) (Decision, error) {
		return e.decider.Decide(ctx, c)
	})
}

func (e *Engine) applyDecision(c *charge.Charge, claimID string, d Decision) error {
	now := e.now()
	switch d.Outcome {
	case OutcomeAccepted:
		return c.Accept(claimID, now)
	case OutcomeDenied:
		reason, ok := charge.LookupReason(d.ReasonCode)
		if !ok {
			return fmt.Errorf("%w: unknown denial reason %q", charge.ErrInvariant, d.ReasonCode)
		}
		return c.Deny(claimID, reason, e.cfg.MaxResubmissions, now.Add(e.cfg.DenialFollowUpAfter), now)
	case OutcomeRejected:
		message := d.Message
		if message == "" {
			message = "Submission failed clearinghouse edits"
		}
		return c.Reject(claimID, message, e.cfg.MaxResubmissions, now.Add(e.cfg.RejectionFollowUpAfter), now)
	default:
		return fmt.Errorf("%w: unknown decision outcome %q", charge.ErrInvariant, d.Outcome)
	}
}
