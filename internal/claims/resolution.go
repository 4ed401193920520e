package claims

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/domain/charge"
)

// ResubmitResult is returned by ResubmitClaim
type ResubmitResult struct {
	ClaimID           string `json:"claim_id"`
	Message           string `json:"message"`
	ResubmissionCount int    `json:"resubmission_count"`
	CanResubmit       bool   `json:"can_resubmit"`
}

// ResubmitClaim replaces the charge's claim with a corrected one and restarts
// adjudication. Refusals leave the charge unchanged.
func (e *Engine) ResubmitClaim(ctx context.Context, chargeID, notes string) (*ResubmitResult, error) {
	ctx, span := e.tracer.Start(ctx, "resubmit_claim",
		trace.WithAttributes(attribute.String("charge_id", chargeID)))
	defer span.End()

	claimID := e.ids.ClaimID()
	ref := e.ids.Reference()
	var previous string
	updated, err := e.ledger.Update(ctx, chargeID, func(c *charge.Charge) error {
		previous = c.ClaimID()
		return c.Resubmit(claimID, ref, notes, e.cfg.MaxResubmissions, e.now())
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resubmit claim for %s: %w", chargeID, err)
	}

	e.metrics.ClaimResubmitted()
	e.logger.Info("claim resubmitted",
		zap.String("charge_id", chargeID),
		zap.String("previous_claim_id", previous),
		zap.String("claim_id", claimID),
		zap.Int("resubmission_count", updated.Denial.ResubmissionCount))

	e.scheduleReceived(chargeID, claimID)
	return &ResubmitResult{
		ClaimID:           claimID,
		Message:           updated.Claim.Message,
		ResubmissionCount: updated.Denial.ResubmissionCount,
		CanResubmit:       updated.Denial.CanResubmit,
	}, nil
}

// AppealResult is returned by SubmitAppeal
type AppealResult struct {
	Accepted bool   `json:"accepted"`
	ClaimID  string `json:"claim_id"`
	Level    int    `json:"level"`
	Message  string `json:"message"`
}

// SubmitAppeal files an appeal against the charge's current denial and
// schedules its review.
func (e *Engine) SubmitAppeal(ctx context.Context, chargeID, notes string, level int) (*AppealResult, error) {
	ctx, span := e.tracer.Start(ctx, "submit_appeal",
		trace.WithAttributes(
			attribute.String("charge_id", chargeID),
			attribute.Int("level", level),
		))
	defer span.End()

	updated, err := e.ledger.Update(ctx, chargeID, func(c *charge.Charge) error {
		return c.SubmitAppeal(level, notes, e.now())
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("submit appeal for %s: %w", chargeID, err)
	}

	claimID := updated.Claim.ID
	e.metrics.AppealSubmitted()
	e.logger.Info("appeal submitted",
		zap.String("charge_id", chargeID),
		zap.String("claim_id", claimID),
		zap.Int("level", level))

	e.scheduleAppealReview(chargeID, claimID)
	return &AppealResult{
		Accepted: true,
		ClaimID:  claimID,
		Level:    level,
		Message:  "Appeal submitted for payer review",
	}, nil
}

func (e *Engine) scheduleAppealReview(chargeID, claimID string) {
	e.schedule(jobAppealReview, chargeID, claimID, e.cfg.AppealReviewDelay, func(ctx context.Context) error {
		return e.reviewAppeal(ctx, chargeID, claimID)
	})
}

func (e *Engine) reviewAppeal(ctx context.Context, chargeID, claimID string) error {
	ctx, span := e.tracer.Start(ctx, "appeal_review")
	defer span.End()

	snapshot, err := e.ledger.Get(ctx, chargeID)
	if err != nil || !snapshot.HasPendingAppeal(claimID) {
		e.metrics.StaleTransition(jobAppealReview)
		return nil
	}

	approved, err := e.reviewer.Review(ctx, snapshot)
	if err != nil {
		span.RecordError(err)
		e.logger.Warn("appeal review unavailable, retrying",
			zap.String("charge_id", chargeID),
			zap.String("claim_id", claimID),
			zap.Error(err))
		e.scheduleAppealReview(chargeID, claimID)
		return nil
	}

	updated, applied, err := e.transition(ctx, jobAppealReview, chargeID, claimID, func(c *charge.Charge) error {
		return c.ResolveAppeal(claimID, approved, e.now())
	})
	if err != nil || !applied {
		return err
	}

	outcome := string(updated.Appeal.Status)
	e.metrics.AppealDecision(outcome)
	if approved {
		e.metrics.StageTransition(string(charge.ClaimPaid))
	}
	e.logger.Info("appeal decided",
		zap.String("charge_id", chargeID),
		zap.String("claim_id", claimID),
		zap.String("outcome", outcome))
	return nil
}
