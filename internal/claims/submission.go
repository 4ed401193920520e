package claims

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/domain/charge"
)

// SubmitResult is returned by SubmitClaim
type SubmitResult struct {
	ClaimID string             `json:"claim_id"`
	Status  charge.ClaimStatus `json:"status"`
	Message string             `json:"message"`
}

// CreateCharge records a new pending charge. An empty id is generated.
func (e *Engine) CreateCharge(ctx context.Context, id string, d charge.Details) (*charge.Charge, error) {
	if strings.TrimSpace(id) == "" {
		id = e.ids.ChargeID()
	}
	c, err := charge.New(id, d, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.ledger.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create charge %s: %w", id, err)
	}
	e.metrics.ChargeCreated()
	e.logger.Info("charge created",
		zap.String("charge_id", id),
		zap.String("patient_id", d.PatientID),
		zap.String("department", d.Department),
		zap.String("amount", d.Amount.StringFixed(2)))
	return c.Clone(), nil
}

// GetCharge returns the current state of a charge
func (e *Engine) GetCharge(ctx context.Context, id string) (*charge.Charge, error) {
	return e.ledger.Get(ctx, id)
}

// ListCharges returns charges matching filter
func (e *Engine) ListCharges(ctx context.Context, filter charge.Filter) ([]*charge.Charge, error) {
	return e.ledger.List(ctx, filter)
}

// SubmitClaim validates claim eligibility for a charge, opens its claim and
// starts adjudication. A refused submission leaves the charge unchanged.
func (e *Engine) SubmitClaim(ctx context.Context, chargeID string) (*SubmitResult, error) {
	ctx, span := e.tracer.Start(ctx, "submit_claim",
		trace.WithAttributes(attribute.String("charge_id", chargeID)))
	defer span.End()

	claimID := e.ids.ClaimID()
	ref := e.ids.Reference()
	updated, err := e.ledger.Update(ctx, chargeID, func(c *charge.Charge) error {
		return c.Submit(claimID, ref, e.now())
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("submit claim for %s: %w", chargeID, err)
	}

	e.metrics.ClaimSubmitted()
	e.logger.Info("claim submitted",
		zap.String("charge_id", chargeID),
		zap.String("claim_id", claimID),
		zap.String("clearinghouse_ref", ref))

	e.scheduleReceived(chargeID, claimID)
	return &SubmitResult{
		ClaimID: claimID,
		Status:  updated.Claim.Status,
		Message: updated.Claim.Message,
	}, nil
}
