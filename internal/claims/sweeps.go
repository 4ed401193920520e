package claims

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/domain/charge"
)

// PostPayments posts payment for every accepted, unpaid claim. Failed
// postings are left for the next sweep. Concurrent calls run one at a time.
// It returns the number posted.
func (e *Engine) PostPayments(ctx context.Context) (int, error) {
	e.paymentMu.Lock()
	defer e.paymentMu.Unlock()

	ctx, span := e.tracer.Start(ctx, "payment_sweep")
	defer span.End()

	accepted, err := e.ledger.List(ctx, charge.Filter{ClaimStatuses: []charge.ClaimStatus{charge.ClaimAccepted}})
	if err != nil {
		return 0, fmt.Errorf("list accepted claims: %w", err)
	}

	posted := 0
	for _, c := range accepted {
		if ctx.Err() != nil {
			return posted, ctx.Err()
		}
		if !c.AwaitingPayment() {
			continue
		}
		claimID := c.Claim.ID
		if err := e.payments.Post(ctx, c, claimID); err != nil {
			e.metrics.PaymentAttempt("failure")
			e.logger.Debug("payment posting failed",
				zap.String("charge_id", c.ID),
				zap.String("claim_id", claimID),
				zap.Error(err))
			continue
		}

		_, applied, err := e.transition(ctx, "payment", c.ID, claimID, func(c *charge.Charge) error {
			return c.PostPayment(claimID, true, e.now())
		})
		if err != nil {
			e.logger.Warn("payment write failed",
				zap.String("charge_id", c.ID),
				zap.String("claim_id", claimID),
				zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		posted++
		e.metrics.PaymentAttempt("success")
		e.metrics.StageTransition(string(charge.ClaimPaid))
		e.logger.Info("payment posted",
			zap.String("charge_id", c.ID),
			zap.String("claim_id", claimID),
			zap.String("amount", c.Amount.StringFixed(2)))
	}
	return posted, nil
}

// ScheduleFollowUps arms follow-ups for claims stuck in processing and for
// denied or rejected charges left untouched. It returns the number scheduled.
func (e *Engine) ScheduleFollowUps(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "follow_up_sweep")
	defer span.End()

	candidates, err := e.ledger.List(ctx, charge.Filter{ClaimStatuses: []charge.ClaimStatus{
		charge.ClaimProcessing, charge.ClaimDenied, charge.ClaimRejected,
	}})
	if err != nil {
		return 0, fmt.Errorf("list follow-up candidates: %w", err)
	}

	now := e.now()
	scheduled := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return scheduled, ctx.Err()
		}
		reason, ok := e.followUpReason(c, now)
		if !ok {
			continue
		}
		claimID := c.Claim.ID
		status := c.Claim.Status
		due := now.Add(e.cfg.FollowUpDueAfter)

		_, applied, err := e.transition(ctx, "follow_up_sweep", c.ID, claimID, func(c *charge.Charge) error {
			if c.ClaimStatus() != status {
				return charge.ErrStaleTransition
			}
			return c.ScheduleFollowUp(claimID, due, reason, e.now())
		})
		if err != nil {
			e.logger.Warn("follow-up write failed",
				zap.String("charge_id", c.ID),
				zap.String("claim_id", claimID),
				zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		scheduled++
		e.metrics.FollowUpScheduled()
		e.logger.Info("follow-up scheduled",
			zap.String("charge_id", c.ID),
			zap.String("claim_id", claimID),
			zap.String("reason", reason),
			zap.Time("due_at", due))
		e.armFollowUp(c.ID, claimID, due)
	}
	return scheduled, nil
}

func (e *Engine) followUpReason(c *charge.Charge, now time.Time) (string, bool) {
	if c.Claim == nil || c.FollowUp.Scheduled || c.IsPaid() {
		return "", false
	}
	switch c.Claim.Status {
	case charge.ClaimProcessing:
		if now.Sub(c.Claim.StatusUpdatedAt) > e.cfg.ProcessingStaleAfter {
			return fmt.Sprintf("Claim processing for more than %s", days(e.cfg.ProcessingStaleAfter)), true
		}
	case charge.ClaimDenied, charge.ClaimRejected:
		if now.Sub(c.UpdatedAt) > e.cfg.DeniedStaleAfter {
			return fmt.Sprintf("Claim %s with no activity for more than %s", c.Claim.Status, days(e.cfg.DeniedStaleAfter)), true
		}
	}
	return "", false
}

// escalationMessage reads like "Claim CLM-1 denied for 3 days, consider
// escalation (Denial follow-up)"
func escalationMessage(n Notice) string {
	return fmt.Sprintf("Claim %s %s for %s, consider escalation (%s)",
		n.ClaimID, n.Status, days(n.InStatus.Truncate(time.Minute)), n.Reason)
}

func days(d time.Duration) string {
	n := int(d / (24 * time.Hour))
	if n == 1 {
		return "1 day"
	}
	if n > 1 {
		return fmt.Sprintf("%d days", n)
	}
	return d.String()
}

// armFollowUp schedules the due-time watcher for a follow-up. The watcher
// escalates only if the same follow-up is still armed on an unchanged claim.
func (e *Engine) armFollowUp(chargeID, claimID string, due time.Time) {
	delay := due.Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	e.schedule(jobFollowUp, chargeID, claimID, delay, func(ctx context.Context) error {
		return e.escalate(ctx, chargeID, claimID, due)
	})
}

func (e *Engine) escalate(ctx context.Context, chargeID, claimID string, due time.Time) error {
	var notice Notice
	updated, applied, err := e.transition(ctx, jobFollowUp, chargeID, claimID, func(c *charge.Charge) error {
		if c.FollowUp.DueAt == nil || !c.FollowUp.DueAt.Equal(due) {
			return charge.ErrStaleTransition
		}
		if !c.FollowUpStillDue(claimID) {
			return charge.ErrStaleTransition
		}
		now := e.now()
		notice = Notice{
			ChargeID:  c.ID,
			ClaimID:   claimID,
			PatientID: c.PatientID,
			Status:    c.Claim.Status,
			Reason:    c.FollowUp.Reason,
			DueAt:     due,
			InStatus:  now.Sub(c.Claim.StatusUpdatedAt),
		}
		notice.Message = escalationMessage(notice)
		return c.EscalateFollowUp(claimID, notice.Message, now)
	})
	if err != nil || !applied {
		return err
	}

	e.metrics.FollowUpEscalated()
	if err := e.notifier.Notify(ctx, notice); err != nil {
		e.logger.Warn("escalation notice failed",
			zap.String("charge_id", updated.ID),
			zap.String("claim_id", claimID),
			zap.Error(err))
	}
	return nil
}
