package claims

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hospitalops/claimflow/internal/domain/charge"
)

// outcomesByCharge decides each claim by the charge it belongs to
func outcomesByCharge(outcomes map[string]Decision) Decider {
	return DecideFunc(func(_ context.Context, c *charge.Charge) (Decision, error) {
		if d, ok := outcomes[c.ID]; ok {
			return d, nil
		}
		return Decision{Outcome: OutcomeAccepted}, nil
	})
}

func seedPortfolio(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, Dependencies{Decider: outcomesByCharge(map[string]Decision{
		"CHG-DENIED":     {Outcome: OutcomeDenied, ReasonCode: charge.ReasonMedicalNecessity},
		"CHG-RESUBMIT":   {Outcome: OutcomeDenied, ReasonCode: charge.ReasonCodingError},
		"CHG-APPEALED":   {Outcome: OutcomeDenied, ReasonCode: charge.ReasonMedicalNecessity},
		"CHG-REJECTED":   {Outcome: OutcomeRejected, Message: "Invalid NPI"},
		"CHG-UNRESOLVED": {Outcome: OutcomeDenied, ReasonCode: charge.ReasonDuplicate},
	})})

	ids := []string{"CHG-PAID", "CHG-DENIED", "CHG-RESUBMIT", "CHG-APPEALED", "CHG-REJECTED", "CHG-UNRESOLVED"}
	for _, id := range ids {
		d := details("100.00")
		if id == "CHG-PAID" {
			d.Department = "Radiology"
		}
		h.create(id, d)
		if _, err := h.engine.SubmitClaim(h.ctx, id); err != nil {
			t.Fatalf("SubmitClaim %s: %v", id, err)
		}
	}
	h.create("CHG-UNSUBMITTED", details("999.00"))
	h.advance(adjudicationWindow)

	if _, err := h.engine.PostPayments(h.ctx); err != nil {
		t.Fatalf("PostPayments: %v", err)
	}
	if _, err := h.engine.ResubmitClaim(h.ctx, "CHG-RESUBMIT", "recoded"); err != nil {
		t.Fatalf("ResubmitClaim: %v", err)
	}
	if _, err := h.engine.SubmitAppeal(h.ctx, "CHG-APPEALED", "", 1); err != nil {
		t.Fatalf("SubmitAppeal: %v", err)
	}
	return h
}

func TestDenialAnalytics(t *testing.T) {
	h := seedPortfolio(t)

	s, err := h.engine.DenialAnalytics(h.ctx)
	if err != nil {
		t.Fatalf("DenialAnalytics failed: %v", err)
	}
	// CHG-RESUBMIT still carries its denial record while the corrected claim
	// is in flight; the rejection is not a denial.
	if s.TotalDenials != 4 {
		t.Fatalf("expected 4 denials, got %d", s.TotalDenials)
	}
	sum := 0
	for _, n := range s.ByCategory {
		sum += n
	}
	if sum != s.TotalDenials {
		t.Errorf("category counts sum to %d, total is %d", sum, s.TotalDenials)
	}
	if s.ByCategory[charge.CategoryMedicalNecessity] != 2 || s.ByCategory[charge.CategoryCodingError] != 1 {
		t.Errorf("unexpected categories: %v", s.ByCategory)
	}
	if _, ok := s.ByCategory[charge.CategoryTechnical]; ok {
		t.Error("rejections must not count as denials")
	}
	if s.ByReasonCode[charge.ReasonDuplicate] != 1 {
		t.Errorf("unexpected reason codes: %v", s.ByReasonCode)
	}
	if s.Resubmitted != 1 || s.Appealed != 1 {
		t.Errorf("expected 1 resubmitted and 1 appealed, got %d/%d", s.Resubmitted, s.Appealed)
	}
	if s.ResubmissionRate != 25 || s.AppealRate != 25 {
		t.Errorf("expected 25%% rates, got %v/%v", s.ResubmissionRate, s.AppealRate)
	}
}

func TestDenialAnalyticsKeepsReplacedDenial(t *testing.T) {
	h := newHarness(t, Dependencies{Decider: denyWith(charge.ReasonMissingDocumentation)})
	h.create("CHG-1", details("310.00"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)
	if _, err := h.engine.ResubmitClaim(h.ctx, "CHG-1", "attached records"); err != nil {
		t.Fatalf("ResubmitClaim failed: %v", err)
	}
	h.engine.decider = DecideFunc(func(context.Context, *charge.Charge) (Decision, error) {
		return Decision{Outcome: OutcomeRejected, Message: "Invalid member ID"}, nil
	})
	h.advance(adjudicationWindow)

	c := h.get("CHG-1")
	if c.Denial.Kind != charge.DenialKindRejection || len(c.DenialHistory) != 2 {
		t.Fatalf("expected current rejection over a denial history of 2, got %s/%d", c.Denial.Kind, len(c.DenialHistory))
	}

	s, err := h.engine.DenialAnalytics(h.ctx)
	if err != nil {
		t.Fatalf("DenialAnalytics failed: %v", err)
	}
	if s.TotalDenials != 1 || s.ByCategory[charge.CategoryDocumentation] != 1 {
		t.Errorf("the replaced denial must still count: %+v", s)
	}
	if s.Resubmitted != 1 || s.ResubmissionRate != 100 {
		t.Errorf("expected the denial counted as resubmitted, got %d (%v%%)", s.Resubmitted, s.ResubmissionRate)
	}
	if _, ok := s.ByCategory[charge.CategoryTechnical]; ok {
		t.Error("the rejection must not count as a denial")
	}
}

func TestClaimsAnalyticsIsConsistent(t *testing.T) {
	h := seedPortfolio(t)

	s, err := h.engine.ClaimsAnalytics(h.ctx)
	if err != nil {
		t.Fatalf("ClaimsAnalytics failed: %v", err)
	}
	if s.TotalClaims != 6 {
		t.Fatalf("expected 6 claims, got %d", s.TotalClaims)
	}
	sum := 0
	for _, n := range s.ByStatus {
		sum += n
	}
	if sum != s.TotalClaims {
		t.Errorf("status counts sum to %d, total is %d", sum, s.TotalClaims)
	}
	if s.ByStatus[charge.ClaimPaid] != 1 || s.ByStatus[charge.ClaimSubmitted] != 1 || s.ByStatus[charge.ClaimRejected] != 1 {
		t.Errorf("unexpected status counts: %v", s.ByStatus)
	}
	if !s.TotalAmount.Equal(decimal.RequireFromString("600.00")) || !s.PaidAmount.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("unexpected amounts: total=%s paid=%s", s.TotalAmount, s.PaidAmount)
	}
	if s.AutomatedPayments != 1 || s.Outstanding != 1 {
		t.Errorf("expected 1 automated payment and 1 outstanding, got %d/%d", s.AutomatedPayments, s.Outstanding)
	}
	// denied and rejected charges carry follow-ups
	if s.FollowUps != 4 {
		t.Errorf("expected 4 follow-ups, got %d", s.FollowUps)
	}
}

func TestEmptyAnalytics(t *testing.T) {
	h := newHarness(t, Dependencies{})

	d, err := h.engine.DenialAnalytics(h.ctx)
	if err != nil || d.TotalDenials != 0 || d.AppealRate != 0 || d.ResubmissionRate != 0 {
		t.Errorf("unexpected empty denial summary: %+v (%v)", d, err)
	}
	s, err := h.engine.ClaimsAnalytics(h.ctx)
	if err != nil || s.TotalClaims != 0 || !s.TotalAmount.IsZero() {
		t.Errorf("unexpected empty claims summary: %+v (%v)", s, err)
	}
}

func TestPercentRounding(t *testing.T) {
	tests := []struct {
		n, total int
		want     float64
	}{
		{0, 0, 0},
		{1, 3, 33.3},
		{2, 3, 66.7},
		{1, 8, 12.5},
		{5, 5, 100},
	}
	for _, tt := range tests {
		if got := percent(tt.n, tt.total); got != tt.want {
			t.Errorf("percent(%d, %d) = %v, want %v", tt.n, tt.total, got, tt.want)
		}
	}
}

func TestGenerateClaimsReport(t *testing.T) {
	h := seedPortfolio(t)

	all, err := h.engine.GenerateClaimsReport(h.ctx, ReportFilter{})
	if err != nil {
		t.Fatalf("GenerateClaimsReport failed: %v", err)
	}
	if len(all.Rows) != 6 || all.Summary.TotalClaims != 6 {
		t.Fatalf("expected 6 rows, got %d", len(all.Rows))
	}
	if all.From != nil || all.To != nil {
		t.Error("open range should leave bounds unset")
	}

	radiology, err := h.engine.GenerateClaimsReport(h.ctx, ReportFilter{Department: "Radiology"})
	if err != nil {
		t.Fatalf("GenerateClaimsReport failed: %v", err)
	}
	if len(radiology.Rows) != 1 || radiology.Rows[0].ChargeID != "CHG-PAID" || radiology.Rows[0].PaidAmount == nil {
		t.Errorf("unexpected department report: %+v", radiology.Rows)
	}

	denied, err := h.engine.GenerateClaimsReport(h.ctx, ReportFilter{BillingStatus: charge.BillingDenied})
	if err != nil {
		t.Fatalf("GenerateClaimsReport failed: %v", err)
	}
	if len(denied.Rows) != 3 {
		t.Errorf("expected 3 denied rows, got %d", len(denied.Rows))
	}
	for _, row := range denied.Rows {
		if row.DenialCategory == "" {
			t.Errorf("denied row %s missing category", row.ChargeID)
		}
	}

	// CHG-RESUBMIT's corrected claim was submitted after the rest
	from := t0.Add(time.Second)
	late, err := h.engine.GenerateClaimsReport(h.ctx, ReportFilter{From: from})
	if err != nil {
		t.Fatalf("GenerateClaimsReport failed: %v", err)
	}
	if len(late.Rows) != 1 || late.Rows[0].ChargeID != "CHG-RESUBMIT" || late.Rows[0].ResubmissionCount != 1 {
		t.Errorf("unexpected ranged report: %+v", late.Rows)
	}
	if late.From == nil || !late.From.Equal(from) {
		t.Errorf("expected From bound %v, got %v", from, late.From)
	}

	early, err := h.engine.GenerateClaimsReport(h.ctx, ReportFilter{To: t0.Add(-time.Second)})
	if err != nil || len(early.Rows) != 0 {
		t.Errorf("expected empty report before any submission, got %d (%v)", len(early.Rows), err)
	}
}

func TestReportRejectsInvertedRange(t *testing.T) {
	h := newHarness(t, Dependencies{})
	_, err := h.engine.GenerateClaimsReport(h.ctx, ReportFilter{From: t0, To: t0.Add(-time.Hour)})
	if !errors.Is(err, charge.ErrInvalidCharge) {
		t.Errorf("expected ErrInvalidCharge, got %v", err)
	}
}
