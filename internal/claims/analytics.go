package claims

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hospitalops/claimflow/internal/domain/charge"
)

// DenialSummary aggregates payer denials
type DenialSummary struct {
	TotalDenials     int                     `json:"total_denials"`
	ByCategory       map[charge.Category]int `json:"by_category"`
	ByReasonCode     map[string]int          `json:"by_reason_code"`
	Resubmitted      int                     `json:"resubmitted"`
	Appealed         int                     `json:"appealed"`
	ResubmissionRate float64                 `json:"resubmission_rate"`
	AppealRate       float64                 `json:"appeal_rate"`
}

// ClaimsSummary aggregates all submitted claims
type ClaimsSummary struct {
	TotalClaims       int                        `json:"total_claims"`
	ByStatus          map[charge.ClaimStatus]int `json:"by_status"`
	TotalAmount       decimal.Decimal            `json:"total_amount"`
	PaidAmount        decimal.Decimal            `json:"paid_amount"`
	AutomatedPayments int                        `json:"automated_payments"`
	FollowUps         int                        `json:"follow_ups"`
	Outstanding       int                        `json:"outstanding"`
}

// ReportFilter narrows a claims report. Zero fields match everything.
type ReportFilter struct {
	From          time.Time
	To            time.Time
	ClaimStatus   charge.ClaimStatus
	BillingStatus charge.BillingStatus
	Department    string
	PatientID     string
}

// ReportRow is one claim in a claims report
type ReportRow struct {
	ChargeID          string               `json:"charge_id"`
	ClaimID           string               `json:"claim_id"`
	PatientID         string               `json:"patient_id"`
	Department        string               `json:"department"`
	ServiceCode       string               `json:"service_code"`
	Amount            decimal.Decimal      `json:"amount"`
	ClaimStatus       charge.ClaimStatus   `json:"claim_status"`
	BillingStatus     charge.BillingStatus `json:"billing_status"`
	SubmittedAt       time.Time            `json:"submitted_at"`
	ResubmissionCount int                  `json:"resubmission_count"`
	DenialCategory    charge.Category      `json:"denial_category,omitempty"`
	Appealed          bool                 `json:"appealed"`
	PaidAmount        *decimal.Decimal     `json:"paid_amount,omitempty"`
}

// ClaimsReport is a date-ranged claims listing with its summary
type ClaimsReport struct {
	From        *time.Time    `json:"from,omitempty"`
	To          *time.Time    `json:"to,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
	Rows        []ReportRow   `json:"rows"`
	Summary     ClaimsSummary `json:"summary"`
}

// DenialAnalytics summarizes every payer denial in the charges' histories,
// including denials that a resubmission has since replaced. Rejections and
// corrections are not denials and are excluded.
func (e *Engine) DenialAnalytics(ctx context.Context) (*DenialSummary, error) {
	charges, err := e.ledger.List(ctx, charge.Filter{WithClaim: true})
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	return summarizeDenials(charges), nil
}

func summarizeDenials(charges []*charge.Charge) *DenialSummary {
	s := &DenialSummary{
		ByCategory:   make(map[charge.Category]int),
		ByReasonCode: make(map[string]int),
	}
	for _, c := range charges {
		for _, d := range c.DenialHistory {
			if d.Kind != charge.DenialKindDenial {
				continue
			}
			s.TotalDenials++
			s.ByCategory[d.Category]++
			s.ByReasonCode[d.ReasonCode]++
			if d.Resubmitted {
				s.Resubmitted++
			}
			if d.Appealed {
				s.Appealed++
			}
		}
	}
	s.ResubmissionRate = percent(s.Resubmitted, s.TotalDenials)
	s.AppealRate = percent(s.Appealed, s.TotalDenials)
	return s
}

// percent returns n/total as a percentage rounded to one decimal place
func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return decimal.NewFromInt(int64(n)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(total))).
		Round(1).
		InexactFloat64()
}

// ClaimsAnalytics summarizes every charge that carries a claim
func (e *Engine) ClaimsAnalytics(ctx context.Context) (*ClaimsSummary, error) {
	charges, err := e.ledger.List(ctx, charge.Filter{WithClaim: true})
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	return summarizeClaims(charges), nil
}

func summarizeClaims(charges []*charge.Charge) *ClaimsSummary {
	s := &ClaimsSummary{
		ByStatus:    make(map[charge.ClaimStatus]int),
		TotalAmount: decimal.Zero,
		PaidAmount:  decimal.Zero,
	}
	for _, c := range charges {
		if c.Claim == nil {
			continue
		}
		s.TotalClaims++
		s.ByStatus[c.Claim.Status]++
		s.TotalAmount = s.TotalAmount.Add(c.Amount)
		if c.Payment != nil {
			s.PaidAmount = s.PaidAmount.Add(c.Payment.Amount)
			if c.Payment.Automated {
				s.AutomatedPayments++
			}
		}
		if c.FollowUp.Scheduled {
			s.FollowUps++
		}
		if c.Claim.Status == charge.ClaimProcessing || c.Claim.Status == charge.ClaimSubmitted {
			s.Outstanding++
		}
	}
	return s
}

// GenerateClaimsReport lists claims submitted within [From, To] that match
// the filter, with a summary over the listed claims.
func (e *Engine) GenerateClaimsReport(ctx context.Context, f ReportFilter) (*ClaimsReport, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, fmt.Errorf("%w: report range ends before it starts", charge.ErrInvalidCharge)
	}

	filter := charge.Filter{
		WithClaim:     true,
		Department:    f.Department,
		PatientID:     f.PatientID,
		SubmittedFrom: f.From,
		SubmittedTo:   f.To,
	}
	if f.ClaimStatus != "" {
		filter.ClaimStatuses = []charge.ClaimStatus{f.ClaimStatus}
	}
	if f.BillingStatus != "" {
		filter.BillingStatuses = []charge.BillingStatus{f.BillingStatus}
	}

	charges, err := e.ledger.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}

	report := &ClaimsReport{
		GeneratedAt: e.now(),
		Rows:        make([]ReportRow, 0, len(charges)),
		Summary:     *summarizeClaims(charges),
	}
	if !f.From.IsZero() {
		from := f.From.UTC()
		report.From = &from
	}
	if !f.To.IsZero() {
		to := f.To.UTC()
		report.To = &to
	}
	for _, c := range charges {
		row := ReportRow{
			ChargeID:      c.ID,
			ClaimID:       c.Claim.ID,
			PatientID:     c.PatientID,
			Department:    c.Department,
			ServiceCode:   c.ServiceCode,
			Amount:        c.Amount,
			ClaimStatus:   c.Claim.Status,
			BillingStatus: c.BillingStatus,
			SubmittedAt:   c.Claim.SubmittedAt,
			Appealed:      c.Appeal != nil && c.Appeal.Status != charge.AppealWithdrawn,
		}
		if c.Denial != nil {
			row.ResubmissionCount = c.Denial.ResubmissionCount
			if c.Denial.Kind == charge.DenialKindDenial {
				row.DenialCategory = c.Denial.Category
			}
		}
		if c.Payment != nil {
			paid := c.Payment.Amount
			row.PaidAmount = &paid
		}
		report.Rows = append(report.Rows, row)
	}
	return report, nil
}
