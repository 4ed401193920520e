// Package charge implements the charge aggregate and its claim lifecycle.
package charge

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BillingStatus represents the billing state of a charge
type BillingStatus string

const (
	BillingPending  BillingStatus = "pending"
	BillingPaid     BillingStatus = "paid"
	BillingDenied   BillingStatus = "denied"
	BillingRejected BillingStatus = "rejected"
)

// ClaimStatus represents the adjudication state of a claim
type ClaimStatus string

const (
	ClaimSubmitted  ClaimStatus = "submitted"
	ClaimProcessing ClaimStatus = "processing"
	ClaimValidated  ClaimStatus = "validated"
	ClaimAccepted   ClaimStatus = "accepted"
	ClaimDenied     ClaimStatus = "denied"
	ClaimRejected   ClaimStatus = "rejected"
	ClaimPaid       ClaimStatus = "paid"
)

var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimSubmitted:  {ClaimProcessing},
	ClaimProcessing: {ClaimValidated},
	ClaimValidated:  {ClaimAccepted, ClaimDenied, ClaimRejected},
	ClaimAccepted:   {ClaimPaid},
	ClaimDenied:     {ClaimPaid},
}

// CanTransitionTo reports whether a claim may move from s to next.
func (s ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	for _, allowed := range claimTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DenialKind distinguishes payer denials from technical rejections and
// corrections filed against an in-flight claim.
type DenialKind string

const (
	DenialKindDenial     DenialKind = "denial"
	DenialKindRejection  DenialKind = "rejection"
	DenialKindCorrection DenialKind = "correction"
)

// AppealStatus represents the state of an appeal
type AppealStatus string

const (
	AppealSubmitted AppealStatus = "submitted"
	AppealApproved  AppealStatus = "approved"
	AppealDenied    AppealStatus = "denied"
	// AppealWithdrawn closes an appeal whose claim was replaced by a
	// resubmission before the payer decided it
	AppealWithdrawn AppealStatus = "withdrawn"
)

// MaxAppealLevel is the highest appeal tier a payer accepts.
const MaxAppealLevel = 3

// Claim is the active claim sub-record of a charge
type Claim struct {
	ID               string        `json:"id"`
	Status           ClaimStatus   `json:"status"`
	Message          string        `json:"message"`
	StatusUpdatedAt  time.Time     `json:"status_updated_at"`
	SubmittedAt      time.Time     `json:"submitted_at"`
	ClearinghouseRef string        `json:"clearinghouse_ref"`
	History          []ClaimStatus `json:"history"`
}

// Denial tracks the denial and resubmission state of a charge
type Denial struct {
	Kind              DenialKind `json:"kind"`
	ReasonCode        string     `json:"reason_code,omitempty"`
	ReasonText        string     `json:"reason_text"`
	Category          Category   `json:"category"`
	RecommendedAction string     `json:"recommended_action"`
	ResubmissionCount int        `json:"resubmission_count"`
	MaxResubmissions  int        `json:"max_resubmissions"`
	CanResubmit       bool       `json:"can_resubmit"`
	CorrectionNotes   string     `json:"correction_notes,omitempty"`
	ClaimID           string     `json:"claim_id"`
	RecordedAt        time.Time  `json:"recorded_at"`
	// Resubmitted and Appealed are set on history entries only
	Resubmitted bool `json:"resubmitted,omitempty"`
	Appealed    bool `json:"appealed,omitempty"`
}

// Appeal is the appeal sub-record of a charge
type Appeal struct {
	Status      AppealStatus `json:"status"`
	Level       int          `json:"level"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Notes       string       `json:"notes,omitempty"`
	ClaimID     string       `json:"claim_id"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// Payment is the payment sub-record of a charge
type Payment struct {
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    time.Time       `json:"paid_at"`
	Automated bool            `json:"automated"`
}

// FollowUp is the follow-up sub-record of a charge
type FollowUp struct {
	Scheduled         bool        `json:"scheduled"`
	DueAt             *time.Time  `json:"due_at,omitempty"`
	Reason            string      `json:"reason,omitempty"`
	ClaimID           string      `json:"claim_id,omitempty"`
	TriggerStatus     ClaimStatus `json:"trigger_status,omitempty"`
	EscalatedAt       *time.Time  `json:"escalated_at,omitempty"`
	EscalationMessage string      `json:"escalation_message,omitempty"`
}

// Details holds the fields supplied by the collaborator that creates a charge.
type Details struct {
	PatientID         string          `json:"patient_id"`
	Department        string          `json:"department"`
	ServiceCode       string          `json:"service_code"`
	Description       string          `json:"description"`
	Amount            decimal.Decimal `json:"amount"`
	DiagnosisCode     string          `json:"diagnosis_code"`
	ProcedureCode     string          `json:"procedure_code"`
	InsurancePlanID   string          `json:"insurance_plan_id"`
	TPAID             string          `json:"tpa_id,omitempty"`
	InsuranceVerified bool            `json:"insurance_verified"`
	CoverageAmount    decimal.Decimal `json:"coverage_amount"`
	TPAProcessed      bool            `json:"tpa_processed"`
	TPAAdjustment     decimal.Decimal `json:"tpa_adjustment"`
}

// Validate checks the collaborator-supplied fields.
func (d Details) Validate() error {
	if strings.TrimSpace(d.PatientID) == "" {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidCharge)
	}
	if d.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must be non-negative", ErrInvalidCharge)
	}
	return nil
}

// Charge is the aggregate root of the claims lifecycle
type Charge struct {
	ID string `json:"id"`
	Details
	BillingStatus BillingStatus `json:"billing_status"`
	Claim         *Claim        `json:"claim,omitempty"`
	Denial        *Denial       `json:"denial,omitempty"`
	// DenialHistory keeps every denial, rejection and correction of the
	// charge in order; later cycles never overwrite earlier entries
	DenialHistory []Denial  `json:"denial_history,omitempty"`
	Appeal        *Appeal   `json:"appeal,omitempty"`
	Payment       *Payment  `json:"payment,omitempty"`
	FollowUp      FollowUp  `json:"follow_up"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	changes []*Event
}

// New creates a pending charge from collaborator details
func New(id string, d Details, now time.Time) (*Charge, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidCharge)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	c := &Charge{
		ID:            id,
		Details:       d,
		BillingStatus: BillingPending,
		CreatedAt:     now.UTC(),
	}
	return c, c.record(EventChargeCreated, "", &ChargeCreatedData{
		PatientID:   d.PatientID,
		Department:  d.Department,
		ServiceCode: d.ServiceCode,
		Amount:      d.Amount,
	}, now)
}

// Changes returns uncommitted events
func (c *Charge) Changes() []*Event { return c.changes }

// ClearChanges clears uncommitted events
func (c *Charge) ClearChanges() { c.changes = nil }

// ClaimID returns the active claim id, or "" when none was submitted.
func (c *Charge) ClaimID() string {
	if c.Claim == nil {
		return ""
	}
	return c.Claim.ID
}

// ClaimStatus returns the active claim status, or "" when none was submitted.
func (c *Charge) ClaimStatus() ClaimStatus {
	if c.Claim == nil {
		return ""
	}
	return c.Claim.Status
}

// IsPaid reports whether the charge reached the terminal paid state.
func (c *Charge) IsPaid() bool { return c.BillingStatus == BillingPaid }

// Submit opens the first claim of the charge
func (c *Charge) Submit(claimID, clearinghouseRef string, now time.Time) error {
	if c.IsPaid() {
		return ErrAlreadyPaid
	}
	if c.Claim != nil {
		return ErrClaimAlreadySubmitted
	}
	if !c.InsuranceVerified {
		return ErrInsuranceNotVerified
	}
	if strings.TrimSpace(c.DiagnosisCode) == "" || strings.TrimSpace(c.ProcedureCode) == "" {
		return ErrMissingCodes
	}

	c.openClaim(claimID, clearinghouseRef, "Claim submitted to clearinghouse", now)
	return c.record(EventClaimSubmitted, claimID, &ClaimSubmittedData{
		ClaimID:          claimID,
		ClearinghouseRef: clearinghouseRef,
	}, now)
}

func (c *Charge) openClaim(claimID, clearinghouseRef, message string, now time.Time) {
	now = now.UTC()
	c.Claim = &Claim{
		ID:               claimID,
		Status:           ClaimSubmitted,
		Message:          message,
		StatusUpdatedAt:  now,
		SubmittedAt:      now,
		ClearinghouseRef: clearinghouseRef,
		History:          []ClaimStatus{ClaimSubmitted},
	}
	c.BillingStatus = BillingPending
}

// Advance moves the claim identified by claimID from one stage to the next.
// It returns ErrStaleTransition when the charge no longer carries that claim
// in the expected status.
func (c *Charge) Advance(claimID string, from, to ClaimStatus, message string, now time.Time) error {
	if err := c.expectClaim(claimID, from); err != nil {
		return err
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvariant, from, to)
	}
	c.setClaimStatus(to, message, now)
	return c.record(EventClaimStatusChanged, claimID, &StatusChangedData{
		ClaimID: claimID,
		From:    from,
		To:      to,
		Message: message,
	}, now)
}

func (c *Charge) expectClaim(claimID string, status ClaimStatus) error {
	if c.Claim == nil || c.Claim.ID != claimID || c.Claim.Status != status {
		return ErrStaleTransition
	}
	return nil
}

func (c *Charge) setClaimStatus(status ClaimStatus, message string, now time.Time) {
	c.Claim.Status = status
	c.Claim.Message = message
	c.Claim.StatusUpdatedAt = now.UTC()
	c.Claim.History = append(c.Claim.History, status)
}

// Accept records a payer acceptance of a validated claim
func (c *Charge) Accept(claimID string, now time.Time) error {
	return c.Advance(claimID, ClaimValidated, ClaimAccepted, "Claim accepted by payer", now)
}

// Deny records a payer denial drawn from the taxonomy and schedules the
// denial follow-up.
func (c *Charge) Deny(claimID string, reason Reason, maxResubmissions int, followUpDue time.Time, now time.Time) error {
	message := "Claim denied: " + reason.Text
	if err := c.Advance(claimID, ClaimValidated, ClaimDenied, message, now); err != nil {
		return err
	}
	c.BillingStatus = BillingDenied
	c.Denial = c.nextDenial(DenialKindDenial, maxResubmissions, now)
	c.Denial.ReasonCode = reason.Code
	c.Denial.ReasonText = reason.Text
	c.Denial.Category = reason.Category
	c.Denial.RecommendedAction = reason.RecommendedAction
	c.DenialHistory = append(c.DenialHistory, *c.Denial)

	if err := c.recordDenial(EventClaimDenied); err != nil {
		return err
	}
	return c.setFollowUp(followUpDue, "Denial follow-up", now)
}

// Reject records a technical rejection of a validated claim
func (c *Charge) Reject(claimID, message string, maxResubmissions int, followUpDue time.Time, now time.Time) error {
	if err := c.Advance(claimID, ClaimValidated, ClaimRejected, "Claim rejected: "+message, now); err != nil {
		return err
	}
	c.BillingStatus = BillingRejected
	c.Denial = c.nextDenial(DenialKindRejection, maxResubmissions, now)
	c.Denial.ReasonText = message
	c.Denial.Category = CategoryTechnical
	c.Denial.RecommendedAction = "Correct submission errors and resubmit"
	c.DenialHistory = append(c.DenialHistory, *c.Denial)

	if err := c.recordDenial(EventClaimRejected); err != nil {
		return err
	}
	return c.setFollowUp(followUpDue, "Rejection follow-up", now)
}

// nextDenial builds a denial record for the current claim, carrying the
// resubmission count of earlier cycles forward.
func (c *Charge) nextDenial(kind DenialKind, maxResubmissions int, now time.Time) *Denial {
	d := &Denial{
		Kind:             kind,
		MaxResubmissions: maxResubmissions,
		ClaimID:          c.Claim.ID,
		RecordedAt:       now.UTC(),
	}
	if c.Denial != nil {
		d.ResubmissionCount = c.Denial.ResubmissionCount
		d.MaxResubmissions = c.Denial.MaxResubmissions
		d.CorrectionNotes = c.Denial.CorrectionNotes
	}
	d.CanResubmit = d.ResubmissionCount < d.MaxResubmissions
	return d
}

// historyFor returns the latest history entry recorded against claimID
func (c *Charge) historyFor(claimID string) *Denial {
	for i := len(c.DenialHistory) - 1; i >= 0; i-- {
		if c.DenialHistory[i].ClaimID == claimID {
			return &c.DenialHistory[i]
		}
	}
	return nil
}

func (c *Charge) recordDenial(eventType EventType) error {
	return c.record(eventType, c.Claim.ID, &ClaimDeniedData{
		ClaimID:           c.Claim.ID,
		Kind:              c.Denial.Kind,
		ReasonCode:        c.Denial.ReasonCode,
		Category:          c.Denial.Category,
		ResubmissionCount: c.Denial.ResubmissionCount,
		CanResubmit:       c.Denial.CanResubmit,
	}, c.Denial.RecordedAt)
}

// Resubmit replaces the active claim with a corrected one. The charge is left
// untouched when the resubmission is refused.
func (c *Charge) Resubmit(claimID, clearinghouseRef, notes string, maxResubmissions int, now time.Time) error {
	if c.IsPaid() {
		return ErrAlreadyPaid
	}
	if c.Claim == nil || c.Claim.Status == ClaimAccepted {
		return ErrNotResubmittable
	}

	var denial Denial
	correction := c.Denial == nil
	if !correction {
		denial = *c.Denial
	} else {
		denial = Denial{
			Kind:             DenialKindCorrection,
			ReasonText:       "Corrected claim filed before adjudication",
			Category:         CategoryCorrection,
			MaxResubmissions: maxResubmissions,
			CanResubmit:      true,
			ClaimID:          c.Claim.ID,
			RecordedAt:       now.UTC(),
		}
	}
	if !denial.CanResubmit || denial.ResubmissionCount >= denial.MaxResubmissions {
		return ErrResubmissionLimitExceeded
	}

	previous := c.Claim.ID
	if err := c.withdrawAppeal(previous, now); err != nil {
		return err
	}
	denial.ResubmissionCount++
	denial.CanResubmit = denial.ResubmissionCount < denial.MaxResubmissions
	denial.CorrectionNotes = notes
	c.Denial = &denial
	if correction {
		entry := denial
		entry.Resubmitted = true
		c.DenialHistory = append(c.DenialHistory, entry)
	} else if h := c.historyFor(previous); h != nil {
		h.Resubmitted = true
	}
	c.FollowUp = FollowUp{}
	c.openClaim(claimID, clearinghouseRef, "Corrected claim resubmitted to clearinghouse", now)

	return c.record(EventClaimResubmitted, claimID, &ClaimResubmittedData{
		PreviousClaimID:   previous,
		ClaimID:           claimID,
		ResubmissionCount: denial.ResubmissionCount,
		CorrectionNotes:   notes,
	}, now)
}

// withdrawAppeal closes an undecided appeal on claimID
func (c *Charge) withdrawAppeal(claimID string, now time.Time) error {
	if c.Appeal == nil || c.Appeal.ClaimID != claimID || c.Appeal.Status != AppealSubmitted {
		return nil
	}
	resolvedAt := now.UTC()
	c.Appeal.Status = AppealWithdrawn
	c.Appeal.ResolvedAt = &resolvedAt
	c.Appeal.Message = "Appeal withdrawn - claim resubmitted"
	return c.record(EventAppealResolved, claimID, &AppealData{
		ClaimID: claimID,
		Level:   c.Appeal.Level,
		Status:  AppealWithdrawn,
		Message: c.Appeal.Message,
	}, now)
}

// SubmitAppeal files the single appeal allowed for the current denial
func (c *Charge) SubmitAppeal(level int, notes string, now time.Time) error {
	if c.BillingStatus != BillingDenied || c.Claim == nil {
		return ErrNotDenied
	}
	if level < 1 {
		return ErrInvalidAppealLevel
	}
	if level > MaxAppealLevel {
		return ErrLevelExceeded
	}
	if c.Appeal != nil && c.Appeal.ClaimID == c.Claim.ID {
		if c.Appeal.Status == AppealSubmitted {
			return ErrAppealAlreadyPending
		}
		return ErrAppealAlreadyResolved
	}

	c.Appeal = &Appeal{
		Status:      AppealSubmitted,
		Level:       level,
		SubmittedAt: now.UTC(),
		Notes:       notes,
		ClaimID:     c.Claim.ID,
	}
	if h := c.historyFor(c.Claim.ID); h != nil {
		h.Appealed = true
	}
	return c.record(EventAppealSubmitted, c.Claim.ID, &AppealData{
		ClaimID: c.Claim.ID,
		Level:   level,
		Status:  AppealSubmitted,
	}, now)
}

// HasPendingAppeal reports whether claimID is denied with an undecided appeal.
func (c *Charge) HasPendingAppeal(claimID string) bool {
	return c.BillingStatus == BillingDenied &&
		c.expectClaim(claimID, ClaimDenied) == nil &&
		c.Appeal != nil &&
		c.Appeal.ClaimID == claimID &&
		c.Appeal.Status == AppealSubmitted
}

// ResolveAppeal records the payer's appeal decision for claimID
func (c *Charge) ResolveAppeal(claimID string, approved bool, now time.Time) error {
	if !c.HasPendingAppeal(claimID) {
		return ErrStaleTransition
	}

	resolvedAt := now.UTC()
	c.Appeal.ResolvedAt = &resolvedAt
	if approved {
		c.Appeal.Status = AppealApproved
		c.Appeal.Message = "Appeal approved - payment authorized"
		if err := c.Advance(claimID, ClaimDenied, ClaimPaid, c.Appeal.Message, now); err != nil {
			return err
		}
		c.markPaid(false, now)
	} else {
		c.Appeal.Status = AppealDenied
		c.Appeal.Message = "Appeal denied - original decision upheld"
		c.Claim.Message = c.Appeal.Message
		c.Claim.StatusUpdatedAt = resolvedAt
	}

	return c.record(EventAppealResolved, claimID, &AppealData{
		ClaimID: claimID,
		Level:   c.Appeal.Level,
		Status:  c.Appeal.Status,
		Message: c.Appeal.Message,
	}, now)
}

// AwaitingPayment reports whether the claim is accepted and not yet paid.
func (c *Charge) AwaitingPayment() bool {
	return c.Claim != nil && c.Claim.Status == ClaimAccepted && c.Payment == nil && !c.IsPaid()
}

// PostPayment records payment of an accepted claim
func (c *Charge) PostPayment(claimID string, automated bool, now time.Time) error {
	if c.ClaimID() != claimID || !c.AwaitingPayment() {
		return ErrStaleTransition
	}
	if err := c.Advance(claimID, ClaimAccepted, ClaimPaid, "Payment posted", now); err != nil {
		return err
	}
	c.markPaid(automated, now)
	return c.record(EventPaymentPosted, claimID, &PaymentPostedData{
		ClaimID:   claimID,
		Amount:    c.Payment.Amount,
		Automated: automated,
	}, now)
}

func (c *Charge) markPaid(automated bool, now time.Time) {
	c.BillingStatus = BillingPaid
	c.Payment = &Payment{
		Amount:    c.Amount,
		PaidAt:    now.UTC(),
		Automated: automated,
	}
	c.FollowUp = FollowUp{}
}

// ScheduleFollowUp arms a follow-up on claimID unless one is already scheduled
func (c *Charge) ScheduleFollowUp(claimID string, due time.Time, reason string, now time.Time) error {
	if c.ClaimID() != claimID || c.FollowUp.Scheduled || c.IsPaid() {
		return ErrStaleTransition
	}
	return c.setFollowUp(due, reason, now)
}

func (c *Charge) setFollowUp(due time.Time, reason string, now time.Time) error {
	due = due.UTC()
	c.FollowUp = FollowUp{
		Scheduled:     true,
		DueAt:         &due,
		Reason:        reason,
		ClaimID:       c.Claim.ID,
		TriggerStatus: c.Claim.Status,
	}
	return c.record(EventFollowUpScheduled, c.Claim.ID, &FollowUpData{
		ClaimID:       c.Claim.ID,
		DueAt:         due,
		Reason:        reason,
		TriggerStatus: c.Claim.Status,
	}, now)
}

// FollowUpStillDue reports whether the follow-up armed for claimID is still
// relevant: the claim has not moved since the follow-up was scheduled.
func (c *Charge) FollowUpStillDue(claimID string) bool {
	return c.FollowUp.Scheduled &&
		c.FollowUp.ClaimID == claimID &&
		c.expectClaim(claimID, c.FollowUp.TriggerStatus) == nil
}

// EscalateFollowUp records an escalation notice and clears the follow-up so
// a later sweep can arm a new one.
func (c *Charge) EscalateFollowUp(claimID, message string, now time.Time) error {
	if !c.FollowUpStillDue(claimID) {
		return ErrStaleTransition
	}
	escalatedAt := now.UTC()
	data := &FollowUpData{
		ClaimID:       claimID,
		DueAt:         *c.FollowUp.DueAt,
		Reason:        c.FollowUp.Reason,
		TriggerStatus: c.FollowUp.TriggerStatus,
		Message:       message,
	}
	c.FollowUp.Scheduled = false
	c.FollowUp.DueAt = nil
	c.FollowUp.EscalatedAt = &escalatedAt
	c.FollowUp.EscalationMessage = message
	return c.record(EventFollowUpEscalated, claimID, data, now)
}

// record appends an uncommitted event and bumps the aggregate version
func (c *Charge) record(eventType EventType, claimID string, data interface{}, now time.Time) error {
	event, err := NewEvent(c.ID, claimID, eventType, data, now)
	if err != nil {
		return fmt.Errorf("build %s event: %w", eventType, err)
	}
	c.Version++
	event.Version = c.Version
	c.UpdatedAt = now.UTC()
	c.changes = append(c.changes, event)
	return nil
}

// Clone returns a deep copy of the charge without uncommitted events
func (c *Charge) Clone() *Charge {
	out := *c
	out.changes = nil
	if c.Claim != nil {
		claim := *c.Claim
		claim.History = append([]ClaimStatus(nil), c.Claim.History...)
		out.Claim = &claim
	}
	if c.Denial != nil {
		denial := *c.Denial
		out.Denial = &denial
	}
	out.DenialHistory = append([]Denial(nil), c.DenialHistory...)
	if c.Appeal != nil {
		appeal := *c.Appeal
		appeal.ResolvedAt = copyTime(c.Appeal.ResolvedAt)
		out.Appeal = &appeal
	}
	if c.Payment != nil {
		payment := *c.Payment
		out.Payment = &payment
	}
	out.FollowUp.DueAt = copyTime(c.FollowUp.DueAt)
	out.FollowUp.EscalatedAt = copyTime(c.FollowUp.EscalatedAt)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
