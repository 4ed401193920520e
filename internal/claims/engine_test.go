package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/hospitalops/claimflow/internal/domain/charge"
	"github.com/hospitalops/claimflow/internal/observability/metrics"
	"github.com/hospitalops/claimflow/pkg/circuitbreaker"
	"github.com/hospitalops/claimflow/pkg/scheduler"
)

var t0 = time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)

type seqIDs struct {
	mu     sync.Mutex
	claims int
	refs   int
}

func (s *seqIDs) ChargeID() string { return "CHG-GEN" }

func (s *seqIDs) ClaimID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	return fmt.Sprintf("CLM-%d", s.claims)
}

func (s *seqIDs) Reference() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	return fmt.Sprintf("REF-%d", s.refs)
}

type eventLog struct {
	mu     sync.Mutex
	events []*charge.Event
}

func (l *eventLog) Publish(_ context.Context, events []*charge.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, events...)
	return nil
}

func (l *eventLog) ofType(t charge.EventType) []*charge.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*charge.Event
	for _, e := range l.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	engine  *Engine
	sched   *scheduler.Manual
	ledger  *charge.MemoryLedger
	events  *eventLog
	mu      sync.Mutex
	notices []Notice
}

func accept() Decider {
	return DecideFunc(func(context.Context, *charge.Charge) (Decision, error) {
		return Decision{Outcome: OutcomeAccepted}, nil
	})
}

func denyWith(code string) Decider {
	return DecideFunc(func(context.Context, *charge.Charge) (Decision, error) {
		return Decision{Outcome: OutcomeDenied, ReasonCode: code}, nil
	})
}

func approve(ok bool) AppealReviewer {
	return ReviewFunc(func(context.Context, *charge.Charge) (bool, error) { return ok, nil })
}

func newHarness(t *testing.T, deps Dependencies) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		sched:  scheduler.NewManual(t0),
		events: &eventLog{},
	}
	h.ledger = charge.NewMemoryLedger(h.events, nil)

	if deps.Decider == nil {
		deps.Decider = accept()
	}
	if deps.Reviewer == nil {
		deps.Reviewer = approve(false)
	}
	if deps.Payments == nil {
		deps.Payments = PostFunc(func(context.Context, *charge.Charge, string) error { return nil })
	}
	if deps.Notifier == nil {
		deps.Notifier = NotifyFunc(func(_ context.Context, n Notice) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.notices = append(h.notices, n)
			return nil
		})
	}
	if deps.IDs == nil {
		deps.IDs = &seqIDs{}
	}
	deps.Clock = h.sched
	deps.Metrics = metrics.New(prometheus.NewRegistry())

	engine, err := New(h.ledger, h.sched, deps, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.engine = engine
	return h
}

func details(amount string) charge.Details {
	return charge.Details{
		PatientID:         "P-1",
		Department:        "Cardiology",
		ServiceCode:       "SVC-ECHO",
		Description:       "Echocardiogram",
		Amount:            decimal.RequireFromString(amount),
		DiagnosisCode:     "I50.9",
		ProcedureCode:     "93306",
		InsurancePlanID:   "PLAN-1",
		InsuranceVerified: true,
	}
}

func (h *harness) create(id string, d charge.Details) {
	h.t.Helper()
	if _, err := h.engine.CreateCharge(h.ctx, id, d); err != nil {
		h.t.Fatalf("CreateCharge failed: %v", err)
	}
}

func (h *harness) get(id string) *charge.Charge {
	h.t.Helper()
	c, err := h.ledger.Get(h.ctx, id)
	if err != nil {
		h.t.Fatalf("Get failed: %v", err)
	}
	return c
}

func (h *harness) advance(d time.Duration) int {
	return h.sched.Advance(h.ctx, d)
}

// adjudicationWindow covers received, validated and decision delays.
const adjudicationWindow = 10 * time.Second

func TestHappyPathPaysAutomatically(t *testing.T) {
	h := newHarness(t, Dependencies{})
	h.create("CHG-1", details("150.00"))

	res, err := h.engine.SubmitClaim(h.ctx, "CHG-1")
	if err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	if res.Status != charge.ClaimSubmitted || res.Message != "Claim submitted to clearinghouse" || res.ClaimID != "CLM-1" {
		t.Errorf("unexpected submit result: %+v", res)
	}

	h.advance(2 * time.Second)
	if c := h.get("CHG-1"); c.Claim.Status != charge.ClaimProcessing || c.Claim.Message != "Claim received by clearinghouse" {
		t.Errorf("after 2s expected processing, got %s (%q)", c.Claim.Status, c.Claim.Message)
	}
	h.advance(3 * time.Second)
	if c := h.get("CHG-1"); c.Claim.Status != charge.ClaimValidated || c.Claim.Message != "Claim passed initial validation" {
		t.Errorf("after 5s expected validated, got %s (%q)", c.Claim.Status, c.Claim.Message)
	}
	h.advance(5 * time.Second)
	c := h.get("CHG-1")
	if c.Claim.Status != charge.ClaimAccepted || c.BillingStatus != charge.BillingPending {
		t.Fatalf("after 10s expected accepted/pending, got %s/%s", c.Claim.Status, c.BillingStatus)
	}

	posted, err := h.engine.PostPayments(h.ctx)
	if err != nil || posted != 1 {
		t.Fatalf("expected 1 payment posted, got %d (%v)", posted, err)
	}
	c = h.get("CHG-1")
	if !c.IsPaid() || c.Claim.Status != charge.ClaimPaid {
		t.Errorf("expected paid, got %s/%s", c.Claim.Status, c.BillingStatus)
	}
	if !c.Payment.Amount.Equal(decimal.RequireFromString("150.00")) || !c.Payment.Automated {
		t.Errorf("unexpected payment: %+v", c.Payment)
	}

	transitions := h.events.ofType(charge.EventClaimStatusChanged)
	want := []charge.ClaimStatus{charge.ClaimProcessing, charge.ClaimValidated, charge.ClaimAccepted, charge.ClaimPaid}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d status events, got %d", len(want), len(transitions))
	}
	if h.sched.Pending() != 0 {
		t.Errorf("expected no pending jobs, got %v", h.sched.PendingNames())
	}
}

func TestSubmitClaimRefusalsDoNotMutate(t *testing.T) {
	h := newHarness(t, Dependencies{})

	if _, err := h.engine.SubmitClaim(h.ctx, "missing"); !errors.Is(err, charge.ErrChargeNotFound) {
		t.Errorf("expected ErrChargeNotFound, got %v", err)
	}

	d := details("80.00")
	d.InsuranceVerified = false
	h.create("CHG-UNVERIFIED", d)
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-UNVERIFIED"); !errors.Is(err, charge.ErrInsuranceNotVerified) {
		t.Errorf("expected ErrInsuranceNotVerified, got %v", err)
	}

	d = details("80.00")
	d.ProcedureCode = ""
	h.create("CHG-NOCODES", d)
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-NOCODES"); !errors.Is(err, charge.ErrMissingCodes) {
		t.Errorf("expected ErrMissingCodes, got %v", err)
	}

	for _, id := range []string{"CHG-UNVERIFIED", "CHG-NOCODES"} {
		if c := h.get(id); c.Claim != nil || c.Version != 1 {
			t.Errorf("%s was mutated: %+v", id, c.Claim)
		}
	}
	if h.sched.Pending() != 0 {
		t.Error("refused submissions must not schedule stages")
	}

	h.create("CHG-OK", details("80.00"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-OK"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-OK"); !errors.Is(err, charge.ErrClaimAlreadySubmitted) {
		t.Errorf("expected ErrClaimAlreadySubmitted, got %v", err)
	}
}

func TestDenialAndResubmissionBound(t *testing.T) {
	h := newHarness(t, Dependencies{Decider: denyWith(charge.ReasonMedicalNecessity)})
	h.create("CHG-1", details("220.00"))

	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)

	c := h.get("CHG-1")
	if c.Claim.Status != charge.ClaimDenied || c.BillingStatus != charge.BillingDenied {
		t.Fatalf("expected denied, got %s/%s", c.Claim.Status, c.BillingStatus)
	}
	if c.Denial.Category != charge.CategoryMedicalNecessity || !c.Denial.CanResubmit || c.Denial.ResubmissionCount != 0 {
		t.Errorf("unexpected denial: %+v", c.Denial)
	}
	if !c.FollowUp.Scheduled || !c.FollowUp.DueAt.Equal(h.sched.Now().Add(72*time.Hour)) {
		t.Errorf("expected follow-up in 3 days, got %+v", c.FollowUp)
	}

	claimIDs := map[string]bool{c.Claim.ID: true}
	for i := 1; i <= 2; i++ {
		res, err := h.engine.ResubmitClaim(h.ctx, "CHG-1", "added necessity letter")
		if err != nil {
			t.Fatalf("resubmission %d failed: %v", i, err)
		}
		if claimIDs[res.ClaimID] {
			t.Errorf("resubmission %d reused claim id %s", i, res.ClaimID)
		}
		claimIDs[res.ClaimID] = true
		if res.ResubmissionCount != i || res.Message != "Corrected claim resubmitted to clearinghouse" {
			t.Errorf("unexpected resubmit result: %+v", res)
		}
		c = h.get("CHG-1")
		if c.Claim.Status != charge.ClaimSubmitted || c.BillingStatus != charge.BillingPending || c.FollowUp.Scheduled {
			t.Errorf("unexpected state after resubmission %d: %s/%s follow-up=%v", i, c.Claim.Status, c.BillingStatus, c.FollowUp.Scheduled)
		}
		h.advance(adjudicationWindow)
		if c = h.get("CHG-1"); c.Claim.Status != charge.ClaimDenied {
			t.Fatalf("expected denied again, got %s", c.Claim.Status)
		}
	}

	before := h.get("CHG-1")
	_, err := h.engine.ResubmitClaim(h.ctx, "CHG-1", "third try")
	if !errors.Is(err, charge.ErrResubmissionLimitExceeded) {
		t.Fatalf("expected ErrResubmissionLimitExceeded, got %v", err)
	}
	after := h.get("CHG-1")
	if after.Version != before.Version || after.Denial.ResubmissionCount != 2 || after.Denial.CanResubmit {
		t.Errorf("refused resubmission mutated the charge: %+v", after.Denial)
	}
	if len(h.events.ofType(charge.EventClaimResubmitted)) != 2 {
		t.Errorf("expected 2 resubmission events")
	}
}

func TestAppealApproval(t *testing.T) {
	h := newHarness(t, Dependencies{
		Decider:  denyWith(charge.ReasonMissingDocumentation),
		Reviewer: approve(true),
	})
	h.create("CHG-1", details("300.00"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)

	if _, err := h.engine.SubmitAppeal(h.ctx, "CHG-1", "", 4); !errors.Is(err, charge.ErrLevelExceeded) {
		t.Errorf("expected ErrLevelExceeded, got %v", err)
	}
	res, err := h.engine.SubmitAppeal(h.ctx, "CHG-1", "records attached", 1)
	if err != nil || !res.Accepted {
		t.Fatalf("SubmitAppeal failed: %v", err)
	}
	if _, err := h.engine.SubmitAppeal(h.ctx, "CHG-1", "", 2); !errors.Is(err, charge.ErrAppealAlreadyPending) {
		t.Errorf("expected ErrAppealAlreadyPending, got %v", err)
	}

	h.advance(9 * time.Second)
	if c := h.get("CHG-1"); c.Appeal.Status != charge.AppealSubmitted {
		t.Fatalf("appeal decided too early: %s", c.Appeal.Status)
	}
	h.advance(time.Second)

	c := h.get("CHG-1")
	if c.Appeal.Status != charge.AppealApproved || !c.IsPaid() || c.Claim.Status != charge.ClaimPaid {
		t.Fatalf("expected approved and paid, got appeal=%s billing=%s claim=%s", c.Appeal.Status, c.BillingStatus, c.Claim.Status)
	}
	if !c.Payment.Amount.Equal(c.Amount) || c.Payment.Automated {
		t.Errorf("unexpected payment: %+v", c.Payment)
	}
	if c.Claim.Message != "Appeal approved - payment authorized" {
		t.Errorf("unexpected message %q", c.Claim.Message)
	}
	if c.FollowUp.Scheduled {
		t.Error("payment should clear the follow-up")
	}
}

func TestAppealDenialUpholdsDecision(t *testing.T) {
	h := newHarness(t, Dependencies{
		Decider:  denyWith(charge.ReasonCodingError),
		Reviewer: approve(false),
	})
	h.create("CHG-1", details("120.00"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)
	if _, err := h.engine.SubmitAppeal(h.ctx, "CHG-1", "", 2); err != nil {
		t.Fatalf("SubmitAppeal failed: %v", err)
	}
	h.advance(10 * time.Second)

	c := h.get("CHG-1")
	if c.Appeal.Status != charge.AppealDenied || c.BillingStatus != charge.BillingDenied {
		t.Errorf("expected upheld denial, got appeal=%s billing=%s", c.Appeal.Status, c.BillingStatus)
	}
	if c.Claim.Message != "Appeal denied - original decision upheld" {
		t.Errorf("unexpected message %q", c.Claim.Message)
	}
	if _, err := h.engine.SubmitAppeal(h.ctx, "CHG-1", "", 3); !errors.Is(err, charge.ErrAppealAlreadyResolved) {
		t.Errorf("expected ErrAppealAlreadyResolved, got %v", err)
	}

	// A new denial after resubmission may be appealed again.
	if _, err := h.engine.ResubmitClaim(h.ctx, "CHG-1", "recoded"); err != nil {
		t.Fatalf("ResubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)
	if _, err := h.engine.SubmitAppeal(h.ctx, "CHG-1", "", 1); err != nil {
		t.Errorf("appeal of the new denial failed: %v", err)
	}
}

func TestResubmissionWithdrawsPendingAppeal(t *testing.T) {
	h := newHarness(t, Dependencies{
		Decider:  denyWith(charge.ReasonDuplicate),
		Reviewer: approve(true),
	})
	h.create("CHG-1", details("90.00"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)
	if _, err := h.engine.SubmitAppeal(h.ctx, "CHG-1", "", 1); err != nil {
		t.Fatalf("SubmitAppeal failed: %v", err)
	}
	if _, err := h.engine.ResubmitClaim(h.ctx, "CHG-1", "corrected"); err != nil {
		t.Fatalf("ResubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)

	c := h.get("CHG-1")
	if c.IsPaid() {
		t.Error("stale appeal review must not pay the resubmitted claim")
	}
	if c.Appeal.Status != charge.AppealWithdrawn || c.Appeal.ClaimID != "CLM-1" || c.Appeal.ResolvedAt == nil {
		t.Errorf("resubmission should withdraw the appeal on CLM-1: %+v", c.Appeal)
	}
	if c.HasPendingAppeal(c.Claim.ID) || c.HasPendingAppeal("CLM-1") {
		t.Error("no appeal should be pending after withdrawal")
	}
	resolved := h.events.ofType(charge.EventAppealResolved)
	if len(resolved) != 1 {
		t.Fatalf("expected one appeal resolution event, got %d", len(resolved))
	}
	var data charge.AppealData
	if err := json.Unmarshal(resolved[0].EventData, &data); err != nil || data.Status != charge.AppealWithdrawn {
		t.Errorf("expected withdrawn resolution, got %+v (%v)", data, err)
	}

	// the corrected claim was denied again and takes its own appeal
	if _, err := h.engine.SubmitAppeal(h.ctx, "CHG-1", "", 1); err != nil {
		t.Fatalf("appeal of the new denial failed: %v", err)
	}
	h.advance(DefaultConfig().AppealReviewDelay)
	if c = h.get("CHG-1"); !c.IsPaid() || c.Appeal.ClaimID != c.Claim.ID || c.Appeal.Status != charge.AppealApproved {
		t.Errorf("expected the new appeal to pay the charge: billing=%s appeal=%+v", c.BillingStatus, c.Appeal)
	}
}

func TestStaleStageTimerIsNoop(t *testing.T) {
	h := newHarness(t, Dependencies{})
	h.create("CHG-1", details("60.00"))

	first, err := h.engine.SubmitClaim(h.ctx, "CHG-1")
	if err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	second, err := h.engine.ResubmitClaim(h.ctx, "CHG-1", "wrong modifier")
	if err != nil {
		t.Fatalf("ResubmitClaim failed: %v", err)
	}
	if first.ClaimID == second.ClaimID {
		t.Fatal("resubmission must issue a new claim id")
	}

	if n := h.advance(2 * time.Second); n != 2 {
		t.Fatalf("expected both received timers to fire, ran %d", n)
	}
	c := h.get("CHG-1")
	if c.Claim.ID != second.ClaimID || c.Claim.Status != charge.ClaimProcessing {
		t.Fatalf("expected new claim processing, got %s %s", c.Claim.ID, c.Claim.Status)
	}
	want := []charge.ClaimStatus{charge.ClaimSubmitted, charge.ClaimProcessing}
	if len(c.Claim.History) != len(want) {
		t.Errorf("stale timer changed history: %v", c.Claim.History)
	}
	for _, e := range h.events.ofType(charge.EventClaimStatusChanged) {
		if e.ClaimID == first.ClaimID {
			t.Errorf("stale timer produced an event for %s", first.ClaimID)
		}
	}
	if errs := h.sched.Errors(); len(errs) != 0 {
		t.Errorf("stale timer should not fail: %v", errs)
	}
}

func TestDeciderErrorRetriesDecision(t *testing.T) {
	var calls int
	h := newHarness(t, Dependencies{Decider: DecideFunc(func(context.Context, *charge.Charge) (Decision, error) {
		calls++
		if calls == 1 {
			return Decision{}, errors.New("clearinghouse unavailable")
		}
		return Decision{Outcome: OutcomeAccepted}, nil
	})})
	h.create("CHG-1", details("45.00"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}

	h.advance(adjudicationWindow)
	if c := h.get("CHG-1"); c.Claim.Status != charge.ClaimValidated {
		t.Fatalf("failed decision should leave claim validated, got %s", c.Claim.Status)
	}
	h.advance(5 * time.Second)
	if c := h.get("CHG-1"); c.Claim.Status != charge.ClaimAccepted {
		t.Errorf("retried decision should accept, got %s", c.Claim.Status)
	}
}

func TestOpenBreakerDefersDecision(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("clearinghouse")
	cfg.ConsecutiveFailures = 1
	cfg.OpenFor = time.Hour
	breaker, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}

	var calls int
	h := newHarness(t, Dependencies{
		Breaker: breaker,
		Decider: DecideFunc(func(context.Context, *charge.Charge) (Decision, error) {
			calls++
			return Decision{}, errors.New("payer timeout")
		}),
	})
	h.create("CHG-1", details("45.00"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow + 15*time.Second)

	if calls != 1 {
		t.Errorf("open breaker should stop calls to the decider, got %d calls", calls)
	}
	if c := h.get("CHG-1"); c.Claim.Status != charge.ClaimValidated {
		t.Errorf("expected claim to wait in validated, got %s", c.Claim.Status)
	}
	if names := h.sched.PendingNames(); len(names) != 1 || names[0] != jobDecision {
		t.Errorf("expected a rescheduled decision, got %v", names)
	}
}

func TestUnknownDenialReasonIsDropped(t *testing.T) {
	h := newHarness(t, Dependencies{Decider: denyWith("CO-999")})
	h.create("CHG-1", details("45.00"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)

	if c := h.get("CHG-1"); c.Claim.Status != charge.ClaimValidated || c.Denial != nil {
		t.Errorf("invalid decision must not be applied: %s", c.Claim.Status)
	}
	errs := h.sched.Errors()
	if len(errs) != 1 || !errors.Is(errs[0], charge.ErrInvariant) {
		t.Errorf("expected invariant error, got %v", errs)
	}
}

func TestRejectionAllowsResubmission(t *testing.T) {
	h := newHarness(t, Dependencies{Decider: DecideFunc(func(context.Context, *charge.Charge) (Decision, error) {
		return Decision{Outcome: OutcomeRejected, Message: "Invalid member ID"}, nil
	})})
	h.create("CHG-1", details("45.00"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)

	c := h.get("CHG-1")
	if c.BillingStatus != charge.BillingRejected || c.Claim.Message != "Claim rejected: Invalid member ID" {
		t.Fatalf("unexpected rejection: %s %q", c.BillingStatus, c.Claim.Message)
	}
	if !c.FollowUp.DueAt.Equal(h.sched.Now().Add(24 * time.Hour)) {
		t.Errorf("expected rejection follow-up next day, got %v", c.FollowUp.DueAt)
	}
	if _, err := h.engine.SubmitAppeal(h.ctx, "CHG-1", "", 1); !errors.Is(err, charge.ErrNotDenied) {
		t.Errorf("rejections are not appealable, got %v", err)
	}
	if _, err := h.engine.ResubmitClaim(h.ctx, "CHG-1", "fixed member id"); err != nil {
		t.Errorf("ResubmitClaim failed: %v", err)
	}
}

func TestPaidChargeIsTerminal(t *testing.T) {
	h := newHarness(t, Dependencies{})
	h.create("CHG-1", details("150.00"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)
	if _, err := h.engine.PostPayments(h.ctx); err != nil {
		t.Fatalf("PostPayments failed: %v", err)
	}
	paid := h.get("CHG-1")

	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); !errors.Is(err, charge.ErrAlreadyPaid) {
		t.Errorf("expected ErrAlreadyPaid, got %v", err)
	}
	if _, err := h.engine.ResubmitClaim(h.ctx, "CHG-1", ""); !errors.Is(err, charge.ErrAlreadyPaid) {
		t.Errorf("expected ErrAlreadyPaid, got %v", err)
	}
	if _, err := h.engine.SubmitAppeal(h.ctx, "CHG-1", "", 1); !errors.Is(err, charge.ErrNotDenied) {
		t.Errorf("expected ErrNotDenied, got %v", err)
	}
	if n, _ := h.engine.PostPayments(h.ctx); n != 0 {
		t.Errorf("paid charge posted again")
	}
	if n, _ := h.engine.ScheduleFollowUps(h.ctx); n != 0 {
		t.Errorf("paid charge got a follow-up")
	}
	h.advance(30 * 24 * time.Hour)

	if after := h.get("CHG-1"); after.Version != paid.Version {
		t.Error("terminal charge was mutated")
	}
}

func TestPaymentFailureRetriesNextSweep(t *testing.T) {
	fail := true
	h := newHarness(t, Dependencies{Payments: PostFunc(func(context.Context, *charge.Charge, string) error {
		if fail {
			return ErrPaymentDeclined
		}
		return nil
	})})
	h.create("CHG-1", details("75.50"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)

	if n, err := h.engine.PostPayments(h.ctx); err != nil || n != 0 {
		t.Fatalf("expected failed sweep to post nothing, got %d (%v)", n, err)
	}
	if c := h.get("CHG-1"); c.Claim.Status != charge.ClaimAccepted || c.Payment != nil {
		t.Fatalf("failed posting should leave claim accepted")
	}

	fail = false
	if n, _ := h.engine.PostPayments(h.ctx); n != 1 {
		t.Errorf("expected retry to post, got %d", n)
	}
}

func TestOverlappingPaymentSweepsPostOnce(t *testing.T) {
	var mu sync.Mutex
	posts := map[string]int{}
	h := newHarness(t, Dependencies{Payments: PostFunc(func(_ context.Context, _ *charge.Charge, key string) error {
		mu.Lock()
		defer mu.Unlock()
		posts[key]++
		return nil
	})})
	for _, id := range []string{"CHG-1", "CHG-2", "CHG-3"} {
		h.create(id, details("80.00"))
		if _, err := h.engine.SubmitClaim(h.ctx, id); err != nil {
			t.Fatalf("SubmitClaim %s: %v", id, err)
		}
	}
	h.advance(adjudicationWindow)

	var wg sync.WaitGroup
	totals := make([]int, 4)
	for i := range totals {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := h.engine.PostPayments(h.ctx)
			if err != nil {
				t.Errorf("PostPayments: %v", err)
			}
			totals[i] = n
		}(i)
	}
	wg.Wait()

	sum := 0
	for _, n := range totals {
		sum += n
	}
	if sum != 3 {
		t.Errorf("expected 3 postings across sweeps, got %d", sum)
	}
	if len(posts) != 3 {
		t.Fatalf("expected 3 keys posted, got %v", posts)
	}
	for key, n := range posts {
		if n != 1 {
			t.Errorf("claim %s posted %d times", key, n)
		}
	}
}

func TestDenialFollowUpEscalates(t *testing.T) {
	h := newHarness(t, Dependencies{Decider: denyWith(charge.ReasonCoverageLimit)})
	h.create("CHG-1", details("500.00"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)

	h.advance(72*time.Hour - time.Second)
	if len(h.notices) != 0 {
		t.Fatal("escalated before due time")
	}
	h.advance(time.Second)
	if len(h.notices) != 1 {
		t.Fatalf("expected one escalation notice, got %d", len(h.notices))
	}
	n := h.notices[0]
	if n.ChargeID != "CHG-1" || n.Status != charge.ClaimDenied || n.Reason != "Denial follow-up" {
		t.Errorf("unexpected notice: %+v", n)
	}
	if n.InStatus != 72*time.Hour {
		t.Errorf("expected 72h in status, got %s", n.InStatus)
	}
	if want := "Claim CLM-1 denied for 3 days, consider escalation (Denial follow-up)"; n.Message != want {
		t.Errorf("unexpected message %q", n.Message)
	}
	c := h.get("CHG-1")
	if c.FollowUp.Scheduled || c.FollowUp.EscalatedAt == nil {
		t.Errorf("escalation should clear the flag: %+v", c.FollowUp)
	}

	// The charge stays denied with no activity; the sweep re-arms it.
	h.advance(7*24*time.Hour + time.Second)
	scheduled, err := h.engine.ScheduleFollowUps(h.ctx)
	if err != nil || scheduled != 1 {
		t.Fatalf("expected stale denial follow-up, got %d (%v)", scheduled, err)
	}
	c = h.get("CHG-1")
	if !c.FollowUp.Scheduled || !c.FollowUp.DueAt.Equal(h.sched.Now().Add(24*time.Hour)) {
		t.Errorf("expected follow-up due next day, got %+v", c.FollowUp)
	}
	if n, _ := h.engine.ScheduleFollowUps(h.ctx); n != 0 {
		t.Error("a scheduled follow-up must not be scheduled twice")
	}
	h.advance(24 * time.Hour)
	if len(h.notices) != 2 {
		t.Errorf("expected second escalation, got %d", len(h.notices))
	}
}

func TestFollowUpWatcherStaleAfterResubmission(t *testing.T) {
	h := newHarness(t, Dependencies{Decider: denyWith(charge.ReasonCoverageLimit)})
	h.create("CHG-1", details("500.00"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)
	h.engine.decider = accept()
	if _, err := h.engine.ResubmitClaim(h.ctx, "CHG-1", "secondary payer"); err != nil {
		t.Fatalf("ResubmitClaim failed: %v", err)
	}
	h.advance(4 * 24 * time.Hour)

	if len(h.notices) != 0 {
		t.Errorf("watcher of the replaced claim must not escalate: %+v", h.notices)
	}
}

func TestProcessingFollowUp(t *testing.T) {
	h := newHarness(t, Dependencies{})
	old := t0.Add(-4 * 24 * time.Hour)
	c, err := charge.New("CHG-STUCK", details("40.00"), old)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Submit("CLM-OLD", "REF", old); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := c.Advance("CLM-OLD", charge.ClaimSubmitted, charge.ClaimProcessing, msgReceived, old); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := h.ledger.Create(h.ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	n, err := h.engine.ScheduleFollowUps(h.ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected processing follow-up, got %d (%v)", n, err)
	}
	got := h.get("CHG-STUCK")
	if got.FollowUp.Reason != "Claim processing for more than 3 days" || got.FollowUp.TriggerStatus != charge.ClaimProcessing {
		t.Errorf("unexpected follow-up: %+v", got.FollowUp)
	}
	h.advance(24 * time.Hour)
	if len(h.notices) != 1 || h.notices[0].ClaimID != "CLM-OLD" {
		t.Fatalf("expected escalation for CLM-OLD, got %+v", h.notices)
	}
	want := "Claim CLM-OLD processing for 5 days, consider escalation (Claim processing for more than 3 days)"
	if h.notices[0].Message != want {
		t.Errorf("unexpected message %q", h.notices[0].Message)
	}
}

func TestRecoverRearmsInFlightWork(t *testing.T) {
	h := newHarness(t, Dependencies{Decider: denyWith(charge.ReasonMedicalNecessity), Reviewer: approve(true)})

	submitted, _ := charge.New("CHG-A", details("10.00"), t0)
	_ = submitted.Submit("CLM-A", "REF", t0)

	appealed, _ := charge.New("CHG-B", details("20.00"), t0)
	_ = appealed.Submit("CLM-B", "REF", t0)
	_ = appealed.Advance("CLM-B", charge.ClaimSubmitted, charge.ClaimProcessing, msgReceived, t0)
	_ = appealed.Advance("CLM-B", charge.ClaimProcessing, charge.ClaimValidated, msgValidated, t0)
	reason, _ := charge.LookupReason(charge.ReasonMedicalNecessity)
	_ = appealed.Deny("CLM-B", reason, 2, t0.Add(72*time.Hour), t0)
	_ = appealed.SubmitAppeal(1, "", t0)

	for _, c := range []*charge.Charge{submitted, appealed} {
		if err := h.ledger.Create(h.ctx, c); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	armed, err := h.engine.Recover(h.ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	// received for A; appeal review and follow-up watcher for B
	if armed != 3 {
		t.Errorf("expected 3 jobs armed, got %d", armed)
	}
	h.advance(adjudicationWindow)

	if c := h.get("CHG-A"); c.Claim.Status != charge.ClaimDenied {
		t.Errorf("recovered claim should complete adjudication, got %s", c.Claim.Status)
	}
	if c := h.get("CHG-B"); !c.IsPaid() {
		t.Errorf("recovered appeal should be decided, got %s", c.BillingStatus)
	}

	// Recovering twice is harmless.
	if _, err := h.engine.Recover(h.ctx); err != nil {
		t.Fatalf("second Recover failed: %v", err)
	}
	h.advance(adjudicationWindow)
	if c := h.get("CHG-A"); len(c.Claim.History) != 4 {
		t.Errorf("duplicate timers changed history: %v", c.Claim.History)
	}
}

func TestStartAutomatedProcessing(t *testing.T) {
	h := newHarness(t, Dependencies{})
	h.engine.cfg.PaymentInterval = 5 * time.Millisecond
	h.engine.cfg.FollowUpInterval = 5 * time.Millisecond

	h.create("CHG-1", details("150.00"))
	if _, err := h.engine.SubmitClaim(h.ctx, "CHG-1"); err != nil {
		t.Fatalf("SubmitClaim failed: %v", err)
	}
	h.advance(adjudicationWindow)

	h.engine.StartAutomatedProcessing()
	h.engine.StartAutomatedProcessing()
	defer h.engine.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c := h.get("CHG-1"); c.IsPaid() {
			h.engine.Stop()
			if len(h.events.ofType(charge.EventPaymentPosted)) != 1 {
				t.Error("expected exactly one payment event")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("payment sweep did not post the accepted claim")
}
