package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hospitalops/claimflow/internal/domain/charge"
	"github.com/hospitalops/claimflow/internal/infrastructure/redpanda"
	"github.com/hospitalops/claimflow/pkg/idempotency"
)

type fakeCreator struct {
	created map[string]charge.Details
	err     error
}

func (f *fakeCreator) CreateCharge(_ context.Context, id string, d charge.Details) (*charge.Charge, error) {
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.created[id]; ok {
		return nil, fmt.Errorf("create charge %s: %w", id, charge.ErrDuplicateCharge)
	}
	f.created[id] = d
	return &charge.Charge{ID: id, Details: d}, nil
}

// memoryInbox mimics the inbox contract: finished keys replay their result
type memoryInbox struct {
	results map[string]json.RawMessage
	failed  map[string]bool
}

func (m *memoryInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	if m.failed[key] {
		return nil, idempotency.ErrPreviouslyFailed
	}
	if r, ok := m.results[key]; ok {
		return &idempotency.ProcessResult{Result: r}, nil
	}
	r, err := fn(ctx, payload)
	if err != nil {
		if IsTerminal(err) {
			m.failed[key] = true
		}
		return nil, err
	}
	m.results[key] = r
	return &idempotency.ProcessResult{IsNew: true, Result: r}, nil
}

func message(t *testing.T, mutate func(*Message)) *redpanda.ConsumedMessage {
	t.Helper()
	m := Message{
		SourceSystem: "epic",
		SourceRef:    "ENC-42",
		ServiceDate:  time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Details: charge.Details{
			PatientID:         "P-9",
			Department:        "Cardiology",
			ServiceCode:       "SVC-ECHO",
			Amount:            decimal.RequireFromString("150.00"),
			DiagnosisCode:     "I50.9",
			ProcedureCode:     "93306",
			InsuranceVerified: true,
		},
	}
	if mutate != nil {
		mutate(&m)
	}
	value, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicChargeIntake, Value: value}
}

func TestMessageJSONIsFlat(t *testing.T) {
	raw := message(t, nil).Value
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"source_system", "source_ref", "service_date", "patient_id", "amount"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("missing top-level field %s", key)
		}
	}
}

func TestHandleCreatesOncePerCapture(t *testing.T) {
	creator := &fakeCreator{created: map[string]charge.Details{}}
	inbox := &memoryInbox{results: map[string]json.RawMessage{}, failed: map[string]bool{}}
	h := NewHandler(creator, inbox, nil)

	msg := message(t, nil)
	for i := 0; i < 3; i++ {
		if err := h.Handle(context.Background(), msg); err != nil {
			t.Fatalf("delivery %d failed: %v", i, err)
		}
	}
	if len(creator.created) != 1 {
		t.Fatalf("expected one charge, got %d", len(creator.created))
	}
	for id, d := range creator.created {
		if !strings.HasPrefix(id, "CHG-") || d.PatientID != "P-9" {
			t.Errorf("unexpected charge %s: %+v", id, d)
		}
	}
}

func TestHandleWithoutInboxUsesDerivedID(t *testing.T) {
	creator := &fakeCreator{created: map[string]charge.Details{}}
	h := NewHandler(creator, nil, nil)

	msg := message(t, nil)
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("redelivery should be absorbed, got %v", err)
	}
	if len(creator.created) != 1 {
		t.Errorf("expected one charge, got %d", len(creator.created))
	}

	explicit := message(t, func(m *Message) { m.ChargeID = "CHG-EXPLICIT" })
	if err := h.Handle(context.Background(), explicit); err != nil {
		t.Fatalf("explicit id failed: %v", err)
	}
	if _, ok := creator.created["CHG-EXPLICIT"]; !ok {
		t.Error("explicit charge id not used")
	}
}

func TestHandleSkipsBadMessages(t *testing.T) {
	creator := &fakeCreator{created: map[string]charge.Details{}}
	h := NewHandler(creator, nil, nil)

	bad := []*redpanda.ConsumedMessage{
		{Value: []byte("{not json")},
		message(t, func(m *Message) { m.SourceRef = "" }),
		message(t, func(m *Message) { m.ServiceDate = time.Time{} }),
		message(t, func(m *Message) { m.Amount = decimal.NewFromInt(-1) }),
	}
	for i, msg := range bad {
		if err := h.Handle(context.Background(), msg); err != nil {
			t.Errorf("bad message %d should be skipped, got %v", i, err)
		}
	}
	if len(creator.created) != 0 {
		t.Errorf("bad messages created charges: %v", creator.created)
	}
}

func TestHandleRetriesTransientFailures(t *testing.T) {
	creator := &fakeCreator{created: map[string]charge.Details{}, err: errors.New("connection reset")}
	inbox := &memoryInbox{results: map[string]json.RawMessage{}, failed: map[string]bool{}}
	h := NewHandler(creator, inbox, nil)

	msg := message(t, nil)
	if err := h.Handle(context.Background(), msg); err == nil {
		t.Fatal("transient failure should be returned for redelivery")
	}

	creator.err = nil
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if len(creator.created) != 1 {
		t.Errorf("expected charge after redelivery")
	}
}

func TestHandleDropsTerminalFailures(t *testing.T) {
	creator := &fakeCreator{created: map[string]charge.Details{}, err: charge.ErrInvalidCharge}
	inbox := &memoryInbox{results: map[string]json.RawMessage{}, failed: map[string]bool{}}
	h := NewHandler(creator, inbox, nil)

	msg := message(t, nil)
	for i := 0; i < 2; i++ {
		if err := h.Handle(context.Background(), msg); err != nil {
			t.Errorf("terminal failure %d should be skipped, got %v", i, err)
		}
	}
}
