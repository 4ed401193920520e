package charge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hospitalops/claimflow/internal/infrastructure/postgres"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*Event
}

func (s *recordingSink) Publish(_ context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.EventType
	}
	return out
}

func TestMemoryLedgerCreateGet(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	ledger := NewMemoryLedger(sink, nil)

	c := newCharge(t, eligibleDetails())
	if err := ledger.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := ledger.Create(ctx, c); !errors.Is(err, ErrDuplicateCharge) {
		t.Errorf("expected ErrDuplicateCharge, got %v", err)
	}
	if _, err := ledger.Get(ctx, "missing"); !errors.Is(err, ErrChargeNotFound) {
		t.Errorf("expected ErrChargeNotFound, got %v", err)
	}

	got, err := ledger.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got.BillingStatus = BillingPaid
	again, _ := ledger.Get(ctx, c.ID)
	if again.BillingStatus != BillingPending {
		t.Error("Get must return a copy")
	}
	if types := sink.types(); len(types) != 1 || types[0] != EventChargeCreated {
		t.Errorf("expected ChargeCreated published, got %v", types)
	}
}

func TestMemoryLedgerUpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	ledger := NewMemoryLedger(sink, nil)
	c := newCharge(t, eligibleDetails())
	if err := ledger.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := ledger.Update(ctx, c.ID, func(c *Charge) error {
		if err := c.Submit("CLM-1", "REF", t0); err != nil {
			return err
		}
		return ErrInsuranceNotVerified
	})
	if !errors.Is(err, ErrInsuranceNotVerified) {
		t.Fatalf("expected fn error, got %v", err)
	}
	got, _ := ledger.Get(ctx, c.ID)
	if got.Claim != nil {
		t.Error("failed update must not persist partial changes")
	}
	if len(sink.types()) != 1 {
		t.Errorf("failed update must not publish events, got %v", sink.types())
	}

	updated, err := ledger.Update(ctx, c.ID, func(c *Charge) error {
		return c.Submit("CLM-1", "REF", t0)
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.ClaimID() != "CLM-1" {
		t.Errorf("expected CLM-1, got %q", updated.ClaimID())
	}
	if _, err := ledger.Update(ctx, "missing", func(*Charge) error { return nil }); !errors.Is(err, ErrChargeNotFound) {
		t.Errorf("expected ErrChargeNotFound, got %v", err)
	}
}

func TestMemoryLedgerConcurrentUpdatesSerialize(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(nil, nil)
	c := newCharge(t, eligibleDetails())
	if err := ledger.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Update(ctx, c.ID, func(c *Charge) error {
				return c.Submit(fmt.Sprintf("CLM-%d", i), "REF", t0)
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("expected exactly one submission to win, got %d", accepted)
	}
}

func TestMemoryLedgerList(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(nil, nil)

	for i, dept := range []string{"Cardiology", "Radiology", "Cardiology"} {
		d := eligibleDetails()
		d.Department = dept
		c, err := New(fmt.Sprintf("CHG-%d", i), d, t0.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if i < 2 {
			if err := c.Submit(fmt.Sprintf("CLM-%d", i), "REF", t0.Add(time.Duration(i)*time.Hour)); err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
		}
		if err := ledger.Create(ctx, c); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	all, _ := ledger.List(ctx, Filter{})
	if len(all) != 3 || all[0].ID != "CHG-0" || all[2].ID != "CHG-2" {
		t.Errorf("expected 3 charges in creation order, got %d", len(all))
	}

	cardio, _ := ledger.List(ctx, Filter{Department: "Cardiology"})
	if len(cardio) != 2 {
		t.Errorf("expected 2 cardiology charges, got %d", len(cardio))
	}

	claimed, _ := ledger.List(ctx, Filter{WithClaim: true})
	if len(claimed) != 2 {
		t.Errorf("expected 2 claimed charges, got %d", len(claimed))
	}

	submitted, _ := ledger.List(ctx, Filter{ClaimStatuses: []ClaimStatus{ClaimSubmitted}, SubmittedFrom: t0.Add(30 * time.Minute)})
	if len(submitted) != 1 || submitted[0].ID != "CHG-1" {
		t.Errorf("expected only CHG-1 in range, got %d", len(submitted))
	}
}

func TestPostgresLedger(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, 4)
	if err != nil {
		t.Skipf("database unavailable: %v", err)
	}
	defer pool.Close()
	if err := postgres.ApplySchema(ctx, pool, nil); err != nil {
		t.Fatalf("ApplySchema failed: %v", err)
	}

	ledger := NewPostgresLedger(pool, nil)
	id := fmt.Sprintf("CHG-PG-%d", time.Now().UnixNano())
	c, err := New(id, eligibleDetails(), t0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := ledger.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := ledger.Create(ctx, c); !errors.Is(err, ErrDuplicateCharge) {
		t.Errorf("expected ErrDuplicateCharge, got %v", err)
	}

	updated, err := ledger.Update(ctx, id, func(c *Charge) error {
		return c.Submit("CLM-PG", "REF", t0)
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := ledger.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ClaimID() != "CLM-PG" || got.Version != updated.Version {
		t.Errorf("unexpected stored charge: claim=%q version=%d", got.ClaimID(), got.Version)
	}
	if !got.Amount.Equal(c.Amount) {
		t.Errorf("amount round-trip: %s != %s", got.Amount, c.Amount)
	}

	var pending int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1", id).Scan(&pending); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if pending != 2 {
		t.Errorf("expected 2 outbox entries, got %d", pending)
	}
}
