package charge

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Ledger is the authoritative store of charge records. Update applies fn to a
// working copy under a per-record lock and persists it only when fn succeeds,
// so every write is atomic at charge granularity.
type Ledger interface {
	Create(ctx context.Context, c *Charge) error
	Get(ctx context.Context, id string) (*Charge, error)
	Update(ctx context.Context, id string, fn func(*Charge) error) (*Charge, error)
	List(ctx context.Context, filter Filter) ([]*Charge, error)
}

// EventSink receives committed lifecycle events in commit order per charge.
type EventSink interface {
	Publish(ctx context.Context, events []*Event) error
}

// Filter selects charges from the ledger. Zero fields match everything.
type Filter struct {
	ClaimStatuses   []ClaimStatus
	BillingStatuses []BillingStatus
	Department      string
	PatientID       string
	SubmittedFrom   time.Time
	SubmittedTo     time.Time
	WithClaim       bool
}

// Matches reports whether c satisfies the filter
func (f Filter) Matches(c *Charge) bool {
	if f.WithClaim && c.Claim == nil {
		return false
	}
	if len(f.ClaimStatuses) > 0 {
		if c.Claim == nil || !containsClaimStatus(f.ClaimStatuses, c.Claim.Status) {
			return false
		}
	}
	if len(f.BillingStatuses) > 0 && !containsBillingStatus(f.BillingStatuses, c.BillingStatus) {
		return false
	}
	if f.Department != "" && c.Department != f.Department {
		return false
	}
	if f.PatientID != "" && c.PatientID != f.PatientID {
		return false
	}
	if !f.SubmittedFrom.IsZero() || !f.SubmittedTo.IsZero() {
		if c.Claim == nil {
			return false
		}
		if !f.SubmittedFrom.IsZero() && c.Claim.SubmittedAt.Before(f.SubmittedFrom) {
			return false
		}
		if !f.SubmittedTo.IsZero() && c.Claim.SubmittedAt.After(f.SubmittedTo) {
			return false
		}
	}
	return true
}

func containsClaimStatus(list []ClaimStatus, s ClaimStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsBillingStatus(list []BillingStatus, s BillingStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MemoryLedger is an in-process Ledger with one lock per charge record
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]*record
	sink    EventSink
	logger  *zap.Logger
}

type record struct {
	mu     sync.Mutex
	charge *Charge
}

// NewMemoryLedger creates a memory ledger. sink may be nil.
func NewMemoryLedger(sink EventSink, logger *zap.Logger) *MemoryLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLedger{
		records: make(map[string]*record),
		sink:    sink,
		logger:  logger,
	}
}

// Create stores a new charge and publishes its creation events
func (m *MemoryLedger) Create(ctx context.Context, c *Charge) error {
	m.mu.Lock()
	if _, exists := m.records[c.ID]; exists {
		m.mu.Unlock()
		return ErrDuplicateCharge
	}
	rec := &record{charge: c.Clone()}
	rec.mu.Lock()
	m.records[c.ID] = rec
	m.mu.Unlock()
	defer rec.mu.Unlock()

	m.publish(ctx, c.Changes())
	c.ClearChanges()
	return nil
}

// Get returns a copy of the charge
func (m *MemoryLedger) Get(_ context.Context, id string) (*Charge, error) {
	rec, ok := m.lookup(id)
	if !ok {
		return nil, ErrChargeNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.charge.Clone(), nil
}

// Update applies fn atomically to the charge identified by id
func (m *MemoryLedger) Update(ctx context.Context, id string, fn func(*Charge) error) (*Charge, error) {
	rec, ok := m.lookup(id)
	if !ok {
		return nil, ErrChargeNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	working := rec.charge.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	events := working.Changes()
	working.ClearChanges()
	rec.charge = working

	m.publish(ctx, events)
	return working.Clone(), nil
}

// List returns copies of all matching charges ordered by creation time
func (m *MemoryLedger) List(_ context.Context, filter Filter) ([]*Charge, error) {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	out := make([]*Charge, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if filter.Matches(rec.charge) {
			out = append(out, rec.charge.Clone())
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryLedger) lookup(id string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok
}

// publish runs under the record lock so events of one charge keep their order
func (m *MemoryLedger) publish(ctx context.Context, events []*Event) {
	if m.sink == nil || len(events) == 0 {
		return
	}
	if err := m.sink.Publish(ctx, events); err != nil {
		m.logger.Warn("event sink publish failed",
			zap.String("charge_id", events[0].AggregateID),
			zap.Int("events", len(events)),
			zap.Error(err))
	}
}
