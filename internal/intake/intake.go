// Package intake turns charge-capture messages from collaborating systems
// into ledger charges, once per captured service.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/domain/charge"
	"github.com/hospitalops/claimflow/internal/infrastructure/redpanda"
	"github.com/hospitalops/claimflow/pkg/idempotency"
)

// HandlerName identifies intake entries in the idempotency inbox
const HandlerName = "charge_intake"

// Message is a charge captured by a collaborating system
type Message struct {
	SourceSystem string    `json:"source_system"`
	SourceRef    string    `json:"source_ref"`
	ServiceDate  time.Time `json:"service_date"`
	// ChargeID is optional; a missing id is derived from the idempotency key
	ChargeID string `json:"charge_id,omitempty"`
	charge.Details
}

// Validate checks the envelope and the charge fields
func (m *Message) Validate() error {
	if strings.TrimSpace(m.SourceSystem) == "" || strings.TrimSpace(m.SourceRef) == "" {
		return fmt.Errorf("%w: source_system and source_ref are required", charge.ErrInvalidCharge)
	}
	if m.ServiceDate.IsZero() {
		return fmt.Errorf("%w: service_date is required", charge.ErrInvalidCharge)
	}
	return m.Details.Validate()
}

// Key returns the idempotency key of the captured service
func (m *Message) Key() string {
	return idempotency.GenerateKey(m.SourceSystem, m.SourceRef, m.ServiceCode, m.ServiceDate)
}

// ID returns the charge id to create
func (m *Message) ID() string {
	if id := strings.TrimSpace(m.ChargeID); id != "" {
		return id
	}
	return "CHG-" + m.Key()[:20]
}

// ChargeCreator creates ledger charges
type ChargeCreator interface {
	CreateCharge(ctx context.Context, id string, d charge.Details) (*charge.Charge, error)
}

// Processor runs a handler at most once per idempotency key
type Processor interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// IsTerminal reports intake failures that redelivery cannot fix
func IsTerminal(err error) bool {
	return charge.Code(err) != ""
}

// Handler consumes charge-capture messages
type Handler struct {
	creator ChargeCreator
	inbox   Processor
	logger  *zap.Logger
}

// NewHandler creates an intake handler. inbox may be nil, in which case
// redeliveries are absorbed by the derived charge id.
func NewHandler(creator ChargeCreator, inbox Processor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{creator: creator, inbox: inbox, logger: logger}
}

type result struct {
	ChargeID string `json:"charge_id"`
}

// Handle processes one consumed message. Malformed and previously failed
// messages are logged and skipped so they do not block the partition; other
// errors are returned so the offset is not committed.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var m Message
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		h.logger.Error("malformed charge message skipped",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if err := m.Validate(); err != nil {
		h.logger.Warn("invalid charge message skipped",
			zap.String("source_system", m.SourceSystem),
			zap.String("source_ref", m.SourceRef),
			zap.Error(err))
		return nil
	}

	create := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		id := m.ID()
		_, err := h.creator.CreateCharge(ctx, id, m.Details)
		if err != nil && !errors.Is(err, charge.ErrDuplicateCharge) {
			return nil, err
		}
		return json.Marshal(result{ChargeID: id})
	}

	if h.inbox == nil {
		_, err := create(ctx, msg.Value)
		return h.outcome(&m, false, err)
	}

	res, err := h.inbox.Process(ctx, m.Key(), HandlerName, msg.Value, create)
	return h.outcome(&m, err == nil && !res.IsNew, err)
}

func (h *Handler) outcome(m *Message, duplicate bool, err error) error {
	fields := []zap.Field{
		zap.String("source_system", m.SourceSystem),
		zap.String("source_ref", m.SourceRef),
		zap.String("charge_id", m.ID()),
	}
	switch {
	case err == nil && duplicate:
		h.logger.Debug("duplicate charge message", fields...)
		return nil
	case err == nil:
		h.logger.Info("charge captured", fields...)
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed), IsTerminal(err):
		h.logger.Warn("charge message rejected", append(fields, zap.Error(err))...)
		return nil
	default:
		return fmt.Errorf("capture charge %s: %w", m.ID(), err)
	}
}
