package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/domain/charge"
)

// Notice is a follow-up escalation addressed to billing staff
type Notice struct {
	ChargeID  string             `json:"charge_id"`
	ClaimID   string             `json:"claim_id"`
	PatientID string             `json:"patient_id"`
	Status    charge.ClaimStatus `json:"status"`
	Reason    string             `json:"reason"`
	DueAt     time.Time          `json:"due_at"`
	// InStatus is how long the claim has held Status when the notice fires
	InStatus time.Duration `json:"in_status"`
	Message  string        `json:"message"`
}

// Notifier delivers escalation notices
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// NotifyFunc adapts a function to Notifier
type NotifyFunc func(ctx context.Context, n Notice) error

func (f NotifyFunc) Notify(ctx context.Context, n Notice) error { return f(ctx, n) }

// LogNotifier writes notices to the log
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notice) error {
	l.logger.Warn("claim follow-up due",
		zap.String("charge_id", n.ChargeID),
		zap.String("claim_id", n.ClaimID),
		zap.String("patient_id", n.PatientID),
		zap.String("status", string(n.Status)),
		zap.String("reason", n.Reason),
		zap.Time("due_at", n.DueAt),
		zap.Duration("in_status", n.InStatus),
		zap.String("message", n.Message))
	return nil
}

// Publisher produces a keyed message to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// TopicNotifier publishes notices as JSON keyed by charge id
type TopicNotifier struct {
	pub   Publisher
	topic string
}

func NewTopicNotifier(pub Publisher, topic string) *TopicNotifier {
	return &TopicNotifier{pub: pub, topic: topic}
}

func (t *TopicNotifier) Notify(ctx context.Context, n Notice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	return t.pub.Publish(ctx, t.topic, n.ChargeID, payload)
}

// MultiNotifier delivers each notice to every notifier, returning the first
// error after trying all of them.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notice) error {
	var first error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
