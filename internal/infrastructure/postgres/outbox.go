// Package postgres provides PostgreSQL infrastructure components.
// Claim lifecycle events are written to a transactional outbox in the same
// transaction as the charge update and relayed to the broker by Outbox.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is an event waiting to be relayed
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is
	// dead-lettered
	MaxRetries      int
	DeadLetterTopic string
}

// DefaultOutboxConfig returns defaults for the claim event relay
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
	}
}

// OutboxPublisher publishes relayed entries to the broker
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// outboxLockID is the advisory lock held by the single active relay
const outboxLockID int64 = 0x636c61696d73

const entryColumns = `id, aggregate_id, aggregate_type, event_type, payload,
	topic, message_key, created_at, retry_count, last_error`

// Outbox relays committed outbox entries to the broker
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("claims-outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry writes an outbox entry within the caller's transaction
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, message_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling and relaying outbox entries
func (o *Outbox) Start() {
	go o.run()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop stops the relay and waits for the current batch
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) run() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.RelayOnce(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Error("outbox relay failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce relays one batch while holding the relay lock and dead-letters
// exhausted entries. It returns the number of entries published.
func (o *Outbox) RelayOnce(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	// the advisory lock is session scoped, so it is taken and released on
	// the same connection
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", outboxLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("take relay lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", outboxLockID); err != nil {
			o.logger.Warn("release relay lock", zap.Error(err))
		}
	}()

	entries, err := o.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	blocked := make(map[string]bool)
	for _, entry := range entries {
		// a charge's events are relayed in order; after a failure the rest
		// of that charge's batch waits for the next poll
		if blocked[entry.Key] {
			continue
		}
		if err := o.relay(ctx, entry); err != nil {
			blocked[entry.Key] = true
			o.logger.Warn("outbox entry not relayed",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.String("charge_id", entry.AggregateID),
				zap.Int("retry_count", entry.RetryCount+1),
				zap.Error(err))
			continue
		}
		published++
	}

	moved, err := o.MoveToDeadLetter(ctx)
	if err != nil {
		return published, fmt.Errorf("dead letter sweep: %w", err)
	}
	if moved > 0 {
		o.logger.Warn("outbox entries dead-lettered", zap.Int64("count", moved))
	}
	return published, nil
}

func (o *Outbox) relay(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("charge_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		span.RecordError(err)
		if _, uerr := o.pool.Exec(ctx,
			"UPDATE outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2",
			err.Error(), entry.ID); uerr != nil {
			o.logger.Error("record relay failure", zap.Int64("id", entry.ID), zap.Error(uerr))
		}
		return err
	}

	if _, err := o.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW() WHERE id = $1", entry.ID); err != nil {
		// the event was published; it is published again on the next poll
		span.RecordError(err)
		return fmt.Errorf("mark relayed: %w", err)
	}
	return nil
}

func (o *Outbox) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*OutboxEntry, error) {
	rows, err := o.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
		e := &OutboxEntry{}
		err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return entries, nil
}

// deadLetter is the envelope published for an entry that exhausted its retries
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	ChargeID      string          `json:"charge_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func newDeadLetter(e *OutboxEntry) deadLetter {
	dl := deadLetter{
		OriginalTopic: e.Topic,
		EventType:     e.EventType,
		ChargeID:      e.AggregateID,
		Payload:       e.Payload,
		RetryCount:    e.RetryCount,
		CreatedAt:     e.CreatedAt,
	}
	if e.LastError != nil {
		dl.LastError = *e.LastError
	}
	return dl
}

// MoveToDeadLetter publishes exhausted entries to the dead letter topic and
// marks them dead-lettered
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	exhausted, err := o.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id ASC
		LIMIT $2`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range exhausted {
		payload, err := json.Marshal(newDeadLetter(entry))
		if err != nil {
			return count, fmt.Errorf("marshal dead letter %d: %w", entry.ID, err)
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.Key, payload); err != nil {
			return count, fmt.Errorf("publish dead letter %d: %w", entry.ID, err)
		}
		if _, err := o.pool.Exec(ctx,
			"UPDATE outbox SET processed_at = NOW(), dead_lettered_at = NOW() WHERE id = $1",
			entry.ID); err != nil {
			return count, fmt.Errorf("mark dead-lettered %d: %w", entry.ID, err)
		}
		count++
	}
	return count, nil
}

// CleanupProcessed removes relayed entries older than olderThan
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats holds outbox statistics
type OutboxStats struct {
	Pending int64
	// Relayed counts entries relayed in the last 24 hours
	Relayed      int64
	DeadLettered int64
	// OldestPending is nil when nothing is pending
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL),
			COUNT(*) FILTER (WHERE dead_lettered_at IS NULL AND processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE dead_lettered_at IS NOT NULL),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`,
	).Scan(&stats.Pending, &stats.Relayed, &stats.DeadLettered, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
