// Package idempotency keeps a Postgres inbox so a redelivered intake message
// runs its handler at most once. Keys are digests of the charge's source
// system, source reference, service code and service day.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// InboxEntry is one row of the inbox table
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

type InboxConfig struct {
	// TTL is how long a key is remembered
	TTL             time.Duration
	CleanupInterval time.Duration
	// RecoveryTimeout is the age after which a STARTED entry is taken to be
	// abandoned by a crashed consumer
	RecoveryTimeout time.Duration
	// IsTerminal reports handler errors that must not be retried. Nil
	// retries every error.
	IsTerminal func(error) bool
}

func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

var (
	// ErrMessageInProgress means another consumer holds the key
	ErrMessageInProgress = errors.New("message in progress elsewhere")
	// ErrPreviouslyFailed means the key failed terminally before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// ProcessResult describes one Process call. Result is the handler's output,
// replayed from the inbox when IsNew is false.
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Attempts     int
	Result       json.RawMessage
}

// ProcessFunc is the handler guarded by the inbox
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

type action int

const (
	actionRun action = iota
	actionRecover
	actionReplay
)

// nextAction decides what a consumer holding entry does with its message.
// A nil entry is a key never seen.
func nextAction(entry *InboxEntry, now time.Time, recoveryTimeout time.Duration) (action, error) {
	if entry == nil {
		return actionRun, nil
	}
	switch entry.Status {
	case StatusFinished:
		return actionReplay, nil
	case StatusFailed:
		return 0, ErrPreviouslyFailed
	case StatusStarted:
		if now.Sub(entry.UpdatedAt) <= recoveryTimeout {
			return 0, ErrMessageInProgress
		}
		return actionRecover, nil
	}
	return actionRun, nil
}

// Inbox guards handlers with the inbox table
type Inbox struct {
	pool   *pgxpool.Pool
	cfg    InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	stop chan struct{}
	done chan struct{}
}

func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("idempotency-inbox"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// GenerateKey derives the key of a captured charge. The service date is cut
// to the UTC day so re-captures of one encounter collide.
func GenerateKey(sourceSystem, sourceRef, serviceCode string, serviceDate time.Time) string {
	h := sha256.New()
	for _, part := range []string{
		strings.ToLower(strings.TrimSpace(sourceSystem)),
		strings.TrimSpace(sourceRef),
		strings.ToUpper(strings.TrimSpace(serviceCode)),
		serviceDate.UTC().Format(time.DateOnly),
	} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Process runs fn at most once to completion for key. Finished keys replay
// their stored result; a handler error leaves the key retryable unless
// IsTerminal says otherwise.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process", trace.WithAttributes(
		attribute.String("idempotency_key", key),
		attribute.String("handler", handlerName),
	))
	defer span.End()

	prior, act, err := i.claim(ctx, key, handlerName, payload)
	if err != nil {
		span.SetAttributes(attribute.String("skipped", err.Error()))
		return nil, fmt.Errorf("inbox %s: %w", key, err)
	}
	if act == actionReplay {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &ProcessResult{Attempts: prior.Attempts, Result: prior.Result}, nil
	}

	res := &ProcessResult{IsNew: prior == nil, WasRecovered: prior != nil, Attempts: 1}
	if prior != nil {
		res.Attempts = prior.Attempts + 1
	}

	out, herr := fn(ctx, payload)
	if herr != nil {
		span.RecordError(herr)
		status := StatusRecoverable
		if i.cfg.IsTerminal != nil && i.cfg.IsTerminal(herr) {
			status = StatusFailed
		}
		if err := i.finish(ctx, key, status, nil, herr); err != nil {
			i.logger.Error("inbox status not recorded", zap.String("key", key), zap.Error(err))
		}
		return nil, herr
	}

	if err := i.finish(ctx, key, StatusFinished, out, nil); err != nil {
		// the handler's own duplicate check catches a redelivery
		i.logger.Error("inbox result not recorded", zap.String("key", key), zap.Error(err))
	}
	res.Result = out
	return res, nil
}

const selectEntry = `
	SELECT idempotency_key, handler_name, status, payload, result, attempts,
	       last_error, created_at, updated_at, expires_at
	FROM inbox WHERE idempotency_key = $1`

// claim locks key's row, decides the action and, unless replaying, marks
// the key STARTED for this consumer
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) (*InboxEntry, action, error) {
	tx, err := i.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	prior, err := scanEntry(tx.QueryRow(ctx, selectEntry+" FOR UPDATE", key))
	if errors.Is(err, pgx.ErrNoRows) {
		prior, err = nil, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read entry: %w", err)
	}

	act, err := nextAction(prior, time.Now(), i.cfg.RecoveryTimeout)
	if err != nil || act == actionReplay {
		return prior, act, err
	}

	if prior == nil {
		tag, err := tx.Exec(ctx, `
			INSERT INTO inbox (idempotency_key, handler_name, status, payload, attempts, expires_at)
			VALUES ($1, $2, $3, $4, 1, $5)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			key, handlerName, StatusStarted, payload, time.Now().Add(i.cfg.TTL))
		if err != nil {
			return nil, 0, fmt.Errorf("insert entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// a concurrent consumer inserted the key first
			return nil, 0, ErrMessageInProgress
		}
	} else {
		if act == actionRecover {
			i.logger.Warn("recovering abandoned inbox entry",
				zap.String("key", key),
				zap.Time("started", prior.UpdatedAt))
		}
		if _, err := tx.Exec(ctx, `
			UPDATE inbox SET status = $2, handler_name = $3, attempts = attempts + 1, updated_at = NOW()
			WHERE idempotency_key = $1`,
			key, StatusStarted, handlerName); err != nil {
			return nil, 0, fmt.Errorf("restart entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit claim: %w", err)
	}
	return prior, act, nil
}

func scanEntry(row pgx.Row) (*InboxEntry, error) {
	e := &InboxEntry{}
	err := row.Scan(&e.IdempotencyKey, &e.HandlerName, &e.Status, &e.Payload, &e.Result,
		&e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (i *Inbox) finish(ctx context.Context, key string, status Status, result json.RawMessage, herr error) error {
	var lastErr *string
	if herr != nil {
		msg := herr.Error()
		lastErr = &msg
	}
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $2, result = COALESCE($3, result), last_error = $4, updated_at = NOW()
		WHERE idempotency_key = $1`,
		key, status, result, lastErr)
	return err
}

// Get returns the entry for key, or nil when the key is unknown
func (i *Inbox) Get(ctx context.Context, key string) (*InboxEntry, error) {
	e, err := scanEntry(i.pool.QueryRow(ctx, selectEntry, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get inbox entry: %w", err)
	}
	return e, nil
}

// RecoverStaleEntries makes STARTED entries older than the recovery timeout
// retryable. Run once at startup to release keys held by a crashed process.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE inbox SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < NOW() - $3::interval`,
		StatusRecoverable, StatusStarted, i.cfg.RecoveryTimeout.String())
	if err != nil {
		return 0, fmt.Errorf("recover stale entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StartCleanup deletes expired keys every CleanupInterval until Stop
func (i *Inbox) StartCleanup() {
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.stop:
				return
			case <-ticker.C:
				n, err := i.Cleanup(context.Background())
				if err != nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				} else if n > 0 {
					i.logger.Info("expired inbox entries deleted", zap.Int64("deleted", n))
				}
			}
		}
	}()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.cfg.CleanupInterval))
}

// Stop ends the cleanup loop started by StartCleanup
func (i *Inbox) Stop() {
	close(i.stop)
	<-i.done
}

// Cleanup deletes expired entries that are not in progress
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx,
		`DELETE FROM inbox WHERE expires_at < NOW() AND status <> $1`, StatusStarted)
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InboxStats counts entries by status
type InboxStats struct {
	Total       int64
	Started     int64
	Finished    int64
	Recoverable int64
	Failed      int64
}

func (i *Inbox) GetStats(ctx context.Context) (*InboxStats, error) {
	rows, err := i.pool.Query(ctx, `SELECT status, COUNT(*) FROM inbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	defer rows.Close()

	stats := &InboxStats{}
	counters := map[Status]*int64{
		StatusStarted:     &stats.Started,
		StatusFinished:    &stats.Finished,
		StatusRecoverable: &stats.Recoverable,
		StatusFailed:      &stats.Failed,
	}
	for rows.Next() {
		var (
			status Status
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan inbox stats: %w", err)
		}
		stats.Total += n
		if c, ok := counters[status]; ok {
			*c = n
		}
	}
	return stats, rows.Err()
}
