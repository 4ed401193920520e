package charge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/infrastructure/postgres"
)

// EventsTopic receives every lifecycle event relayed from the outbox.
const EventsTopic = "claims.events"

// PostgresLedger persists charges as JSONB documents and writes their
// lifecycle events to the outbox in the same transaction.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewPostgresLedger creates a Postgres-backed ledger
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLedger{pool: pool, topic: EventsTopic, logger: logger}
}

// Create inserts a new charge
func (r *PostgresLedger) Create(ctx context.Context, c *Charge) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal charge: %w", err)
	}

	query := `
		INSERT INTO charges
		(id, patient_id, department, billing_status, claim_id, claim_status, submitted_at,
		 document, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = tx.Exec(ctx, query, r.columns(c, doc)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateCharge
		}
		return fmt.Errorf("insert charge: %w", err)
	}

	if err := r.writeEvents(ctx, tx, c.Changes()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	c.ClearChanges()
	return nil
}

// Get loads a charge by id
func (r *PostgresLedger) Get(ctx context.Context, id string) (*Charge, error) {
	return r.load(ctx, r.pool, id, false)
}

// Update locks the row, applies fn and writes the result with its events
func (r *PostgresLedger) Update(ctx context.Context, id string, fn func(*Charge) error) (*Charge, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := r.load(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}

	events := c.Changes()
	if len(events) > 0 {
		doc, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal charge: %w", err)
		}
		query := `
			UPDATE charges
			SET patient_id = $2, department = $3, billing_status = $4, claim_id = $5,
			    claim_status = $6, submitted_at = $7, document = $8, version = $9,
			    created_at = $10, updated_at = $11
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, query, r.columns(c, doc)...); err != nil {
			return nil, fmt.Errorf("update charge: %w", err)
		}
		if err := r.writeEvents(ctx, tx, events); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	c.ClearChanges()
	return c, nil
}

// List returns matching charges ordered by creation time. Indexed columns
// narrow the scan; the remaining filter fields are applied in process.
func (r *PostgresLedger) List(ctx context.Context, filter Filter) ([]*Charge, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Department != "" {
		where = append(where, "department = "+arg(filter.Department))
	}
	if filter.PatientID != "" {
		where = append(where, "patient_id = "+arg(filter.PatientID))
	}
	if filter.WithClaim {
		where = append(where, "claim_id IS NOT NULL")
	}
	if len(filter.ClaimStatuses) > 0 {
		statuses := make([]string, len(filter.ClaimStatuses))
		for i, s := range filter.ClaimStatuses {
			statuses[i] = string(s)
		}
		where = append(where, "claim_status = ANY("+arg(statuses)+")")
	}

	query := "SELECT document FROM charges"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query charges: %w", err)
	}
	defer rows.Close()

	var out []*Charge
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan charge: %w", err)
		}
		c := &Charge{}
		if err := json.Unmarshal(doc, c); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		if filter.Matches(c) {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *PostgresLedger) load(ctx context.Context, q querier, id string, forUpdate bool) (*Charge, error) {
	query := "SELECT document FROM charges WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var doc []byte
	if err := q.QueryRow(ctx, query, id).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChargeNotFound
		}
		return nil, fmt.Errorf("load charge %s: %w", id, err)
	}
	c := &Charge{}
	if err := json.Unmarshal(doc, c); err != nil {
		return nil, fmt.Errorf("decode charge %s: %w", id, err)
	}
	return c, nil
}

func (r *PostgresLedger) columns(c *Charge, doc []byte) []interface{} {
	var (
		claimID, claimStatus interface{}
		submittedAt          interface{}
	)
	if c.Claim != nil {
		claimID = c.Claim.ID
		claimStatus = string(c.Claim.Status)
		submittedAt = c.Claim.SubmittedAt
	}
	return []interface{}{
		c.ID, c.PatientID, c.Department, string(c.BillingStatus),
		claimID, claimStatus, submittedAt,
		doc, c.Version, c.CreatedAt, c.UpdatedAt,
	}
}

func (r *PostgresLedger) writeEvents(ctx context.Context, tx pgx.Tx, events []*Event) error {
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		entry := &postgres.OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			Topic:         r.topic,
			Key:           event.AggregateID,
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
		r.logger.Debug("event written to outbox",
			zap.String("charge_id", event.AggregateID),
			zap.String("event_type", string(event.EventType)),
			zap.Int("version", event.Version))
	}
	return nil
}
