package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// migrations are applied in order at start-up. All DDL is idempotent.
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "001_charges",
		sql: `
			CREATE TABLE IF NOT EXISTS charges (
				id              TEXT PRIMARY KEY,
				patient_id      TEXT NOT NULL,
				department      TEXT NOT NULL DEFAULT '',
				billing_status  TEXT NOT NULL,
				claim_id        TEXT,
				claim_status    TEXT,
				submitted_at    TIMESTAMPTZ,
				document        JSONB NOT NULL,
				version         INTEGER NOT NULL,
				created_at      TIMESTAMPTZ NOT NULL,
				updated_at      TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS charges_claim_status_idx ON charges (claim_status);
			CREATE INDEX IF NOT EXISTS charges_submitted_at_idx ON charges (submitted_at);
		`,
	},
	{
		name: "002_outbox",
		sql: `
			CREATE TABLE IF NOT EXISTS outbox (
				id              BIGSERIAL PRIMARY KEY,
				aggregate_id    TEXT NOT NULL,
				aggregate_type  TEXT NOT NULL,
				event_type      TEXT NOT NULL,
				payload         JSONB NOT NULL,
				topic           TEXT NOT NULL,
				message_key     TEXT NOT NULL,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				processed_at    TIMESTAMPTZ,
				retry_count     INTEGER NOT NULL DEFAULT 0,
				last_error      TEXT
			);
			CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (id) WHERE processed_at IS NULL;
		`,
	},
	{
		name: "003_inbox",
		sql: `
			CREATE TABLE IF NOT EXISTS inbox (
				idempotency_key TEXT PRIMARY KEY,
				handler_name    TEXT NOT NULL,
				status          TEXT NOT NULL,
				payload         JSONB,
				result          JSONB,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				expires_at      TIMESTAMPTZ
			);
		`,
	},
	{
		name: "004_outbox_dead_letter",
		sql: `
			ALTER TABLE outbox ADD COLUMN IF NOT EXISTS dead_lettered_at TIMESTAMPTZ;
			CREATE INDEX IF NOT EXISTS outbox_key_idx ON outbox (message_key, id);
		`,
	},
	{
		name: "005_inbox_attempts",
		sql: `
			ALTER TABLE inbox ADD COLUMN IF NOT EXISTS attempts INTEGER NOT NULL DEFAULT 0;
			ALTER TABLE inbox ADD COLUMN IF NOT EXISTS last_error TEXT;
			CREATE INDEX IF NOT EXISTS inbox_expires_idx ON inbox (expires_at);
		`,
	},
}

// NewPool parses dsn, connects and verifies the connection
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// ApplySchema runs all migrations in order
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, m := range migrations {
		logger.Debug("applying migration", zap.String("migration", m.name))
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("execute migration %s: %w", m.name, err)
		}
	}
	logger.Info("schema applied", zap.Int("migrations", len(migrations)))
	return nil
}
