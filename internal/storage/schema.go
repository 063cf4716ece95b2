package storage

import (
	"context"
	"fmt"
)

// schemaSQL declares the full schema. The partial unique index on alerts is
// load-bearing: UpsertOpenAlert's ON CONFLICT targets it to guarantee at most
// one open alert per (rule, symbol).
const schemaSQL = `
CREATE TABLE IF NOT EXISTS observations (
    id          BIGSERIAL PRIMARY KEY,
    source      TEXT        NOT NULL,
    symbol      TEXT        NOT NULL,
    price       NUMERIC     NOT NULL,
    confidence  DOUBLE PRECISION,
    observed_at TIMESTAMPTZ NOT NULL,
    fetched_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS observations_symbol_observed_at_idx
    ON observations (symbol, observed_at DESC);

CREATE TABLE IF NOT EXISTS consensus_samples (
    symbol          TEXT        NOT NULL,
    bucket_ts       TIMESTAMPTZ NOT NULL,
    consensus_price NUMERIC     NOT NULL,
    max_deviation   NUMERIC     NOT NULL,
    spread_pct      NUMERIC     NOT NULL,
    source_count    INTEGER     NOT NULL,
    status          TEXT        NOT NULL,
    error           TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (symbol, bucket_ts)
);

CREATE TABLE IF NOT EXISTS alerts (
    id               TEXT        PRIMARY KEY,
    rule_id          TEXT        NOT NULL,
    severity         TEXT        NOT NULL,
    title            TEXT        NOT NULL,
    message          TEXT        NOT NULL,
    symbol           TEXT        NOT NULL,
    context          JSONB,
    status           TEXT        NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    acknowledged_at  TIMESTAMPTZ,
    resolved_at      TIMESTAMPTZ,
    occurrence_count INTEGER     NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS alerts_open_rule_symbol_idx
    ON alerts (rule_id, symbol)
    WHERE status = 'open';

CREATE INDEX IF NOT EXISTS alerts_symbol_created_at_idx
    ON alerts (symbol, created_at DESC);
`

// EnsureSchema creates the tables and indexes when missing. Safe to run on
// every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, schemaSQL); execErr != nil {
		return fmt.Errorf("ensure schema: %w", execErr)
	}
	return nil
}
