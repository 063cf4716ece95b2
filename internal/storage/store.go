package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// ObservationStore persists and reads back raw price observations.
type ObservationStore interface {
	InsertObservation(ctx context.Context, obs oracle.PriceObservation) error
	ListRecentObservations(ctx context.Context, symbol string, since time.Time, limit int) ([]oracle.PriceObservation, error)
	CountDistinctSources(ctx context.Context, symbol string, since time.Time) (int, error)
}

// SampleStore persists per-cycle consensus summaries.
type SampleStore interface {
	UpsertConsensusSample(ctx context.Context, sample ConsensusSample) error
	ListSamplesBetween(ctx context.Context, symbol string, from, to time.Time) ([]ConsensusSample, error)
	ListRecentSamples(ctx context.Context, limit int) ([]ConsensusSample, error)
}

// AlertStore owns alert row lifecycle. UpsertOpenAlert must be atomic per
// (rule, symbol) so concurrent evaluations never create duplicate open rows.
type AlertStore interface {
	// UpsertOpenAlert inserts the candidate when no open alert exists for its
	// (RuleID, Symbol) pair; otherwise it increments the existing row's
	// occurrence count and refreshes its context. The stored alert is
	// returned with created reporting whether a new row was inserted.
	UpsertOpenAlert(ctx context.Context, candidate oracle.Alert) (oracle.Alert, bool, error)
	GetAlert(ctx context.Context, id string) (oracle.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string, at time.Time) error
	ResolveAlert(ctx context.Context, id string, at time.Time) error
	// ResolveOpenForSymbol resolves every open alert on a symbol, returning
	// how many rows changed. Used by automatic resolution.
	ResolveOpenForSymbol(ctx context.Context, symbol string, at time.Time) (int, error)
	// LatestUnresolvedForSymbol returns the newest open or acknowledged alert
	// for a symbol, or ErrNotFound.
	LatestUnresolvedForSymbol(ctx context.Context, symbol string) (oracle.Alert, error)
	ListOpenAlerts(ctx context.Context) ([]oracle.Alert, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]oracle.Alert, error)
}

// RuleStore holds alert rule configuration.
type RuleStore interface {
	PutRule(ctx context.Context, rule oracle.AlertRule) error
	GetRule(ctx context.Context, id string) (oracle.AlertRule, error)
	DeleteRule(ctx context.Context, id string) (bool, error)
	ListRules(ctx context.Context) ([]oracle.AlertRule, error)
}

// PoolConfig carries PostgreSQL connectivity settings.
type PoolConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
