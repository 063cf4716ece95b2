package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

const (
	insertObservationSQL = `INSERT INTO observations (
        source,
        symbol,
        price,
        confidence,
        observed_at,
        fetched_at
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	listRecentObservationsSQL = `SELECT
        source,
        symbol,
        price,
        confidence,
        observed_at,
        fetched_at
    FROM observations
    WHERE symbol = $1
      AND observed_at >= $2
    ORDER BY observed_at DESC
    LIMIT $3;`

	countDistinctSourcesSQL = `SELECT COUNT(DISTINCT source)
    FROM observations
    WHERE symbol = $1
      AND observed_at >= $2;`

	upsertConsensusSampleSQL = `INSERT INTO consensus_samples (
        symbol,
        bucket_ts,
        consensus_price,
        max_deviation,
        spread_pct,
        source_count,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (symbol, bucket_ts) DO UPDATE
    SET
        consensus_price = EXCLUDED.consensus_price,
        max_deviation   = EXCLUDED.max_deviation,
        spread_pct      = EXCLUDED.spread_pct,
        source_count    = EXCLUDED.source_count,
        status          = EXCLUDED.status,
        error           = EXCLUDED.error;`

	listSamplesBetweenSQL = `SELECT
        symbol,
        bucket_ts,
        consensus_price,
        max_deviation,
        spread_pct,
        source_count,
        status,
        error,
        created_at
    FROM consensus_samples
    WHERE symbol = $1
      AND bucket_ts >= $2
      AND bucket_ts < $3
    ORDER BY bucket_ts;`

	listRecentSamplesSQL = `SELECT
        symbol,
        bucket_ts,
        consensus_price,
        max_deviation,
        spread_pct,
        source_count,
        status,
        error,
        created_at
    FROM consensus_samples
    ORDER BY bucket_ts DESC
    LIMIT $1;`

	// The partial unique index on (rule_id, symbol) WHERE status = 'open'
	// makes this upsert the compare-and-set point for alert dedup.
	upsertOpenAlertSQL = `INSERT INTO alerts (
        id,
        rule_id,
        severity,
        title,
        message,
        symbol,
        context,
        status,
        created_at,
        occurrence_count
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,'open',$8,1
    )
    ON CONFLICT (rule_id, symbol) WHERE status = 'open' DO UPDATE
    SET occurrence_count = alerts.occurrence_count + 1,
        message          = EXCLUDED.message,
        context          = EXCLUDED.context
    RETURNING id, rule_id, severity, title, message, symbol, context, status,
              created_at, acknowledged_at, resolved_at, occurrence_count,
              (xmax = 0) AS inserted;`

	getAlertSQL = `SELECT
        id, rule_id, severity, title, message, symbol, context, status,
        created_at, acknowledged_at, resolved_at, occurrence_count
    FROM alerts
    WHERE id = $1;`

	acknowledgeAlertSQL = `UPDATE alerts
    SET status = 'acknowledged', acknowledged_at = $2
    WHERE id = $1 AND status = 'open';`

	resolveAlertSQL = `UPDATE alerts
    SET status = 'resolved', resolved_at = $2
    WHERE id = $1 AND status <> 'resolved';`

	resolveOpenForSymbolSQL = `UPDATE alerts
    SET status = 'resolved', resolved_at = $2
    WHERE symbol = $1 AND status <> 'resolved';`

	latestUnresolvedForSymbolSQL = `SELECT
        id, rule_id, severity, title, message, symbol, context, status,
        created_at, acknowledged_at, resolved_at, occurrence_count
    FROM alerts
    WHERE symbol = $1 AND status <> 'resolved'
    ORDER BY created_at DESC
    LIMIT 1;`

	listOpenAlertsSQL = `SELECT
        id, rule_id, severity, title, message, symbol, context, status,
        created_at, acknowledged_at, resolved_at, occurrence_count
    FROM alerts
    WHERE status = 'open'
    ORDER BY created_at DESC;`

	listRecentAlertsSQL = `SELECT
        id, rule_id, severity, title, message, symbol, context, status,
        created_at, acknowledged_at, resolved_at, occurrence_count
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`
)

// Store aggregates PostgreSQL-backed access to observations, consensus
// samples, and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertObservation persists one price observation.
func (s *Store) InsertObservation(ctx context.Context, obs oracle.PriceObservation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var confidence interface{}
	if obs.Confidence != nil {
		confidence = *obs.Confidence
	}

	if _, execErr := pool.Exec(ctx, insertObservationSQL,
		obs.Source,
		obs.Symbol,
		obs.Price.String(),
		confidence,
		obs.ObservedAt,
		obs.FetchedAt,
	); execErr != nil {
		return fmt.Errorf("insert observation: %w", execErr)
	}
	return nil
}

// ListRecentObservations returns observations for a symbol inside the
// lookback window, newest first, capped at limit rows.
func (s *Store) ListRecentObservations(ctx context.Context, symbol string, since time.Time, limit int) ([]oracle.PriceObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentObservationsSQL, symbol, since, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent observations: %w", queryErr)
	}
	defer rows.Close()

	observations := make([]oracle.PriceObservation, 0, limit)
	for rows.Next() {
		var (
			obs        oracle.PriceObservation
			priceStr   string
			confidence sql.NullFloat64
		)
		if scanErr := rows.Scan(
			&obs.Source,
			&obs.Symbol,
			&priceStr,
			&confidence,
			&obs.ObservedAt,
			&obs.FetchedAt,
		); scanErr != nil {
			return nil, scanErr
		}

		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse observation price: %w", convErr)
		}
		obs.Price = price
		if confidence.Valid {
			value := confidence.Float64
			obs.Confidence = &value
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

// CountDistinctSources counts distinct reporting sources for a symbol inside
// the lookback window.
func (s *Store) CountDistinctSources(ctx context.Context, symbol string, since time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if scanErr := pool.QueryRow(ctx, countDistinctSourcesSQL, symbol, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count distinct sources: %w", scanErr)
	}
	return count, nil
}

// UpsertConsensusSample persists or updates a per-cycle consensus summary.
func (s *Store) UpsertConsensusSample(ctx context.Context, sample ConsensusSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}

	if _, execErr := pool.Exec(ctx, upsertConsensusSampleSQL,
		sample.Symbol,
		sample.Bucket,
		sample.ConsensusPrice.String(),
		sample.MaxDeviation.String(),
		sample.SpreadPercent.String(),
		sample.SourceCount,
		sample.Status,
		errMsg,
	); execErr != nil {
		return fmt.Errorf("upsert consensus sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists one symbol's samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, symbol string, from, to time.Time) ([]ConsensusSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]ConsensusSample, 0)
	for rows.Next() {
		sample, scanErr := scanConsensusSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// ListRecentSamples lists the most recent samples across all symbols.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]ConsensusSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]ConsensusSample, 0, limit)
	for rows.Next() {
		sample, scanErr := scanConsensusSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// UpsertOpenAlert inserts or increments the open alert for the candidate's
// (rule, symbol) pair in a single statement.
func (s *Store) UpsertOpenAlert(ctx context.Context, candidate oracle.Alert) (oracle.Alert, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return oracle.Alert{}, false, err
	}

	contextJSON, marshalErr := json.Marshal(candidate.Context)
	if marshalErr != nil {
		return oracle.Alert{}, false, fmt.Errorf("marshal alert context: %w", marshalErr)
	}

	row := pool.QueryRow(ctx, upsertOpenAlertSQL,
		candidate.ID,
		candidate.RuleID,
		string(candidate.Severity),
		candidate.Title,
		candidate.Message,
		candidate.Symbol,
		contextJSON,
		candidate.CreatedAt,
	)

	var inserted bool
	stored, scanErr := scanAlert(row, &inserted)
	if scanErr != nil {
		return oracle.Alert{}, false, fmt.Errorf("upsert open alert: %w", scanErr)
	}
	return stored, inserted, nil
}

// GetAlert loads one alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (oracle.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return oracle.Alert{}, err
	}
	alert, scanErr := scanAlert(pool.QueryRow(ctx, getAlertSQL, id), nil)
	if scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return oracle.Alert{}, ErrNotFound
		}
		return oracle.Alert{}, fmt.Errorf("get alert: %w", scanErr)
	}
	return alert, nil
}

// AcknowledgeAlert marks an open alert acknowledged.
func (s *Store) AcknowledgeAlert(ctx context.Context, id string, at time.Time) error {
	return s.updateStatus(ctx, acknowledgeAlertSQL, id, at)
}

// ResolveAlert marks an alert resolved.
func (s *Store) ResolveAlert(ctx context.Context, id string, at time.Time) error {
	return s.updateStatus(ctx, resolveAlertSQL, id, at)
}

func (s *Store) updateStatus(ctx context.Context, query, id string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, query, id, at)
	if execErr != nil {
		return fmt.Errorf("update alert status: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveOpenForSymbol resolves every unresolved alert on a symbol.
func (s *Store) ResolveOpenForSymbol(ctx context.Context, symbol string, at time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, resolveOpenForSymbolSQL, symbol, at)
	if execErr != nil {
		return 0, fmt.Errorf("resolve open alerts for symbol: %w", execErr)
	}
	return int(cmdTag.RowsAffected()), nil
}

// LatestUnresolvedForSymbol returns the newest unresolved alert on a symbol.
func (s *Store) LatestUnresolvedForSymbol(ctx context.Context, symbol string) (oracle.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return oracle.Alert{}, err
	}
	alert, scanErr := scanAlert(pool.QueryRow(ctx, latestUnresolvedForSymbolSQL, symbol), nil)
	if scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return oracle.Alert{}, ErrNotFound
		}
		return oracle.Alert{}, fmt.Errorf("latest unresolved for symbol: %w", scanErr)
	}
	return alert, nil
}

// ListOpenAlerts lists all open alerts, newest first.
func (s *Store) ListOpenAlerts(ctx context.Context) ([]oracle.Alert, error) {
	return s.queryAlerts(ctx, listOpenAlertsSQL)
}

// ListRecentAlerts lists the most recent alerts regardless of status.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]oracle.Alert, error) {
	return s.queryAlerts(ctx, listRecentAlertsSQL, limit)
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]oracle.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("query alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]oracle.Alert, 0)
	for rows.Next() {
		alert, scanErr := scanAlert(rows, nil)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanConsensusSample(row pgx.Row) (ConsensusSample, error) {
	var (
		sample       ConsensusSample
		priceStr     string
		deviationStr string
		spreadStr    string
		errMsg       sql.NullString
	)

	if err := row.Scan(
		&sample.Symbol,
		&sample.Bucket,
		&priceStr,
		&deviationStr,
		&spreadStr,
		&sample.SourceCount,
		&sample.Status,
		&errMsg,
		&sample.CreatedAt,
	); err != nil {
		return ConsensusSample{}, err
	}

	var convErr error
	if sample.ConsensusPrice, convErr = decimal.NewFromString(priceStr); convErr != nil {
		return ConsensusSample{}, fmt.Errorf("parse consensus price: %w", convErr)
	}
	if sample.MaxDeviation, convErr = decimal.NewFromString(deviationStr); convErr != nil {
		return ConsensusSample{}, fmt.Errorf("parse max deviation: %w", convErr)
	}
	if sample.SpreadPercent, convErr = decimal.NewFromString(spreadStr); convErr != nil {
		return ConsensusSample{}, fmt.Errorf("parse spread pct: %w", convErr)
	}
	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}

	return sample, nil
}

func scanAlert(row pgx.Row, inserted *bool) (oracle.Alert, error) {
	var (
		alert        oracle.Alert
		severity     string
		status       string
		contextJSON  []byte
		acknowledged sql.NullTime
		resolved     sql.NullTime
	)

	dest := []interface{}{
		&alert.ID,
		&alert.RuleID,
		&severity,
		&alert.Title,
		&alert.Message,
		&alert.Symbol,
		&contextJSON,
		&status,
		&alert.CreatedAt,
		&acknowledged,
		&resolved,
		&alert.OccurrenceCount,
	}
	if inserted != nil {
		dest = append(dest, inserted)
	}

	if err := row.Scan(dest...); err != nil {
		return oracle.Alert{}, err
	}

	alert.Severity = oracle.Severity(severity)
	alert.Status = oracle.AlertStatus(status)
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &alert.Context); err != nil {
			return oracle.Alert{}, fmt.Errorf("unmarshal alert context: %w", err)
		}
	}
	if acknowledged.Valid {
		value := acknowledged.Time
		alert.AcknowledgedAt = &value
	}
	if resolved.Valid {
		value := resolved.Time
		alert.ResolvedAt = &value
	}

	return alert, nil
}

var (
	_ ObservationStore = (*Store)(nil)
	_ SampleStore      = (*Store)(nil)
	_ AlertStore       = (*Store)(nil)
)
