package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
	"github.com/imokokok/Insight-beta-sub000/internal/storage"
)

// Options tune the per-symbol health checks.
type Options struct {
	Lookback      time.Duration
	MaxRows       int
	MaxPriceAge   time.Duration
	MinDataPoints int
	MaxDeviation  decimal.Decimal
}

func (o Options) withDefaults() Options {
	if o.Lookback <= 0 {
		o.Lookback = time.Hour
	}
	if o.MaxRows <= 0 {
		o.MaxRows = 500
	}
	if o.MaxPriceAge <= 0 {
		o.MaxPriceAge = 5 * time.Minute
	}
	if o.MinDataPoints <= 0 {
		o.MinDataPoints = 3
	}
	if o.MaxDeviation.IsZero() {
		o.MaxDeviation = decimal.NewFromFloat(0.02)
	}
	return o
}

// Checker evaluates freshness, source coverage, and deviation per symbol.
// It never propagates storage failures: a failed query surfaces as a
// CHECK_FAILED issue so one broken symbol cannot abort the batch.
type Checker struct {
	opts   Options
	store  storage.ObservationStore
	logger zerolog.Logger
	clock  func() time.Time
}

// New constructs a health checker.
func New(opts Options, store storage.ObservationStore, logger zerolog.Logger) *Checker {
	return &Checker{
		opts:   opts.withDefaults(),
		store:  store,
		logger: logger.With().Str("component", "health").Logger(),
		clock:  time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (c *Checker) WithClock(clock func() time.Time) *Checker {
	c.clock = clock
	return c
}

// Check runs the fixed-order pass for one symbol: no-data short-circuit,
// staleness, source coverage, then deviation of the latest observation from
// the window mean.
func (c *Checker) Check(ctx context.Context, symbol string) oracle.HealthStatus {
	now := c.clock().UTC()
	status := oracle.HealthStatus{Symbol: symbol, CheckedAt: now}

	observations, err := c.store.ListRecentObservations(ctx, symbol, now.Add(-c.opts.Lookback), c.opts.MaxRows)
	if err != nil {
		c.logger.Error().Err(err).Str("symbol", symbol).Msg("health check query failed")
		status.Issues = append(status.Issues, oracle.IssueCheckFailed)
		status.Error = err.Error()
		return status
	}

	if len(observations) == 0 {
		status.Issues = append(status.Issues, oracle.IssueNoData)
		return status
	}

	latest := observations[0]
	status.LastUpdate = latest.ObservedAt
	status.Price = latest.Price
	status.AgeMs = now.Sub(latest.ObservedAt).Milliseconds()

	if now.Sub(latest.ObservedAt) > c.opts.MaxPriceAge {
		status.Issues = append(status.Issues, oracle.IssueStale)
	}

	sources, err := c.store.CountDistinctSources(ctx, symbol, now.Add(-c.opts.Lookback))
	if err != nil {
		c.logger.Error().Err(err).Str("symbol", symbol).Msg("source count query failed")
		status.Issues = append(status.Issues, oracle.IssueCheckFailed)
		status.Error = err.Error()
		return status
	}
	if sources < c.opts.MinDataPoints {
		status.Issues = append(status.Issues, oracle.IssueInsufficientSources)
	}

	mean := windowMean(observations)
	if mean.IsPositive() {
		deviation := latest.Price.Sub(mean).Div(mean)
		status.Deviation = deviation
		if deviation.Abs().GreaterThan(c.opts.MaxDeviation) {
			status.Issues = append(status.Issues, oracle.IssueHighDeviation)
		}
	}

	return status
}

func windowMean(observations []oracle.PriceObservation) decimal.Decimal {
	if len(observations) == 0 {
		return decimal.Decimal{}
	}
	sum := decimal.Decimal{}
	for _, obs := range observations {
		sum = sum.Add(obs.Price)
	}
	return sum.Div(decimal.NewFromInt(int64(len(observations))))
}
