package oracle

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceObservation is one source's normalized reading for one symbol.
type PriceObservation struct {
	Source     string
	Symbol     string
	Price      decimal.Decimal
	Confidence *float64
	ObservedAt time.Time
	FetchedAt  time.Time
}

// Valid reports whether the observation carries a usable price.
// Non-positive prices are discarded upstream and never stored.
func (o PriceObservation) Valid() bool {
	return o.Price.IsPositive()
}

// LatencyMs is the elapsed time between the source-reported timestamp and
// local retrieval, floored at zero for sources with skewed clocks.
func (o PriceObservation) LatencyMs() int64 {
	ms := o.FetchedAt.Sub(o.ObservedAt).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// ConsensusResult is derived per evaluation cycle and never persisted as-is.
// Deviation fields are meaningful only when SourceCount >= 1.
type ConsensusResult struct {
	Symbol             string
	ConsensusPrice     decimal.Decimal
	PerSourceDeviation map[string]decimal.Decimal
	MaxDeviation       decimal.Decimal
	SpreadAbsolute     decimal.Decimal
	SpreadPercent      decimal.Decimal
	SourceCount        int
}

// HasConsensus reports whether at least one valid observation backed the result.
func (r ConsensusResult) HasConsensus() bool {
	return r.SourceCount > 0
}

// Outliers returns the sources whose absolute deviation meets the given fraction.
func (r ConsensusResult) Outliers(threshold decimal.Decimal) []string {
	var out []string
	for source, dev := range r.PerSourceDeviation {
		if dev.Abs().GreaterThanOrEqual(threshold) {
			out = append(out, source)
		}
	}
	return out
}

// DeviationLevel buckets a deviation fraction for presentation purposes.
// The boundaries are fixed for compatibility and are not alerting thresholds.
type DeviationLevel string

const (
	DeviationLow      DeviationLevel = "low"
	DeviationMedium   DeviationLevel = "medium"
	DeviationHigh     DeviationLevel = "high"
	DeviationCritical DeviationLevel = "critical"
)

var (
	deviationMediumFloor   = decimal.NewFromFloat(0.005)
	deviationHighFloor     = decimal.NewFromFloat(0.01)
	deviationCriticalFloor = decimal.NewFromFloat(0.02)
)

// ClassifyDeviation maps an absolute deviation fraction onto its bucket.
func ClassifyDeviation(fraction decimal.Decimal) DeviationLevel {
	abs := fraction.Abs()
	switch {
	case abs.GreaterThanOrEqual(deviationCriticalFloor):
		return DeviationCritical
	case abs.GreaterThanOrEqual(deviationHighFloor):
		return DeviationHigh
	case abs.GreaterThanOrEqual(deviationMediumFloor):
		return DeviationMedium
	default:
		return DeviationLow
	}
}

// IssueCode identifies a single failed health check.
type IssueCode string

const (
	IssueStale               IssueCode = "STALE"
	IssueInsufficientSources IssueCode = "INSUFFICIENT_SOURCES"
	IssueHighDeviation       IssueCode = "HIGH_DEVIATION"
	IssueNoData              IssueCode = "NO_DATA"
	IssueCheckFailed         IssueCode = "CHECK_FAILED"
)

// HealthStatus is the outcome of one health-check pass for one symbol.
// Statuses are replaced wholesale every cycle, never mutated in place.
type HealthStatus struct {
	Symbol     string
	LastUpdate time.Time
	AgeMs      int64
	Price      decimal.Decimal
	Deviation  decimal.Decimal
	Issues     []IssueCode
	Error      string
	CheckedAt  time.Time
}

// IsHealthy reports whether the pass appended no issues.
func (h HealthStatus) IsHealthy() bool {
	return len(h.Issues) == 0
}

// HasIssue reports whether the given code was appended during the pass.
func (h HealthStatus) HasIssue(code IssueCode) bool {
	for _, issue := range h.Issues {
		if issue == code {
			return true
		}
	}
	return false
}
