package oracle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestClassifyDeviationBoundaries(t *testing.T) {
	cases := []struct {
		fraction float64
		want     DeviationLevel
	}{
		{0, DeviationLow},
		{0.0049, DeviationLow},
		{0.005, DeviationMedium},
		{0.0099, DeviationMedium},
		{0.01, DeviationHigh},
		{0.0199, DeviationHigh},
		{0.02, DeviationCritical},
		{0.5, DeviationCritical},
		{-0.03, DeviationCritical}, // 按绝对值分桶
	}

	for _, tc := range cases {
		got := ClassifyDeviation(decimal.NewFromFloat(tc.fraction))
		if got != tc.want {
			t.Fatalf("偏差 %v 应归为 %s, 实际 %s", tc.fraction, tc.want, got)
		}
	}
}

func TestObservationLatencyFloorsAtZero(t *testing.T) {
	now := time.Now().UTC()
	obs := PriceObservation{ObservedAt: now.Add(time.Minute), FetchedAt: now}
	if obs.LatencyMs() != 0 {
		t.Fatalf("时钟偏移导致的负延迟应取 0, 实际 %d", obs.LatencyMs())
	}

	obs = PriceObservation{ObservedAt: now.Add(-2 * time.Second), FetchedAt: now}
	if obs.LatencyMs() != 2000 {
		t.Fatalf("延迟应为 2000ms, 实际 %d", obs.LatencyMs())
	}
}
