package consensus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

func obs(source string, price float64) oracle.PriceObservation {
	now := time.Now().UTC()
	return oracle.PriceObservation{
		Source:     source,
		Symbol:     "ETH/USD",
		Price:      decimal.NewFromFloat(price),
		ObservedAt: now,
		FetchedAt:  now,
	}
}

func TestComputeEmpty(t *testing.T) {
	engine := New(zerolog.Nop())

	result := engine.Compute("ETH/USD", nil)
	if result.HasConsensus() {
		t.Fatal("空观测集不应产生共识")
	}
	if result.Symbol != "ETH/USD" {
		t.Fatalf("symbol 应保留, 实际 %q", result.Symbol)
	}
}

func TestComputeDiscardsNonPositive(t *testing.T) {
	engine := New(zerolog.Nop())

	result := engine.Compute("ETH/USD", []oracle.PriceObservation{
		obs("a", 3500),
		obs("b", 0),
		obs("c", -1),
	})
	if result.SourceCount != 1 {
		t.Fatalf("非正价格应被丢弃, 期望 1 个来源, 实际 %d", result.SourceCount)
	}
	if !result.ConsensusPrice.Equal(decimal.NewFromInt(3500)) {
		t.Fatalf("共识价应为 3500, 实际 %s", result.ConsensusPrice)
	}
}

func TestComputeOddMedian(t *testing.T) {
	engine := New(zerolog.Nop())

	result := engine.Compute("ETH/USD", []oracle.PriceObservation{
		obs("a", 3501),
		obs("b", 3499),
		obs("c", 3500),
	})
	if !result.ConsensusPrice.Equal(decimal.NewFromInt(3500)) {
		t.Fatalf("奇数个来源取中位数, 期望 3500, 实际 %s", result.ConsensusPrice)
	}
}

func TestComputeEvenMedianDeterministic(t *testing.T) {
	engine := New(zerolog.Nop())

	// 偶数个来源取较小的中间值，重复计算结果必须一致。
	input := []oracle.PriceObservation{
		obs("a", 3502),
		obs("b", 3498),
		obs("c", 3500),
		obs("d", 3504),
	}
	first := engine.Compute("ETH/USD", input)
	if !first.ConsensusPrice.Equal(decimal.NewFromInt(3500)) {
		t.Fatalf("期望较小中间值 3500, 实际 %s", first.ConsensusPrice)
	}
	for i := 0; i < 10; i++ {
		again := engine.Compute("ETH/USD", input)
		if !again.ConsensusPrice.Equal(first.ConsensusPrice) {
			t.Fatalf("共识价应确定性一致: %s vs %s", again.ConsensusPrice, first.ConsensusPrice)
		}
	}
}

func TestComputeDeviationAndSpread(t *testing.T) {
	engine := New(zerolog.Nop())

	result := engine.Compute("ETH/USD", []oracle.PriceObservation{
		obs("a", 3500),
		obs("b", 3500),
		obs("c", 3570), // +2%
	})

	if result.SourceCount != 3 {
		t.Fatalf("期望 3 个来源, 实际 %d", result.SourceCount)
	}
	if !result.ConsensusPrice.Equal(decimal.NewFromInt(3500)) {
		t.Fatalf("共识价应为 3500, 实际 %s", result.ConsensusPrice)
	}
	if !result.MaxDeviation.Equal(decimal.NewFromFloat(0.02)) {
		t.Fatalf("最大偏差应为 0.02, 实际 %s", result.MaxDeviation)
	}
	if !result.SpreadAbsolute.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("绝对价差应为 70, 实际 %s", result.SpreadAbsolute)
	}
	if dev, ok := result.PerSourceDeviation["c"]; !ok || !dev.Equal(decimal.NewFromFloat(0.02)) {
		t.Fatalf("来源 c 的偏差应为 +0.02, 实际 %v", dev)
	}
	if dev := result.PerSourceDeviation["a"]; !dev.IsZero() {
		t.Fatalf("来源 a 的偏差应为 0, 实际 %s", dev)
	}

	outliers := result.Outliers(decimal.NewFromFloat(0.02))
	if len(outliers) != 1 || outliers[0] != "c" {
		t.Fatalf("离群来源应仅含 c, 实际 %v", outliers)
	}
}
