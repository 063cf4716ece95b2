package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

func memObservation(source string, price float64, observedAt time.Time) oracle.PriceObservation {
	return oracle.PriceObservation{
		Source:     source,
		Symbol:     "ETH/USD",
		Price:      decimal.NewFromFloat(price),
		ObservedAt: observedAt,
		FetchedAt:  observedAt,
	}
}

func TestMemoryObservationsWindowAndOrder(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, obs := range []oracle.PriceObservation{
		memObservation("a", 3500, now.Add(-2*time.Hour)),
		memObservation("a", 3501, now.Add(-30*time.Minute)),
		memObservation("b", 3499, now.Add(-10*time.Minute)),
	} {
		if err := store.InsertObservation(ctx, obs); err != nil {
			t.Fatalf("插入失败: %v", err)
		}
	}

	listed, err := store.ListRecentObservations(ctx, "ETH/USD", now.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("窗口外数据应被过滤, 实际 %d 条", len(listed))
	}
	if !listed[0].ObservedAt.After(listed[1].ObservedAt) {
		t.Fatal("结果应按时间倒序")
	}

	count, err := store.CountDistinctSources(ctx, "ETH/USD", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if count != 2 {
		t.Fatalf("窗口内不同来源应为 2, 实际 %d", count)
	}
}

func TestMemorySamplesUpsertAndRange(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	bucket := time.Now().UTC().Truncate(time.Minute)

	first := ConsensusSample{Symbol: "ETH/USD", Bucket: bucket, ConsensusPrice: decimal.NewFromInt(3500), Status: "complete"}
	if err := store.UpsertConsensusSample(ctx, first); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	replaced := first
	replaced.ConsensusPrice = decimal.NewFromInt(3501)
	if err := store.UpsertConsensusSample(ctx, replaced); err != nil {
		t.Fatalf("覆盖失败: %v", err)
	}

	samples, err := store.ListSamplesBetween(ctx, "ETH/USD", bucket.Add(-time.Minute), bucket.Add(time.Minute))
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("同一 bucket 应覆盖而非新增, 实际 %d 条", len(samples))
	}
	if !samples[0].ConsensusPrice.Equal(decimal.NewFromInt(3501)) {
		t.Fatalf("覆盖后的值不正确: %s", samples[0].ConsensusPrice)
	}

	outside, _ := store.ListSamplesBetween(ctx, "ETH/USD", bucket.Add(time.Minute), bucket.Add(2*time.Minute))
	if len(outside) != 0 {
		t.Fatal("区间外不应返回样本")
	}
}

func TestMemoryUpsertOpenAlertDeduplicates(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	candidate := oracle.Alert{
		ID:        "first",
		RuleID:    "rule-1",
		Symbol:    "ETH/USD",
		Severity:  oracle.SeverityWarning,
		Status:    oracle.StatusOpen,
		CreatedAt: now,
	}
	stored, created, err := store.UpsertOpenAlert(ctx, candidate)
	if err != nil || !created {
		t.Fatalf("首次应插入: created=%t err=%v", created, err)
	}
	if stored.OccurrenceCount != 1 {
		t.Fatalf("首次 OccurrenceCount 应为 1, 实际 %d", stored.OccurrenceCount)
	}

	dup := candidate
	dup.ID = "second"
	dup.Message = "refreshed"
	stored, created, err = store.UpsertOpenAlert(ctx, dup)
	if err != nil || created {
		t.Fatalf("重复应合并: created=%t err=%v", created, err)
	}
	if stored.ID != "first" || stored.OccurrenceCount != 2 || stored.Message != "refreshed" {
		t.Fatalf("合并结果不正确: %+v", stored)
	}

	// A different rule on the same symbol opens its own alert.
	other := candidate
	other.ID = "third"
	other.RuleID = "rule-2"
	_, created, err = store.UpsertOpenAlert(ctx, other)
	if err != nil || !created {
		t.Fatalf("不同规则应各自开启: created=%t err=%v", created, err)
	}
}

func TestMemoryAlertLifecycle(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	alert := oracle.Alert{ID: "a-1", RuleID: "r", Symbol: "ETH/USD", Status: oracle.StatusOpen, CreatedAt: now}
	if _, _, err := store.UpsertOpenAlert(ctx, alert); err != nil {
		t.Fatalf("插入失败: %v", err)
	}

	if err := store.AcknowledgeAlert(ctx, "a-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("确认失败: %v", err)
	}
	got, _ := store.GetAlert(ctx, "a-1")
	if got.Status != oracle.StatusAcknowledged || got.AcknowledgedAt == nil {
		t.Fatalf("确认状态不正确: %+v", got)
	}

	// Acknowledged alerts still count as unresolved.
	latest, err := store.LatestUnresolvedForSymbol(ctx, "ETH/USD")
	if err != nil || latest.ID != "a-1" {
		t.Fatalf("已确认的告警仍应视为未解决: %v", err)
	}

	if err := store.AcknowledgeAlert(ctx, "a-1", now); err == nil {
		t.Fatal("重复确认应失败")
	}

	if err := store.ResolveAlert(ctx, "a-1", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("解决失败: %v", err)
	}
	got, _ = store.GetAlert(ctx, "a-1")
	if got.Status != oracle.StatusResolved || got.ResolvedAt == nil {
		t.Fatalf("解决状态不正确: %+v", got)
	}

	if _, err := store.LatestUnresolvedForSymbol(ctx, "ETH/USD"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("已全部解决应返回 ErrNotFound, 实际 %v", err)
	}
}

func TestMemoryResolveOpenForSymbol(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, rule := range []string{"r1", "r2"} {
		alert := oracle.Alert{
			ID:        rule,
			RuleID:    rule,
			Symbol:    "ETH/USD",
			Status:    oracle.StatusOpen,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}
		if _, _, err := store.UpsertOpenAlert(ctx, alert); err != nil {
			t.Fatalf("插入失败: %v", err)
		}
	}
	otherSymbol := oracle.Alert{ID: "btc", RuleID: "r1", Symbol: "BTC/USD", Status: oracle.StatusOpen, CreatedAt: now}
	if _, _, err := store.UpsertOpenAlert(ctx, otherSymbol); err != nil {
		t.Fatalf("插入失败: %v", err)
	}

	resolved, err := store.ResolveOpenForSymbol(ctx, "ETH/USD", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("批量解决失败: %v", err)
	}
	if resolved != 2 {
		t.Fatalf("应解决 2 条, 实际 %d", resolved)
	}

	open, _ := store.ListOpenAlerts(ctx)
	if len(open) != 1 || open[0].Symbol != "BTC/USD" {
		t.Fatalf("其他交易对不应受影响: %+v", open)
	}
}

func TestMemoryRuleCRUD(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	rule := oracle.AlertRule{ID: "r-1", Name: "test", Enabled: true, Logic: oracle.LogicAnd}
	if err := store.PutRule(ctx, rule); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	got, err := store.GetRule(ctx, "r-1")
	if err != nil || got.Name != "test" {
		t.Fatalf("读取失败: %v", err)
	}

	if _, err := store.GetRule(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("未知 id 应返回 ErrNotFound, 实际 %v", err)
	}

	deleted, err := store.DeleteRule(ctx, "r-1")
	if err != nil || !deleted {
		t.Fatalf("删除失败: deleted=%t err=%v", deleted, err)
	}
	deleted, _ = store.DeleteRule(ctx, "r-1")
	if deleted {
		t.Fatal("重复删除应返回 false")
	}
}
