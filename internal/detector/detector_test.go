package detector

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/alerting"
	"github.com/imokokok/Insight-beta-sub000/internal/consensus"
	"github.com/imokokok/Insight-beta-sub000/internal/fetcher"
	"github.com/imokokok/Insight-beta-sub000/internal/health"
	"github.com/imokokok/Insight-beta-sub000/internal/ids"
	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
	"github.com/imokokok/Insight-beta-sub000/internal/rules"
	"github.com/imokokok/Insight-beta-sub000/internal/storage"
)

type fixedAdapter struct {
	source string
	price  decimal.Decimal
	down   bool
}

func (f *fixedAdapter) SourceID() string { return f.source }

func (f *fixedAdapter) FetchPrices(_ context.Context, symbols []string) []oracle.PriceObservation {
	if f.down {
		return nil
	}
	now := time.Now().UTC()
	observations := make([]oracle.PriceObservation, 0, len(symbols))
	for _, symbol := range symbols {
		observations = append(observations, oracle.PriceObservation{
			Source:     f.source,
			Symbol:     symbol,
			Price:      f.price,
			ObservedAt: now,
			FetchedAt:  now,
		})
	}
	return observations
}

var _ fetcher.SourceAdapter = (*fixedAdapter)(nil)

func newTestDetector(t *testing.T, store *storage.Memory, adapters []fetcher.SourceAdapter) *Detector {
	t.Helper()
	logger := zerolog.Nop()
	checker := health.New(health.Options{}, store, logger)
	engine := rules.NewEngine(store, store, nil, ids.UUID{}, logger)
	return New(Options{
		Interval:          time.Minute,
		SuppressionWindow: 15 * time.Minute,
		Symbols:           []string{"ETH/USD"},
	}, Deps{
		Adapters:     adapters,
		Consensus:    consensus.New(logger),
		Checker:      checker,
		Engine:       engine,
		Observations: store,
		Samples:      store,
		Alerts:       store,
		IDs:          ids.UUID{},
	}, logger)
}

func price(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestRunCycleNoSymbols(t *testing.T) {
	store := storage.NewMemory()
	det := newTestDetector(t, store, nil)
	det.opts.Symbols = nil

	if err := det.RunCycle(context.Background(), time.Now()); err == nil {
		t.Fatal("无交易对配置应返回错误")
	}
}

func TestRunCyclePersistsObservationsAndSample(t *testing.T) {
	store := storage.NewMemory()
	det := newTestDetector(t, store, []fetcher.SourceAdapter{
		&fixedAdapter{source: "a", price: price(3500)},
		&fixedAdapter{source: "b", price: price(3501)},
		&fixedAdapter{source: "c", price: price(3499)},
	})

	tick := time.Now().UTC().Truncate(time.Minute)
	if err := det.RunCycle(context.Background(), tick); err != nil {
		t.Fatalf("运行周期失败: %v", err)
	}

	observations, err := store.ListRecentObservations(context.Background(), "ETH/USD", tick.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("查询观测失败: %v", err)
	}
	if len(observations) != 3 {
		t.Fatalf("应持久化 3 条观测, 实际 %d", len(observations))
	}

	samples, err := store.ListRecentSamples(context.Background(), 10)
	if err != nil {
		t.Fatalf("查询样本失败: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("应写入 1 条共识样本, 实际 %d", len(samples))
	}
	if samples[0].Status != "complete" {
		t.Fatalf("共识样本状态应为 complete, 实际 %q", samples[0].Status)
	}
	if !samples[0].ConsensusPrice.Equal(price(3500)) {
		t.Fatalf("共识价应为 3500, 实际 %s", samples[0].ConsensusPrice)
	}

	open, _ := store.ListOpenAlerts(context.Background())
	if len(open) != 0 {
		t.Fatalf("健康交易对不应有告警, 实际 %d 条", len(open))
	}
}

func TestRunCycleNoConsensusSample(t *testing.T) {
	store := storage.NewMemory()
	det := newTestDetector(t, store, []fetcher.SourceAdapter{
		&fixedAdapter{source: "a", down: true},
	})

	tick := time.Now().UTC().Truncate(time.Minute)
	if err := det.RunCycle(context.Background(), tick); err != nil {
		t.Fatalf("运行周期失败: %v", err)
	}

	samples, _ := store.ListRecentSamples(context.Background(), 10)
	if len(samples) != 1 || samples[0].Status != "no_consensus" {
		t.Fatalf("无有效观测应写入 no_consensus 样本, 实际 %+v", samples)
	}
}

func TestHealthAlertSuppressionWindow(t *testing.T) {
	store := storage.NewMemory()
	// Two sources only: INSUFFICIENT_SOURCES every cycle.
	det := newTestDetector(t, store, []fetcher.SourceAdapter{
		&fixedAdapter{source: "a", price: price(3500)},
		&fixedAdapter{source: "b", price: price(3501)},
	})

	base := time.Now().UTC()
	det.WithClock(func() time.Time { return base })

	if err := det.RunCycle(context.Background(), base); err != nil {
		t.Fatalf("运行周期失败: %v", err)
	}
	open, _ := store.ListOpenAlerts(context.Background())
	if len(open) != 1 {
		t.Fatalf("来源不足应产生 1 条健康告警, 实际 %d", len(open))
	}
	if open[0].RuleID != "health:"+string(oracle.IssueInsufficientSources) {
		t.Fatalf("健康告警 RuleID 不正确: %q", open[0].RuleID)
	}
	if open[0].Severity != oracle.SeverityWarning {
		t.Fatalf("非偏差问题应为 warning, 实际 %s", open[0].Severity)
	}

	// Second cycle 5 minutes later lands inside the suppression window.
	det.WithClock(func() time.Time { return base.Add(5 * time.Minute) })
	if err := det.RunCycle(context.Background(), base.Add(5*time.Minute)); err != nil {
		t.Fatalf("运行周期失败: %v", err)
	}
	open, _ = store.ListOpenAlerts(context.Background())
	if len(open) != 1 {
		t.Fatalf("抑制窗口内不应新建告警, 实际 %d 条", len(open))
	}
	if open[0].OccurrenceCount != 1 {
		t.Fatalf("抑制窗口内应完全跳过, OccurrenceCount 仍为 1, 实际 %d", open[0].OccurrenceCount)
	}
}

type stalledChannel struct {
	entered chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (c *stalledChannel) Type() oracle.ChannelType { return oracle.ChannelWebhook }

func (c *stalledChannel) Send(ctx context.Context, _ alerting.Payload) error {
	close(c.entered)
	<-c.release
	c.ctxErr <- ctx.Err()
	return nil
}

func TestHealthAlertDeliveryCompletesAfterCycle(t *testing.T) {
	store := storage.NewMemory()
	det := newTestDetector(t, store, []fetcher.SourceAdapter{
		&fixedAdapter{source: "a", down: true},
	})

	channel := &stalledChannel{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
	det.notifier = alerting.NewDispatcher(zerolog.Nop(), channel)
	det.opts.Channels = []oracle.ChannelType{oracle.ChannelWebhook}

	ctx, cancel := context.WithCancel(context.Background())
	if err := det.RunCycle(ctx, time.Now().UTC().Truncate(time.Minute)); err != nil {
		t.Fatalf("运行周期失败: %v", err)
	}
	<-channel.entered

	// The loop cancels the cycle context as soon as the cycle returns; the
	// send still in flight must not be cut short by it.
	cancel()
	close(channel.release)
	det.notifier.Wait()

	if err := <-channel.ctxErr; err != nil {
		t.Fatalf("周期结束后通知仍应完整送达: %v", err)
	}
}

func TestHealthyCycleAutoResolves(t *testing.T) {
	store := storage.NewMemory()

	seeded := oracle.Alert{
		ID:        "seed",
		RuleID:    "health:" + string(oracle.IssueNoData),
		Severity:  oracle.SeverityWarning,
		Symbol:    "ETH/USD",
		Status:    oracle.StatusOpen,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	if _, _, err := store.UpsertOpenAlert(context.Background(), seeded); err != nil {
		t.Fatalf("预置告警失败: %v", err)
	}

	det := newTestDetector(t, store, []fetcher.SourceAdapter{
		&fixedAdapter{source: "a", price: price(3500)},
		&fixedAdapter{source: "b", price: price(3501)},
		&fixedAdapter{source: "c", price: price(3499)},
	})

	if err := det.RunCycle(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("运行周期失败: %v", err)
	}

	open, _ := store.ListOpenAlerts(context.Background())
	if len(open) != 0 {
		t.Fatalf("恢复健康后历史告警应自动解决, 实际 %d 条仍开启", len(open))
	}
	alert, err := store.GetAlert(context.Background(), "seed")
	if err != nil {
		t.Fatalf("查询告警失败: %v", err)
	}
	if alert.Status != oracle.StatusResolved || alert.ResolvedAt == nil {
		t.Fatalf("预置告警应已解决, 实际状态 %s", alert.Status)
	}
}
