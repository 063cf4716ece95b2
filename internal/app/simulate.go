package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/consensus"
	"github.com/imokokok/Insight-beta-sub000/internal/detector"
	"github.com/imokokok/Insight-beta-sub000/internal/fetcher"
	"github.com/imokokok/Insight-beta-sub000/internal/health"
	"github.com/imokokok/Insight-beta-sub000/internal/ids"
	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
	"github.com/imokokok/Insight-beta-sub000/internal/rules"
	"github.com/imokokok/Insight-beta-sub000/internal/storage"
)

// SimulateAlert 使用给定的若干价格模拟一次完整的检测周期。
// Observations go through in-memory storage so nothing persists, but
// notifications are dispatched over the real configured channels.
func (a *App) SimulateAlert(ctx context.Context, symbol string, prices []decimal.Decimal) error {
	if len(prices) == 0 {
		return errors.New("at least one price is required")
	}

	dispatcher := a.newDispatcher()
	if dispatcher.Empty() {
		return errors.New("未配置任何告警通道")
	}

	memory := storage.NewMemory()
	idgen := ids.UUID{}

	if err := rules.SeedDefaultRules(ctx, memory, idgen); err != nil {
		return err
	}
	engine := rules.NewEngine(memory, memory, dispatcher, idgen, a.Logger)

	adapters := make([]fetcher.SourceAdapter, 0, len(prices))
	for i, price := range prices {
		adapters = append(adapters, &staticAdapter{
			source: fmt.Sprintf("sim-%d", i+1),
			price:  price,
		})
	}

	checker := health.New(health.Options{
		Lookback:      a.Config.Health.Lookback,
		MaxPriceAge:   a.Config.Health.MaxPriceAge,
		MinDataPoints: a.Config.Health.MinDataPoints,
		MaxDeviation:  decimalFromFloat(a.Config.Health.MaxDeviationPct),
	}, memory, a.Logger)

	channels, err := parseChannels(a.Config.Detector.Channels)
	if err != nil {
		return err
	}

	det := detector.New(detector.Options{
		Interval:          a.Config.Detector.Interval,
		SuppressionWindow: a.Config.Detector.SuppressionWindow,
		Symbols:           []string{symbol},
		Channels:          channels,
	}, detector.Deps{
		Adapters:     adapters,
		Consensus:    consensus.New(a.Logger),
		Checker:      checker,
		Engine:       engine,
		Observations: memory,
		Samples:      memory,
		Alerts:       memory,
		Notifier:     dispatcher,
		IDs:          idgen,
	}, a.Logger)

	tick := time.Now().UTC().Truncate(a.Config.Detector.Interval)
	if err := det.RunCycle(ctx, tick); err != nil {
		return err
	}
	dispatcher.Wait()

	alerts, err := memory.ListRecentAlerts(ctx, 10)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		a.Logger.Info().Str("symbol", symbol).Msg("simulation produced no alerts")
		return nil
	}
	for _, alert := range alerts {
		a.Logger.Info().
			Str("alert_id", alert.ID).
			Str("severity", string(alert.Severity)).
			Str("title", alert.Title).
			Msg("simulated alert")
	}
	return nil
}

// staticAdapter reports one fixed price for every requested symbol.
type staticAdapter struct {
	source string
	price  decimal.Decimal
}

func (s *staticAdapter) SourceID() string { return s.source }

func (s *staticAdapter) FetchPrices(_ context.Context, symbols []string) []oracle.PriceObservation {
	now := time.Now().UTC()
	observations := make([]oracle.PriceObservation, 0, len(symbols))
	for _, symbol := range symbols {
		observations = append(observations, oracle.PriceObservation{
			Source:     s.source,
			Symbol:     symbol,
			Price:      s.price,
			ObservedAt: now,
			FetchedAt:  now,
		})
	}
	return observations
}

var _ fetcher.SourceAdapter = (*staticAdapter)(nil)
