package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
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
	"github.com/imokokok/Insight-beta-sub000/internal/scheduler"
	"github.com/imokokok/Insight-beta-sub000/internal/storage"
)

// Options tune detection cadence and alert suppression.
type Options struct {
	Interval          time.Duration
	SuppressionWindow time.Duration
	Symbols           []string
	Channels          []oracle.ChannelType
	CycleTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.SuppressionWindow <= 0 {
		o.SuppressionWindow = 15 * time.Minute
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = o.Interval
	}
	return o
}

// Detector drives the periodic detection cycle: fetch, persist, consensus,
// health, rule evaluation, and health-issue alerting with dedup.
type Detector struct {
	opts         Options
	adapters     []fetcher.SourceAdapter
	reference    fetcher.ReferencePricer
	consensus    *consensus.Engine
	checker      *health.Checker
	engine       *rules.Engine
	observations storage.ObservationStore
	samples      storage.SampleStore
	alerts       storage.AlertStore
	notifier     *alerting.Dispatcher
	idgen        ids.Generator
	logger       zerolog.Logger
	clock        func() time.Time
}

// Deps aggregates the detector's collaborators.
type Deps struct {
	Adapters     []fetcher.SourceAdapter
	Reference    fetcher.ReferencePricer
	Consensus    *consensus.Engine
	Checker      *health.Checker
	Engine       *rules.Engine
	Observations storage.ObservationStore
	Samples      storage.SampleStore
	Alerts       storage.AlertStore
	Notifier     *alerting.Dispatcher
	IDs          ids.Generator
}

// New constructs a detector.
func New(opts Options, deps Deps, logger zerolog.Logger) *Detector {
	return &Detector{
		opts:         opts.withDefaults(),
		adapters:     deps.Adapters,
		reference:    deps.Reference,
		consensus:    deps.Consensus,
		checker:      deps.Checker,
		engine:       deps.Engine,
		observations: deps.Observations,
		samples:      deps.Samples,
		alerts:       deps.Alerts,
		notifier:     deps.Notifier,
		idgen:        deps.IDs,
		logger:       logger.With().Str("component", "detector").Logger(),
		clock:        time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Start launches the detection loop, running one cycle immediately and then
// on every interval. The returned stop handle halts future cycles and waits
// for the in-flight cycle and any pending notifications to finish; it never
// aborts a cycle midway.
func (d *Detector) Start(ctx context.Context) (stop func()) {
	loopCtx, cancel := context.WithCancel(ctx)
	sched := scheduler.New(scheduler.Options{
		Interval:   d.opts.Interval,
		RunAtStart: true,
	}, d.logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Cycles run on their own context so cancelling the loop lets the
		// current cycle complete instead of cutting its I/O short.
		_ = sched.Run(loopCtx, func(_ context.Context, tick time.Time) error {
			cycleCtx, cancelCycle := context.WithTimeout(context.Background(), d.opts.CycleTimeout)
			defer cancelCycle()
			return d.RunCycle(cycleCtx, tick)
		})
	}()

	return func() {
		cancel()
		wg.Wait()
		if d.notifier != nil {
			d.notifier.Wait()
		}
	}
}

// RunCycle executes one full detection cycle over the tracked symbols. Only
// a failure to enumerate symbols is fatal; everything below that level is
// recovered per symbol.
func (d *Detector) RunCycle(ctx context.Context, tick time.Time) error {
	symbols := d.opts.Symbols
	if len(symbols) == 0 {
		return errors.New("no symbols configured")
	}

	cycle := d.collect(ctx, symbols)

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			d.evaluateSymbol(ctx, tick, symbol, cycle[symbol])
		}(symbol)
	}
	wg.Wait()

	d.logger.Info().Time("tick", tick).Int("symbols", len(symbols)).Msg("detection cycle complete")
	return nil
}

type symbolCycle struct {
	observations []oracle.PriceObservation
	downSources  []string
}

// collect fans out one fetch per adapter and groups the results by symbol.
// An adapter that reports nothing for a symbol counts as down for it.
func (d *Detector) collect(ctx context.Context, symbols []string) map[string]*symbolCycle {
	cycle := make(map[string]*symbolCycle, len(symbols))
	for _, symbol := range symbols {
		cycle[symbol] = &symbolCycle{}
	}

	results := make([][]oracle.PriceObservation, len(d.adapters))
	var wg sync.WaitGroup
	for i, adapter := range d.adapters {
		wg.Add(1)
		go func(i int, adapter fetcher.SourceAdapter) {
			defer wg.Done()
			results[i] = adapter.FetchPrices(ctx, symbols)
		}(i, adapter)
	}
	wg.Wait()

	for i, adapter := range d.adapters {
		covered := make(map[string]bool, len(symbols))
		for _, obs := range results[i] {
			entry, ok := cycle[obs.Symbol]
			if !ok || !obs.Valid() {
				continue
			}
			entry.observations = append(entry.observations, obs)
			covered[obs.Symbol] = true

			if err := d.observations.InsertObservation(ctx, obs); err != nil {
				d.logger.Error().Err(err).Str("source", obs.Source).Str("symbol", obs.Symbol).Msg("failed to persist observation")
			}
		}
		for _, symbol := range symbols {
			if !covered[symbol] {
				d.logger.Warn().Str("source", adapter.SourceID()).Str("symbol", symbol).Msg("source reported no price this cycle")
				cycle[symbol].downSources = append(cycle[symbol].downSources, adapter.SourceID())
			}
		}
	}
	return cycle
}

func (d *Detector) evaluateSymbol(ctx context.Context, tick time.Time, symbol string, data *symbolCycle) {
	result := d.consensus.Compute(symbol, data.observations)

	d.compareReference(ctx, result)
	d.persistSample(ctx, tick, result)

	status := d.checker.Check(ctx, symbol)

	if d.engine != nil {
		signal := rules.Signal{
			Symbol:        symbol,
			Consensus:     result,
			Health:        status,
			DownSourceIDs: data.downSources,
		}
		if err := d.engine.Evaluate(ctx, signal); err != nil {
			d.logger.Error().Err(err).Str("symbol", symbol).Msg("rule evaluation failed")
		}
	}

	if status.IsHealthy() {
		d.autoResolve(ctx, symbol)
		return
	}
	d.raiseHealthAlert(ctx, symbol, status, result)
}

// compareReference logs how far consensus drifted from the external
// reference price. Reference outages are never fatal to the cycle.
func (d *Detector) compareReference(ctx context.Context, result oracle.ConsensusResult) {
	if d.reference == nil || !result.HasConsensus() {
		return
	}

	refPrice, err := d.reference.GetPrice(ctx, result.Symbol)
	if err != nil {
		d.logger.Warn().Err(err).Str("symbol", result.Symbol).Msg("reference price unavailable")
		return
	}

	drift := result.ConsensusPrice.Sub(refPrice).Div(refPrice)
	event := d.logger.Debug()
	if oracle.ClassifyDeviation(drift) != oracle.DeviationLow {
		event = d.logger.Warn()
	}
	event.Str("symbol", result.Symbol).
		Str("consensus", result.ConsensusPrice.String()).
		Str("reference", refPrice.String()).
		Str("drift", drift.StringFixed(6)).
		Msg("reference cross-check")
}

func (d *Detector) persistSample(ctx context.Context, tick time.Time, result oracle.ConsensusResult) {
	sample := storage.ConsensusSample{
		Symbol:      result.Symbol,
		Bucket:      tick.Truncate(d.opts.Interval),
		SourceCount: result.SourceCount,
		Status:      "complete",
	}
	if result.HasConsensus() {
		sample.ConsensusPrice = result.ConsensusPrice
		sample.MaxDeviation = result.MaxDeviation
		sample.SpreadPercent = result.SpreadPercent
	} else {
		sample.Status = "no_consensus"
	}

	if err := d.samples.UpsertConsensusSample(ctx, sample); err != nil {
		d.logger.Error().Err(err).Str("symbol", result.Symbol).Msg("failed to persist consensus sample")
	}
}

// raiseHealthAlert persists a deduplicated alert for an unhealthy symbol and
// dispatches it. A still-unresolved alert created inside the suppression
// window absorbs the signal silently.
func (d *Detector) raiseHealthAlert(ctx context.Context, symbol string, status oracle.HealthStatus, result oracle.ConsensusResult) {
	now := d.clock().UTC()

	existing, err := d.alerts.LatestUnresolvedForSymbol(ctx, symbol)
	if err == nil && now.Sub(existing.CreatedAt) < d.opts.SuppressionWindow {
		d.logger.Debug().Str("symbol", symbol).Str("alert_id", existing.ID).Msg("suppression window active; skipping alert")
		return
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.logger.Error().Err(err).Str("symbol", symbol).Msg("suppression lookup failed")
		return
	}

	primary := status.Issues[0]
	severity := oracle.SeverityWarning
	if status.HasIssue(oracle.IssueHighDeviation) {
		primary = oracle.IssueHighDeviation
		severity = oracle.SeverityCritical
	}

	candidate := oracle.Alert{
		ID:        d.idgen.NewID(),
		RuleID:    "health:" + string(primary),
		Severity:  severity,
		Title:     fmt.Sprintf("Feed unhealthy: %s", symbol),
		Message:   healthMessage(symbol, status, result),
		Symbol:    symbol,
		Context:   healthContext(status, result),
		Status:    oracle.StatusOpen,
		CreatedAt: now,
	}

	stored, created, err := d.alerts.UpsertOpenAlert(ctx, candidate)
	if err != nil {
		d.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to persist health alert")
		return
	}
	if !created {
		return
	}

	d.logger.Info().Str("symbol", symbol).Str("alert_id", stored.ID).Str("severity", string(severity)).Msg("health alert created")
	if d.notifier != nil && len(d.opts.Channels) > 0 {
		d.notifier.DispatchAsync(ctx, stored, d.opts.Channels)
	}
}

func (d *Detector) autoResolve(ctx context.Context, symbol string) {
	resolved, err := d.alerts.ResolveOpenForSymbol(ctx, symbol, d.clock().UTC())
	if err != nil {
		d.logger.Error().Err(err).Str("symbol", symbol).Msg("auto-resolve failed")
		return
	}
	if resolved > 0 {
		d.logger.Info().Str("symbol", symbol).Int("resolved", resolved).Msg("symbol healthy again; alerts resolved")
	}
}

func healthMessage(symbol string, status oracle.HealthStatus, result oracle.ConsensusResult) string {
	issues := make([]string, 0, len(status.Issues))
	for _, issue := range status.Issues {
		issues = append(issues, string(issue))
	}

	evidence := alerting.Evidence{
		Symbol:         symbol,
		RuleName:       "health monitor",
		Deviation:      status.Deviation,
		ConsensusPrice: result.ConsensusPrice,
		Outliers:       result.Outliers(decimal.NewFromFloat(0.02)),
		At:             status.CheckedAt,
	}
	return fmt.Sprintf("Issues: %v\n%s", issues, alerting.RenderMessage(evidence))
}

func healthContext(status oracle.HealthStatus, result oracle.ConsensusResult) map[string]string {
	context := map[string]string{
		"age_ms":       fmt.Sprintf("%d", status.AgeMs),
		"source_count": fmt.Sprintf("%d", result.SourceCount),
	}
	issues := make([]string, 0, len(status.Issues))
	for _, issue := range status.Issues {
		issues = append(issues, string(issue))
	}
	context["issues"] = fmt.Sprintf("%v", issues)
	if result.HasConsensus() {
		context["consensus_price"] = result.ConsensusPrice.String()
		context["max_deviation"] = result.MaxDeviation.String()
	}
	if status.Error != "" {
		context["error"] = status.Error
	}
	return context
}
