package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/alerting"
	"github.com/imokokok/Insight-beta-sub000/internal/ids"
	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
	"github.com/imokokok/Insight-beta-sub000/internal/storage"
)

// outlierFloor marks a source as an outlier for evidence rendering.
var outlierFloor = decimal.NewFromFloat(0.02)

// Signal is the per-symbol snapshot every rule is evaluated against. All
// rules within one tick see the same snapshot. DownSourceIDs lists the
// sources that reported nothing for the symbol this cycle.
type Signal struct {
	Symbol        string
	Consensus     oracle.ConsensusResult
	Health        oracle.HealthStatus
	DownSourceIDs []string
}

// Engine evaluates declarative alert rules and exclusively owns alert
// lifecycle. The dispatcher only ever reads the alerts it is handed.
type Engine struct {
	rules    storage.RuleStore
	alerts   storage.AlertStore
	notifier *alerting.Dispatcher
	idgen    ids.Generator
	logger   zerolog.Logger
	clock    func() time.Time

	mu sync.Mutex
	// Cooldown and occurrence accounting are keyed per rule, not per
	// (rule, symbol): a rule firing for one symbol suppresses it for every
	// other symbol until the cooldown lapses. This mirrors the original
	// system's behaviour; see DESIGN.md before changing it.
	lastTriggered   map[string]time.Time
	triggerCount    map[string]int
	consecutiveDown map[string]int
}

// NewEngine constructs a rule engine with explicit dependencies so multiple
// independent instances can run without shared state.
func NewEngine(rules storage.RuleStore, alerts storage.AlertStore, notifier *alerting.Dispatcher, idgen ids.Generator, logger zerolog.Logger) *Engine {
	return &Engine{
		rules:           rules,
		alerts:          alerts,
		notifier:        notifier,
		idgen:           idgen,
		logger:          logger.With().Str("component", "rules").Logger(),
		clock:           time.Now,
		lastTriggered:   make(map[string]time.Time),
		triggerCount:    make(map[string]int),
		consecutiveDown: make(map[string]int),
	}
}

// WithClock overrides the time source, for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Evaluate runs every rule against one symbol's snapshot. Rule evaluation
// failures are logged and never abort the remaining rules.
func (e *Engine) Evaluate(ctx context.Context, signal Signal) error {
	e.trackDownStreak(signal)

	rules, err := e.rules.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	now := e.clock().UTC()
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if !e.matches(rule, signal, now) {
			continue
		}
		release, ok := e.reserve(rule, now)
		if !ok {
			continue
		}
		created, err := e.trigger(ctx, rule, signal, now)
		if err != nil {
			release()
			e.logger.Error().Err(err).Str("rule", rule.ID).Str("symbol", signal.Symbol).Msg("rule trigger failed")
			continue
		}
		if !created {
			release()
		}
	}
	return nil
}

func (e *Engine) trackDownStreak(signal Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(signal.DownSourceIDs) > 0 {
		e.consecutiveDown[signal.Symbol]++
	} else {
		e.consecutiveDown[signal.Symbol] = 0
	}
}

func (e *Engine) downStreak(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveDown[symbol]
}

// reserve applies the cooldown and max-occurrence gates and records the
// trigger under one lock acquisition, so concurrent per-symbol evaluations
// cannot both pass the same gate in one tick. The returned release undoes
// the record when no alert row ended up being created.
func (e *Engine) reserve(rule oracle.AlertRule, now time.Time) (release func(), ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	last, had := e.lastTriggered[rule.ID]
	if rule.Cooldown > 0 && had && now.Sub(last) < rule.Cooldown {
		return nil, false
	}
	if rule.MaxOccurrences > 0 && e.triggerCount[rule.ID] >= rule.MaxOccurrences {
		return nil, false
	}

	e.lastTriggered[rule.ID] = now
	e.triggerCount[rule.ID]++
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if had {
			e.lastTriggered[rule.ID] = last
		} else {
			delete(e.lastTriggered, rule.ID)
		}
		e.triggerCount[rule.ID]--
	}, true
}

func (e *Engine) matches(rule oracle.AlertRule, signal Signal, now time.Time) bool {
	if len(rule.Conditions) == 0 {
		return false
	}

	for _, condition := range rule.Conditions {
		met := e.conditionMet(condition, signal, now)
		if rule.Logic == oracle.LogicOr && met {
			return true
		}
		if rule.Logic != oracle.LogicOr && !met {
			return false
		}
	}
	return rule.Logic != oracle.LogicOr
}

func (e *Engine) conditionMet(condition oracle.AlertCondition, signal Signal, now time.Time) bool {
	if condition.Symbol != "" && condition.Symbol != signal.Symbol {
		return false
	}

	switch condition.Type {
	case oracle.ConditionPriceDeviation:
		if !signal.Consensus.HasConsensus() {
			return false
		}
		// Scoped to one protocol: compare that source's own deviation from
		// consensus instead of the cross-source maximum.
		if condition.Protocol != "" {
			deviation, reported := signal.Consensus.PerSourceDeviation[condition.Protocol]
			if !reported {
				return false
			}
			return deviation.Abs().GreaterThanOrEqual(condition.Threshold)
		}
		return signal.Consensus.MaxDeviation.GreaterThanOrEqual(condition.Threshold)

	case oracle.ConditionDataStaleness:
		if signal.Health.LastUpdate.IsZero() {
			return false
		}
		thresholdMs := condition.Threshold.IntPart()
		if condition.Duration > 0 {
			thresholdMs = condition.Duration.Milliseconds()
		}
		return now.Sub(signal.Health.LastUpdate).Milliseconds() >= thresholdMs

	case oracle.ConditionProtocolDown:
		if condition.Protocol != "" {
			if !sourceDown(signal.DownSourceIDs, condition.Protocol) {
				return false
			}
		} else {
			required := int(condition.Threshold.IntPart())
			if required < 1 {
				required = 1
			}
			if len(signal.DownSourceIDs) < required {
				return false
			}
		}
		if condition.ConsecutiveCount > 1 {
			return e.downStreak(signal.Symbol) >= condition.ConsecutiveCount
		}
		return true

	case oracle.ConditionVolumeAnomaly:
		// Reserved; always false until volume data exists.
		return false

	default:
		return false
	}
}

func sourceDown(downIDs []string, source string) bool {
	for _, id := range downIDs {
		if id == source {
			return true
		}
	}
	return false
}

func (e *Engine) trigger(ctx context.Context, rule oracle.AlertRule, signal Signal, now time.Time) (bool, error) {
	evidence := alerting.Evidence{
		Symbol:         signal.Symbol,
		RuleName:       rule.Name,
		Deviation:      signal.Consensus.MaxDeviation,
		ConsensusPrice: signal.Consensus.ConsensusPrice,
		Outliers:       signal.Consensus.Outliers(outlierFloor),
		At:             now,
	}

	candidate := oracle.Alert{
		ID:        e.idgen.NewID(),
		RuleID:    rule.ID,
		Severity:  rule.Severity,
		Title:     fmt.Sprintf("%s: %s", rule.Name, signal.Symbol),
		Message:   alerting.RenderMessage(evidence),
		Symbol:    signal.Symbol,
		Context:   buildContext(signal),
		Status:    oracle.StatusOpen,
		CreatedAt: now,
	}

	stored, created, err := e.alerts.UpsertOpenAlert(ctx, candidate)
	if err != nil {
		return false, fmt.Errorf("upsert alert: %w", err)
	}

	if !created {
		// Existing open alert absorbed the trigger; no duplicate row, no
		// duplicate notification.
		e.logger.Debug().Str("rule", rule.ID).Str("symbol", signal.Symbol).Int("occurrences", stored.OccurrenceCount).Msg("open alert refreshed")
		return false, nil
	}

	e.logger.Info().
		Str("rule", rule.ID).
		Str("symbol", signal.Symbol).
		Str("severity", string(rule.Severity)).
		Str("alert_id", stored.ID).
		Msg("alert created")

	if e.notifier != nil && len(rule.Channels) > 0 {
		e.notifier.DispatchAsync(ctx, stored, rule.Channels)
	}
	return true, nil
}

func buildContext(signal Signal) map[string]string {
	context := map[string]string{
		"symbol":       signal.Symbol,
		"source_count": fmt.Sprintf("%d", signal.Consensus.SourceCount),
		"down_sources": fmt.Sprintf("%d", len(signal.DownSourceIDs)),
	}
	if signal.Consensus.HasConsensus() {
		context["consensus_price"] = signal.Consensus.ConsensusPrice.String()
		context["max_deviation"] = signal.Consensus.MaxDeviation.String()
		context["deviation_level"] = string(oracle.ClassifyDeviation(signal.Consensus.MaxDeviation))
	}
	if len(signal.Health.Issues) > 0 {
		issues := make([]string, 0, len(signal.Health.Issues))
		for _, issue := range signal.Health.Issues {
			issues = append(issues, string(issue))
		}
		context["issues"] = fmt.Sprintf("%v", issues)
	}
	return context
}

// Acknowledge marks an open alert acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, alertID string) error {
	return e.alerts.AcknowledgeAlert(ctx, alertID, e.clock().UTC())
}

// Resolve marks an alert resolved.
func (e *Engine) Resolve(ctx context.Context, alertID string) error {
	return e.alerts.ResolveAlert(ctx, alertID, e.clock().UTC())
}

// ErrRuleNotFound is returned by management operations for unknown ids.
var ErrRuleNotFound = errors.New("rules: rule not found")
