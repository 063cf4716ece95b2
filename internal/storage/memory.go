package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

// Memory is a process-local store used by tests and by deployments without a
// configured DSN. One mutex guards all maps; the find-or-create step in
// UpsertOpenAlert is therefore atomic per (rule, symbol).
type Memory struct {
	mu           sync.Mutex
	observations map[string][]oracle.PriceObservation
	samples      []ConsensusSample
	alerts       []*oracle.Alert
	rules        map[string]oracle.AlertRule
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		observations: make(map[string][]oracle.PriceObservation),
		rules:        make(map[string]oracle.AlertRule),
	}
}

// InsertObservation appends one observation to the symbol's history.
func (m *Memory) InsertObservation(_ context.Context, obs oracle.PriceObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations[obs.Symbol] = append(m.observations[obs.Symbol], obs)
	return nil
}

// ListRecentObservations returns a symbol's observations inside the window,
// newest first.
func (m *Memory) ListRecentObservations(_ context.Context, symbol string, since time.Time, limit int) ([]oracle.PriceObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]oracle.PriceObservation, 0)
	for _, obs := range m.observations[symbol] {
		if obs.ObservedAt.Before(since) {
			continue
		}
		matched = append(matched, obs)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ObservedAt.After(matched[j].ObservedAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// CountDistinctSources counts distinct reporting sources inside the window.
func (m *Memory) CountDistinctSources(_ context.Context, symbol string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	for _, obs := range m.observations[symbol] {
		if obs.ObservedAt.Before(since) {
			continue
		}
		seen[obs.Source] = struct{}{}
	}
	return len(seen), nil
}

// UpsertConsensusSample stores or replaces the sample for (symbol, bucket).
func (m *Memory) UpsertConsensusSample(_ context.Context, sample ConsensusSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.samples {
		if existing.Symbol == sample.Symbol && existing.Bucket.Equal(sample.Bucket) {
			sample.CreatedAt = existing.CreatedAt
			m.samples[i] = sample
			return nil
		}
	}
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now().UTC()
	}
	m.samples = append(m.samples, sample)
	return nil
}

// ListSamplesBetween lists one symbol's samples within [from, to).
func (m *Memory) ListSamplesBetween(_ context.Context, symbol string, from, to time.Time) ([]ConsensusSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]ConsensusSample, 0)
	for _, sample := range m.samples {
		if sample.Symbol != symbol {
			continue
		}
		if sample.Bucket.Before(from) || !sample.Bucket.Before(to) {
			continue
		}
		matched = append(matched, sample)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Bucket.Before(matched[j].Bucket) })
	return matched, nil
}

// ListRecentSamples lists the newest samples across all symbols.
func (m *Memory) ListRecentSamples(_ context.Context, limit int) ([]ConsensusSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]ConsensusSample, len(m.samples))
	copy(matched, m.samples)
	sort.Slice(matched, func(i, j int) bool { return matched[i].Bucket.After(matched[j].Bucket) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// UpsertOpenAlert increments the existing open alert for the candidate's
// (rule, symbol) pair or inserts the candidate.
func (m *Memory) UpsertOpenAlert(_ context.Context, candidate oracle.Alert) (oracle.Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.alerts {
		if existing.RuleID == candidate.RuleID && existing.Symbol == candidate.Symbol && existing.Status == oracle.StatusOpen {
			existing.OccurrenceCount++
			existing.Message = candidate.Message
			existing.Context = candidate.Context
			return *existing, false, nil
		}
	}

	stored := candidate
	stored.Status = oracle.StatusOpen
	stored.OccurrenceCount = 1
	m.alerts = append(m.alerts, &stored)
	return stored, true, nil
}

// GetAlert loads one alert by id.
func (m *Memory) GetAlert(_ context.Context, id string) (oracle.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, alert := range m.alerts {
		if alert.ID == id {
			return *alert, nil
		}
	}
	return oracle.Alert{}, ErrNotFound
}

// AcknowledgeAlert marks an open alert acknowledged.
func (m *Memory) AcknowledgeAlert(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, alert := range m.alerts {
		if alert.ID == id && alert.Status == oracle.StatusOpen {
			alert.Status = oracle.StatusAcknowledged
			ts := at
			alert.AcknowledgedAt = &ts
			return nil
		}
	}
	return ErrNotFound
}

// ResolveAlert marks an alert resolved.
func (m *Memory) ResolveAlert(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, alert := range m.alerts {
		if alert.ID == id && alert.Status != oracle.StatusResolved {
			alert.Status = oracle.StatusResolved
			ts := at
			alert.ResolvedAt = &ts
			return nil
		}
	}
	return ErrNotFound
}

// ResolveOpenForSymbol resolves every unresolved alert on a symbol.
func (m *Memory) ResolveOpenForSymbol(_ context.Context, symbol string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resolved := 0
	for _, alert := range m.alerts {
		if alert.Symbol == symbol && alert.Status != oracle.StatusResolved {
			alert.Status = oracle.StatusResolved
			ts := at
			alert.ResolvedAt = &ts
			resolved++
		}
	}
	return resolved, nil
}

// LatestUnresolvedForSymbol returns the newest unresolved alert on a symbol.
func (m *Memory) LatestUnresolvedForSymbol(_ context.Context, symbol string) (oracle.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *oracle.Alert
	for _, alert := range m.alerts {
		if alert.Symbol != symbol || alert.Status == oracle.StatusResolved {
			continue
		}
		if latest == nil || alert.CreatedAt.After(latest.CreatedAt) {
			latest = alert
		}
	}
	if latest == nil {
		return oracle.Alert{}, ErrNotFound
	}
	return *latest, nil
}

// ListOpenAlerts lists all open alerts, newest first.
func (m *Memory) ListOpenAlerts(_ context.Context) ([]oracle.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]oracle.Alert, 0)
	for _, alert := range m.alerts {
		if alert.Status == oracle.StatusOpen {
			matched = append(matched, *alert)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return matched, nil
}

// ListRecentAlerts lists the newest alerts regardless of status.
func (m *Memory) ListRecentAlerts(_ context.Context, limit int) ([]oracle.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]oracle.Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		matched = append(matched, *alert)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// PutRule stores or replaces a rule.
func (m *Memory) PutRule(_ context.Context, rule oracle.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

// GetRule loads one rule by id.
func (m *Memory) GetRule(_ context.Context, id string) (oracle.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return oracle.AlertRule{}, ErrNotFound
	}
	return rule, nil
}

// DeleteRule removes a rule, reporting whether it existed.
func (m *Memory) DeleteRule(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return false, nil
	}
	delete(m.rules, id)
	return true, nil
}

// ListRules returns all rules sorted by name for stable output.
func (m *Memory) ListRules(_ context.Context) ([]oracle.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules := make([]oracle.AlertRule, 0, len(m.rules))
	for _, rule := range m.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules, nil
}

var (
	_ ObservationStore = (*Memory)(nil)
	_ SampleStore      = (*Memory)(nil)
	_ AlertStore       = (*Memory)(nil)
	_ RuleStore        = (*Memory)(nil)
)
