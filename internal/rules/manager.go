package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
	"github.com/imokokok/Insight-beta-sub000/internal/storage"
)

// AddRule validates and stores a new rule, assigning an id when absent.
func (e *Engine) AddRule(ctx context.Context, rule oracle.AlertRule) (oracle.AlertRule, error) {
	if err := validateRule(rule); err != nil {
		return oracle.AlertRule{}, err
	}

	if rule.ID == "" {
		rule.ID = e.idgen.NewID()
	}
	now := e.clock().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := e.rules.PutRule(ctx, rule); err != nil {
		return oracle.AlertRule{}, fmt.Errorf("put rule: %w", err)
	}
	e.logger.Info().Str("rule", rule.ID).Str("name", rule.Name).Msg("rule added")
	return rule, nil
}

// UpdateRule replaces an existing rule, preserving its creation time.
func (e *Engine) UpdateRule(ctx context.Context, rule oracle.AlertRule) (oracle.AlertRule, error) {
	if err := validateRule(rule); err != nil {
		return oracle.AlertRule{}, err
	}

	existing, err := e.rules.GetRule(ctx, rule.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return oracle.AlertRule{}, ErrRuleNotFound
		}
		return oracle.AlertRule{}, fmt.Errorf("get rule: %w", err)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = e.clock().UTC()
	if err := e.rules.PutRule(ctx, rule); err != nil {
		return oracle.AlertRule{}, fmt.Errorf("put rule: %w", err)
	}
	return rule, nil
}

// DeleteRule removes a rule, reporting whether it existed.
func (e *Engine) DeleteRule(ctx context.Context, id string) (bool, error) {
	deleted, err := e.rules.DeleteRule(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete rule: %w", err)
	}
	if deleted {
		e.logger.Info().Str("rule", id).Msg("rule deleted")
	}
	return deleted, nil
}

// ToggleRule flips a rule's enabled flag.
func (e *Engine) ToggleRule(ctx context.Context, id string, enabled bool) (oracle.AlertRule, error) {
	rule, err := e.rules.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return oracle.AlertRule{}, ErrRuleNotFound
		}
		return oracle.AlertRule{}, fmt.Errorf("get rule: %w", err)
	}

	rule.Enabled = enabled
	rule.UpdatedAt = e.clock().UTC()
	if err := e.rules.PutRule(ctx, rule); err != nil {
		return oracle.AlertRule{}, fmt.Errorf("put rule: %w", err)
	}
	return rule, nil
}

// ListRules returns all configured rules.
func (e *Engine) ListRules(ctx context.Context) ([]oracle.AlertRule, error) {
	return e.rules.ListRules(ctx)
}

func validateRule(rule oracle.AlertRule) error {
	if rule.Name == "" {
		return errors.New("rule name is required")
	}
	if len(rule.Conditions) == 0 {
		return errors.New("rule needs at least one condition")
	}
	if rule.Logic != oracle.LogicAnd && rule.Logic != oracle.LogicOr {
		return fmt.Errorf("unsupported rule logic %q", rule.Logic)
	}
	for _, condition := range rule.Conditions {
		switch condition.Type {
		case oracle.ConditionPriceDeviation, oracle.ConditionDataStaleness,
			oracle.ConditionProtocolDown, oracle.ConditionVolumeAnomaly:
		default:
			return fmt.Errorf("unsupported condition type %q", condition.Type)
		}
	}
	return nil
}
