package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/ids"
	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
	"github.com/imokokok/Insight-beta-sub000/internal/storage"
)

// SeedDefaultRules installs the stock rule set into an empty store:
// deviation >= 1% warns, deviation >= 5% is critical, staleness >= 5 minutes
// warns, and three consecutive cycles with a down source are critical.
func SeedDefaultRules(ctx context.Context, store storage.RuleStore, idgen ids.Generator) error {
	existing, err := store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	now := time.Now().UTC()
	defaults := []oracle.AlertRule{
		{
			Name:     "Price deviation above 1%",
			Enabled:  true,
			Severity: oracle.SeverityWarning,
			Logic:    oracle.LogicAnd,
			Cooldown: 15 * time.Minute,
			Channels: []oracle.ChannelType{oracle.ChannelWebhook},
			Conditions: []oracle.AlertCondition{
				{Type: oracle.ConditionPriceDeviation, Threshold: decimal.NewFromFloat(0.01)},
			},
		},
		{
			Name:     "Price deviation above 5%",
			Enabled:  true,
			Severity: oracle.SeverityCritical,
			Logic:    oracle.LogicAnd,
			Cooldown: 5 * time.Minute,
			Channels: []oracle.ChannelType{oracle.ChannelWebhook, oracle.ChannelTelegram},
			Conditions: []oracle.AlertCondition{
				{Type: oracle.ConditionPriceDeviation, Threshold: decimal.NewFromFloat(0.05)},
			},
		},
		{
			Name:     "Feed stale for 5 minutes",
			Enabled:  true,
			Severity: oracle.SeverityWarning,
			Logic:    oracle.LogicAnd,
			Cooldown: 15 * time.Minute,
			Channels: []oracle.ChannelType{oracle.ChannelWebhook},
			Conditions: []oracle.AlertCondition{
				{Type: oracle.ConditionDataStaleness, Duration: 5 * time.Minute},
			},
		},
		{
			Name:     "Source down 3 cycles",
			Enabled:  true,
			Severity: oracle.SeverityCritical,
			Logic:    oracle.LogicAnd,
			Cooldown: 30 * time.Minute,
			Channels: []oracle.ChannelType{oracle.ChannelWebhook, oracle.ChannelTelegram},
			Conditions: []oracle.AlertCondition{
				{Type: oracle.ConditionProtocolDown, Threshold: decimal.NewFromInt(1), ConsecutiveCount: 3},
			},
		},
	}

	for _, rule := range defaults {
		rule.ID = idgen.NewID()
		rule.CreatedAt = now
		rule.UpdatedAt = now
		if err := store.PutRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %q: %w", rule.Name, err)
		}
	}
	return nil
}
