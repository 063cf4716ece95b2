package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/imokokok/Insight-beta-sub000/internal/ids"
	"github.com/imokokok/Insight-beta-sub000/internal/rules"
)

// ListRules prints the effective rule set after seeding defaults.
func (a *App) ListRules(ctx context.Context) error {
	stores, closeStores, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	idgen := ids.UUID{}
	if err := rules.SeedDefaultRules(ctx, stores.Rules, idgen); err != nil {
		return err
	}

	engine := rules.NewEngine(stores.Rules, stores.Alerts, a.newDispatcher(), idgen, a.Logger)
	ruleSet, err := engine.ListRules(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tEnabled\tSeverity\tLogic\tCooldown\tChannels")
	for _, rule := range ruleSet {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%t\t%s\t%s\t%s\t%v\n",
			rule.ID,
			rule.Name,
			rule.Enabled,
			rule.Severity,
			rule.Logic,
			rule.Cooldown,
			rule.Channels,
		)
	}
	return writer.Flush()
}

// ToggleRule enables or disables a rule by id after seeding defaults.
func (a *App) ToggleRule(ctx context.Context, id string, enabled bool) error {
	stores, closeStores, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	idgen := ids.UUID{}
	if err := rules.SeedDefaultRules(ctx, stores.Rules, idgen); err != nil {
		return err
	}

	engine := rules.NewEngine(stores.Rules, stores.Alerts, a.newDispatcher(), idgen, a.Logger)
	rule, err := engine.ToggleRule(ctx, id, enabled)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("rule", rule.ID).Str("name", rule.Name).Bool("enabled", rule.Enabled).Msg("rule toggled")
	return nil
}

// AcknowledgeAlert marks a persisted alert as acknowledged.
func (a *App) AcknowledgeAlert(ctx context.Context, id string) error {
	stores, closeStores, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	if err := stores.Alerts.AcknowledgeAlert(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	a.Logger.Info().Str("alert_id", id).Msg("alert acknowledged")
	return nil
}

// ResolveAlert marks a persisted alert as resolved.
func (a *App) ResolveAlert(ctx context.Context, id string) error {
	stores, closeStores, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	if err := stores.Alerts.ResolveAlert(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	a.Logger.Info().Str("alert_id", id).Msg("alert resolved")
	return nil
}
