package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect alert rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the effective rule set",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListRules(cmd.Context())
	},
}

var ruleID string

var rulesEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable a rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ruleID == "" {
			return errors.New("--id is required")
		}
		return getApp().ToggleRule(cmd.Context(), ruleID, true)
	},
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable a rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ruleID == "" {
			return errors.New("--id is required")
		}
		return getApp().ToggleRule(cmd.Context(), ruleID, false)
	},
}

var (
	alertID string

	alertsCmd = &cobra.Command{
		Use:   "alerts",
		Short: "Manage persisted alerts",
	}

	alertsAckCmd = &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge an open alert",
		RunE: func(cmd *cobra.Command, args []string) error {
			if alertID == "" {
				return errors.New("--id is required")
			}
			return getApp().AcknowledgeAlert(cmd.Context(), alertID)
		},
	}

	alertsResolveCmd = &cobra.Command{
		Use:   "resolve",
		Short: "Resolve an alert",
		RunE: func(cmd *cobra.Command, args []string) error {
			if alertID == "" {
				return errors.New("--id is required")
			}
			return getApp().ResolveAlert(cmd.Context(), alertID)
		},
	}
)

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.PersistentFlags().StringVar(&ruleID, "id", "", "Rule id")
	rulesCmd.AddCommand(rulesEnableCmd)
	rulesCmd.AddCommand(rulesDisableCmd)

	alertsCmd.PersistentFlags().StringVar(&alertID, "id", "", "Alert id")
	alertsCmd.AddCommand(alertsAckCmd)
	alertsCmd.AddCommand(alertsResolveCmd)
}
