package oracle

import (
	"time"

	"github.com/shopspring/decimal"
)

// Severity ranks operator attention levels.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// ConditionType names the metric an AlertCondition compares against.
type ConditionType string

const (
	ConditionPriceDeviation ConditionType = "price_deviation"
	ConditionDataStaleness  ConditionType = "data_staleness"
	ConditionProtocolDown   ConditionType = "protocol_down"
	// ConditionVolumeAnomaly is reserved and always evaluates false.
	ConditionVolumeAnomaly ConditionType = "volume_anomaly"
)

// RuleLogic combines per-condition outcomes.
type RuleLogic string

const (
	LogicAnd RuleLogic = "AND"
	LogicOr  RuleLogic = "OR"
)

// ChannelType names a notification transport.
type ChannelType string

const (
	ChannelWebhook  ChannelType = "webhook"
	ChannelTelegram ChannelType = "telegram"
	ChannelEmail    ChannelType = "email"
)

// AlertCondition is one clause of a rule. Threshold shares the unit of the
// metric it compares: deviation fraction, staleness milliseconds, or a count
// of down protocols.
type AlertCondition struct {
	Type             ConditionType
	Symbol           string
	Protocol         string
	Threshold        decimal.Decimal
	Duration         time.Duration
	ConsecutiveCount int
}

// AlertRule is operator-defined, long-lived alert configuration. Rules are
// mutated only through the explicit management surface, never by evaluation.
type AlertRule struct {
	ID             string
	Name           string
	Enabled        bool
	Severity       Severity
	Conditions     []AlertCondition
	Logic          RuleLogic
	Cooldown       time.Duration
	MaxOccurrences int
	Channels       []ChannelType
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AlertStatus tracks an alert's lifecycle.
type AlertStatus string

const (
	StatusOpen         AlertStatus = "open"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
)

// Alert is a live incident instance, at most one open per (rule, symbol).
type Alert struct {
	ID              string
	RuleID          string
	Severity        Severity
	Title           string
	Message         string
	Symbol          string
	Context         map[string]string
	Status          AlertStatus
	CreatedAt       time.Time
	AcknowledgedAt  *time.Time
	ResolvedAt      *time.Time
	OccurrenceCount int
}

// IsOpen reports whether the alert still demands attention.
func (a Alert) IsOpen() bool {
	return a.Status == StatusOpen
}
