package alerting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

// Payload 封装单个通道收到的告警内容。
type Payload struct {
	AlertID  string            `json:"alert_id"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Severity oracle.Severity   `json:"severity"`
	Symbol   string            `json:"symbol"`
	Context  map[string]string `json:"context,omitempty"`
}

// Channel 定义告警输送接口。
type Channel interface {
	Type() oracle.ChannelType
	Send(ctx context.Context, payload Payload) error
}

// Dispatcher fans an alert out to its configured channels. Channels fail
// independently: one broken transport never blocks the others and never
// affects alert persistence. The dispatcher only reads alerts, it never
// mutates them.
type Dispatcher struct {
	channels map[oracle.ChannelType]Channel
	logger   zerolog.Logger
	inflight sync.WaitGroup
}

// NewDispatcher registers the available channels.
func NewDispatcher(logger zerolog.Logger, channels ...Channel) *Dispatcher {
	registry := make(map[oracle.ChannelType]Channel, len(channels))
	for _, channel := range channels {
		registry[channel.Type()] = channel
	}
	return &Dispatcher{
		channels: registry,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Empty reports whether no channels are registered.
func (d *Dispatcher) Empty() bool {
	return len(d.channels) == 0
}

// Dispatch renders and sends the alert to every requested channel type,
// isolating per-channel failures.
func (d *Dispatcher) Dispatch(ctx context.Context, alert oracle.Alert, types []oracle.ChannelType) {
	payload := Payload{
		AlertID:  alert.ID,
		Title:    alert.Title,
		Message:  alert.Message,
		Severity: alert.Severity,
		Symbol:   alert.Symbol,
		Context:  alert.Context,
	}

	for _, channelType := range types {
		channel, ok := d.channels[channelType]
		if !ok {
			d.logger.Warn().Str("channel", string(channelType)).Str("alert_id", alert.ID).Msg("channel not configured; skipping")
			continue
		}
		if err := channel.Send(ctx, payload); err != nil {
			d.logger.Error().Err(err).Str("channel", string(channelType)).Str("alert_id", alert.ID).Msg("notification delivery failed")
			continue
		}
		d.logger.Info().Str("channel", string(channelType)).Str("alert_id", alert.ID).Str("symbol", alert.Symbol).Msg("告警已发送")
	}
}

// DispatchAsync runs Dispatch on a tracked goroutine so callers do not block
// on delivery while failures remain observable in logs. Delivery is detached
// from the caller's cancelation: the triggering cycle may finish (and cancel
// its context) while a send is still in flight, and that must not abort the
// send. Each channel enforces its own timeout; Wait bounds shutdown.
func (d *Dispatcher) DispatchAsync(ctx context.Context, alert oracle.Alert, types []oracle.ChannelType) {
	ctx = context.WithoutCancel(ctx)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.Dispatch(ctx, alert, types)
	}()
}

// Wait blocks until all asynchronous dispatches have completed.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Evidence carries the facts rendered into an alert message.
type Evidence struct {
	Symbol         string
	RuleName       string
	Deviation      decimal.Decimal
	ConsensusPrice decimal.Decimal
	Outliers       []string
	At             time.Time
}

// RenderMessage joins the evidence into newline-separated lines in a fixed
// order so every channel shows the same body.
func RenderMessage(e Evidence) string {
	outliers := "none"
	if len(e.Outliers) > 0 {
		outliers = strings.Join(e.Outliers, ",")
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("Symbol: %s\n", e.Symbol))
	builder.WriteString(fmt.Sprintf("Rule: %s\n", e.RuleName))
	builder.WriteString(fmt.Sprintf("Deviation: %s%%\n", e.Deviation.Mul(decimal.NewFromInt(100)).StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Consensus: %s\n", e.ConsensusPrice.StringFixed(4)))
	builder.WriteString(fmt.Sprintf("Outliers: %s\n", outliers))
	builder.WriteString(fmt.Sprintf("Time: %s", e.At.UTC().Format(time.RFC3339)))
	return builder.String()
}
