package alerting

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

// EmailOptions configure the SMTP channel.
type EmailOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// EmailChannel delivers alerts over SMTP.
type EmailChannel struct {
	opts   EmailOptions
	send   func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
	logger zerolog.Logger
}

// NewEmailChannel constructs an SMTP channel.
func NewEmailChannel(opts EmailOptions, logger zerolog.Logger) *EmailChannel {
	return &EmailChannel{
		opts:   opts,
		send:   smtp.SendMail,
		logger: logger.With().Str("component", "alert_email").Logger(),
	}
}

// Type identifies the channel.
func (e *EmailChannel) Type() oracle.ChannelType {
	return oracle.ChannelEmail
}

// Send delivers the payload as a plain-text message.
func (e *EmailChannel) Send(_ context.Context, payload Payload) error {
	if e.opts.Host == "" || len(e.opts.To) == 0 {
		return fmt.Errorf("email channel not fully configured")
	}

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(payload.Severity)), payload.Title)
	msg := strings.Builder{}
	msg.WriteString(fmt.Sprintf("From: %s\r\n", e.opts.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(e.opts.To, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("\r\n")
	msg.WriteString(payload.Message)
	msg.WriteString("\r\n")

	var auth smtp.Auth
	if e.opts.Username != "" {
		auth = smtp.PlainAuth("", e.opts.Username, e.opts.Password, e.opts.Host)
	}

	addr := fmt.Sprintf("%s:%d", e.opts.Host, e.opts.Port)
	if err := e.send(addr, auth, e.opts.From, e.opts.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

var _ Channel = (*EmailChannel)(nil)
