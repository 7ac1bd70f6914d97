// Package notify fans incident updates out to the configured sinks.
package notify

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"iats/internal/config"
)

// IncidentUpdate describes one lifecycle notification.
type IncidentUpdate struct {
	IncidentID   string
	Service      string
	Env          string
	Status       string
	Owners       []string
	RunbookURL   string
	DashboardURL string
	Details      string
}

// Sink delivers a message with optional structured context.
type Sink interface {
	Send(ctx context.Context, message string, update *IncidentUpdate)
}

// Notifier drives all configured sinks.
type Notifier struct {
	sinks []Sink
}

// New wires the console sink, plus Slack and the ticket stub when enabled.
func New(cfg *config.Settings, logger *logrus.Logger) *Notifier {
	sinks := []Sink{&ConsoleSink{logger: logger}}
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, &SlackSink{webhookURL: cfg.SlackWebhookURL, logger: logger})
	}
	if cfg.TicketSinkEnabled {
		sinks = append(sinks, &TicketSink{logger: logger})
	}
	return &Notifier{sinks: sinks}
}

// Notify sends a bare message to every sink.
func (n *Notifier) Notify(ctx context.Context, message string) {
	for _, sink := range n.sinks {
		sink.Send(ctx, message, nil)
	}
}

// NotifyIncidentUpdate sends a structured incident update to every sink.
func (n *Notifier) NotifyIncidentUpdate(ctx context.Context, update IncidentUpdate) {
	owners := strings.Join(update.Owners, ", ")
	if owners == "" {
		owners = "unknown"
	}
	message := "incident=" + update.IncidentID + " service=" + update.Service +
		" env=" + update.Env + " status=" + update.Status + " owners=" + owners
	if update.Details != "" {
		message += " details=" + update.Details
	}
	for _, sink := range n.sinks {
		sink.Send(ctx, message, &update)
	}
}

// ConsoleSink logs updates through the service logger.
type ConsoleSink struct {
	logger *logrus.Logger
}

func (s *ConsoleSink) Send(_ context.Context, message string, _ *IncidentUpdate) {
	s.logger.Info(message)
}

// SlackSink posts updates to an incoming webhook.
type SlackSink struct {
	webhookURL string
	logger     *logrus.Logger
}

func (s *SlackSink) Send(ctx context.Context, message string, update *IncidentUpdate) {
	msg := &slack.WebhookMessage{Text: message}
	if update != nil {
		owners := strings.Join(update.Owners, ", ")
		if owners == "" {
			owners = "unknown"
		}
		msg.Attachments = []slack.Attachment{{
			Fields: []slack.AttachmentField{
				{Title: "Owners", Value: owners},
				{Title: "Runbook", Value: orDefault(update.RunbookURL, "not configured")},
				{Title: "Dashboard", Value: orDefault(update.DashboardURL, "not configured")},
			},
		}}
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		s.logger.WithError(err).Warn("slack notify failed")
	}
}

// TicketSink is the stub integration behind TICKET_SINK_ENABLED.
type TicketSink struct {
	logger *logrus.Logger
}

func (s *TicketSink) Send(_ context.Context, message string, _ *IncidentUpdate) {
	s.logger.WithField("sink", "ticket").Info(message)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
