package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Publisher is the transport the notification publisher writes to.
// natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher publishes commission and compliance events to NATS
// JetStream for consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.commissions.commission_rejected
//
// Callers treat publish errors as non-fatal: they are returned so the
// caller can log them, and never affect a committed transition.
type NotificationPublisher struct {
	nats   Publisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// client. A nil client disables publishing.
func NewNotificationPublisher(nats Publisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.commissions"
	}
	return &NotificationPublisher{nats: nats, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

// Notify publishes one event.
func (p *NotificationPublisher) Notify(ctx context.Context, eventType string, payload map[string]any) error {
	if p.nats == nil {
		p.log.Debug().Str("event_type", eventType).Msg("notification: publishing disabled, event dropped")
		return nil
	}

	resourceType, resourceID := resourceOf(payload)
	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      stringField(payload, "actor_id"),
		Recipients:   recipientsFor(eventType, payload),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IsActionable: isActionable(eventType),
		Severity:     severityOf(eventType),
		Category:     categoryOf(eventType),
		OccurredAt:   time.Now().UTC(),
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notification: failed to marshal %s event: %w", eventType, err)
	}

	subject := p.prefix + "." + eventType
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("notification: failed to publish to %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("resource_id", resourceID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
	return nil
}

func resourceOf(payload map[string]any) (string, string) {
	for _, k := range []struct{ key, kind string }{
		{"commission_id", "commission"},
		{"escalation_id", "escalation"},
		{"hold_id", "compliance_hold"},
		{"violation_id", "compliance_violation"},
	} {
		if id := stringField(payload, k.key); id != "" {
			return k.kind, id
		}
	}
	return "", ""
}

// recipientsFor addresses outcome events to the submitter. Queue events are
// fanned out by role on the consumer side and carry no recipients.
func recipientsFor(eventType string, payload map[string]any) []string {
	switch eventType {
	case "commission_rejected", "commission_denied", "commission_approved",
		"commission_paid", "commission_reverted":
		if submitter := stringField(payload, "submitted_by"); submitter != "" {
			return []string{submitter}
		}
	}
	return []string{}
}

func isActionable(eventType string) bool {
	switch eventType {
	case "commission_submitted", "commission_resubmitted", "commission_stage_approved",
		"draw_closed_out", "commission_rejected", "compliance_escalation_requested":
		return true
	}
	return false
}

func severityOf(eventType string) string {
	switch eventType {
	case "commission_denied", "compliance_hold_placed", "compliance_violation_reported":
		return "warning"
	case "commission_rejected", "compliance_escalation_requested":
		return "attention"
	}
	return "info"
}

func categoryOf(eventType string) string {
	if strings.HasPrefix(eventType, "compliance_") {
		return "compliance"
	}
	return "commission_approval"
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
