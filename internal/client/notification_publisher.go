package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-po-approvals/internal/repository"
)

// Event types published for the approval workflow.
const (
	EventApprovalRequired = "approval_required"
	EventLevelApproved    = "level_approved"
	EventFullyApproved    = "fully_approved"
	EventRejected         = "rejected"
)

// NotificationEvent is the JSON schema published to NATS and Redis.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// EventPublisher delivers one event to a transport.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *NotificationEvent) error
}

// EventNotifier turns workflow outcomes into NotificationEvents and hands
// them to a publisher. It satisfies service.Notifier.
type EventNotifier struct {
	pub EventPublisher
	now func() time.Time
}

// NewEventNotifier creates a new EventNotifier.
func NewEventNotifier(pub EventPublisher) *EventNotifier {
	return &EventNotifier{pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

func (n *EventNotifier) ApprovalRequired(ctx context.Context, requestID string, rule *repository.ApprovalRule) error {
	payload := map[string]interface{}{}
	if rule != nil {
		roles := make([]string, 0, len(rule.Levels))
		for _, l := range rule.Levels {
			if l.Role != "" {
				roles = append(roles, l.Role)
			} else {
				roles = append(roles, "user:"+l.UserID)
			}
		}
		payload["rule_id"] = rule.ID
		payload["rule_name"] = rule.Name
		payload["total_levels"] = len(rule.Levels)
		payload["approvers"] = roles
	}
	ev := n.event(EventApprovalRequired, requestID, payload)
	ev.IsActionable = true
	return n.pub.PublishEvent(ctx, ev)
}

func (n *EventNotifier) LevelApproved(ctx context.Context, requestID string, level int) error {
	return n.pub.PublishEvent(ctx, n.event(EventLevelApproved, requestID, map[string]interface{}{"level": level}))
}

func (n *EventNotifier) FullyApproved(ctx context.Context, requestID string) error {
	return n.pub.PublishEvent(ctx, n.event(EventFullyApproved, requestID, nil))
}

func (n *EventNotifier) Rejected(ctx context.Context, requestID, reason string) error {
	ev := n.event(EventRejected, requestID, map[string]interface{}{"reason": reason})
	ev.Severity = "warning"
	return n.pub.PublishEvent(ctx, ev)
}

func (n *EventNotifier) event(eventType, requestID string, payload map[string]interface{}) *NotificationEvent {
	return &NotificationEvent{
		EventType:    eventType,
		ResourceType: "purchase_order",
		ResourceID:   requestID,
		Severity:     "info",
		Category:     "po_approval",
		OccurredAt:   n.now(),
		Payload:      payload,
	}
}

// ── NATS ──────────────────────────────────────────────────────────────────────

// NATSConn is the part of *nats.Conn the publisher uses.
type NATSConn interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes approval workflow events to NATS for
// consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g. notifications.po.rejected
type NotificationPublisher struct {
	nc     NATSConn
	prefix string
	log    zerolog.Logger
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection.
func NewNotificationPublisher(nc NATSConn, prefix string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nc: nc, prefix: prefix, log: log}
}

// PublishEvent publishes ev on <prefix>.<event_type>.
func (p *NotificationPublisher) PublishEvent(_ context.Context, ev *NotificationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification event: %w", err)
	}

	subject := p.prefix + "." + ev.EventType
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", ev.ResourceID).
		Msg("notification: event published")
	return nil
}

// ConnectNATS dials NATS with unlimited reconnects, logging connection state
// changes.
func ConnectNATS(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// ── Fan-out and fallback ──────────────────────────────────────────────────────

// MultiPublisher sends every event to all publishers and joins their errors.
type MultiPublisher []EventPublisher

func (m MultiPublisher) PublishEvent(ctx context.Context, ev *NotificationEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	log zerolog.Logger
}

// NewLogPublisher creates a new LogPublisher.
func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) PublishEvent(_ context.Context, ev *NotificationEvent) error {
	p.log.Info().
		Str("event_type", ev.EventType).
		Str("request_id", ev.ResourceID).
		Interface("payload", ev.Payload).
		Msg("notification: event")
	return nil
}
