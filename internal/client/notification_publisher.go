// Package client holds outbound collaborators: the NATS notification
// publisher consumed by ops tooling.
package client

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes commission-engine events to NATS for
// consumption by the ops notification service.
//
// Subject convention: notifications.partners.<event_type>
// Event types: commission_created, commission_clawed_back, payout_batch_created,
//              payout_marked_paid, payout_canceled, partner_suspended,
//              webhook_failed
//
// All publish operations are non-fatal: errors are logged but never propagated
// to the caller, so notification failures never interrupt ledger operations.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	Severity     string         `json:"severity"`
	Category     string         `json:"category"`
	Title        string         `json:"title"`
	Details      string         `json:"details,omitempty"`
	PartnerID    string         `json:"partner_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing.
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log}
}

// Publish sends one event to notifications.partners.<event_type>.
func (p *NotificationPublisher) Publish(event *NotificationEvent) {
	if p.conn == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.partners.%s", event.EventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("resource_id", event.ResourceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("severity", event.Severity).
		Msg("notification: event published")
}
