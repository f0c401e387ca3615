// Package notify fans trade and operator events out to websocket clients,
// Redis subscribers and the alert archive. Delivery is best-effort and
// at-most-once: a slow or absent subscriber never blocks the publisher.
package notify

import (
	"context"
	"errors"

	"escrow-engine/internal/metrics"
)

const (
	// TopicAlerts carries model.Alert values for operators.
	TopicAlerts = "ops.alerts"

	// TopicInventorySynced carries InventorySynced events.
	TopicInventorySynced = "inventory.synced"
)

// UserTopic is the per-user notification topic.
func UserTopic(userID string) string {
	return "user:" + userID
}

// Publisher delivers payload to everyone currently subscribed to topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, string, any) error { return nil }

func record(sink, result string) {
	metrics.Notifications.WithLabelValues(sink, result).Inc()
}
