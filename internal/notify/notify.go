// Package notify publishes lease lifecycle notifications. The payload
// is always the full lease document as JSON; the topic encodes what
// happened (lease.create, event.start_lease, ...).
package notify

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/croftd/croft/internal/model"
)

// Lease topics.
const (
	TopicLeaseCreate = "lease.create"
	TopicLeaseUpdate = "lease.update"
	TopicLeaseDelete = "lease.delete"
	// TopicBeforeEndStop is emitted when a completed before_end event is
	// rescheduled back into the future.
	TopicBeforeEndStop = "event.before_end_lease.stop"
)

// TopicEvent returns the topic for a completed lifecycle event.
func TopicEvent(eventType model.EventType) string {
	return "event." + string(eventType)
}

// Notifier fans out lease notifications. Delivery is best effort;
// failures are logged by implementations and never surface to the
// lifecycle engine.
type Notifier interface {
	Publish(ctx context.Context, topic string, lease *model.Lease)
}

// LogNotifier writes notifications to the log only. It is the fallback
// when no transport is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier returns a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

// Publish logs the notification.
func (n *LogNotifier) Publish(ctx context.Context, topic string, lease *model.Lease) {
	n.logger.Info().
		Str("event", "notification").
		Str("topic", topic).
		Str("lease_id", lease.ID).
		Str("lease_status", string(lease.Status)).
		Msg("lease notification")
}

func payload(lease *model.Lease) ([]byte, error) {
	return json.Marshal(lease)
}
