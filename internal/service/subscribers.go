package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jasl/tavern-kit-sub013/internal/adapter/broadcast"
	"github.com/jasl/tavern-kit-sub013/internal/domain"
)

// LogSubscriber writes every event to the structured log.
type LogSubscriber struct {
	logger zerolog.Logger
}

// NewLogSubscriber creates a logging subscriber.
func NewLogSubscriber(logger zerolog.Logger) *LogSubscriber {
	return &LogSubscriber{logger: logger}
}

// HandleEvent logs the event.
func (l *LogSubscriber) HandleEvent(_ context.Context, event *domain.ConversationEvent) {
	l.logger.Info().
		Str("event", string(event.EventName)).
		Str("conversation_id", event.ConversationID).
		Str("run_id", event.RunID).
		Str("round_id", event.RoundID).
		Str("reason", event.Reason).
		Msg("conversation event")
}

// BroadcastSubscriber forwards events to the realtime gateway so connected
// clients see them without polling.
type BroadcastSubscriber struct {
	client *broadcast.Client
}

// NewBroadcastSubscriber creates a broadcast subscriber.
func NewBroadcastSubscriber(client *broadcast.Client) *BroadcastSubscriber {
	return &BroadcastSubscriber{client: client}
}

// HandleEvent pushes the event; delivery failures are ignored here and logged
// by the client.
func (b *BroadcastSubscriber) HandleEvent(ctx context.Context, event *domain.ConversationEvent) {
	_ = b.client.PushEvent(ctx, event.ConversationID, map[string]interface{}{
		"event_id":    event.EventID,
		"event_name":  string(event.EventName),
		"occurred_at": event.OccurredAt,
		"run_id":      event.RunID,
		"round_id":    event.RoundID,
		"payload":     event.Payload,
	})
}
