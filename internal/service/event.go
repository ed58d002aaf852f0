package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jasl/tavern-kit-sub013/internal/domain"
	store "github.com/jasl/tavern-kit-sub013/internal/repository"
)

// Subscriber receives every emitted event. Subscribers are enumerated at
// construction time rather than discovered through an ambient bus.
type Subscriber interface {
	HandleEvent(ctx context.Context, event *domain.ConversationEvent)
}

// EventParams describes one event to emit. The conversation is required;
// every other reference is optional correlation data.
type EventParams struct {
	Name             domain.EventName
	ConversationID   string
	SpaceID          string
	RoundID          string
	RunID            string
	SpeakerID        string
	TriggerMessageID string
	Reason           string
	Payload          interface{}
}

// Emitter appends events to the log and fans them out to subscribers. The
// whole pipeline is best-effort: failures are logged and swallowed so event
// emission can never roll back the state transition it describes.
type Emitter struct {
	store       store.Store
	subscribers []Subscriber
}

// NewEmitter creates an emitter with an explicit subscriber list.
func NewEmitter(st store.Store, subscribers ...Subscriber) *Emitter {
	return &Emitter{store: st, subscribers: subscribers}
}

// Emit persists the event and delivers it to every subscriber, in order.
// Emits issued by one logical transition are delivered in call order.
func (e *Emitter) Emit(ctx context.Context, params EventParams) {
	var payload json.RawMessage
	if params.Payload != nil {
		data, err := json.Marshal(params.Payload)
		if err != nil {
			log.Error().Err(err).Str("event", string(params.Name)).Msg("failed to marshal event payload")
		} else {
			payload = data
		}
	}

	event := &domain.ConversationEvent{
		EventID:          newID("evt"),
		EventName:        params.Name,
		Reason:           params.Reason,
		Payload:          payload,
		OccurredAt:       time.Now(),
		ConversationID:   params.ConversationID,
		SpaceID:          params.SpaceID,
		RoundID:          params.RoundID,
		RunID:            params.RunID,
		TriggerMessageID: params.TriggerMessageID,
		SpeakerID:        params.SpeakerID,
	}

	if err := e.store.CreateEvent(ctx, event); err != nil {
		log.Error().Err(err).Str("event", string(event.EventName)).Str("conversation_id", event.ConversationID).Msg("failed to persist event")
	}

	for _, sub := range e.subscribers {
		sub.HandleEvent(ctx, event)
	}

	log.Debug().
		Str("event", string(event.EventName)).
		Str("conversation_id", event.ConversationID).
		Str("run_id", event.RunID).
		Str("round_id", event.RoundID).
		Msg("event emitted")
}

// Event stream defaults and bounds.
const (
	DefaultEventLimit = 50
	MaxEventLimit     = 500
)

// EventStream returns events for a conversation, most-recent-first. A zero,
// negative or missing limit means the default, never "return nothing"; the
// limit is clamped to MaxEventLimit. Scope selects an event-name prefix:
// "scheduler" and "run" filter; anything else returns the unfiltered set.
func (s *Service) EventStream(ctx context.Context, conversationID, roundID, runID, scope string, limit int) ([]domain.ConversationEvent, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}

	prefix := ""
	switch scope {
	case "scheduler":
		prefix = domain.EventPrefixScheduler
	case "run":
		prefix = domain.EventPrefixRun
	}

	return s.store.QueryEvents(ctx, store.EventFilter{
		ConversationID: conversationID,
		RoundID:        roundID,
		RunID:          runID,
		NamePrefix:     prefix,
		Limit:          limit,
	})
}
