package domain

import (
	"encoding/json"
	"time"
)

// Conversation represents a shared multi-party chat.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	SpaceID        string    `json:"space_id,omitempty"`
	Title          string    `json:"title"`
	AutoProgress   bool      `json:"auto_progress"`
	CreatedAt      time.Time `json:"created_at"`
}

// Participant is a speaker registered in a conversation.
type Participant struct {
	SpeakerID      string      `json:"speaker_id"`
	ConversationID string      `json:"conversation_id"`
	Name           string      `json:"name"`
	Kind           SpeakerKind `json:"kind"`
	Active         bool        `json:"active"`
	Muted          bool        `json:"muted"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Message is a single chat message. Its content lives in swipes; exactly one
// swipe is active at a time.
type Message struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SpeakerID      string    `json:"speaker_id"`
	RunID          string    `json:"run_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Swipes         []Swipe   `json:"swipes,omitempty"`
}

// Swipe is one alternative response attached to a message.
type Swipe struct {
	SwipeID   string    `json:"swipe_id"`
	MessageID string    `json:"message_id"`
	Position  int       `json:"position"`
	Content   string    `json:"content"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is the unit of schedulable work: one participant's turn, or a
// non-executing placeholder for a human one.
type Run struct {
	RunID          string          `json:"run_id"`
	ConversationID string          `json:"conversation_id"`
	RoundID        string          `json:"round_id,omitempty"`
	SpeakerID      string          `json:"speaker_id"`
	Kind           RunKind         `json:"kind"`
	Status         RunStatus       `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	RunAfter       *time.Time      `json:"run_after,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	HeartbeatAt    *time.Time      `json:"heartbeat_at,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Debug          json.RawMessage `json:"debug,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// VisibleInUI reports whether the run should appear in UI listings, per the
// kind capability table.
func (r *Run) VisibleInUI() bool {
	caps, ok := CapabilitiesFor(r.Kind)
	if !ok {
		return false
	}
	if caps.VisibleOnlyWhenSkipped {
		return r.Status == RunStatusSkipped
	}
	return true
}

// RunError is the structured error recorded on failed or skipped runs.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Round is one ordered cycle of turns among the participants that were active
// when it started.
type Round struct {
	RoundID         string             `json:"round_id"`
	ConversationID  string             `json:"conversation_id"`
	Status          RoundStatus        `json:"status"`
	Paused          bool               `json:"paused"`
	CurrentPosition int                `json:"current_position"`
	Participants    []RoundParticipant `json:"participants,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// RoundParticipant is one entry in a round's speaking order.
type RoundParticipant struct {
	RoundID   string     `json:"round_id"`
	SpeakerID string     `json:"speaker_id"`
	Position  int        `json:"position"`
	Status    TurnStatus `json:"status"`
}

// EntryAt returns the participant entry at the given position, or nil when the
// position is out of range.
func (r *Round) EntryAt(position int) *RoundParticipant {
	for i := range r.Participants {
		if r.Participants[i].Position == position {
			return &r.Participants[i]
		}
	}
	return nil
}

// ConversationEvent is one immutable row of the append-only event log. All
// references besides the conversation are optional correlation hints.
type ConversationEvent struct {
	EventID          string          `json:"event_id"`
	EventName        EventName       `json:"event_name"`
	Reason           string          `json:"reason,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
	ConversationID   string          `json:"conversation_id"`
	SpaceID          string          `json:"space_id,omitempty"`
	RoundID          string          `json:"round_id,omitempty"`
	RunID            string          `json:"run_id,omitempty"`
	TriggerMessageID string          `json:"trigger_message_id,omitempty"`
	SpeakerID        string          `json:"speaker_id,omitempty"`
}

// SchedulerState is the derived projection exposed to clients.
type SchedulerState struct {
	SchedulingState  SchedulingState `json:"scheduling_state"`
	CurrentSpeakerID string          `json:"current_speaker_id,omitempty"`
	RoundPosition    int             `json:"round_position"`
}

// HumanTurnDebug is the debug metadata carried by human_turn runs.
type HumanTurnDebug struct {
	TimeoutSeconds        int    `json:"timeout_seconds"`
	RoundID               string `json:"round_id,omitempty"`
	ExpectedLastMessageID string `json:"expected_last_message_id,omitempty"`
}

// RegenerateDebug is the debug metadata carried by regenerate runs.
type RegenerateDebug struct {
	TargetMessageID string `json:"target_message_id"`
}

// RunSucceededPayload is the payload for conversation_run.succeeded.
type RunSucceededPayload struct {
	ConversationID   string  `json:"conversation_id"`
	SpaceID          string  `json:"space_id,omitempty"`
	RunID            string  `json:"run_id"`
	Reason           string  `json:"reason,omitempty"`
	TriggerMessageID string  `json:"trigger_message_id,omitempty"`
	MessageID        string  `json:"message_id,omitempty"`
	Kind             RunKind `json:"kind"`
}

// RunFailedPayload is the payload for conversation_run.failed.
type RunFailedPayload struct {
	PreviousStatus RunStatus `json:"previous_status"`
	Code           string    `json:"code"`
	Message        string    `json:"message"`
}

// RunSkippedPayload is the payload for conversation_run.skipped.
type RunSkippedPayload struct {
	Code      string `json:"code"`
	SpeakerID string `json:"speaker_id"`
}

// FailureHandledPayload is the payload for turn_scheduler.failure_handled.
type FailureHandledPayload struct {
	RunID    string `json:"run_id"`
	Code     string `json:"code"`
	Decision string `json:"decision"`
}

// RoundStartedPayload is the payload for turn_scheduler.round_started.
type RoundStartedPayload struct {
	Speakers []string `json:"speakers"`
}

// RoundAdvancedPayload is the payload for turn_scheduler.round_advanced.
type RoundAdvancedPayload struct {
	Position  int    `json:"position"`
	SpeakerID string `json:"speaker_id"`
}

// RunEnqueuedPayload is the payload for turn_scheduler.run_enqueued.
type RunEnqueuedPayload struct {
	RunID     string  `json:"run_id"`
	Kind      RunKind `json:"kind"`
	SpeakerID string  `json:"speaker_id"`
	Position  int     `json:"position"`
}

// SpeakerSkippedPayload is the payload for turn_scheduler.speaker_skipped.
type SpeakerSkippedPayload struct {
	SpeakerID string `json:"speaker_id"`
	Position  int    `json:"position"`
	Code      string `json:"code,omitempty"`
}
