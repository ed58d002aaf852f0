// Package domain defines the core domain models for the turn scheduler.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusSkipped   RunStatus = "SKIPPED"
)

// IsTerminal reports whether the status is a sink state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusSkipped:
		return true
	}
	return false
}

// RoundStatus represents the lifecycle status of a round.
type RoundStatus string

const (
	RoundStatusActive    RoundStatus = "ACTIVE"
	RoundStatusCompleted RoundStatus = "COMPLETED"
	RoundStatusCancelled RoundStatus = "CANCELLED"
)

// SchedulingState is the coarse projection of what a conversation is waiting on.
// It is always derived from the current round and run rows, never stored.
type SchedulingState string

const (
	SchedulingStateIdle          SchedulingState = "IDLE"
	SchedulingStateAIGenerating  SchedulingState = "AI_GENERATING"
	SchedulingStateAwaitingHuman SchedulingState = "AWAITING_HUMAN"
	SchedulingStatePaused        SchedulingState = "PAUSED"
)

// TurnStatus represents the resolution of one participant entry within a round.
type TurnStatus string

const (
	TurnStatusPending TurnStatus = "PENDING"
	TurnStatusDone    TurnStatus = "DONE"
	TurnStatusSkipped TurnStatus = "SKIPPED"
)

// SpeakerKind distinguishes human participants from AI ones.
type SpeakerKind string

const (
	SpeakerKindHuman SpeakerKind = "human"
	SpeakerKindAI    SpeakerKind = "ai"
)

// Error codes recorded on failed or skipped runs.
const (
	ErrCodeSpeakerUnavailable = "speaker_unavailable"
	ErrCodeContextBuilder     = "context_builder_error"
	ErrCodeGeneration         = "generation_error"
	ErrCodeTimeout            = "timeout"
	ErrCodeMalformedDebugMeta = "malformed_debug_metadata"
	ErrCodeRoundCancelled     = "round_cancelled"
)

// EventName identifies a conversation event in the dot-namespaced taxonomy.
type EventName string

const (
	EventRoundStarted   EventName = "turn_scheduler.round_started"
	EventRoundAdvanced  EventName = "turn_scheduler.round_advanced"
	EventRoundCompleted EventName = "turn_scheduler.round_completed"
	EventRunEnqueued    EventName = "turn_scheduler.run_enqueued"
	EventSpeakerSkipped EventName = "turn_scheduler.speaker_skipped"
	EventFailureHandled EventName = "turn_scheduler.failure_handled"

	EventRunClaimed        EventName = "conversation_run.claimed"
	EventRunSucceeded      EventName = "conversation_run.succeeded"
	EventRunFailed         EventName = "conversation_run.failed"
	EventRunSkipped        EventName = "conversation_run.skipped"
	EventRunHumanCompleted EventName = "conversation_run.human_completed"
	EventRunHumanTimedOut  EventName = "conversation_run.human_timed_out"
)

// Event name prefixes used by scoped event queries.
const (
	EventPrefixScheduler = "turn_scheduler."
	EventPrefixRun       = "conversation_run."
)
