// Package store provides persistence for conversations, rounds, runs and the
// event log.
package store

import (
	"context"
	"time"

	"github.com/jasl/tavern-kit-sub013/internal/domain"
)

// EventFilter narrows an event log query. Zero-value fields are ignored.
type EventFilter struct {
	ConversationID string
	RoundID        string
	RunID          string
	NamePrefix     string
	Limit          int
}

// Store defines the persistence operations used by the scheduler core.
type Store interface {
	Close() error

	CreateConversation(ctx context.Context, conversation *domain.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	CreateParticipant(ctx context.Context, participant *domain.Participant) error
	GetParticipant(ctx context.Context, conversationID, speakerID string) (*domain.Participant, error)
	ListParticipants(ctx context.Context, conversationID string) ([]domain.Participant, error)
	SetParticipantMuted(ctx context.Context, conversationID, speakerID string, muted bool) error
	SetParticipantActive(ctx context.Context, conversationID, speakerID string, active bool) error

	// CreateMessage persists the message and its first swipe, marked active.
	CreateMessage(ctx context.Context, message *domain.Message, content string) error
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	// ListMessages returns messages oldest-first, each carrying only its
	// active swipe.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	LatestMessageID(ctx context.Context, conversationID string) (string, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	// AppendSwipe adds a new swipe to an existing message and makes it the
	// active one.
	AppendSwipe(ctx context.Context, messageID, swipeID, content string) (*domain.Swipe, error)

	CreateRound(ctx context.Context, round *domain.Round) error
	GetRound(ctx context.Context, roundID string) (*domain.Round, error)
	GetActiveRound(ctx context.Context, conversationID string) (*domain.Round, error)
	UpdateRoundPosition(ctx context.Context, roundID string, position int) error
	UpdateRoundParticipantStatus(ctx context.Context, roundID string, position int, status domain.TurnStatus) error
	// CompleteRound transitions an ACTIVE round to the given terminal status.
	CompleteRound(ctx context.Context, roundID string, status domain.RoundStatus) (bool, error)
	SetRoundPaused(ctx context.Context, roundID string, paused bool) error

	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	// ClaimRun is the atomic QUEUED -> RUNNING transition. Exactly one caller
	// wins for a given run id.
	ClaimRun(ctx context.Context, runID string, now time.Time) (bool, error)
	// CompleteQueuedRun resolves a queued human turn as succeeded, recording
	// the completing message.
	CompleteQueuedRun(ctx context.Context, runID, messageID, reason string) (bool, error)
	// SkipQueuedRun resolves a queued run as skipped with a structured error.
	SkipQueuedRun(ctx context.Context, runID string, errData []byte, reason string) (bool, error)
	// FinalizeRun transitions a RUNNING run to succeeded or failed.
	FinalizeRun(ctx context.Context, runID string, status domain.RunStatus, messageID string, errData []byte) (bool, error)
	// ListDueRuns returns queued executable runs whose run_after has passed.
	ListDueRuns(ctx context.Context, now time.Time, limit int) ([]domain.Run, error)
	LatestRunForRound(ctx context.Context, roundID string) (*domain.Run, error)
	ListQueuedRunsForRound(ctx context.Context, roundID string) ([]domain.Run, error)
	// FindQueuedHumanTurn returns the oldest queued human_turn whose round is
	// still live; turns left behind by a terminal round are never matched.
	FindQueuedHumanTurn(ctx context.Context, conversationID string) (*domain.Run, error)

	CreateEvent(ctx context.Context, event *domain.ConversationEvent) error
	// QueryEvents returns events most-recent-first.
	QueryEvents(ctx context.Context, filter EventFilter) ([]domain.ConversationEvent, error)
}
