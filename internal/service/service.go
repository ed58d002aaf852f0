// Package service implements the turn-scheduling and run-execution core:
// claiming, execution, round advancement, the human-turn race and the event
// log surface.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jasl/tavern-kit-sub013/internal/config"
	"github.com/jasl/tavern-kit-sub013/internal/dispatch"
	"github.com/jasl/tavern-kit-sub013/internal/domain"
	"github.com/jasl/tavern-kit-sub013/internal/policy"
	store "github.com/jasl/tavern-kit-sub013/internal/repository"
)

// ContextBuilder assembles the generation prompt for a run. Prompt assembly
// itself is external to the scheduling core.
type ContextBuilder interface {
	BuildPrompt(ctx context.Context, conversation *domain.Conversation, speaker *domain.Participant, run *domain.Run) (string, error)
}

// Generator produces the AI response text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Broadcaster notifies connected observers after state-affecting mutations.
type Broadcaster interface {
	NotifyQueueUpdated(ctx context.Context, conversationID string) error
}

// RetryPolicy decides what happens after a run fails: retry after a delay, or
// advance to the next participant.
type RetryPolicy interface {
	NextAttempt(run *domain.Run, code string) (time.Duration, bool)
}

// NoRetryPolicy never retries; a failed turn advances the round.
type NoRetryPolicy struct{}

// NextAttempt always declines.
func (NoRetryPolicy) NextAttempt(*domain.Run, string) (time.Duration, bool) {
	return 0, false
}

// Service wires the scheduling core together.
type Service struct {
	store      store.Store
	emitter    *Emitter
	policy     *policy.Engine
	builder    ContextBuilder
	generator  Generator
	dispatcher dispatch.Dispatcher
	broadcast  Broadcaster
	retry      RetryPolicy
	config     *config.Config
}

// New creates a new service.
func New(st store.Store, emitter *Emitter, policyEngine *policy.Engine, builder ContextBuilder,
	generator Generator, dispatcher dispatch.Dispatcher, broadcaster Broadcaster,
	retry RetryPolicy, cfg *config.Config) *Service {
	if retry == nil {
		retry = NoRetryPolicy{}
	}
	return &Service{
		store:      st,
		emitter:    emitter,
		policy:     policyEngine,
		builder:    builder,
		generator:  generator,
		dispatcher: dispatcher,
		broadcast:  broadcaster,
		retry:      retry,
		config:     cfg,
	}
}

func newID(prefix string) string {
	return prefix + "_" + uuid.New().String()[:8]
}

// notifyQueueUpdated is best-effort; delivery failures never affect the
// transition that triggered them.
func (s *Service) notifyQueueUpdated(ctx context.Context, conversationID string) {
	if s.broadcast == nil {
		return
	}
	_ = s.broadcast.NotifyQueueUpdated(ctx, conversationID)
}
