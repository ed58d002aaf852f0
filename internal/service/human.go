package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jasl/tavern-kit-sub013/internal/domain"
)

// CreateHumanTurnRun creates the placeholder run that tracks whether a human
// speaks within the timeout window. The run is never dispatched for execution
// (run_after stays nil); instead a delayed timeout check is scheduled. Two
// completions race on the queued guard: the human's message and the timeout.
func (s *Service) CreateHumanTurnRun(ctx context.Context, conversation *domain.Conversation, round *domain.Round, speaker *domain.Participant, timeout time.Duration) (*domain.Run, error) {
	expectedLast, err := s.store.LatestMessageID(ctx, conversation.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest message: %w", err)
	}

	roundID := ""
	if round != nil {
		roundID = round.RoundID
	}
	debug, err := json.Marshal(domain.HumanTurnDebug{
		TimeoutSeconds:        int(timeout.Seconds()),
		RoundID:               roundID,
		ExpectedLastMessageID: expectedLast,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal debug metadata: %w", err)
	}

	run := &domain.Run{
		RunID:          newID("run"),
		ConversationID: conversation.ConversationID,
		RoundID:        roundID,
		SpeakerID:      speaker.SpeakerID,
		Kind:           domain.RunKindHumanTurn,
		Status:         domain.RunStatusQueued,
		Reason:         "awaiting human turn",
		Debug:          debug,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.emitter.Emit(ctx, EventParams{
		Name:           domain.EventRunEnqueued,
		ConversationID: conversation.ConversationID,
		SpaceID:        conversation.SpaceID,
		RoundID:        roundID,
		RunID:          run.RunID,
		SpeakerID:      speaker.SpeakerID,
		Payload:        domain.RunEnqueuedPayload{RunID: run.RunID, Kind: run.Kind, SpeakerID: speaker.SpeakerID},
	})

	if s.dispatcher != nil {
		runID := run.RunID
		s.dispatcher.After(timeout, func() {
			if _, err := s.SkipDueToTimeout(context.Background(), runID); err != nil {
				log.Error().Err(err).Str("run_id", runID).Msg("human turn timeout check failed")
			}
		})
	}

	return run, nil
}

// CompleteWithMessage resolves a queued human turn as succeeded, recording the
// completing message. Returns false without error when the run already
// resolved (for example the timeout won the race).
func (s *Service) CompleteWithMessage(ctx context.Context, runID, messageID string) (bool, error) {
	updated, err := s.store.CompleteQueuedRun(ctx, runID, messageID, "human message received")
	if err != nil {
		return false, fmt.Errorf("failed to complete run: %w", err)
	}
	if !updated {
		return false, nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return true, fmt.Errorf("failed to get run: %w", err)
	}

	s.emitter.Emit(ctx, EventParams{
		Name:             domain.EventRunHumanCompleted,
		ConversationID:   run.ConversationID,
		RoundID:          run.RoundID,
		RunID:            run.RunID,
		SpeakerID:        run.SpeakerID,
		TriggerMessageID: messageID,
	})

	if err := s.handleRunResolved(ctx, run, domain.TurnStatusDone); err != nil {
		return true, err
	}
	return true, nil
}

// SkipDueToTimeout resolves a queued human turn as skipped. Firing after the
// run already resolved is the expected way a stale timer disappears: the
// queued guard fails and nothing happens.
func (s *Service) SkipDueToTimeout(ctx context.Context, runID string) (bool, error) {
	errData, err := json.Marshal(domain.RunError{
		Code:    domain.ErrCodeTimeout,
		Message: "human turn timed out",
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal run error: %w", err)
	}

	updated, err := s.store.SkipQueuedRun(ctx, runID, errData, domain.ErrCodeTimeout)
	if err != nil {
		return false, fmt.Errorf("failed to skip run: %w", err)
	}
	if !updated {
		return false, nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return true, fmt.Errorf("failed to get run: %w", err)
	}

	s.emitter.Emit(ctx, EventParams{
		Name:           domain.EventRunHumanTimedOut,
		ConversationID: run.ConversationID,
		RoundID:        run.RoundID,
		RunID:          run.RunID,
		SpeakerID:      run.SpeakerID,
		Reason:         domain.ErrCodeTimeout,
	})

	if err := s.handleRunResolved(ctx, run, domain.TurnStatusSkipped); err != nil {
		return true, err
	}
	return true, nil
}

// PostHumanMessage persists a human message and, when the speaker has a
// pending human turn, resolves it with that message.
func (s *Service) PostHumanMessage(ctx context.Context, conversationID, speakerID, content string) (*domain.Message, error) {
	participant, err := s.store.GetParticipant(ctx, conversationID, speakerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	if participant == nil {
		return nil, fmt.Errorf("speaker %s is not a participant", speakerID)
	}

	message := &domain.Message{
		MessageID:      newID("msg"),
		ConversationID: conversationID,
		SpeakerID:      speakerID,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateMessage(ctx, message, content); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	pending, err := s.store.FindQueuedHumanTurn(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending human turn: %w", err)
	}
	if pending != nil && pending.SpeakerID == speakerID {
		if _, err := s.CompleteWithMessage(ctx, pending.RunID, message.MessageID); err != nil {
			return nil, err
		}
	}

	s.notifyQueueUpdated(ctx, conversationID)
	return message, nil
}
