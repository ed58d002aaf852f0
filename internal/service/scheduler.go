package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jasl/tavern-kit-sub013/internal/domain"
	"github.com/jasl/tavern-kit-sub013/internal/policy"
)

// StartRound begins a new turn cycle with an explicit speaking order. How the
// order is chosen is the caller's policy; every listed speaker must be a
// registered participant. Any previously active round is cancelled.
func (s *Service) StartRound(ctx context.Context, conversationID string, speakerIDs []string) (*domain.Round, error) {
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conversation == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}
	if len(speakerIDs) == 0 {
		return nil, fmt.Errorf("at least one speaker is required")
	}
	for _, speakerID := range speakerIDs {
		p, err := s.store.GetParticipant(ctx, conversationID, speakerID)
		if err != nil {
			return nil, fmt.Errorf("failed to get participant: %w", err)
		}
		if p == nil {
			return nil, fmt.Errorf("speaker %s is not a participant", speakerID)
		}
	}

	if prev, err := s.store.GetActiveRound(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("failed to get active round: %w", err)
	} else if prev != nil {
		if err := s.cancelRound(ctx, conversation, prev); err != nil {
			return nil, err
		}
	}

	round := &domain.Round{
		RoundID:         newID("rnd"),
		ConversationID:  conversationID,
		Status:          domain.RoundStatusActive,
		CurrentPosition: 0,
		CreatedAt:       time.Now(),
	}
	for i, speakerID := range speakerIDs {
		round.Participants = append(round.Participants, domain.RoundParticipant{
			RoundID:   round.RoundID,
			SpeakerID: speakerID,
			Position:  i,
			Status:    domain.TurnStatusPending,
		})
	}
	if err := s.store.CreateRound(ctx, round); err != nil {
		return nil, fmt.Errorf("failed to create round: %w", err)
	}

	s.emitter.Emit(ctx, EventParams{
		Name:           domain.EventRoundStarted,
		ConversationID: conversationID,
		SpaceID:        conversation.SpaceID,
		RoundID:        round.RoundID,
		Payload:        domain.RoundStartedPayload{Speakers: speakerIDs},
	})

	entry, err := s.advanceToEligible(ctx, conversation, round, 0)
	if err != nil {
		return nil, err
	}
	if entry != nil && conversation.AutoProgress {
		if _, err := s.enqueueTurnRun(ctx, conversation, round, entry); err != nil {
			return nil, err
		}
	}

	s.notifyQueueUpdated(ctx, conversationID)
	return s.store.GetRound(ctx, round.RoundID)
}

// cancelRound retires a round together with its queued runs, so only the
// replacement round owns a live turn in the conversation. Stale dispatch
// timers and late human messages then hit terminal runs and no-op.
func (s *Service) cancelRound(ctx context.Context, conversation *domain.Conversation, round *domain.Round) error {
	updated, err := s.store.CompleteRound(ctx, round.RoundID, domain.RoundStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel round: %w", err)
	}
	if !updated {
		return nil
	}

	queued, err := s.store.ListQueuedRunsForRound(ctx, round.RoundID)
	if err != nil {
		return fmt.Errorf("failed to list queued runs: %w", err)
	}
	errData, err := json.Marshal(domain.RunError{
		Code:    domain.ErrCodeRoundCancelled,
		Message: "round cancelled",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal run error: %w", err)
	}
	for _, run := range queued {
		skipped, err := s.store.SkipQueuedRun(ctx, run.RunID, errData, domain.ErrCodeRoundCancelled)
		if err != nil {
			return fmt.Errorf("failed to skip run %s: %w", run.RunID, err)
		}
		if !skipped {
			continue
		}
		s.emitter.Emit(ctx, EventParams{
			Name:           domain.EventRunSkipped,
			ConversationID: run.ConversationID,
			SpaceID:        conversation.SpaceID,
			RoundID:        run.RoundID,
			RunID:          run.RunID,
			SpeakerID:      run.SpeakerID,
			Reason:         domain.ErrCodeRoundCancelled,
			Payload: domain.RunSkippedPayload{
				Code:      domain.ErrCodeRoundCancelled,
				SpeakerID: run.SpeakerID,
			},
		})
	}
	return nil
}

// advanceToEligible walks the round from the given position, skipping entries
// whose speaker is no longer eligible, and moves the cursor to the first
// eligible entry. Returns nil when the round is exhausted, in which case it is
// completed.
func (s *Service) advanceToEligible(ctx context.Context, conversation *domain.Conversation, round *domain.Round, position int) (*domain.RoundParticipant, error) {
	for {
		entry := round.EntryAt(position)
		if entry == nil {
			updated, err := s.store.CompleteRound(ctx, round.RoundID, domain.RoundStatusCompleted)
			if err != nil {
				return nil, fmt.Errorf("failed to complete round: %w", err)
			}
			if updated {
				s.emitter.Emit(ctx, EventParams{
					Name:           domain.EventRoundCompleted,
					ConversationID: conversation.ConversationID,
					SpaceID:        conversation.SpaceID,
					RoundID:        round.RoundID,
				})
			}
			return nil, nil
		}
		if entry.Status != domain.TurnStatusPending {
			position++
			continue
		}

		_, eligible, err := s.speakerEligible(ctx, conversation.ConversationID, entry.SpeakerID, "scheduler")
		if err != nil {
			return nil, err
		}
		if eligible {
			if err := s.store.UpdateRoundPosition(ctx, round.RoundID, position); err != nil {
				return nil, fmt.Errorf("failed to update round position: %w", err)
			}
			round.CurrentPosition = position
			s.emitter.Emit(ctx, EventParams{
				Name:           domain.EventRoundAdvanced,
				ConversationID: conversation.ConversationID,
				SpaceID:        conversation.SpaceID,
				RoundID:        round.RoundID,
				SpeakerID:      entry.SpeakerID,
				Payload:        domain.RoundAdvancedPayload{Position: position, SpeakerID: entry.SpeakerID},
			})
			return entry, nil
		}

		if err := s.store.UpdateRoundParticipantStatus(ctx, round.RoundID, position, domain.TurnStatusSkipped); err != nil {
			return nil, fmt.Errorf("failed to skip round participant: %w", err)
		}
		entry.Status = domain.TurnStatusSkipped
		s.emitter.Emit(ctx, EventParams{
			Name:           domain.EventSpeakerSkipped,
			ConversationID: conversation.ConversationID,
			SpaceID:        conversation.SpaceID,
			RoundID:        round.RoundID,
			SpeakerID:      entry.SpeakerID,
			Reason:         domain.ErrCodeSpeakerUnavailable,
			Payload: domain.SpeakerSkippedPayload{
				SpeakerID: entry.SpeakerID,
				Position:  position,
				Code:      domain.ErrCodeSpeakerUnavailable,
			},
		})
		position++
	}
}

// enqueueTurnRun creates the run representing the given round entry's turn.
// Human speakers get a placeholder human_turn run with a timeout check; AI
// speakers get an auto_turn run dispatched immediately.
func (s *Service) enqueueTurnRun(ctx context.Context, conversation *domain.Conversation, round *domain.Round, entry *domain.RoundParticipant) (*domain.Run, error) {
	participant, err := s.store.GetParticipant(ctx, conversation.ConversationID, entry.SpeakerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	if participant == nil {
		return nil, fmt.Errorf("participant %s not found", entry.SpeakerID)
	}

	if participant.Kind == domain.SpeakerKindHuman {
		return s.CreateHumanTurnRun(ctx, conversation, round, participant, s.config.HumanTurnTimeout)
	}

	now := time.Now()
	run := &domain.Run{
		RunID:          newID("run"),
		ConversationID: conversation.ConversationID,
		RoundID:        round.RoundID,
		SpeakerID:      entry.SpeakerID,
		Kind:           domain.RunKindAutoTurn,
		Status:         domain.RunStatusQueued,
		Reason:         "round turn",
		RunAfter:       &now,
		CreatedAt:      now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.emitter.Emit(ctx, EventParams{
		Name:           domain.EventRunEnqueued,
		ConversationID: conversation.ConversationID,
		SpaceID:        conversation.SpaceID,
		RoundID:        round.RoundID,
		RunID:          run.RunID,
		SpeakerID:      entry.SpeakerID,
		Payload: domain.RunEnqueuedPayload{
			RunID:     run.RunID,
			Kind:      run.Kind,
			SpeakerID: entry.SpeakerID,
			Position:  entry.Position,
		},
	})

	s.scheduleDispatch(run)
	return run, nil
}

// scheduleDispatch arranges for a queued run to be claimed and executed at its
// run_after time. The polling worker is the backstop; double dispatch is safe
// because the claim is a compare-and-set.
func (s *Service) scheduleDispatch(run *domain.Run) {
	if run.RunAfter == nil || s.dispatcher == nil {
		return
	}
	runID := run.RunID
	s.dispatcher.After(time.Until(*run.RunAfter), func() {
		if err := s.DispatchRun(context.Background(), runID); err != nil {
			log.Error().Err(err).Str("run_id", runID).Msg("dispatch failed")
		}
	})
}

// handleRunResolved is invoked after a run reaches a terminal state. It marks
// the round entry, advances the cursor to the next eligible speaker and, when
// automatic progression is on, enqueues the successor run.
func (s *Service) handleRunResolved(ctx context.Context, run *domain.Run, turnStatus domain.TurnStatus) error {
	defer s.notifyQueueUpdated(ctx, run.ConversationID)

	if run.RoundID == "" {
		return nil
	}

	round, err := s.store.GetRound(ctx, run.RoundID)
	if err != nil {
		return fmt.Errorf("failed to get round: %w", err)
	}
	if round == nil || round.Status != domain.RoundStatusActive {
		return nil
	}

	entry := s.entryForRun(round, run)
	if entry == nil {
		return nil
	}
	if err := s.store.UpdateRoundParticipantStatus(ctx, round.RoundID, entry.Position, turnStatus); err != nil {
		return fmt.Errorf("failed to resolve round participant: %w", err)
	}
	entry.Status = turnStatus

	conversation, err := s.store.GetConversation(ctx, run.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to get conversation: %w", err)
	}
	if conversation == nil {
		return nil
	}

	next, err := s.advanceToEligible(ctx, conversation, round, entry.Position+1)
	if err != nil {
		return err
	}
	if next != nil && conversation.AutoProgress && !round.Paused {
		if _, err := s.enqueueTurnRun(ctx, conversation, round, next); err != nil {
			return err
		}
	}
	return nil
}

// entryForRun locates the round entry a run was scheduled for: the cursor
// entry when the speaker matches, otherwise the speaker's first pending entry.
func (s *Service) entryForRun(round *domain.Round, run *domain.Run) *domain.RoundParticipant {
	if entry := round.EntryAt(round.CurrentPosition); entry != nil && entry.SpeakerID == run.SpeakerID {
		return entry
	}
	for i := range round.Participants {
		entry := &round.Participants[i]
		if entry.SpeakerID == run.SpeakerID && entry.Status == domain.TurnStatusPending {
			return entry
		}
	}
	return nil
}

// speakerEligible re-evaluates a speaker's eligibility through the policy
// engine. The requesting identity is passed explicitly.
func (s *Service) speakerEligible(ctx context.Context, conversationID, speakerID, requestedBy string) (*domain.Participant, bool, error) {
	participant, err := s.store.GetParticipant(ctx, conversationID, speakerID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get participant: %w", err)
	}
	if participant == nil {
		return nil, false, nil
	}

	decision, err := s.policy.Evaluate(ctx, policy.EligibilityInput{
		SpeakerID:   participant.SpeakerID,
		Kind:        string(participant.Kind),
		Active:      participant.Active,
		Muted:       participant.Muted,
		RequestedBy: requestedBy,
	})
	if err != nil {
		return participant, false, fmt.Errorf("failed to evaluate eligibility: %w", err)
	}
	return participant, decision == policy.DecisionEligible, nil
}

// SchedulerState derives the conversation's scheduling projection from the
// current round and run rows. Nothing here is cached, so the answer cannot
// drift from ground truth.
func (s *Service) SchedulerState(ctx context.Context, conversationID string) (*domain.SchedulerState, error) {
	round, err := s.store.GetActiveRound(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get active round: %w", err)
	}
	if round == nil {
		return &domain.SchedulerState{SchedulingState: domain.SchedulingStateIdle, RoundPosition: -1}, nil
	}

	state := &domain.SchedulerState{RoundPosition: round.CurrentPosition}
	if entry := round.EntryAt(round.CurrentPosition); entry != nil {
		state.CurrentSpeakerID = entry.SpeakerID
	}

	if round.Paused {
		state.SchedulingState = domain.SchedulingStatePaused
		return state, nil
	}

	run, err := s.store.LatestRunForRound(ctx, round.RoundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	if run != nil && !run.Status.IsTerminal() {
		if run.Kind == domain.RunKindHumanTurn {
			state.SchedulingState = domain.SchedulingStateAwaitingHuman
		} else {
			state.SchedulingState = domain.SchedulingStateAIGenerating
		}
		return state, nil
	}

	if state.CurrentSpeakerID != "" {
		participant, err := s.store.GetParticipant(ctx, conversationID, state.CurrentSpeakerID)
		if err != nil {
			return nil, fmt.Errorf("failed to get participant: %w", err)
		}
		if participant != nil && participant.Kind == domain.SpeakerKindHuman {
			state.SchedulingState = domain.SchedulingStateAwaitingHuman
			return state, nil
		}
	}

	state.SchedulingState = domain.SchedulingStateIdle
	return state, nil
}

// PauseRound suspends automatic progression for a round.
func (s *Service) PauseRound(ctx context.Context, roundID string) error {
	if err := s.store.SetRoundPaused(ctx, roundID, true); err != nil {
		return fmt.Errorf("failed to pause round: %w", err)
	}
	if round, err := s.store.GetRound(ctx, roundID); err == nil && round != nil {
		s.notifyQueueUpdated(ctx, round.ConversationID)
	}
	return nil
}

// ResumeRound re-enables automatic progression for a round. A run that
// resolved while the round was paused advanced the cursor but withheld the
// successor, so resuming re-derives the current pending entry and enqueues
// its run; otherwise the round could never progress again.
func (s *Service) ResumeRound(ctx context.Context, roundID string) error {
	if err := s.store.SetRoundPaused(ctx, roundID, false); err != nil {
		return fmt.Errorf("failed to resume round: %w", err)
	}
	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return fmt.Errorf("failed to get round: %w", err)
	}
	if round == nil {
		return nil
	}
	defer s.notifyQueueUpdated(ctx, round.ConversationID)
	if round.Status != domain.RoundStatusActive {
		return nil
	}

	conversation, err := s.store.GetConversation(ctx, round.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to get conversation: %w", err)
	}
	if conversation == nil || !conversation.AutoProgress {
		return nil
	}

	// A queued or running run keeps the round moving on its own once the
	// pause flag is cleared.
	latest, err := s.store.LatestRunForRound(ctx, roundID)
	if err != nil {
		return fmt.Errorf("failed to get latest run: %w", err)
	}
	if latest != nil && !latest.Status.IsTerminal() {
		return nil
	}

	entry, err := s.advanceToEligible(ctx, conversation, round, round.CurrentPosition)
	if err != nil {
		return err
	}
	if entry != nil {
		if _, err := s.enqueueTurnRun(ctx, conversation, round, entry); err != nil {
			return err
		}
	}
	return nil
}

// CreateForceTalkRun queues an immediate AI turn outside the normal rotation.
func (s *Service) CreateForceTalkRun(ctx context.Context, conversationID, speakerID, reason string) (*domain.Run, error) {
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conversation == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}
	participant, err := s.store.GetParticipant(ctx, conversationID, speakerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	if participant == nil {
		return nil, fmt.Errorf("speaker %s is not a participant", speakerID)
	}

	now := time.Now()
	run := &domain.Run{
		RunID:          newID("run"),
		ConversationID: conversationID,
		SpeakerID:      speakerID,
		Kind:           domain.RunKindForceTalk,
		Status:         domain.RunStatusQueued,
		Reason:         reason,
		RunAfter:       &now,
		CreatedAt:      now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.emitter.Emit(ctx, EventParams{
		Name:           domain.EventRunEnqueued,
		ConversationID: conversationID,
		SpaceID:        conversation.SpaceID,
		RunID:          run.RunID,
		SpeakerID:      speakerID,
		Reason:         reason,
		Payload:        domain.RunEnqueuedPayload{RunID: run.RunID, Kind: run.Kind, SpeakerID: speakerID},
	})
	s.scheduleDispatch(run)
	s.notifyQueueUpdated(ctx, conversationID)
	return run, nil
}

// CreateRegenerateRun queues a run that appends a fresh swipe to an existing
// message instead of creating a new one.
func (s *Service) CreateRegenerateRun(ctx context.Context, conversationID, targetMessageID, reason string) (*domain.Run, error) {
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conversation == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}
	message, err := s.store.GetMessage(ctx, targetMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if message == nil || message.ConversationID != conversationID {
		return nil, fmt.Errorf("message %s not found in conversation", targetMessageID)
	}

	debug, err := json.Marshal(domain.RegenerateDebug{TargetMessageID: targetMessageID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal debug metadata: %w", err)
	}

	now := time.Now()
	run := &domain.Run{
		RunID:          newID("run"),
		ConversationID: conversationID,
		SpeakerID:      message.SpeakerID,
		Kind:           domain.RunKindRegenerate,
		Status:         domain.RunStatusQueued,
		Reason:         reason,
		RunAfter:       &now,
		Debug:          debug,
		CreatedAt:      now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.emitter.Emit(ctx, EventParams{
		Name:             domain.EventRunEnqueued,
		ConversationID:   conversationID,
		SpaceID:          conversation.SpaceID,
		RunID:            run.RunID,
		SpeakerID:        message.SpeakerID,
		TriggerMessageID: targetMessageID,
		Reason:           reason,
		Payload:          domain.RunEnqueuedPayload{RunID: run.RunID, Kind: run.Kind, SpeakerID: message.SpeakerID},
	})
	s.scheduleDispatch(run)
	s.notifyQueueUpdated(ctx, conversationID)
	return run, nil
}
