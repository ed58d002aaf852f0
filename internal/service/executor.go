package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jasl/tavern-kit-sub013/internal/domain"
)

// ExecuteRun drives a claimed run to a terminal state: build the prompt,
// generate, persist the result and finalize. Failures are converted into a
// terminal failed run and never re-raised past this boundary.
func (s *Service) ExecuteRun(ctx context.Context, run *domain.Run) error {
	if run == nil || run.Status != domain.RunStatusRunning {
		return fmt.Errorf("run must be claimed before execution")
	}

	conversation, err := s.store.GetConversation(ctx, run.ConversationID)
	if err != nil || conversation == nil {
		return s.FinalizeFailed(ctx, run.RunID, domain.ErrCodeContextBuilder, "conversation not found")
	}
	speaker, err := s.store.GetParticipant(ctx, run.ConversationID, run.SpeakerID)
	if err != nil || speaker == nil {
		return s.FinalizeFailed(ctx, run.RunID, domain.ErrCodeContextBuilder, "speaker not found")
	}

	prompt, err := s.builder.BuildPrompt(ctx, conversation, speaker, run)
	if err != nil {
		return s.FinalizeFailed(ctx, run.RunID, domain.ErrCodeContextBuilder, err.Error())
	}

	text, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		return s.FinalizeFailed(ctx, run.RunID, domain.ErrCodeGeneration, err.Error())
	}

	if run.Kind == domain.RunKindRegenerate {
		return s.persistRegeneration(ctx, run, text)
	}

	message := &domain.Message{
		MessageID:      newID("msg"),
		ConversationID: run.ConversationID,
		SpeakerID:      run.SpeakerID,
		RunID:          run.RunID,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateMessage(ctx, message, text); err != nil {
		return s.FinalizeFailed(ctx, run.RunID, domain.ErrCodeGeneration, fmt.Sprintf("failed to persist message: %v", err))
	}

	return s.FinalizeSuccess(ctx, run.RunID, message.MessageID)
}

// persistRegeneration appends a new swipe to the run's target message and
// activates it. The message count stays unchanged.
func (s *Service) persistRegeneration(ctx context.Context, run *domain.Run, text string) error {
	var debug domain.RegenerateDebug
	if len(run.Debug) == 0 {
		return s.FinalizeFailed(ctx, run.RunID, domain.ErrCodeMalformedDebugMeta, "regenerate run has no debug metadata")
	}
	if err := json.Unmarshal(run.Debug, &debug); err != nil || debug.TargetMessageID == "" {
		return s.FinalizeFailed(ctx, run.RunID, domain.ErrCodeMalformedDebugMeta, "regenerate run has no target message id")
	}

	if _, err := s.store.AppendSwipe(ctx, debug.TargetMessageID, newID("swp"), text); err != nil {
		return s.FinalizeFailed(ctx, run.RunID, domain.ErrCodeGeneration, fmt.Sprintf("failed to append swipe: %v", err))
	}

	return s.FinalizeSuccess(ctx, run.RunID, debug.TargetMessageID)
}

// FinalizeSuccess transitions a running run to succeeded and emits
// conversation_run.succeeded. Invoked against an already-terminal run it is a
// no-op and emits nothing.
func (s *Service) FinalizeSuccess(ctx context.Context, runID, messageID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	updated, err := s.store.FinalizeRun(ctx, runID, domain.RunStatusSucceeded, messageID, nil)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	if !updated {
		return nil
	}
	run.Status = domain.RunStatusSucceeded
	run.MessageID = messageID

	conversation, _ := s.store.GetConversation(ctx, run.ConversationID)
	spaceID := ""
	if conversation != nil {
		spaceID = conversation.SpaceID
	}

	trigger := triggerMessageID(run)
	s.emitter.Emit(ctx, EventParams{
		Name:             domain.EventRunSucceeded,
		ConversationID:   run.ConversationID,
		SpaceID:          spaceID,
		RoundID:          run.RoundID,
		RunID:            run.RunID,
		SpeakerID:        run.SpeakerID,
		TriggerMessageID: trigger,
		Reason:           run.Reason,
		Payload: domain.RunSucceededPayload{
			ConversationID:   run.ConversationID,
			SpaceID:          spaceID,
			RunID:            run.RunID,
			Reason:           run.Reason,
			TriggerMessageID: trigger,
			MessageID:        messageID,
			Kind:             run.Kind,
		},
	})

	return s.handleRunResolved(ctx, run, domain.TurnStatusDone)
}

// FinalizeFailed transitions a running run to failed with a structured error,
// emits conversation_run.failed and turn_scheduler.failure_handled, and asks
// the retry policy whether to retry or advance. Repeated calls on a terminal
// run are no-ops.
func (s *Service) FinalizeFailed(ctx context.Context, runID, code, message string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	previousStatus := run.Status

	errData, err := json.Marshal(domain.RunError{Code: code, Message: message})
	if err != nil {
		return fmt.Errorf("failed to marshal run error: %w", err)
	}

	updated, err := s.store.FinalizeRun(ctx, runID, domain.RunStatusFailed, "", errData)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	if !updated {
		return nil
	}
	run.Status = domain.RunStatusFailed
	run.Error = errData

	conversation, _ := s.store.GetConversation(ctx, run.ConversationID)
	spaceID := ""
	if conversation != nil {
		spaceID = conversation.SpaceID
	}

	s.emitter.Emit(ctx, EventParams{
		Name:           domain.EventRunFailed,
		ConversationID: run.ConversationID,
		SpaceID:        spaceID,
		RoundID:        run.RoundID,
		RunID:          run.RunID,
		SpeakerID:      run.SpeakerID,
		Reason:         code,
		Payload: domain.RunFailedPayload{
			PreviousStatus: previousStatus,
			Code:           code,
			Message:        message,
		},
	})

	delay, retry := s.retry.NextAttempt(run, code)
	decision := "advance"
	if retry {
		decision = "retry"
	}
	s.emitter.Emit(ctx, EventParams{
		Name:           domain.EventFailureHandled,
		ConversationID: run.ConversationID,
		SpaceID:        spaceID,
		RoundID:        run.RoundID,
		RunID:          run.RunID,
		Reason:         code,
		Payload:        domain.FailureHandledPayload{RunID: run.RunID, Code: code, Decision: decision},
	})

	if retry {
		return s.retryRun(ctx, run, delay)
	}
	// The turn produced nothing, so its ledger entry reads skipped, not done.
	return s.handleRunResolved(ctx, run, domain.TurnStatusSkipped)
}

// retryRun enqueues a fresh run for the same turn after the policy delay.
func (s *Service) retryRun(ctx context.Context, failed *domain.Run, delay time.Duration) error {
	runAfter := time.Now().Add(delay)
	retry := &domain.Run{
		RunID:          newID("run"),
		ConversationID: failed.ConversationID,
		RoundID:        failed.RoundID,
		SpeakerID:      failed.SpeakerID,
		Kind:           failed.Kind,
		Status:         domain.RunStatusQueued,
		Reason:         "retry of " + failed.RunID,
		RunAfter:       &runAfter,
		Debug:          failed.Debug,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateRun(ctx, retry); err != nil {
		return fmt.Errorf("failed to create retry run: %w", err)
	}

	s.emitter.Emit(ctx, EventParams{
		Name:           domain.EventRunEnqueued,
		ConversationID: retry.ConversationID,
		RoundID:        retry.RoundID,
		RunID:          retry.RunID,
		SpeakerID:      retry.SpeakerID,
		Reason:         retry.Reason,
		Payload:        domain.RunEnqueuedPayload{RunID: retry.RunID, Kind: retry.Kind, SpeakerID: retry.SpeakerID},
	})
	s.scheduleDispatch(retry)
	s.notifyQueueUpdated(ctx, retry.ConversationID)

	log.Info().Str("run_id", retry.RunID).Str("failed_run_id", failed.RunID).Dur("delay", delay).Msg("retrying failed run")
	return nil
}

// triggerMessageID extracts the correlating message id from a run's debug
// metadata, whichever key its kind recorded it under.
func triggerMessageID(run *domain.Run) string {
	if len(run.Debug) == 0 {
		return ""
	}
	var debug map[string]interface{}
	if err := json.Unmarshal(run.Debug, &debug); err != nil {
		return ""
	}
	for _, key := range []string{"trigger_message_id", "target_message_id", "expected_last_message_id"} {
		if v, ok := debug[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
