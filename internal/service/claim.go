package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jasl/tavern-kit-sub013/internal/domain"
)

// ClaimRun attempts the atomic QUEUED -> RUNNING transition for a run.
// Returns the claimed run, or nil when the run does not exist, is not
// claimable, or another worker won the race.
//
// Eligibility is re-validated here, not trusted from scheduling time:
// membership can change through paths that bypass the scheduler's hooks. An
// ineligible speaker's run is skipped with speaker_unavailable and the round
// advances immediately; the caller never sees this as an error.
func (s *Service) ClaimRun(ctx context.Context, runID, requestedBy string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, nil
	}
	caps, ok := domain.CapabilitiesFor(run.Kind)
	if !ok || !caps.ShouldExecute {
		return nil, nil
	}
	if run.Status != domain.RunStatusQueued {
		return nil, nil
	}

	_, eligible, err := s.speakerEligible(ctx, run.ConversationID, run.SpeakerID, requestedBy)
	if err != nil {
		return nil, err
	}
	if !eligible {
		if err := s.skipUnavailableSpeaker(ctx, run); err != nil {
			return nil, err
		}
		return nil, nil
	}

	claimed, err := s.store.ClaimRun(ctx, runID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	s.emitter.Emit(ctx, EventParams{
		Name:           domain.EventRunClaimed,
		ConversationID: run.ConversationID,
		RoundID:        run.RoundID,
		RunID:          run.RunID,
		SpeakerID:      run.SpeakerID,
	})
	s.notifyQueueUpdated(ctx, run.ConversationID)

	return s.store.GetRun(ctx, runID)
}

// skipUnavailableSpeaker resolves a queued run whose speaker became
// ineligible, then advances the round so the next speaker gets a run.
func (s *Service) skipUnavailableSpeaker(ctx context.Context, run *domain.Run) error {
	errData, err := json.Marshal(domain.RunError{
		Code:    domain.ErrCodeSpeakerUnavailable,
		Message: fmt.Sprintf("speaker %s is no longer eligible", run.SpeakerID),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal run error: %w", err)
	}

	updated, err := s.store.SkipQueuedRun(ctx, run.RunID, errData, domain.ErrCodeSpeakerUnavailable)
	if err != nil {
		return fmt.Errorf("failed to skip run: %w", err)
	}
	if !updated {
		// Someone else resolved the run first; nothing to do.
		return nil
	}

	s.emitter.Emit(ctx, EventParams{
		Name:           domain.EventRunSkipped,
		ConversationID: run.ConversationID,
		RoundID:        run.RoundID,
		RunID:          run.RunID,
		SpeakerID:      run.SpeakerID,
		Reason:         domain.ErrCodeSpeakerUnavailable,
		Payload: domain.RunSkippedPayload{
			Code:      domain.ErrCodeSpeakerUnavailable,
			SpeakerID: run.SpeakerID,
		},
	})

	return s.handleRunResolved(ctx, run, domain.TurnStatusSkipped)
}
