package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// dueRunBatch bounds how many runs one sweep picks up.
const dueRunBatch = 10

// RunWorker polls for due queued runs and executes them until the context is
// cancelled. Several workers may run concurrently, within one process or
// across many; the claim compare-and-set guarantees each run is executed
// exactly once.
func (s *Service) RunWorker(ctx context.Context) {
	ticker := time.NewTicker(s.config.WorkerPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepDueRuns(ctx)
		}
	}
}

func (s *Service) sweepDueRuns(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	due, err := s.store.ListDueRuns(sweepCtx, time.Now(), dueRunBatch)
	if err != nil {
		log.Warn().Err(err).Msg("due run sweep failed")
		return
	}

	for _, run := range due {
		if err := s.DispatchRun(ctx, run.RunID); err != nil {
			log.Warn().Err(err).Str("run_id", run.RunID).Msg("failed to dispatch run")
		}
	}
}

// DispatchRun claims a run and, when the claim wins, executes it. A lost
// claim is not an error; another worker owns the run.
func (s *Service) DispatchRun(ctx context.Context, runID string) error {
	run, err := s.ClaimRun(ctx, runID, "worker")
	if err != nil {
		return err
	}
	if run == nil {
		return nil
	}
	return s.ExecuteRun(ctx, run)
}
