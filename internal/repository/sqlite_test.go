package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jasl/tavern-kit-sub013/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func seedConversation(t *testing.T, s *SQLiteStore, conversationID string) {
	t.Helper()
	err := s.CreateConversation(context.Background(), &domain.Conversation{
		ConversationID: conversationID,
		Title:          "test",
		AutoProgress:   true,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
}

func seedQueuedRun(t *testing.T, s *SQLiteStore, runID, conversationID string, kind domain.RunKind) {
	t.Helper()
	now := time.Now()
	run := &domain.Run{
		RunID:          runID,
		ConversationID: conversationID,
		SpeakerID:      "spk_1",
		Kind:           kind,
		Status:         domain.RunStatusQueued,
		CreatedAt:      now,
	}
	if kind != domain.RunKindHumanTurn {
		run.RunAfter = &now
	}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
}

func TestClaimRunSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedConversation(t, store, "c1")
	seedQueuedRun(t, store, "r1", "c1", domain.RunKindAutoTurn)

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.ClaimRun(ctx, "r1", time.Now())
			if err != nil {
				t.Errorf("ClaimRun failed: %v", err)
				return
			}
			wins <- claimed
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for claimed := range wins {
		if claimed {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d", won)
	}

	run, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunStatusRunning {
		t.Fatalf("expected RUNNING, got %s", run.Status)
	}
	if run.StartedAt == nil || run.HeartbeatAt == nil {
		t.Fatalf("expected started_at and heartbeat_at set")
	}
}

func TestCompleteQueuedRunBeatsTimeout(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedConversation(t, store, "c1")
	seedQueuedRun(t, store, "r1", "c1", domain.RunKindHumanTurn)

	completed, err := store.CompleteQueuedRun(ctx, "r1", "m1", "human message received")
	if err != nil {
		t.Fatalf("CompleteQueuedRun failed: %v", err)
	}
	if !completed {
		t.Fatalf("expected completion to win")
	}

	errData, _ := json.Marshal(domain.RunError{Code: domain.ErrCodeTimeout, Message: "human turn timed out"})
	skipped, err := store.SkipQueuedRun(ctx, "r1", errData, domain.ErrCodeTimeout)
	if err != nil {
		t.Fatalf("SkipQueuedRun failed: %v", err)
	}
	if skipped {
		t.Fatalf("expected late skip to lose the race")
	}

	run, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", run.Status)
	}
	if run.MessageID != "m1" {
		t.Fatalf("expected message m1 recorded, got %q", run.MessageID)
	}
	if len(run.Error) != 0 {
		t.Fatalf("expected no error payload, got %s", run.Error)
	}
}

func TestSkipQueuedRunBeatsCompletion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedConversation(t, store, "c1")
	seedQueuedRun(t, store, "r1", "c1", domain.RunKindHumanTurn)

	errData, _ := json.Marshal(domain.RunError{Code: domain.ErrCodeTimeout, Message: "human turn timed out"})
	skipped, err := store.SkipQueuedRun(ctx, "r1", errData, domain.ErrCodeTimeout)
	if err != nil {
		t.Fatalf("SkipQueuedRun failed: %v", err)
	}
	if !skipped {
		t.Fatalf("expected skip to win")
	}

	completed, err := store.CompleteQueuedRun(ctx, "r1", "m1", "human message received")
	if err != nil {
		t.Fatalf("CompleteQueuedRun failed: %v", err)
	}
	if completed {
		t.Fatalf("expected late completion to lose the race")
	}

	run, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunStatusSkipped {
		t.Fatalf("expected SKIPPED, got %s", run.Status)
	}
	var runErr domain.RunError
	if err := json.Unmarshal(run.Error, &runErr); err != nil {
		t.Fatalf("failed to parse run error: %v", err)
	}
	if runErr.Code != domain.ErrCodeTimeout {
		t.Fatalf("expected timeout error code, got %s", runErr.Code)
	}
}

func TestFinalizeRunRequiresRunning(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedConversation(t, store, "c1")
	seedQueuedRun(t, store, "r1", "c1", domain.RunKindAutoTurn)

	// Still queued; finalize must not apply.
	updated, err := store.FinalizeRun(ctx, "r1", domain.RunStatusSucceeded, "m1", nil)
	if err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}
	if updated {
		t.Fatalf("expected finalize of a queued run to be refused")
	}

	if claimed, err := store.ClaimRun(ctx, "r1", time.Now()); err != nil || !claimed {
		t.Fatalf("ClaimRun failed: claimed=%v err=%v", claimed, err)
	}

	updated, err = store.FinalizeRun(ctx, "r1", domain.RunStatusSucceeded, "m1", nil)
	if err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}
	if !updated {
		t.Fatalf("expected finalize of a running run to apply")
	}

	// Terminal states are sinks: a repeat finalize changes nothing.
	updated, err = store.FinalizeRun(ctx, "r1", domain.RunStatusFailed, "", []byte(`{"code":"generation_error"}`))
	if err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}
	if updated {
		t.Fatalf("expected repeat finalize to be a no-op")
	}

	run, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected SUCCEEDED to stick, got %s", run.Status)
	}
	if run.MessageID != "m1" {
		t.Fatalf("expected message m1, got %q", run.MessageID)
	}
}

func TestListDueRunsSkipsHumanTurns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedConversation(t, store, "c1")
	seedQueuedRun(t, store, "r1", "c1", domain.RunKindAutoTurn)
	seedQueuedRun(t, store, "r2", "c1", domain.RunKindHumanTurn)
	seedQueuedRun(t, store, "r3", "c1", domain.RunKindForceTalk)

	future := time.Now().Add(time.Hour)
	if err := store.CreateRun(ctx, &domain.Run{
		RunID:          "r4",
		ConversationID: "c1",
		SpeakerID:      "spk_1",
		Kind:           domain.RunKindAutoTurn,
		Status:         domain.RunStatusQueued,
		RunAfter:       &future,
		CreatedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	due, err := store.ListDueRuns(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ListDueRuns failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due runs, got %d", len(due))
	}
	for _, run := range due {
		if run.Kind == domain.RunKindHumanTurn {
			t.Fatalf("human turn must never be listed as due")
		}
		if run.RunID == "r4" {
			t.Fatalf("future run must not be due yet")
		}
	}
}

func TestQueryEventsOrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedConversation(t, store, "c1")

	base := time.Now().Add(-time.Minute)
	events := []domain.ConversationEvent{
		{EventID: "e1", EventName: domain.EventRoundStarted, ConversationID: "c1", RoundID: "rd1", OccurredAt: base},
		{EventID: "e2", EventName: domain.EventRunEnqueued, ConversationID: "c1", RoundID: "rd1", RunID: "r1", OccurredAt: base.Add(time.Second)},
		{EventID: "e3", EventName: domain.EventRunClaimed, ConversationID: "c1", RoundID: "rd1", RunID: "r1", OccurredAt: base.Add(2 * time.Second)},
		{EventID: "e4", EventName: domain.EventRunSucceeded, ConversationID: "c1", RoundID: "rd1", RunID: "r1", OccurredAt: base.Add(3 * time.Second)},
		// Same instant as e4; the id tie-break keeps order deterministic.
		{EventID: "e5", EventName: domain.EventRoundAdvanced, ConversationID: "c1", RoundID: "rd1", OccurredAt: base.Add(3 * time.Second)},
	}
	for i := range events {
		if err := store.CreateEvent(ctx, &events[i]); err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}
	}

	all, err := store.QueryEvents(ctx, EventFilter{ConversationID: "c1", Limit: 10})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 events, got %d", len(all))
	}
	wantOrder := []string{"e5", "e4", "e3", "e2", "e1"}
	for i, want := range wantOrder {
		if all[i].EventID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, all[i].EventID)
		}
	}

	scheduler, err := store.QueryEvents(ctx, EventFilter{ConversationID: "c1", NamePrefix: domain.EventPrefixScheduler, Limit: 10})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(scheduler) != 3 {
		t.Fatalf("expected 3 scheduler events, got %d", len(scheduler))
	}

	runScoped, err := store.QueryEvents(ctx, EventFilter{ConversationID: "c1", RunID: "r1", Limit: 10})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(runScoped) != 3 {
		t.Fatalf("expected 3 events for run r1, got %d", len(runScoped))
	}

	limited, err := store.QueryEvents(ctx, EventFilter{ConversationID: "c1", Limit: 2})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(limited) != 2 || limited[0].EventID != "e5" {
		t.Fatalf("expected the 2 most recent events, got %+v", limited)
	}
}

func TestAppendSwipeActivatesNewest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedConversation(t, store, "c1")
	msg := &domain.Message{MessageID: "m1", ConversationID: "c1", SpeakerID: "spk_1", CreatedAt: time.Now()}
	if err := store.CreateMessage(ctx, msg, "first draft"); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	swipe, err := store.AppendSwipe(ctx, "m1", "sw2", "second draft")
	if err != nil {
		t.Fatalf("AppendSwipe failed: %v", err)
	}
	if swipe.Position != 1 || !swipe.Active {
		t.Fatalf("unexpected swipe: %+v", swipe)
	}

	got, err := store.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if len(got.Swipes) != 2 {
		t.Fatalf("expected 2 swipes, got %d", len(got.Swipes))
	}
	active := 0
	for _, sw := range got.Swipes {
		if sw.Active {
			active++
			if sw.Content != "second draft" {
				t.Fatalf("expected the new swipe to be active, got %q", sw.Content)
			}
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active swipe, got %d", active)
	}

	if _, err := store.AppendSwipe(ctx, "missing", "sw3", "x"); err == nil {
		t.Fatalf("expected append to a missing message to fail")
	}
}

func TestListMessagesReturnsActiveSwipe(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedConversation(t, store, "c1")
	for i, content := range []string{"hello", "world"} {
		msg := &domain.Message{
			MessageID:      "m" + string(rune('1'+i)),
			ConversationID: "c1",
			SpeakerID:      "spk_1",
			CreatedAt:      time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.CreateMessage(ctx, msg, content); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}
	if _, err := store.AppendSwipe(ctx, "m2", "sw2", "world, revised"); err != nil {
		t.Fatalf("AppendSwipe failed: %v", err)
	}

	messages, err := store.ListMessages(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].MessageID != "m1" {
		t.Fatalf("expected oldest-first ordering, got %s first", messages[0].MessageID)
	}
	if len(messages[1].Swipes) != 1 || messages[1].Swipes[0].Content != "world, revised" {
		t.Fatalf("expected the active swipe only, got %+v", messages[1].Swipes)
	}

	latest, err := store.LatestMessageID(ctx, "c1")
	if err != nil {
		t.Fatalf("LatestMessageID failed: %v", err)
	}
	if latest != "m2" {
		t.Fatalf("expected m2, got %s", latest)
	}
}

func TestCompleteRoundOnlyFromActive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedConversation(t, store, "c1")
	round := &domain.Round{
		RoundID:        "rd1",
		ConversationID: "c1",
		Status:         domain.RoundStatusActive,
		CreatedAt:      time.Now(),
		Participants: []domain.RoundParticipant{
			{RoundID: "rd1", SpeakerID: "spk_1", Position: 0, Status: domain.TurnStatusPending},
			{RoundID: "rd1", SpeakerID: "spk_2", Position: 1, Status: domain.TurnStatusPending},
		},
	}
	if err := store.CreateRound(ctx, round); err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}

	updated, err := store.CompleteRound(ctx, "rd1", domain.RoundStatusCompleted)
	if err != nil {
		t.Fatalf("CompleteRound failed: %v", err)
	}
	if !updated {
		t.Fatalf("expected active round to complete")
	}

	updated, err = store.CompleteRound(ctx, "rd1", domain.RoundStatusCancelled)
	if err != nil {
		t.Fatalf("CompleteRound failed: %v", err)
	}
	if updated {
		t.Fatalf("expected repeat completion to be refused")
	}

	got, err := store.GetRound(ctx, "rd1")
	if err != nil {
		t.Fatalf("GetRound failed: %v", err)
	}
	if got.Status != domain.RoundStatusCompleted {
		t.Fatalf("expected COMPLETED to stick, got %s", got.Status)
	}
	if len(got.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(got.Participants))
	}
}

func TestFindQueuedHumanTurn(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedConversation(t, store, "c1")
	seedQueuedRun(t, store, "r1", "c1", domain.RunKindAutoTurn)

	pending, err := store.FindQueuedHumanTurn(ctx, "c1")
	if err != nil {
		t.Fatalf("FindQueuedHumanTurn failed: %v", err)
	}
	if pending != nil {
		t.Fatalf("expected no pending human turn, got %+v", pending)
	}

	seedQueuedRun(t, store, "r2", "c1", domain.RunKindHumanTurn)
	pending, err = store.FindQueuedHumanTurn(ctx, "c1")
	if err != nil {
		t.Fatalf("FindQueuedHumanTurn failed: %v", err)
	}
	if pending == nil || pending.RunID != "r2" {
		t.Fatalf("expected r2, got %+v", pending)
	}
}

func seedRound(t *testing.T, s *SQLiteStore, roundID, conversationID string) {
	t.Helper()
	round := &domain.Round{
		RoundID:        roundID,
		ConversationID: conversationID,
		Status:         domain.RoundStatusActive,
		CreatedAt:      time.Now(),
		Participants: []domain.RoundParticipant{
			{RoundID: roundID, SpeakerID: "spk_1", Position: 0, Status: domain.TurnStatusPending},
		},
	}
	if err := s.CreateRound(context.Background(), round); err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}
}

func seedRoundRun(t *testing.T, s *SQLiteStore, runID, conversationID, roundID string, kind domain.RunKind, status domain.RunStatus, createdAt time.Time) {
	t.Helper()
	run := &domain.Run{
		RunID:          runID,
		ConversationID: conversationID,
		RoundID:        roundID,
		SpeakerID:      "spk_1",
		Kind:           kind,
		Status:         status,
		CreatedAt:      createdAt,
	}
	if kind != domain.RunKindHumanTurn {
		run.RunAfter = &createdAt
	}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
}

// A human turn orphaned by a cancelled round must never soak up a live
// round's message, no matter how much older it is.
func TestFindQueuedHumanTurnIgnoresEndedRounds(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedConversation(t, store, "c1")
	now := time.Now()

	seedRound(t, store, "rd_old", "c1")
	seedRoundRun(t, store, "h_old", "c1", "rd_old", domain.RunKindHumanTurn, domain.RunStatusQueued, now.Add(-time.Minute))
	if _, err := store.CompleteRound(ctx, "rd_old", domain.RoundStatusCancelled); err != nil {
		t.Fatalf("CompleteRound failed: %v", err)
	}

	pending, err := store.FindQueuedHumanTurn(ctx, "c1")
	if err != nil {
		t.Fatalf("FindQueuedHumanTurn failed: %v", err)
	}
	if pending != nil {
		t.Fatalf("expected the cancelled round's turn to be invisible, got %+v", pending)
	}

	seedRound(t, store, "rd_new", "c1")
	seedRoundRun(t, store, "h_new", "c1", "rd_new", domain.RunKindHumanTurn, domain.RunStatusQueued, now)

	pending, err = store.FindQueuedHumanTurn(ctx, "c1")
	if err != nil {
		t.Fatalf("FindQueuedHumanTurn failed: %v", err)
	}
	if pending == nil || pending.RunID != "h_new" {
		t.Fatalf("expected h_new, got %+v", pending)
	}
}

func TestListQueuedRunsForRound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedConversation(t, store, "c1")
	seedRound(t, store, "rd1", "c1")
	now := time.Now()
	seedRoundRun(t, store, "q1", "c1", "rd1", domain.RunKindAutoTurn, domain.RunStatusQueued, now.Add(-2*time.Second))
	seedRoundRun(t, store, "q2", "c1", "rd1", domain.RunKindHumanTurn, domain.RunStatusQueued, now.Add(-time.Second))
	seedRoundRun(t, store, "done", "c1", "rd1", domain.RunKindAutoTurn, domain.RunStatusSucceeded, now)
	seedQueuedRun(t, store, "elsewhere", "c1", domain.RunKindAutoTurn)

	queued, err := store.ListQueuedRunsForRound(ctx, "rd1")
	if err != nil {
		t.Fatalf("ListQueuedRunsForRound failed: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued runs, got %d", len(queued))
	}
	if queued[0].RunID != "q1" || queued[1].RunID != "q2" {
		t.Fatalf("expected q1 then q2, got %s then %s", queued[0].RunID, queued[1].RunID)
	}
}
