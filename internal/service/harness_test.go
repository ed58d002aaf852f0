package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jasl/tavern-kit-sub013/internal/config"
	"github.com/jasl/tavern-kit-sub013/internal/dispatch"
	"github.com/jasl/tavern-kit-sub013/internal/domain"
	"github.com/jasl/tavern-kit-sub013/internal/policy"
	store "github.com/jasl/tavern-kit-sub013/internal/repository"
	"github.com/jasl/tavern-kit-sub013/tests/helpers"
)

type fakeBuilder struct {
	err error
}

func (b *fakeBuilder) BuildPrompt(_ context.Context, _ *domain.Conversation, speaker *domain.Participant, _ *domain.Run) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return "respond as " + speaker.Name, nil
}

type fakeGenerator struct {
	reply string
	err   error
	calls int
}

func (g *fakeGenerator) Generate(_ context.Context, _ string) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	if g.reply == "" {
		return "generated reply", nil
	}
	return g.reply, nil
}

type testEnv struct {
	svc        *Service
	store      *store.SQLiteStore
	dispatcher *dispatch.ManualDispatcher
	builder    *fakeBuilder
	generator  *fakeGenerator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithRetry(t, nil)
}

func newTestEnvWithRetry(t *testing.T, retry RetryPolicy) *testEnv {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	builder := &fakeBuilder{}
	generator := &fakeGenerator{}
	dispatcher := dispatch.NewManualDispatcher()
	cfg := &config.Config{
		HumanTurnTimeout: time.Minute,
		WorkerPoll:       time.Second,
		WorkerCount:      1,
	}

	emitter := NewEmitter(db)
	svc := New(db, emitter, engine, builder, generator, dispatcher, nil, retry, cfg)

	return &testEnv{svc: svc, store: db, dispatcher: dispatcher, builder: builder, generator: generator}
}

// seedConversation creates a conversation with the given speakers and returns
// the conversation plus speaker ids keyed by name.
func (e *testEnv) seedConversation(t *testing.T, autoProgress bool, speakers map[string]domain.SpeakerKind) (*domain.Conversation, map[string]string) {
	t.Helper()
	ctx := context.Background()

	conversation, err := e.svc.CreateConversation(ctx, "space_1", "test chat", autoProgress)
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	ids := make(map[string]string, len(speakers))
	for name, kind := range speakers {
		p, err := e.svc.AddParticipant(ctx, conversation.ConversationID, name, kind)
		if err != nil {
			t.Fatalf("AddParticipant failed: %v", err)
		}
		ids[name] = p.SpeakerID
	}
	return conversation, ids
}

// queuedRunForRound returns the single queued run of a round, failing the test
// when there is none.
func (e *testEnv) queuedRunForRound(t *testing.T, roundID string) *domain.Run {
	t.Helper()
	run, err := e.store.LatestRunForRound(context.Background(), roundID)
	if err != nil {
		t.Fatalf("LatestRunForRound failed: %v", err)
	}
	if run == nil {
		t.Fatalf("expected a run for round %s", roundID)
	}
	if run.Status != domain.RunStatusQueued {
		t.Fatalf("expected queued run, got %s", run.Status)
	}
	return run
}

// eventsNamed returns the events of one name for a conversation, newest first.
func (e *testEnv) eventsNamed(t *testing.T, conversationID string, name domain.EventName) []domain.ConversationEvent {
	t.Helper()
	all, err := e.store.QueryEvents(context.Background(), store.EventFilter{ConversationID: conversationID, Limit: 500})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	var matched []domain.ConversationEvent
	for _, evt := range all {
		if evt.EventName == name {
			matched = append(matched, evt)
		}
	}
	return matched
}

// subscriberFunc adapts a function to the Subscriber interface.
type subscriberFunc func(ctx context.Context, event *domain.ConversationEvent)

func (f subscriberFunc) HandleEvent(ctx context.Context, event *domain.ConversationEvent) {
	f(ctx, event)
}

var errGenerationBoom = errors.New("model unavailable")
