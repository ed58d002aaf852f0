package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/jasl/tavern-kit-sub013/internal/domain"
	store "github.com/jasl/tavern-kit-sub013/internal/repository"
)

// historyLimit bounds how much conversation history the default builder reads.
const historyLimit = 50

// HistoryContextBuilder is the default ContextBuilder: recent history plus a
// speaker instruction. Real deployments inject a richer builder.
type HistoryContextBuilder struct {
	store store.Store
}

// NewHistoryContextBuilder creates the default context builder.
func NewHistoryContextBuilder(st store.Store) *HistoryContextBuilder {
	return &HistoryContextBuilder{store: st}
}

// Ensure HistoryContextBuilder implements ContextBuilder.
var _ ContextBuilder = (*HistoryContextBuilder)(nil)

// BuildPrompt assembles the generation prompt for a run.
func (b *HistoryContextBuilder) BuildPrompt(ctx context.Context, conversation *domain.Conversation, speaker *domain.Participant, run *domain.Run) (string, error) {
	messages, err := b.store.ListMessages(ctx, conversation.ConversationID, historyLimit)
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Conversation: %s\n", conversation.Title)
	for _, msg := range messages {
		content := ""
		if len(msg.Swipes) > 0 {
			content = msg.Swipes[0].Content
		}
		fmt.Fprintf(&sb, "[%s] %s\n", msg.SpeakerID, content)
	}
	fmt.Fprintf(&sb, "\nRespond as %s.", speaker.Name)
	return sb.String(), nil
}
