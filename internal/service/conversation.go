package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jasl/tavern-kit-sub013/internal/domain"
)

// CreateConversation registers a new conversation.
func (s *Service) CreateConversation(ctx context.Context, spaceID, title string, autoProgress bool) (*domain.Conversation, error) {
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	conversation := &domain.Conversation{
		ConversationID: newID("conv"),
		SpaceID:        spaceID,
		Title:          title,
		AutoProgress:   autoProgress,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateConversation(ctx, conversation); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conversation, nil
}

// GetConversation retrieves a conversation.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return s.store.GetConversation(ctx, conversationID)
}

// AddParticipant registers a speaker in a conversation.
func (s *Service) AddParticipant(ctx context.Context, conversationID, name string, kind domain.SpeakerKind) (*domain.Participant, error) {
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conversation == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}
	if kind != domain.SpeakerKindHuman && kind != domain.SpeakerKindAI {
		return nil, fmt.Errorf("invalid speaker kind %q", kind)
	}

	participant := &domain.Participant{
		SpeakerID:      newID("spk"),
		ConversationID: conversationID,
		Name:           name,
		Kind:           kind,
		Active:         true,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateParticipant(ctx, participant); err != nil {
		return nil, fmt.Errorf("failed to create participant: %w", err)
	}
	return participant, nil
}

// ListParticipants lists a conversation's participants.
func (s *Service) ListParticipants(ctx context.Context, conversationID string) ([]domain.Participant, error) {
	return s.store.ListParticipants(ctx, conversationID)
}

// SetParticipantMuted mutes or unmutes a speaker. Takes effect at the next
// claim-time eligibility check, even for runs already queued.
func (s *Service) SetParticipantMuted(ctx context.Context, conversationID, speakerID string, muted bool) error {
	if err := s.store.SetParticipantMuted(ctx, conversationID, speakerID, muted); err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	s.notifyQueueUpdated(ctx, conversationID)
	return nil
}

// SetParticipantActive activates or deactivates a speaker.
func (s *Service) SetParticipantActive(ctx context.Context, conversationID, speakerID string, active bool) error {
	if err := s.store.SetParticipantActive(ctx, conversationID, speakerID, active); err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	s.notifyQueueUpdated(ctx, conversationID)
	return nil
}

// GetRun retrieves a run.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// GetMessage retrieves a message with all its swipes.
func (s *Service) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	return s.store.GetMessage(ctx, messageID)
}

// ListMessages returns a conversation's messages with their active swipes.
func (s *Service) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	return s.store.ListMessages(ctx, conversationID, limit)
}
