package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/jasl/tavern-kit-sub013/internal/domain"
)

// CreateConversationRequest is the request to create a conversation.
type CreateConversationRequest struct {
	SpaceID      string `json:"space_id,omitempty"`
	Title        string `json:"title"`
	AutoProgress *bool  `json:"auto_progress,omitempty"`
}

// CreateConversation creates a new conversation.
// POST /v1/conversations
func (h *Handler) CreateConversation(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateConversationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Title == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "title is required"})
	}
	autoProgress := true
	if req.AutoProgress != nil {
		autoProgress = *req.AutoProgress
	}

	conversation, err := h.service.CreateConversation(ctx, req.SpaceID, req.Title, autoProgress)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, conversation)
}

// GetConversation retrieves a conversation.
// GET /v1/conversations/:conversation_id
func (h *Handler) GetConversation(c echo.Context) error {
	ctx := c.Request().Context()

	conversation, err := h.service.GetConversation(ctx, c.Param("conversation_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if conversation == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "conversation not found"})
	}
	return c.JSON(http.StatusOK, conversation)
}

// AddParticipantRequest is the request to register a speaker.
type AddParticipantRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// AddParticipant registers a speaker in a conversation.
// POST /v1/conversations/:conversation_id/participants
func (h *Handler) AddParticipant(c echo.Context) error {
	ctx := c.Request().Context()

	var req AddParticipantRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
	}
	if req.Kind != string(domain.SpeakerKindHuman) && req.Kind != string(domain.SpeakerKindAI) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "kind must be human or ai"})
	}

	participant, err := h.service.AddParticipant(ctx, c.Param("conversation_id"), req.Name, domain.SpeakerKind(req.Kind))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, participant)
}

// ListParticipants lists a conversation's participants.
// GET /v1/conversations/:conversation_id/participants
func (h *Handler) ListParticipants(c echo.Context) error {
	ctx := c.Request().Context()

	participants, err := h.service.ListParticipants(ctx, c.Param("conversation_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"participants": participants,
	})
}

// UpdateParticipantRequest toggles a speaker's muted or active flag.
type UpdateParticipantRequest struct {
	Muted  *bool `json:"muted,omitempty"`
	Active *bool `json:"active,omitempty"`
}

// UpdateParticipant mutes, unmutes, activates or deactivates a speaker.
// PATCH /v1/conversations/:conversation_id/participants/:speaker_id
func (h *Handler) UpdateParticipant(c echo.Context) error {
	ctx := c.Request().Context()
	conversationID := c.Param("conversation_id")
	speakerID := c.Param("speaker_id")

	var req UpdateParticipantRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Muted == nil && req.Active == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "muted or active is required"})
	}

	if req.Muted != nil {
		if err := h.service.SetParticipantMuted(ctx, conversationID, speakerID, *req.Muted); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}
	if req.Active != nil {
		if err := h.service.SetParticipantActive(ctx, conversationID, speakerID, *req.Active); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// GetConversationMessages retrieves messages for a conversation, oldest first.
// GET /v1/conversations/:conversation_id/messages
func (h *Handler) GetConversationMessages(c echo.Context) error {
	ctx := c.Request().Context()
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	messages, err := h.service.ListMessages(ctx, c.Param("conversation_id"), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
		"has_more": len(messages) == limit,
	})
}

// PostMessageRequest is a human message submission.
type PostMessageRequest struct {
	SpeakerID string `json:"speaker_id"`
	Content   string `json:"content"`
}

// PostMessage persists a human message. When the speaker has a pending human
// turn, the message resolves it.
// POST /v1/conversations/:conversation_id/messages
func (h *Handler) PostMessage(c echo.Context) error {
	ctx := c.Request().Context()

	var req PostMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.SpeakerID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "speaker_id is required"})
	}
	if req.Content == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "content is required"})
	}

	message, err := h.service.PostHumanMessage(ctx, c.Param("conversation_id"), req.SpeakerID, req.Content)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, message)
}
