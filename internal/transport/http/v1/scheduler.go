package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// GetSchedulerState returns the derived scheduling projection.
// GET /v1/conversations/:conversation_id/scheduler
func (h *Handler) GetSchedulerState(c echo.Context) error {
	ctx := c.Request().Context()

	conversation, err := h.service.GetConversation(ctx, c.Param("conversation_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if conversation == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "conversation not found"})
	}

	state, err := h.service.SchedulerState(ctx, conversation.ConversationID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, state)
}

// GetConversationEvents retrieves the event log, most recent first.
// GET /v1/conversations/:conversation_id/events
func (h *Handler) GetConversationEvents(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	roundID := c.QueryParam("round_id")
	runID := c.QueryParam("run_id")
	scope := c.QueryParam("scope")

	events, err := h.service.EventStream(ctx, c.Param("conversation_id"), roundID, runID, scope, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// StartRoundRequest is the request to begin a turn cycle.
type StartRoundRequest struct {
	SpeakerIDs []string `json:"speaker_ids"`
}

// StartRound begins a new round with an explicit speaking order.
// POST /v1/conversations/:conversation_id/rounds
func (h *Handler) StartRound(c echo.Context) error {
	ctx := c.Request().Context()

	var req StartRoundRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if len(req.SpeakerIDs) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "speaker_ids is required"})
	}

	round, err := h.service.StartRound(ctx, c.Param("conversation_id"), req.SpeakerIDs)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, round)
}

// PauseRound suspends automatic progression for a round.
// POST /v1/rounds/:round_id/pause
func (h *Handler) PauseRound(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.service.PauseRound(ctx, c.Param("round_id")); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// ResumeRound re-enables automatic progression for a round.
// POST /v1/rounds/:round_id/resume
func (h *Handler) ResumeRound(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.service.ResumeRound(ctx, c.Param("round_id")); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
