package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jasl/tavern-kit-sub013/internal/domain"
)

// CreateRunRequest queues a run outside the normal rotation.
type CreateRunRequest struct {
	Kind            string `json:"kind"`
	SpeakerID       string `json:"speaker_id,omitempty"`
	TargetMessageID string `json:"target_message_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// CreateRun queues a force_talk or regenerate run.
// POST /v1/conversations/:conversation_id/runs
func (h *Handler) CreateRun(c echo.Context) error {
	ctx := c.Request().Context()
	conversationID := c.Param("conversation_id")

	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	switch domain.RunKind(req.Kind) {
	case domain.RunKindForceTalk:
		if req.SpeakerID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "speaker_id is required for force_talk"})
		}
		run, err := h.service.CreateForceTalkRun(ctx, conversationID, req.SpeakerID, req.Reason)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, run)

	case domain.RunKindRegenerate:
		if req.TargetMessageID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "target_message_id is required for regenerate"})
		}
		run, err := h.service.CreateRegenerateRun(ctx, conversationID, req.TargetMessageID, req.Reason)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, run)

	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "kind must be force_talk or regenerate"})
	}
}

// GetRun retrieves a run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	ctx := c.Request().Context()

	run, err := h.service.GetRun(ctx, c.Param("run_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run":           run,
		"visible_in_ui": run.VisibleInUI(),
	})
}
