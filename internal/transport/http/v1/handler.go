// Package v1 provides HTTP handlers for the turn scheduler.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jasl/tavern-kit-sub013/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Conversation API
	e.POST("/v1/conversations", h.CreateConversation)
	e.GET("/v1/conversations/:conversation_id", h.GetConversation)
	e.POST("/v1/conversations/:conversation_id/participants", h.AddParticipant)
	e.GET("/v1/conversations/:conversation_id/participants", h.ListParticipants)
	e.PATCH("/v1/conversations/:conversation_id/participants/:speaker_id", h.UpdateParticipant)

	// Message API
	e.GET("/v1/conversations/:conversation_id/messages", h.GetConversationMessages)
	e.POST("/v1/conversations/:conversation_id/messages", h.PostMessage)

	// Scheduler API
	e.GET("/v1/conversations/:conversation_id/scheduler", h.GetSchedulerState)
	e.GET("/v1/conversations/:conversation_id/events", h.GetConversationEvents)
	e.POST("/v1/conversations/:conversation_id/rounds", h.StartRound)
	e.POST("/v1/rounds/:round_id/pause", h.PauseRound)
	e.POST("/v1/rounds/:round_id/resume", h.ResumeRound)

	// Run API
	e.POST("/v1/conversations/:conversation_id/runs", h.CreateRun)
	e.GET("/v1/runs/:run_id", h.GetRun)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
