package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/jasl/tavern-kit-sub013/internal/domain"
)

func postJSON(e *echo.Echo, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestCreateConversationValidation(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	c, rec := postJSON(e, "/v1/conversations", `{"space_id":"sp1"}`)
	if err := h.CreateConversation(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateConversationAndParticipants(t *testing.T) {
	e := echo.New()
	h, db := newTestHandler(t)

	c, rec := postJSON(e, "/v1/conversations", `{"title":"story time","auto_progress":false}`)
	if err := h.CreateConversation(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var conversation domain.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conversation); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if conversation.ConversationID == "" || conversation.AutoProgress {
		t.Fatalf("unexpected conversation: %+v", conversation)
	}

	c, rec = postJSON(e, "/v1/conversations/x/participants", `{"name":"Alice","kind":"ai"}`)
	c.SetParamNames("conversation_id")
	c.SetParamValues(conversation.ConversationID)
	if err := h.AddParticipant(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var participant domain.Participant
	if err := json.Unmarshal(rec.Body.Bytes(), &participant); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !participant.Active || participant.Muted {
		t.Fatalf("new participants start active and unmuted: %+v", participant)
	}

	got, err := db.GetParticipant(context.Background(), conversation.ConversationID, participant.SpeakerID)
	if err != nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if got == nil || got.Name != "Alice" {
		t.Fatalf("unexpected participant: %+v", got)
	}

	c, rec = postJSON(e, "/v1/conversations/x/participants", `{"name":"Bob","kind":"robot"}`)
	c.SetParamNames("conversation_id")
	c.SetParamValues(conversation.ConversationID)
	if err := h.AddParticipant(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid kind, got %d", rec.Code)
	}
}

func TestUpdateParticipantMute(t *testing.T) {
	e := echo.New()
	h, db := newTestHandler(t)
	ctx := context.Background()

	c, rec := postJSON(e, "/v1/conversations", `{"title":"t"}`)
	if err := h.CreateConversation(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var conversation domain.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conversation); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	c, rec = postJSON(e, "/v1/conversations/x/participants", `{"name":"Alice","kind":"ai"}`)
	c.SetParamNames("conversation_id")
	c.SetParamValues(conversation.ConversationID)
	if err := h.AddParticipant(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var participant domain.Participant
	if err := json.Unmarshal(rec.Body.Bytes(), &participant); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	req := httptest.NewRequest(http.MethodPatch, "/v1/conversations/x/participants/y", bytes.NewBufferString(`{"muted":true}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("conversation_id", "speaker_id")
	c.SetParamValues(conversation.ConversationID, participant.SpeakerID)
	if err := h.UpdateParticipant(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	got, err := db.GetParticipant(ctx, conversation.ConversationID, participant.SpeakerID)
	if err != nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if !got.Muted {
		t.Fatalf("expected participant muted")
	}

	// Empty patch body is rejected.
	req = httptest.NewRequest(http.MethodPatch, "/v1/conversations/x/participants/y", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("conversation_id", "speaker_id")
	c.SetParamValues(conversation.ConversationID, participant.SpeakerID)
	if err := h.UpdateParticipant(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPostAndListMessages(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	c, rec := postJSON(e, "/v1/conversations", `{"title":"t"}`)
	if err := h.CreateConversation(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var conversation domain.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conversation); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	c, rec = postJSON(e, "/v1/conversations/x/participants", `{"name":"Harriet","kind":"human"}`)
	c.SetParamNames("conversation_id")
	c.SetParamValues(conversation.ConversationID)
	if err := h.AddParticipant(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var participant domain.Participant
	if err := json.Unmarshal(rec.Body.Bytes(), &participant); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	c, rec = postJSON(e, "/v1/conversations/x/messages", `{"speaker_id":"`+participant.SpeakerID+`","content":"hi there"}`)
	c.SetParamNames("conversation_id")
	c.SetParamValues(conversation.ConversationID)
	if err := h.PostMessage(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/x/messages", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("conversation_id")
	c.SetParamValues(conversation.ConversationID)
	if err := h.GetConversationMessages(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Messages []domain.Message `json:"messages"`
		HasMore  bool             `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Messages) != 1 || resp.HasMore {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Messages[0].Swipes[0].Content != "hi there" {
		t.Fatalf("unexpected message content: %+v", resp.Messages[0])
	}

	// Missing content is rejected.
	c, rec = postJSON(e, "/v1/conversations/x/messages", `{"speaker_id":"`+participant.SpeakerID+`"}`)
	c.SetParamNames("conversation_id")
	c.SetParamValues(conversation.ConversationID)
	if err := h.PostMessage(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/conv_missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("conversation_id")
	c.SetParamValues("conv_missing")

	if err := h.GetConversation(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
