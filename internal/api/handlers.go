package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stagepipe/stagepipe/internal/models"
)

// processMessageHandler runs one inbound message through the pipeline
// (POST /api/v1/messages).
func (s *Server) processMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.processMessageHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.processMessageHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.processMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	result, err := s.processor.Process(r.Context(), req)
	if err != nil {
		writeJSONResponse(w, statusForError(err), models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(err.Error()).
			WithResult(result).
			Build())
		return
	}

	slog.Info("Server.processMessageHandler: message processed", "conversationID", result.ConversationID, "duplicate", result.Duplicate)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// statusForError maps pipeline error types to HTTP status codes.
func statusForError(err error) int {
	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest
	}
	var poolErr *models.PoolExhaustedError
	if errors.As(err, &poolErr) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// conversationActionHandler dispatches POST
// /api/v1/conversations/{id}/pause and /resume.
func (s *Server) conversationActionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.conversationActionHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.conversationActionHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/conversations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}
	conversationID := parts[0]

	var paused bool
	switch parts[1] {
	case "pause":
		paused = true
	case "resume":
		paused = false
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}

	conv, err := s.st.GetConversation(r.Context(), conversationID)
	if err != nil {
		slog.Error("Server.conversationActionHandler: failed to load conversation", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}

	if err := s.st.SetConversationAIPaused(r.Context(), conversationID, paused); err != nil {
		slog.Error("Server.conversationActionHandler: failed to update pause flag", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update conversation"))
		return
	}

	action := "resumed"
	if paused {
		action = "paused"
	}
	slog.Info("Server.conversationActionHandler: AI "+action, "conversationID", conversationID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation "+action, map[string]any{
		"conversation_id": conversationID,
		"ai_paused":       paused,
	}))
}

// healthHandler reports liveness (GET /health).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}
