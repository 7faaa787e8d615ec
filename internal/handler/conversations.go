// Package handler provides HTTP handlers for the delivery server.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/conversation-delivery/internal/middleware"
	"github.com/capitalize-ai/conversation-delivery/internal/service"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
)

// ConversationHandler handles membership and presence endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// Participants handles GET /api/v1/conversations/:id/participants
func (h *ConversationHandler) Participants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.ListParticipants(ctx, middleware.GetUserID(ctx), conversationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Presence handles GET /api/v1/presence/:userID
func (h *ConversationHandler) Presence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}

	writeJSON(w, http.StatusOK, h.service.Presence(r.Context(), userID))
}
