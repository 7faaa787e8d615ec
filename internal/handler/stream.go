package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/internal/session"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
)

// StreamHandler upgrades realtime connections and hands them to the session
// manager.
type StreamHandler struct {
	manager   *session.Manager
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(manager *session.Manager, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Credentials come from the Authorization header, the token
			// query parameter or the hello frame, never from cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		heartbeat: heartbeat,
		logger:    log,
	}
}

// Stream handles GET /ws
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	credential := r.Header.Get("Authorization")
	if credential == "" {
		credential = r.URL.Query().Get("token")
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	tr := session.NewWebSocketTransport(conn, h.heartbeat)
	if err := h.manager.Serve(r.Context(), tr, credential); err != nil {
		switch {
		case errors.Is(err, model.ErrAuthenticationFailed):
			h.logger.Info("websocket rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		default:
			h.logger.Debug("websocket closed", zap.Error(err))
		}
	}
}
