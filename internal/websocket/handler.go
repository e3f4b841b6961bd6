package websocket

import (
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/openmusicplayer/ingestd/internal/auth"
	apperrors "github.com/openmusicplayer/ingestd/internal/errors"
)

// Handler handles WebSocket connections.
type Handler struct {
	hub         *Hub
	authService *auth.Service
	upgrader    websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. allowedOrigins follows the
// CORS setting; "*" accepts any origin.
func NewHandler(hub *Hub, authService *auth.Service, allowedOrigins []string) *Handler {
	h := &Handler{
		hub:         hub,
		authService: authService,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// ServeWS streams the caller's transcode progress events.
// Authentication is done via query parameter: ?token=<jwt_token>
// This is necessary because browser WebSocket API doesn't support custom headers.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	token := r.URL.Query().Get("token")
	if token == "" {
		apperrors.WriteError(w, requestID, apperrors.Unauthorized("missing token parameter"))
		return
	}

	user, err := h.authService.Authenticate(token)
	if err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}

	// Upgrade writes its own error response.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warn(r.Context(), "websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := NewClient(h.hub, conn, user.UserID)
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// GetHub returns the hub instance for external access.
func (h *Handler) GetHub() *Hub {
	return h.hub
}
