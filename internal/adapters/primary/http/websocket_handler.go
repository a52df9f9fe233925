package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	mw "github.com/lorrc/portal-sync/internal/adapters/primary/http/middleware"
	wsAdapter "github.com/lorrc/portal-sync/internal/adapters/primary/websocket"
	"github.com/lorrc/portal-sync/internal/auth"
	"github.com/lorrc/portal-sync/internal/config"
)

// WebSocketHandler handles WebSocket connection upgrades
type WebSocketHandler struct {
	hub      *wsAdapter.Hub
	tm       *auth.TokenManager
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	hub *wsAdapter.Hub,
	tm *auth.TokenManager,
	cfg *config.Config,
	logger *slog.Logger,
) *WebSocketHandler {
	handler := &WebSocketHandler{
		hub:    hub,
		tm:     tm,
		logger: logger.With("component", "websocket_handler"),
	}

	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg.WebSocket.AllowedOrigins, cfg.IsDevelopment()),
	}

	return handler
}

// RegisterRoutes mounts the upgrade endpoint behind the subscribe scope.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.With(mw.RequireScope(h.tm, auth.ScopeSubscribe)).Get("/ws", h.ServeHTTP)
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *WebSocketHandler) makeOriginChecker(allowedOrigins []string, development bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// In development mode, allow all origins (but log a warning)
		if development {
			if origin != "" {
				h.logger.Warn("allowing websocket connection in development mode",
					"origin", origin,
					"remote_addr", r.RemoteAddr,
				)
			}
			return true
		}

		// No origin header: the console and other non-browser clients
		if origin == "" {
			return true
		}

		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse websocket origin",
				"origin", origin,
				"error", err,
			)
			return false
		}

		if originAllowed(parsedOrigin.Host, allowedOrigins) {
			return true
		}

		h.logger.Warn("websocket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", allowedOrigins,
		)
		return false
	}
}

// originAllowed matches host against exact entries and "*.example.com" wildcards.
func originAllowed(host string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if strings.HasPrefix(allowed, "*.") {
			suffix := allowed[1:]
			if strings.HasSuffix(host, suffix) || host == allowed[2:] {
				return true
			}
		} else if host == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades an authenticated request and hands the connection to the hub.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	claims, ok := mw.ClaimsFromContext(r.Context())
	if !ok {
		h.logger.Warn("websocket connection rejected: no claims",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "Authentication token is required", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("failed to upgrade websocket connection",
			"request_id", requestID,
			"user_id", claims.UserID,
			"error", err,
		)
		return
	}

	client := wsAdapter.NewClient(h.hub, conn, claims.UserID, h.logger)
	if !client.Serve() {
		h.logger.Warn("websocket connection dropped: hub stopped", "request_id", requestID)
		return
	}

	h.logger.Info("websocket connection established",
		"request_id", requestID,
		"user_id", claims.UserID,
		"client_id", client.ID,
		"remote_addr", r.RemoteAddr,
	)
}
