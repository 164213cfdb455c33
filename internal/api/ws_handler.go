package api

import (
	"net/http"

	"taskpulse/internal/metrics"
	"taskpulse/internal/repository"
	"taskpulse/internal/service"
	"taskpulse/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WSHandler struct {
	hub      *service.Hub
	messages repository.MessageInterface
	pending  repository.PendingInterface
	sessions *service.SessionChecker
	observer metrics.HubObserver
	cfg      service.SessionConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *service.Hub, messages repository.MessageInterface,
	pending repository.PendingInterface, sessions *service.SessionChecker,
	observer metrics.HubObserver, cfg service.SessionConfig) *WSHandler {

	return &WSHandler{
		hub:      hub,
		messages: messages,
		pending:  pending,
		sessions: sessions,
		observer: observer,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// origin is enforced upstream; tokens gate the upgrade here
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve upgrades the connection and runs the session until it drops. The JWT
// middleware has already attached the user identity.
func (h *WSHandler) Serve(c *gin.Context) {
	user := service.GetUserInfo(c.Request.Context())
	if user == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "no identity"})
		return
	}

	if !h.sessions.Active(c.Request.Context(), user.UserID) {
		logger.Warn("socket refused, no active session", zap.String("user", user.UserID))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "no active session"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("ip", c.ClientIP()))
		return
	}

	logger.Info("client connected",
		zap.String("user", user.UserID),
		zap.String("ip", c.ClientIP()))

	s := service.NewSession(conn, h.hub, h.messages, h.pending, h.observer, h.cfg, *user)
	s.Run(c.Request.Context())

	logger.Info("client disconnected", zap.String("user", user.UserID))
}
