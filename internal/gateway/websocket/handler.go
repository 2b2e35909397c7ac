package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/compasshq/compass/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// Handler upgrades HTTP connections into status stream clients.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates the WebSocket handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, logger: log.WithFields(zap.String("component", "ws_handler"))}
}

// RegisterHTTPRoutes registers the status stream route.
func (h *Handler) RegisterHTTPRoutes(router *gin.Engine) {
	router.GET("/api/v1/integrations/stream", h.Stream)
}

// Stream opens the status stream for one user's integrations.
// WS /api/v1/integrations/stream?user_id=...
func (h *Handler) Stream(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(uuid.New().String(), userID, conn, h.hub, h.logger)
	h.hub.Register(client)
	h.logger.Debug("status stream opened", zap.String("user_id", userID))

	go client.WritePump()
	go client.ReadPump()
}
