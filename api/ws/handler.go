package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/relationd/server/cache"
	"github.com/kasuganosora/relationd/server/config"
	"github.com/kasuganosora/relationd/server/hub"
	mw "github.com/kasuganosora/relationd/server/middleware"
	"go.uber.org/zap"
)

// Handler is the Gin handler for GET /ws. It upgrades authenticated clients
// and serves relationship channel snapshots over the subscription hub.
type Handler struct {
	hub      *hub.Hub
	cache    cache.Cache
	sec      config.SecurityConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(h *hub.Hub, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	handler := &Handler{
		hub:    h,
		cache:  c,
		sec:    sec,
		logger: logger,
	}
	allowed := sec.AllowedOrigins
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return handler
}

// ServeWS handles GET /ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	// Validate JWT.
	claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	// Validate session cache.
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	exists, err := h.cache.Exists(ctx, "session:"+tokenStr)
	if err != nil || !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		return
	}

	// Upgrade to WebSocket.
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	cl := newClient(claims.UserID, conn, h.hub, h.logger)
	cl.run()
}
