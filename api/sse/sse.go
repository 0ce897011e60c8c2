package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/relationd/server/cache"
	"github.com/kasuganosora/relationd/server/config"
	"github.com/kasuganosora/relationd/server/hub"
	mw "github.com/kasuganosora/relationd/server/middleware"
	"go.uber.org/zap"
)

// Handler streams relationship channel snapshots as server-sent events.
type Handler struct {
	hub    *hub.Hub
	sec    config.SecurityConfig
	c      cache.Cache
	logger *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(h *hub.Hub, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	return &Handler{hub: h, c: c, sec: sec, logger: logger}
}

// ServeSSE handles GET /sse?token=<jwt>&channel=<friends|incoming|outgoing|blocked>.
// Each emission is the full current snapshot of the requested channel; the
// client replaces its local list wholesale on every event.
func (h *Handler) ServeSSE(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	exists, err := h.c.Exists(ctx, "session:"+tokenStr)
	if err != nil || !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		return
	}

	channel, ok := hub.ParseChannel(c.DefaultQuery("channel", string(hub.ChannelFriends)))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel"})
		return
	}

	sub, err := h.hub.Subscribe(c.Request.Context(), claims.UserID, channel)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	// Set SSE headers.
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"channel\":%q}\n\n", channel)
	c.Writer.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				h.logger.Error("sse snapshot encode failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Writer, "event: snapshot\ndata: %s\n\n", data)
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}
