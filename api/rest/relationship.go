package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/relationd/server/engine"
	"github.com/kasuganosora/relationd/server/hub"
	mw "github.com/kasuganosora/relationd/server/middleware"
	"github.com/kasuganosora/relationd/server/relerr"
)

// RelationshipHandler exposes the relationship engine over REST.
type RelationshipHandler struct {
	engine *engine.Engine
}

// NewRelationshipHandler creates a new RelationshipHandler.
func NewRelationshipHandler(e *engine.Engine) *RelationshipHandler {
	return &RelationshipHandler{engine: e}
}

// Register mounts all relationship routes on the given group.
// The group is expected to already carry the Auth middleware.
func (h *RelationshipHandler) Register(g *gin.RouterGroup) {
	g.POST("/relationships/request", h.SendRequest)
	g.POST("/relationships/:id/accept", h.AcceptRequest)
	g.POST("/relationships/:id/decline", h.DeclineRequest)
	g.DELETE("/relationships/:id/request", h.CancelRequest)
	g.POST("/relationships/block", h.Block)
	g.DELETE("/relationships/:id/block", h.Unblock)
	g.DELETE("/relationships/:id", h.RemoveFriend)
	g.GET("/relationships/friends", h.listChannel(hub.ChannelFriends))
	g.GET("/relationships/incoming", h.listChannel(hub.ChannelIncoming))
	g.GET("/relationships/outgoing", h.listChannel(hub.ChannelOutgoing))
	g.GET("/relationships/blocked", h.listChannel(hub.ChannelBlocked))
	g.GET("/relationships/with/:user_id", h.With)
	g.GET("/relationships/status/:user_id", h.Status)
}

type targetRequest struct {
	TargetUserID string `json:"target_user_id" binding:"required,max=36"`
}

// SendRequest handles POST /api/relationships/request.
func (h *RelationshipHandler) SendRequest(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "invalid_request"})
		return
	}

	rec, err := h.engine.SendRequest(c.Request.Context(), mw.GetUserID(c), req.TargetUserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"relationship": rec})
}

// AcceptRequest handles POST /api/relationships/:id/accept.
func (h *RelationshipHandler) AcceptRequest(c *gin.Context) {
	rec, err := h.engine.AcceptRequest(c.Request.Context(), mw.GetUserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationship": rec})
}

// DeclineRequest handles POST /api/relationships/:id/decline.
func (h *RelationshipHandler) DeclineRequest(c *gin.Context) {
	if err := h.engine.DeclineRequest(c.Request.Context(), mw.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "declined"})
}

// CancelRequest handles DELETE /api/relationships/:id/request.
func (h *RelationshipHandler) CancelRequest(c *gin.Context) {
	if err := h.engine.CancelRequest(c.Request.Context(), mw.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cancelled"})
}

// Block handles POST /api/relationships/block.
func (h *RelationshipHandler) Block(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "invalid_request"})
		return
	}

	rec, err := h.engine.Block(c.Request.Context(), mw.GetUserID(c), req.TargetUserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationship": rec})
}

// Unblock handles DELETE /api/relationships/:id/block.
func (h *RelationshipHandler) Unblock(c *gin.Context) {
	if err := h.engine.Unblock(c.Request.Context(), mw.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "unblocked"})
}

// RemoveFriend handles DELETE /api/relationships/:id.
func (h *RelationshipHandler) RemoveFriend(c *gin.Context) {
	if err := h.engine.RemoveFriend(c.Request.Context(), mw.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "removed"})
}

// listChannel handles GET /api/relationships/<channel>?page=&page_size=.
func (h *RelationshipHandler) listChannel(ch hub.Channel) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := intQuery(c, "page", 1)
		pageSize := intQuery(c, "page_size", 20)

		result, err := h.engine.List(c.Request.Context(), mw.GetUserID(c), ch, page, pageSize)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"items":     result.Items,
			"total":     result.Total,
			"page":      page,
			"page_size": pageSize,
			"has_next":  result.HasNext,
			"has_prev":  result.HasPrev,
		})
	}
}

// With handles GET /api/relationships/with/:user_id.
func (h *RelationshipHandler) With(c *gin.Context) {
	rec, err := h.engine.Relationship(c.Request.Context(), mw.GetUserID(c), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationship": rec})
}

// Status handles GET /api/relationships/status/:user_id.
func (h *RelationshipHandler) Status(c *gin.Context) {
	self := mw.GetUserID(c)
	other := c.Param("user_id")
	ctx := c.Request.Context()

	isFriend, err := h.engine.IsFriend(ctx, self, other)
	if err != nil {
		writeError(c, err)
		return
	}
	isBlocked, err := h.engine.IsBlocked(ctx, self, other)
	if err != nil {
		writeError(c, err)
		return
	}
	hasIncoming, err := h.engine.HasIncoming(ctx, self, other)
	if err != nil {
		writeError(c, err)
		return
	}
	hasOutgoing, err := h.engine.HasOutgoing(ctx, self, other)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"is_friend":    isFriend,
		"is_blocked":   isBlocked,
		"has_incoming": hasIncoming,
		"has_outgoing": hasOutgoing,
	})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1 // engine rejects as invalid_pagination
	}
	return v
}

// writeError maps an engine error to the HTTP error envelope.
func writeError(c *gin.Context, err error) {
	kind := relerr.KindOf(err)
	c.JSON(statusFor(kind), gin.H{"error": err.Error(), "kind": string(kind)})
}

func statusFor(kind relerr.Kind) int {
	switch kind {
	case relerr.KindUserNotFound, relerr.KindNotFound:
		return http.StatusNotFound
	case relerr.KindSelfReference, relerr.KindInvalidPagination:
		return http.StatusBadRequest
	case relerr.KindAlreadyExists, relerr.KindAlreadyFriends, relerr.KindInvalidState, relerr.KindConflict:
		return http.StatusConflict
	case relerr.KindBlocked, relerr.KindUnauthorized:
		return http.StatusForbidden
	case relerr.KindTransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
