package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"casa/internal/service/auth"
	"casa/internal/service/prompt"
	"casa/pkg/outbox"
)

// Replayer 由 outbox.ReplayService 实现
type Replayer interface {
	ReplayEvent(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

type AdminHandler struct {
	auth    *auth.Service
	prompts *prompt.Service
	replay  Replayer
	logger  *zap.Logger
}

func NewAdminHandler(authSvc *auth.Service, prompts *prompt.Service, replay Replayer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{auth: authSvc, prompts: prompts, replay: replay, logger: logger}
}

// ListUsers handles GET /admin/users
func (h *AdminHandler) ListUsers(c *gin.Context) {
	users, err := h.auth.Users(c.Request.Context(), mustActor(c))
	respond(c, h.logger, http.StatusOK, gin.H{"users": users}, err)
}

// SetRole handles PUT /admin/users/:id/role
func (h *AdminHandler) SetRole(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Role string `json:"role" binding:"required,oneof=user mentor admin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	u, err := h.auth.SetRole(c.Request.Context(), mustActor(c), id, req.Role)
	respond(c, h.logger, http.StatusOK, u, err)
}

// ListPrompts handles GET /admin/prompts
func (h *AdminHandler) ListPrompts(c *gin.Context) {
	items, err := h.prompts.List(c.Request.Context())
	respond(c, h.logger, http.StatusOK, gin.H{"prompts": items}, err)
}

// UpsertPrompt handles PUT /admin/prompts/:key
func (h *AdminHandler) UpsertPrompt(c *gin.Context) {
	var req prompt.UpsertInput
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	p, err := h.prompts.Upsert(c.Request.Context(), mustActor(c), c.Param("key"), req)
	respond(c, h.logger, http.StatusOK, p, err)
}

// ReplayEvent handles POST /admin/outbox/:id/replay
func (h *AdminHandler) ReplayEvent(c *gin.Context) {
	if h.replay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox replay is not configured"})
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if err := h.replay.ReplayEvent(c.Request.Context(), id); err != nil {
		if errors.Is(err, outbox.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Outbox replay failed", zap.Int64("event_id", id), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": 1})
}

// ReplayFailed handles POST /admin/outbox/replay?limit=100
func (h *AdminHandler) ReplayFailed(c *gin.Context) {
	if h.replay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox replay is not configured"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}
	n, err := h.replay.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Outbox batch replay failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": n})
}
