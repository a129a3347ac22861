package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"casa/internal/service/approval"
	"casa/internal/service/notification"
)

type ApprovalHandler struct {
	svc    *approval.Service
	logger *zap.Logger
}

func NewApprovalHandler(svc *approval.Service, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{svc: svc, logger: logger}
}

// RequestReview handles POST /projects/:id/approvals
func (h *ApprovalHandler) RequestReview(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	a, err := h.svc.RequestReview(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusCreated, a, err)
}

// ListForProject handles GET /projects/:id/approvals
func (h *ApprovalHandler) ListForProject(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	items, err := h.svc.ListForProject(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, gin.H{"approvals": items}, err)
}

// Queue handles GET /mentor/approvals
func (h *ApprovalHandler) Queue(c *gin.Context) {
	items, err := h.svc.ListPending(c.Request.Context(), mustActor(c))
	respond(c, h.logger, http.StatusOK, gin.H{"approvals": items}, err)
}

// Decide handles POST /approvals/:id/decision
func (h *ApprovalHandler) Decide(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req approval.DecideInput
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	res, err := h.svc.Decide(c.Request.Context(), mustActor(c), id, req)
	respond(c, h.logger, http.StatusOK, res, err)
}

type NotificationHandler struct {
	svc    *notification.Service
	logger *zap.Logger
}

func NewNotificationHandler(svc *notification.Service, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

// List handles GET /notifications?unread=true
func (h *NotificationHandler) List(c *gin.Context) {
	unread, _ := strconv.ParseBool(c.Query("unread"))
	items, err := h.svc.ListForUser(c.Request.Context(), mustActor(c), unread)
	respond(c, h.logger, http.StatusOK, gin.H{"notifications": items}, err)
}

// MarkRead handles POST /notifications/:id/read
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.MarkRead(c.Request.Context(), mustActor(c), id); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
