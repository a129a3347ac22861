package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"casa/internal/llm"
	"casa/internal/service"
	"casa/internal/storage"
	"casa/internal/workflow"
	"casa/pkg/circuitbreaker"
	"casa/pkg/logger"
	"casa/pkg/rbac"
)

// statusOf 业务错误到 HTTP 状态码的唯一映射
func statusOf(err error) int {
	var unmet *workflow.UnmetError
	var denied *rbac.PermissionDeniedError
	switch {
	case errors.As(err, &unmet):
		return http.StatusUnprocessableEntity
	case errors.As(err, &denied), errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrStageLocked),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, workflow.ErrGateMismatch),
		errors.Is(err, workflow.ErrNoTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, workflow.ErrInvalidDoc),
		errors.Is(err, workflow.ErrInvalidGate),
		errors.Is(err, workflow.ErrInvalidStage):
		return http.StatusBadRequest
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen),
		errors.Is(err, llm.ErrNoProvider),
		errors.Is(err, llm.ErrProviderNotFound):
		return http.StatusServiceUnavailable
	}
	var upstream *llm.StatusError
	if errors.As(err, &upstream) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorBody(err error, status int) gin.H {
	body := gin.H{"error": err.Error()}
	if status == http.StatusInternalServerError {
		body["error"] = "internal error"
	}
	var unmet *workflow.UnmetError
	if errors.As(err, &unmet) {
		body["gate"] = unmet.Gate
		body["missing"] = unmet.Missing
	}
	return body
}

func writeError(c *gin.Context, log *zap.Logger, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.WithTrace(c.Request.Context(), log).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, errorBody(err, status))
}

// bindError 请求体校验失败统一 400
func bindError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
}
