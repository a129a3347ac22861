package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"casa/internal/service"
	"casa/pkg/logger"
	"casa/pkg/metrics"
	"casa/pkg/rbac"
	"casa/pkg/trace"
	"casa/pkg/util"
)

const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// TraceMiddleware 透传或生成 trace_id，并写回响应头
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := trace.FromHeader(c.GetHeader(trace.HeaderName()), c.GetHeader("X-Request-ID"))
		if traceID == "" {
			traceID = trace.GenerateTraceID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.HeaderName(), traceID)
		c.Next()
	}
}

// RequestLogger 每个请求一条访问日志
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if uid, ok := c.Get(ctxUserID); ok {
			fields = append(fields, zap.Any("user_id", uid))
		}
		l := logger.WithTrace(c.Request.Context(), log)
		if c.Writer.Status() >= http.StatusInternalServerError {
			l.Warn("HTTP request", fields...)
			return
		}
		l.Info("HTTP request", fields...)
	}
}

// MetricsMiddleware 记录 http_request_duration_seconds，path 用路由模板避免高基数
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		// store user_id in context so handlers can use it
		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// RequirePermission 中间件：要求用户具有指定权限
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
			return
		}
		if err := rbac.CheckPermission(actor.UserID, actor.Role, permission); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) (service.Actor, bool) {
	uid, ok := c.Get(ctxUserID)
	if !ok {
		return service.Actor{}, false
	}
	id, ok := uid.(int)
	if !ok {
		return service.Actor{}, false
	}
	role, _ := c.Get(ctxRole)
	r, _ := role.(string)
	return service.Actor{UserID: id, Role: r}, true
}

// mustActor 认证中间件之后的路由使用
func mustActor(c *gin.Context) service.Actor {
	actor, _ := actorFrom(c)
	return actor
}

// paramID 解析路径中的整数 id
func paramID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}
