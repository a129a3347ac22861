package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"casa/pkg/otel"
	"casa/pkg/rbac"
)

// Pinger 数据库探活
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connected MQ 发布端探活
type Connected interface {
	IsConnected() bool
}

type RouterDeps struct {
	JWTSecret string
	Store     Pinger
	Publisher Connected
	Logger    *zap.Logger

	Auth          *AuthHandler
	Projects      *ProjectHandler
	AI            *AIHandler
	Approvals     *ApprovalHandler
	Notifications *NotificationHandler
	Admin         *AdminHandler
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), MetricsMiddleware(), RequestLogger(d.Logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := d.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		if d.Publisher != nil && !d.Publisher.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public
	r.POST("/register", d.Auth.Register)
	r.POST("/login", d.Auth.Login)
	r.GET("/showcase", d.Projects.Showcase)
	r.GET("/showcase/:slug", d.Projects.ShowcaseBySlug)

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(d.JWTSecret))
	{
		auth.GET("/me", d.Auth.Me)

		read := auth.Group("/", RequirePermission(rbac.PermissionReadProject))
		read.GET("/projects", d.Projects.List)
		read.GET("/projects/:id", d.Projects.Get)
		read.GET("/projects/:id/progress", d.Projects.Progress)
		read.GET("/projects/:id/idea", d.Projects.GetIdea)
		read.GET("/projects/:id/evaluations", d.AI.ListEvaluations)
		read.GET("/projects/:id/evaluations/latest", d.AI.LatestEvaluation)
		read.GET("/projects/:id/documents", d.AI.LatestDocuments)
		read.GET("/projects/:id/documents/:type/versions", d.AI.DocumentVersions)
		read.GET("/projects/:id/deployment", d.Projects.GetDeployment)
		read.GET("/projects/:id/approvals", d.Approvals.ListForProject)
		read.GET("/documents/:id", d.AI.GetDocument)

		write := auth.Group("/", RequirePermission(rbac.PermissionCreateProject))
		write.POST("/projects", d.Projects.Create)
		write.PUT("/projects/:id/mentor", d.Projects.AssignMentor)
		write.POST("/projects/:id/archive", d.Projects.Archive)
		write.PUT("/projects/:id/idea", d.Projects.SaveIdea)
		write.POST("/projects/:id/idea/confirm", d.Projects.ConfirmIdea)
		write.POST("/evaluations/:id/confirm", d.Projects.ConfirmEvaluation)
		write.PUT("/documents/:id", d.AI.UpdateDocument)
		write.POST("/documents/:id/confirm", d.Projects.ConfirmDocument)
		write.PUT("/projects/:id/deployment", d.Projects.SaveDeployment)
		write.POST("/projects/:id/deployment/confirm", d.Projects.ConfirmDeployment)
		write.POST("/projects/:id/approvals", d.Approvals.RequestReview)

		ai := auth.Group("/", RequirePermission(rbac.PermissionRunAI))
		ai.POST("/projects/:id/evaluations", d.AI.RunEvaluation)
		ai.POST("/projects/:id/documents/:type/generate", d.AI.GenerateDocument)

		auth.GET("/mentor/projects", RequirePermission(rbac.PermissionReviewQueue), d.Projects.Mentored)
		auth.GET("/mentor/approvals", RequirePermission(rbac.PermissionReviewQueue), d.Approvals.Queue)
		auth.POST("/approvals/:id/decision", RequirePermission(rbac.PermissionDecideApproval), d.Approvals.Decide)

		auth.GET("/notifications", d.Notifications.List)
		auth.POST("/notifications/:id/read", d.Notifications.MarkRead)

		admin := auth.Group("/admin")
		admin.GET("/users", RequirePermission(rbac.PermissionManageUsers), d.Admin.ListUsers)
		admin.PUT("/users/:id/role", RequirePermission(rbac.PermissionManageUsers), d.Admin.SetRole)
		admin.GET("/prompts", RequirePermission(rbac.PermissionManagePrompts), d.Admin.ListPrompts)
		admin.PUT("/prompts/:key", RequirePermission(rbac.PermissionManagePrompts), d.Admin.UpsertPrompt)
		admin.POST("/outbox/replay", RequirePermission(rbac.PermissionReplayOutbox), d.Admin.ReplayFailed)
		admin.POST("/outbox/:id/replay", RequirePermission(rbac.PermissionReplayOutbox), d.Admin.ReplayEvent)
	}

	return r
}
