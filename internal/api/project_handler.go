package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"casa/internal/model"
	"casa/internal/service/project"
)

type ProjectHandler struct {
	svc    *project.Service
	logger *zap.Logger
}

func NewProjectHandler(svc *project.Service, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{svc: svc, logger: logger}
}

// respond 统一的成功/失败输出
func respond[T any](c *gin.Context, log *zap.Logger, status int, v T, err error) {
	if err != nil {
		writeError(c, log, err)
		return
	}
	c.JSON(status, v)
}

// Create handles POST /projects
func (h *ProjectHandler) Create(c *gin.Context) {
	var req project.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	p, err := h.svc.Create(c.Request.Context(), mustActor(c), req)
	respond(c, h.logger, http.StatusCreated, p, err)
}

// List handles GET /projects
func (h *ProjectHandler) List(c *gin.Context) {
	items, err := h.svc.List(c.Request.Context(), mustActor(c))
	respond(c, h.logger, http.StatusOK, gin.H{"projects": nonNilProjects(items)}, err)
}

// Mentored handles GET /mentor/projects
func (h *ProjectHandler) Mentored(c *gin.Context) {
	items, err := h.svc.ListMentored(c.Request.Context(), mustActor(c))
	respond(c, h.logger, http.StatusOK, gin.H{"projects": nonNilProjects(items)}, err)
}

// Get handles GET /projects/:id
func (h *ProjectHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	p, err := h.svc.Get(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, p, err)
}

// Progress handles GET /projects/:id/progress
func (h *ProjectHandler) Progress(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	view, err := h.svc.Progress(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, view, err)
}

// AssignMentor handles PUT /projects/:id/mentor
func (h *ProjectHandler) AssignMentor(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		MentorID int `json:"mentor_id" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	p, err := h.svc.AssignMentor(c.Request.Context(), mustActor(c), id, req.MentorID)
	respond(c, h.logger, http.StatusOK, p, err)
}

// Archive handles POST /projects/:id/archive
func (h *ProjectHandler) Archive(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	p, err := h.svc.Archive(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, p, err)
}

// GetIdea handles GET /projects/:id/idea
func (h *ProjectHandler) GetIdea(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	card, err := h.svc.GetIdea(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, card, err)
}

// SaveIdea handles PUT /projects/:id/idea
func (h *ProjectHandler) SaveIdea(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req project.IdeaInput
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	card, err := h.svc.SaveIdea(c.Request.Context(), mustActor(c), id, req)
	respond(c, h.logger, http.StatusOK, card, err)
}

// ConfirmIdea handles POST /projects/:id/idea/confirm
func (h *ProjectHandler) ConfirmIdea(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.ConfirmIdea(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, res, err)
}

// ConfirmEvaluation handles POST /evaluations/:id/confirm
func (h *ProjectHandler) ConfirmEvaluation(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.ConfirmEvaluation(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, res, err)
}

// ConfirmDocument handles POST /documents/:id/confirm
func (h *ProjectHandler) ConfirmDocument(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.ConfirmDocument(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, res, err)
}

// GetDeployment handles GET /projects/:id/deployment
func (h *ProjectHandler) GetDeployment(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	dep, err := h.svc.GetDeployment(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, dep, err)
}

// SaveDeployment handles PUT /projects/:id/deployment
func (h *ProjectHandler) SaveDeployment(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req project.DeploymentInput
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	dep, err := h.svc.SaveDeployment(c.Request.Context(), mustActor(c), id, req)
	respond(c, h.logger, http.StatusOK, dep, err)
}

// ConfirmDeployment handles POST /projects/:id/deployment/confirm
func (h *ProjectHandler) ConfirmDeployment(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.ConfirmDeployment(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, res, err)
}

// Showcase handles GET /showcase
func (h *ProjectHandler) Showcase(c *gin.Context) {
	items, err := h.svc.Showcase(c.Request.Context())
	respond(c, h.logger, http.StatusOK, gin.H{"items": items}, err)
}

// ShowcaseBySlug handles GET /showcase/:slug
func (h *ProjectHandler) ShowcaseBySlug(c *gin.Context) {
	item, err := h.svc.ShowcaseBySlug(c.Request.Context(), c.Param("slug"))
	respond(c, h.logger, http.StatusOK, item, err)
}

func nonNilProjects(in []model.Project) []model.Project {
	if in == nil {
		return []model.Project{}
	}
	return in
}
