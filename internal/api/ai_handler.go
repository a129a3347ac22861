package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"casa/internal/service/document"
	"casa/internal/service/evaluation"
)

// AIHandler 评估与文档生成，均以 SSE 推送进度
type AIHandler struct {
	evaluations *evaluation.Service
	documents   *document.Service
	logger      *zap.Logger
}

func NewAIHandler(evaluations *evaluation.Service, documents *document.Service, logger *zap.Logger) *AIHandler {
	return &AIHandler{evaluations: evaluations, documents: documents, logger: logger}
}

// RunEvaluation handles POST /projects/:id/evaluations (text/event-stream)
func (h *AIHandler) RunEvaluation(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	stream := newSSEStream(c)
	_, err := h.evaluations.Run(c.Request.Context(), mustActor(c), id, stream.emit)
	stream.finish(h.logger, err)
}

// LatestEvaluation handles GET /projects/:id/evaluations/latest
func (h *AIHandler) LatestEvaluation(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	e, err := h.evaluations.Latest(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, e, err)
}

// ListEvaluations handles GET /projects/:id/evaluations
func (h *AIHandler) ListEvaluations(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	items, err := h.evaluations.List(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, gin.H{"evaluations": items}, err)
}

// GenerateDocument handles POST /projects/:id/documents/:type/generate (text/event-stream)
func (h *AIHandler) GenerateDocument(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	stream := newSSEStream(c)
	_, err := h.documents.Generate(c.Request.Context(), mustActor(c), id, c.Param("type"), stream.emit)
	stream.finish(h.logger, err)
}

// LatestDocuments handles GET /projects/:id/documents
func (h *AIHandler) LatestDocuments(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	items, err := h.documents.Latest(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, gin.H{"documents": items}, err)
}

// DocumentVersions handles GET /projects/:id/documents/:type/versions
func (h *AIHandler) DocumentVersions(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	items, err := h.documents.Versions(c.Request.Context(), mustActor(c), id, c.Param("type"))
	respond(c, h.logger, http.StatusOK, gin.H{"documents": items}, err)
}

// GetDocument handles GET /documents/:id
func (h *AIHandler) GetDocument(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	d, err := h.documents.Get(c.Request.Context(), mustActor(c), id)
	respond(c, h.logger, http.StatusOK, d, err)
}

// UpdateDocument handles PUT /documents/:id
func (h *AIHandler) UpdateDocument(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	d, err := h.documents.Update(c.Request.Context(), mustActor(c), id, req.Content)
	respond(c, h.logger, http.StatusCreated, d, err)
}
