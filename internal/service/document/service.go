// Package document 流式生成商业计划书、路演稿和落地页文案，每次生成都是一个新版本。
package document

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"casa/internal/llm"
	"casa/internal/model"
	"casa/internal/service"
	"casa/internal/service/prompt"
	"casa/internal/storage"
	"casa/internal/workflow"
	"casa/pkg/logger"
)

const (
	EventDocumentStarted   = "document_started"
	EventDocumentDelta     = "document_delta"
	EventDocumentCompleted = "document_completed"
)

// ModelManual 手动编辑的版本
const ModelManual = "manual"

var titles = map[workflow.DocType]string{
	workflow.DocBusinessPlan: "Business plan",
	workflow.DocPitchDeck:    "Pitch deck",
	workflow.DocLandingPage:  "Landing page",
}

type LLM interface {
	Stream(ctx context.Context, preferred string, req llm.Request, onDelta llm.DeltaFunc) (*llm.Response, error)
}

type Service struct {
	store   storage.Store
	prompts *prompt.Service
	llm     LLM
	logger  *zap.Logger
}

func NewService(store storage.Store, prompts *prompt.Service, router LLM, logger *zap.Logger) *Service {
	return &Service{store: store, prompts: prompts, llm: router, logger: logger}
}

// Generate 流式输出完成后才落库；中途出错不保存任何内容
func (s *Service) Generate(ctx context.Context, actor service.Actor, projectID int, docTypeRaw string, emit service.EmitFunc) (*model.Document, error) {
	docType, err := workflow.ParseDocType(docTypeRaw)
	if err != nil {
		return nil, service.InvalidInput("%v", err)
	}
	if emit == nil {
		emit = service.Discard
	}
	log := logger.WithTrace(ctx, s.logger).With(zap.Int("project_id", projectID), zap.String("doc_type", string(docType)))

	p, err := s.store.Projects().Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := service.RequireOwner(p, actor); err != nil {
		return nil, err
	}
	if err := service.RequireStage(p, workflow.StageDocument); err != nil {
		return nil, err
	}

	vars, err := s.vars(ctx, p)
	if err != nil {
		return nil, err
	}
	tmpl, err := s.prompts.Get(ctx, "document."+string(docType))
	if err != nil {
		return nil, err
	}
	text, err := prompt.Render(tmpl, vars)
	if err != nil {
		return nil, err
	}

	if err := emit(service.Event{Type: EventDocumentStarted, Data: map[string]string{"doc_type": string(docType)}}); err != nil {
		return nil, err
	}
	res, err := s.llm.Stream(ctx, tmpl.Provider, llm.Request{
		Tag:    tmpl.Key,
		System: tmpl.SystemPrompt,
		Prompt: text,
		Model:  tmpl.Model,
	}, func(delta string) error {
		return emit(service.Event{Type: EventDocumentDelta, Data: map[string]string{"doc_type": string(docType), "delta": delta}})
	})
	if err != nil {
		log.Warn("Document generation failed", zap.Error(err))
		return nil, err
	}
	if strings.TrimSpace(res.Text) == "" {
		return nil, llm.ErrEmptyResponse
	}

	doc := &model.Document{
		ProjectID: p.ID,
		DocType:   docType,
		Title:     titles[docType],
		Content:   res.Text,
		Model:     res.Model,
		CreatedBy: actor.UserID,
	}
	if err := s.createVersion(ctx, actor, doc); err != nil {
		return nil, err
	}

	log.Info("Document generated",
		zap.Int("document_id", doc.ID),
		zap.Int("version", doc.Version),
		zap.String("provider", res.Provider),
		zap.String("model", res.Model),
	)
	if err := emit(service.Event{Type: EventDocumentCompleted, Data: doc}); err != nil {
		log.Debug("Document result not delivered", zap.Error(err))
	}
	return doc, nil
}

// createVersion 重新锁项目确认阶段没变，再写入新版本
func (s *Service) createVersion(ctx context.Context, actor service.Actor, doc *model.Document) error {
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		p, err := tx.Projects().GetForUpdate(ctx, doc.ProjectID)
		if err != nil {
			return err
		}
		if err := service.RequireOwner(p, actor); err != nil {
			return err
		}
		if err := service.RequireStage(p, workflow.StageDocument); err != nil {
			return err
		}
		return tx.Documents().Create(ctx, doc)
	})
}

func (s *Service) vars(ctx context.Context, p *model.Project) (prompt.Vars, error) {
	card, err := s.store.Ideas().GetByProject(ctx, p.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return prompt.Vars{}, err
	}
	vars := prompt.VarsFor(p, card)

	eval, err := s.store.Evaluations().LatestCompleted(ctx, p.ID)
	switch {
	case err == nil:
		if eval.IsConfirmed {
			vars.EvaluationSummary = summarize(eval)
		}
	case !errors.Is(err, storage.ErrNotFound):
		return prompt.Vars{}, err
	}
	return vars, nil
}

func summarize(e *model.Evaluation) string {
	parts := make([]string, 0, len(e.Results)+1)
	for _, r := range e.Results {
		parts = append(parts, fmt.Sprintf("%s (%.0f): %s", r.Persona, r.Score, r.Summary))
	}
	parts = append(parts, fmt.Sprintf("total %.1f", e.TotalScore))
	return strings.Join(parts, "; ")
}

// Update 手动编辑，生成新的未确认版本
func (s *Service) Update(ctx context.Context, actor service.Actor, documentID int, content string) (*model.Document, error) {
	if strings.TrimSpace(content) == "" {
		return nil, service.InvalidInput("content is required")
	}
	cur, err := s.store.Documents().Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	doc := &model.Document{
		ProjectID: cur.ProjectID,
		DocType:   cur.DocType,
		Title:     cur.Title,
		Content:   content,
		Model:     ModelManual,
		CreatedBy: actor.UserID,
	}
	if err := s.createVersion(ctx, actor, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Latest 每种文档的最新版本，按固定顺序
func (s *Service) Latest(ctx context.Context, actor service.Actor, projectID int) ([]model.Document, error) {
	if err := s.canRead(ctx, actor, projectID); err != nil {
		return nil, err
	}
	latest, err := s.store.Documents().Latest(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Document, 0, len(latest))
	for _, docType := range workflow.RequiredDocTypes() {
		if d, ok := latest[docType]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Service) Versions(ctx context.Context, actor service.Actor, projectID int, docTypeRaw string) ([]model.Document, error) {
	docType, err := workflow.ParseDocType(docTypeRaw)
	if err != nil {
		return nil, service.InvalidInput("%v", err)
	}
	if err := s.canRead(ctx, actor, projectID); err != nil {
		return nil, err
	}
	items, err := s.store.Documents().ListVersions(ctx, projectID, docType)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Document{}
	}
	return items, nil
}

func (s *Service) Get(ctx context.Context, actor service.Actor, documentID int) (*model.Document, error) {
	d, err := s.store.Documents().Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.canRead(ctx, actor, d.ProjectID); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) canRead(ctx context.Context, actor service.Actor, projectID int) error {
	p, err := s.store.Projects().Get(ctx, projectID)
	if err != nil {
		return err
	}
	return service.RequireReader(p, actor)
}
