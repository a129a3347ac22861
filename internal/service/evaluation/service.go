// Package evaluation 多角色 AI 评估：三个 persona 并发调用各自的模型并汇总得分。
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"casa/internal/llm"
	"casa/internal/model"
	"casa/internal/service"
	"casa/internal/service/prompt"
	"casa/internal/storage"
	"casa/internal/workflow"
	"casa/pkg/logger"
	"casa/pkg/metrics"
)

const (
	PersonaInvestor = "investor"
	PersonaMarket   = "market"
	PersonaTech     = "tech"
)

// Personas 固定顺序
var Personas = []string{PersonaInvestor, PersonaMarket, PersonaTech}

const (
	EventPersonaStarted      = "persona_started"
	EventPersonaDelta        = "persona_delta"
	EventPersonaCompleted    = "persona_completed"
	EventEvaluationCompleted = "evaluation_completed"
)

// LLM 由 llm.Router 实现
type LLM interface {
	Stream(ctx context.Context, preferred string, req llm.Request, onDelta llm.DeltaFunc) (*llm.Response, error)
}

type Service struct {
	store    storage.Store
	prompts  *prompt.Service
	llm      LLM
	personas map[string]string // persona -> provider
	logger   *zap.Logger
}

func NewService(store storage.Store, prompts *prompt.Service, router LLM, personas map[string]string, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		prompts:  prompts,
		llm:      router,
		personas: personas,
		logger:   logger,
	}
}

// reply persona 需要返回的 JSON
type reply struct {
	Score      float64  `json:"score"`
	Summary    string   `json:"summary"`
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
}

// Run 并发执行三个 persona；任一失败整次评估记为 failed
func (s *Service) Run(ctx context.Context, actor service.Actor, projectID int, emit service.EmitFunc) (*model.Evaluation, error) {
	if emit == nil {
		emit = service.Discard
	}
	log := logger.WithTrace(ctx, s.logger).With(zap.Int("project_id", projectID))

	p, card, err := s.prepare(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}

	eval := &model.Evaluation{ProjectID: p.ID, Status: model.EvaluationPending}
	if err := s.store.Evaluations().Create(ctx, eval); err != nil {
		return nil, fmt.Errorf("create evaluation: %w", err)
	}

	results, err := s.runPersonas(ctx, p, card, lockedEmit(emit))
	if err != nil {
		log.Warn("Evaluation failed", zap.Int("evaluation_id", eval.ID), zap.Error(err))
		s.markFailed(ctx, eval, err, log)
		return nil, err
	}

	eval.Results = results
	eval.TotalScore = total(results)
	eval.Status = model.EvaluationCompleted
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.Projects().GetForUpdate(ctx, projectID)
		if err != nil {
			return err
		}
		if cur.Stage != workflow.StageEvaluation || cur.Status != model.ProjectActive {
			return fmt.Errorf("%w: project left the evaluation stage during generation", storage.ErrConflict)
		}
		return tx.Evaluations().Update(ctx, eval)
	})
	if err != nil {
		s.markFailed(ctx, eval, err, log)
		return nil, err
	}

	for _, r := range results {
		metrics.ObserveEvaluationScore(r.Persona, r.Score)
	}
	metrics.ObserveEvaluationScore("total", eval.TotalScore)
	log.Info("Evaluation completed",
		zap.Int("evaluation_id", eval.ID),
		zap.Float64("total_score", eval.TotalScore),
	)

	if err := emit(service.Event{Type: EventEvaluationCompleted, Data: eval}); err != nil {
		log.Debug("Evaluation result not delivered", zap.Error(err))
	}
	return eval, nil
}

func (s *Service) prepare(ctx context.Context, actor service.Actor, projectID int) (*model.Project, *model.IdeaCard, error) {
	p, err := s.store.Projects().Get(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	if err := service.RequireOwner(p, actor); err != nil {
		return nil, nil, err
	}
	if err := service.RequireStage(p, workflow.StageEvaluation); err != nil {
		return nil, nil, err
	}
	card, err := s.store.Ideas().GetByProject(ctx, projectID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}
	if card == nil || !card.IsConfirmed {
		return nil, nil, service.InvalidInput("the idea card must be confirmed before evaluation")
	}
	return p, card, nil
}

func (s *Service) runPersonas(ctx context.Context, p *model.Project, card *model.IdeaCard, emit service.EmitFunc) ([]model.PersonaResult, error) {
	results := make([]model.PersonaResult, len(Personas))
	vars := prompt.VarsFor(p, card)

	g, gctx := errgroup.WithContext(ctx)
	for i, persona := range Personas {
		i, persona := i, persona
		g.Go(func() error {
			r, err := s.runPersona(gctx, persona, vars, emit)
			if err != nil {
				return fmt.Errorf("persona %s: %w", persona, err)
			}
			results[i] = *r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) runPersona(ctx context.Context, persona string, vars prompt.Vars, emit service.EmitFunc) (*model.PersonaResult, error) {
	key := "evaluation." + persona
	tmpl, err := s.prompts.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	text, err := prompt.Render(tmpl, vars)
	if err != nil {
		return nil, err
	}

	preferred := tmpl.Provider
	if preferred == "" {
		preferred = s.personas[persona]
	}
	if err := emit(service.Event{Type: EventPersonaStarted, Data: map[string]string{"persona": persona, "provider": preferred}}); err != nil {
		return nil, err
	}

	res, err := s.llm.Stream(ctx, preferred, llm.Request{
		Tag:    key,
		System: tmpl.SystemPrompt,
		Prompt: text,
		Model:  tmpl.Model,
	}, func(delta string) error {
		return emit(service.Event{Type: EventPersonaDelta, Data: map[string]string{"persona": persona, "delta": delta}})
	})
	if err != nil {
		return nil, err
	}

	parsed, err := parseReply(res.Text)
	if err != nil {
		return nil, err
	}
	result := &model.PersonaResult{
		Persona:    persona,
		Provider:   res.Provider,
		Model:      res.Model,
		Score:      clamp(parsed.Score),
		Summary:    strings.TrimSpace(parsed.Summary),
		Strengths:  nonNil(parsed.Strengths),
		Weaknesses: nonNil(parsed.Weaknesses),
	}
	if err := emit(service.Event{Type: EventPersonaCompleted, Data: result}); err != nil {
		return nil, err
	}
	return result, nil
}

// markFailed 客户端可能已断开，用独立 context 落库
func (s *Service) markFailed(ctx context.Context, eval *model.Evaluation, cause error, log *zap.Logger) {
	eval.Status = model.EvaluationFailed
	eval.Error = cause.Error()
	eval.Results = nil
	eval.TotalScore = 0
	if err := s.store.Evaluations().Update(context.WithoutCancel(ctx), eval); err != nil {
		log.Error("Failed to persist failed evaluation", zap.Int("evaluation_id", eval.ID), zap.Error(err))
	}
}

// parseReply 模型可能在 JSON 前后附带说明文字或代码块
func parseReply(text string) (*reply, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model reply")
	}
	var r reply
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return nil, fmt.Errorf("decode model reply: %w", err)
	}
	return &r, nil
}

func clamp(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Max(0, math.Min(100, score))
}

// total 平均分保留一位小数
func total(results []model.PersonaResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.Score
	}
	return math.Round(sum/float64(len(results))*10) / 10
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// lockedEmit 三个 goroutine 共用同一个输出流
func lockedEmit(emit service.EmitFunc) service.EmitFunc {
	var mu sync.Mutex
	return func(ev service.Event) error {
		mu.Lock()
		defer mu.Unlock()
		return emit(ev)
	}
}

func (s *Service) Latest(ctx context.Context, actor service.Actor, projectID int) (*model.Evaluation, error) {
	if err := s.canRead(ctx, actor, projectID); err != nil {
		return nil, err
	}
	return s.store.Evaluations().LatestCompleted(ctx, projectID)
}

func (s *Service) List(ctx context.Context, actor service.Actor, projectID int) ([]model.Evaluation, error) {
	if err := s.canRead(ctx, actor, projectID); err != nil {
		return nil, err
	}
	items, err := s.store.Evaluations().ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Evaluation{}
	}
	return items, nil
}

func (s *Service) canRead(ctx context.Context, actor service.Actor, projectID int) error {
	p, err := s.store.Projects().Get(ctx, projectID)
	if err != nil {
		return err
	}
	return service.RequireReader(p, actor)
}
