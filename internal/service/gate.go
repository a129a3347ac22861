package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contractsmq "casa/contracts/mq"
	"casa/internal/model"
	"casa/internal/storage"
	"casa/internal/workflow"
	"casa/pkg/metrics"
	"casa/pkg/outbox"
	"casa/pkg/trace"
)

// GateResult 一次关卡尝试的结果
type GateResult struct {
	Project    *model.Project       `json:"project"`
	GatePassed bool                 `json:"gate_passed"`
	Transition *workflow.Transition `json:"transition,omitempty"`
	Approval   *model.Approval      `json:"approval,omitempty"`
	Missing    []string             `json:"missing,omitempty"`
}

// BuildChecklist 汇总项目各阶段物料的确认状态
func BuildChecklist(ctx context.Context, repos storage.Repositories, projectID int) (workflow.Checklist, error) {
	c := workflow.Checklist{DocumentsConfirmed: map[workflow.DocType]bool{}}

	idea, err := repos.Ideas().GetByProject(ctx, projectID)
	switch {
	case err == nil:
		c.IdeaConfirmed = idea.IsConfirmed
	case !errors.Is(err, storage.ErrNotFound):
		return c, err
	}

	eval, err := repos.Evaluations().LatestCompleted(ctx, projectID)
	switch {
	case err == nil:
		c.EvaluationConfirmed = eval.IsConfirmed
	case !errors.Is(err, storage.ErrNotFound):
		return c, err
	}

	docs, err := repos.Documents().Latest(ctx, projectID)
	if err != nil {
		return c, err
	}
	for docType, d := range docs {
		c.DocumentsConfirmed[docType] = d.IsConfirmed
	}

	dep, err := repos.Deployments().GetByProject(ctx, projectID)
	switch {
	case err == nil:
		c.DeploymentConfirmed = dep.IsConfirmed
	case !errors.Is(err, storage.ErrNotFound):
		return c, err
	}
	return c, nil
}

// Gates 关卡推进，所有方法都要求调用方已在事务中锁住项目
type Gates struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewGates(logger *zap.Logger) *Gates {
	return &Gates{logger: logger, now: time.Now}
}

// WithClock 测试用
func (g *Gates) WithClock(now func() time.Time) *Gates {
	g.now = now
	return g
}

func (g *Gates) Now() time.Time {
	return g.now().UTC()
}

// Attempt 当前关卡条件满足时：自审模式直接通过，导师模式发起审核
func (g *Gates) Attempt(ctx context.Context, tx storage.Tx, p *model.Project, actor Actor) (*GateResult, error) {
	result := &GateResult{Project: p}
	if p.Gate == workflow.Completed {
		return result, nil
	}

	checklist, err := BuildChecklist(ctx, tx, p.ID)
	if err != nil {
		return nil, err
	}
	if missing := workflow.Missing(p.Gate, checklist); len(missing) > 0 {
		result.Missing = missing
		return result, nil
	}

	if p.ReviewMode == model.ReviewSelf {
		tr, err := g.Pass(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		result.GatePassed = true
		result.Transition = &tr
		return result, nil
	}

	pending, err := tx.Approvals().GetPending(ctx, p.ID)
	switch {
	case err == nil:
		result.Approval = pending
		return result, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	approval, err := g.OpenApproval(ctx, tx, p, actor.UserID)
	if err != nil {
		return nil, err
	}
	result.Approval = approval
	return result, nil
}

// Pass 推进到下一关卡，写回项目并在同一事务中写入 outbox 事件
func (g *Gates) Pass(ctx context.Context, tx storage.Tx, p *model.Project) (workflow.Transition, error) {
	now := g.Now()
	next, tr, err := workflow.Advance(p.Progress, p.Gate, now)
	if err != nil {
		return workflow.Transition{}, err
	}
	p.Progress = next
	p.Status = model.ProjectActive
	if next.Gate == workflow.Completed {
		p.Status = model.ProjectCompleted
	}
	if err := tx.Projects().Update(ctx, p); err != nil {
		return workflow.Transition{}, fmt.Errorf("update project %d: %w", p.ID, err)
	}

	payload := contractsmq.ProjectGatePassedPayload{
		EventKey:   uuid.NewString(),
		TraceID:    trace.FromContext(ctx),
		ProjectID:  p.ID,
		OwnerID:    p.OwnerID,
		Title:      p.Title,
		Gate:       string(tr.From),
		NextStage:  string(tr.NextStage),
		NextGate:   string(tr.NextGate),
		ReviewMode: p.ReviewMode,
		PassedAt:   now,
	}
	if err := enqueue(ctx, tx, "project", p.ID, contractsmq.RoutingGatePassed, payload); err != nil {
		return workflow.Transition{}, err
	}

	metrics.IncrementGateTransition(string(tr.From), p.ReviewMode)
	g.logger.Info("Gate passed",
		zap.Int("project_id", p.ID),
		zap.String("gate", string(tr.From)),
		zap.String("next_stage", string(tr.NextStage)),
		zap.String("review_mode", p.ReviewMode),
	)
	return tr, nil
}

// OpenApproval 为当前关卡发起导师审核并把项目置为 in_review
func (g *Gates) OpenApproval(ctx context.Context, tx storage.Tx, p *model.Project, requestedBy int) (*model.Approval, error) {
	if !p.HasMentor() {
		return nil, InvalidInput("project %d has no mentor assigned", p.ID)
	}
	now := g.Now()
	a := &model.Approval{
		ProjectID:   p.ID,
		Gate:        p.Gate,
		Status:      model.ApprovalPending,
		RequestedBy: requestedBy,
		MentorID:    *p.MentorID,
	}
	if err := tx.Approvals().Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}

	p.Status = model.ProjectInReview
	if err := tx.Projects().Update(ctx, p); err != nil {
		return nil, fmt.Errorf("update project %d: %w", p.ID, err)
	}

	payload := contractsmq.ApprovalRequestedPayload{
		EventKey:    uuid.NewString(),
		TraceID:     trace.FromContext(ctx),
		ApprovalID:  a.ID,
		ProjectID:   p.ID,
		Title:       p.Title,
		Gate:        string(a.Gate),
		RequestedBy: requestedBy,
		MentorID:    a.MentorID,
		RequestedAt: now,
	}
	if err := enqueue(ctx, tx, "approval", a.ID, contractsmq.RoutingApprovalRequested, payload); err != nil {
		return nil, err
	}

	g.logger.Info("Mentor review requested",
		zap.Int("project_id", p.ID),
		zap.Int("approval_id", a.ID),
		zap.String("gate", string(a.Gate)),
	)
	return a, nil
}

// Enqueue 在事务内写入 outbox 事件
func Enqueue(ctx context.Context, tx storage.Tx, aggregateType string, aggregateID int, routingKey string, payload any) error {
	return enqueue(ctx, tx, aggregateType, aggregateID, routingKey, payload)
}

func enqueue(ctx context.Context, tx storage.Tx, aggregateType string, aggregateID int, routingKey string, payload any) error {
	ev, err := outbox.NewEvent(aggregateType, int64(aggregateID), routingKey, payload)
	if err != nil {
		return err
	}
	if err := tx.Outbox().Enqueue(ctx, ev); err != nil {
		return fmt.Errorf("enqueue %s: %w", routingKey, err)
	}
	return nil
}
