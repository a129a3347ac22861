// Package project 项目生命周期：创建、阶段物料的保存与确认、关卡推进和公开展示。
package project

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contractsmq "casa/contracts/mq"
	"casa/internal/model"
	"casa/internal/service"
	"casa/internal/storage"
	"casa/internal/workflow"
	"casa/pkg/rbac"
	"casa/pkg/trace"
)

type Service struct {
	store  storage.Store
	gates  *service.Gates
	logger *zap.Logger
}

func NewService(store storage.Store, gates *service.Gates, logger *zap.Logger) *Service {
	return &Service{store: store, gates: gates, logger: logger}
}

type CreateInput struct {
	Title       string `json:"title" binding:"required,max=200"`
	Description string `json:"description" binding:"max=5000"`
	ReviewMode  string `json:"review_mode" binding:"omitempty,oneof=self mentor"`
}

type IdeaInput struct {
	Problem          string `json:"problem" binding:"required"`
	Solution         string `json:"solution" binding:"required"`
	TargetCustomer   string `json:"target_customer"`
	ValueProposition string `json:"value_proposition"`
}

type DeploymentInput struct {
	URL      string `json:"url" binding:"required"`
	IsPublic *bool  `json:"is_public"`
}

// ProgressView 项目进度与当前关卡的缺失条件
type ProgressView struct {
	ProjectID int    `json:"project_id"`
	Status    string `json:"status"`
	workflow.Progress
	Checklist workflow.Checklist `json:"checklist"`
	Missing   []string           `json:"missing"`
	Pending   *model.Approval    `json:"pending_approval,omitempty"`
}

func (s *Service) Create(ctx context.Context, actor service.Actor, in CreateInput) (*model.Project, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, service.InvalidInput("title is required")
	}
	mode := in.ReviewMode
	if mode == "" {
		mode = model.ReviewSelf
	}
	if mode != model.ReviewSelf && mode != model.ReviewMentor {
		return nil, service.InvalidInput("unknown review mode %q", mode)
	}

	p := &model.Project{
		OwnerID:     actor.UserID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		ReviewMode:  mode,
		Status:      model.ProjectActive,
		Progress:    workflow.Start(),
	}
	if err := s.store.Projects().Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	s.logger.Info("Project created",
		zap.Int("project_id", p.ID),
		zap.Int("owner_id", p.OwnerID),
		zap.String("review_mode", p.ReviewMode),
	)
	return p, nil
}

func (s *Service) Get(ctx context.Context, actor service.Actor, id int) (*model.Project, error) {
	p, err := s.store.Projects().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := service.RequireReader(p, actor); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, actor service.Actor) ([]model.Project, error) {
	return s.store.Projects().ListByOwner(ctx, actor.UserID)
}

// ListMentored 导师名下的项目
func (s *Service) ListMentored(ctx context.Context, actor service.Actor) ([]model.Project, error) {
	if !actor.IsMentor() && !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: role %s cannot mentor", service.ErrForbidden, actor.Role)
	}
	return s.store.Projects().ListByMentor(ctx, actor.UserID)
}

// AssignMentor 所有者或拥有 project:override 权限的角色可以指派；审核进行中不允许更换导师
func (s *Service) AssignMentor(ctx context.Context, actor service.Actor, projectID, mentorID int) (*model.Project, error) {
	var out *model.Project
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		p, err := tx.Projects().GetForUpdate(ctx, projectID)
		if err != nil {
			return err
		}
		if !rbac.HasPermission(actor.Role, rbac.PermissionOverrideOwner) {
			if err := service.RequireOwner(p, actor); err != nil {
				return err
			}
		}
		if p.Locked() {
			return fmt.Errorf("%w: project is %s", service.ErrStageLocked, p.Status)
		}
		if p.Status == model.ProjectInReview {
			return fmt.Errorf("%w: project is waiting for mentor review", service.ErrStageLocked)
		}
		mentor, err := tx.Users().GetByID(ctx, mentorID)
		if err != nil {
			return fmt.Errorf("mentor %d: %w", mentorID, err)
		}
		if mentor.Role != model.RoleMentor {
			return service.InvalidInput("user %d is not a mentor", mentorID)
		}
		p.MentorID = &mentor.ID
		if err := tx.Projects().Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Mentor assigned", zap.Int("project_id", projectID), zap.Int("mentor_id", mentorID))
	return out, nil
}

func (s *Service) Archive(ctx context.Context, actor service.Actor, id int) (*model.Project, error) {
	var out *model.Project
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		p, err := tx.Projects().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := service.RequireOwner(p, actor); err != nil {
			return err
		}
		if p.Status == model.ProjectArchived {
			out = p
			return nil
		}
		// 待审的申请一并作废
		if pending, err := tx.Approvals().GetPending(ctx, p.ID); err == nil {
			pending.Status = model.ApprovalRejected
			pending.Comment = "project archived"
			now := s.gates.Now()
			pending.DecidedAt = &now
			if err := tx.Approvals().Update(ctx, pending); err != nil {
				return err
			}
			payload := contractsmq.ApprovalDecidedPayload{
				EventKey:   uuid.NewString(),
				TraceID:    trace.FromContext(ctx),
				ApprovalID: pending.ID,
				ProjectID:  p.ID,
				OwnerID:    p.OwnerID,
				MentorID:   pending.MentorID,
				Title:      p.Title,
				Gate:       string(pending.Gate),
				Decision:   pending.Status,
				Comment:    pending.Comment,
				DecidedAt:  now,
			}
			if err := service.Enqueue(ctx, tx, "approval", pending.ID, contractsmq.RoutingApprovalDecided, payload); err != nil {
				return err
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		p.Status = model.ProjectArchived
		if err := tx.Projects().Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Project archived", zap.Int("project_id", id))
	return out, nil
}

// lockForEdit 锁住项目并校验所有者与阶段
func lockForEdit(ctx context.Context, tx storage.Tx, actor service.Actor, projectID int, stage workflow.Stage) (*model.Project, error) {
	p, err := tx.Projects().GetForUpdate(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := service.RequireOwner(p, actor); err != nil {
		return nil, err
	}
	if err := service.RequireStage(p, stage); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) GetIdea(ctx context.Context, actor service.Actor, projectID int) (*model.IdeaCard, error) {
	if _, err := s.Get(ctx, actor, projectID); err != nil {
		return nil, err
	}
	return s.store.Ideas().GetByProject(ctx, projectID)
}

// SaveIdea 保存会清除确认状态
func (s *Service) SaveIdea(ctx context.Context, actor service.Actor, projectID int, in IdeaInput) (*model.IdeaCard, error) {
	card := &model.IdeaCard{
		ProjectID:        projectID,
		Problem:          strings.TrimSpace(in.Problem),
		Solution:         strings.TrimSpace(in.Solution),
		TargetCustomer:   strings.TrimSpace(in.TargetCustomer),
		ValueProposition: strings.TrimSpace(in.ValueProposition),
	}
	if card.Problem == "" || card.Solution == "" {
		return nil, service.InvalidInput("problem and solution are required")
	}
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := lockForEdit(ctx, tx, actor, projectID, workflow.StageIdea); err != nil {
			return err
		}
		card.Unconfirm()
		return tx.Ideas().Upsert(ctx, card)
	})
	if err != nil {
		return nil, err
	}
	return card, nil
}

func (s *Service) ConfirmIdea(ctx context.Context, actor service.Actor, projectID int) (*service.GateResult, error) {
	return s.confirm(ctx, actor, projectID, workflow.StageIdea, func(tx storage.Tx, p *model.Project) error {
		card, err := tx.Ideas().GetByProject(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("idea card: %w", err)
		}
		card.Confirm(actor.UserID, s.gates.Now())
		return tx.Ideas().Upsert(ctx, card)
	})
}

// ConfirmEvaluation 只有最近一次成功的评估能被确认
func (s *Service) ConfirmEvaluation(ctx context.Context, actor service.Actor, evaluationID int) (*service.GateResult, error) {
	e, err := s.store.Evaluations().Get(ctx, evaluationID)
	if err != nil {
		return nil, err
	}
	return s.confirm(ctx, actor, e.ProjectID, workflow.StageEvaluation, func(tx storage.Tx, p *model.Project) error {
		latest, err := tx.Evaluations().LatestCompleted(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("%w: no completed evaluation", storage.ErrConflict)
		}
		if latest.ID != evaluationID {
			return fmt.Errorf("%w: evaluation %d is not the latest completed evaluation", storage.ErrConflict, evaluationID)
		}
		latest.Confirm(actor.UserID, s.gates.Now())
		return tx.Evaluations().Update(ctx, latest)
	})
}

// ConfirmDocument 只有每种文档的最新版本参与关卡判断
func (s *Service) ConfirmDocument(ctx context.Context, actor service.Actor, documentID int) (*service.GateResult, error) {
	d, err := s.store.Documents().Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return s.confirm(ctx, actor, d.ProjectID, workflow.StageDocument, func(tx storage.Tx, p *model.Project) error {
		latest, err := tx.Documents().Latest(ctx, p.ID)
		if err != nil {
			return err
		}
		cur, ok := latest[d.DocType]
		if !ok || cur.ID != documentID {
			return fmt.Errorf("%w: document %d is not the latest %s version", storage.ErrConflict, documentID, d.DocType)
		}
		cur.Confirm(actor.UserID, s.gates.Now())
		return tx.Documents().SetConfirmation(ctx, &cur)
	})
}

func (s *Service) GetDeployment(ctx context.Context, actor service.Actor, projectID int) (*model.Deployment, error) {
	if _, err := s.Get(ctx, actor, projectID); err != nil {
		return nil, err
	}
	return s.store.Deployments().GetByProject(ctx, projectID)
}

// SaveDeployment 首次保存时生成展示页 slug
func (s *Service) SaveDeployment(ctx context.Context, actor service.Actor, projectID int, in DeploymentInput) (*model.Deployment, error) {
	link, err := normalizeURL(in.URL)
	if err != nil {
		return nil, err
	}
	public := true
	if in.IsPublic != nil {
		public = *in.IsPublic
	}

	var out *model.Deployment
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := lockForEdit(ctx, tx, actor, projectID, workflow.StageDeploy); err != nil {
			return err
		}
		dep, err := tx.Deployments().GetByProject(ctx, projectID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			dep = &model.Deployment{ProjectID: projectID, ShowcaseSlug: newSlug()}
		case err != nil:
			return err
		}
		dep.URL = link
		dep.IsPublic = public
		dep.Unconfirm()
		if err := tx.Deployments().Upsert(ctx, dep); err != nil {
			return err
		}
		out = dep
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ConfirmDeployment(ctx context.Context, actor service.Actor, projectID int) (*service.GateResult, error) {
	return s.confirm(ctx, actor, projectID, workflow.StageDeploy, func(tx storage.Tx, p *model.Project) error {
		dep, err := tx.Deployments().GetByProject(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("deployment: %w", err)
		}
		dep.Confirm(actor.UserID, s.gates.Now())
		return tx.Deployments().Upsert(ctx, dep)
	})
}

// confirm 确认物料后在同一事务里尝试推进关卡
func (s *Service) confirm(ctx context.Context, actor service.Actor, projectID int, stage workflow.Stage, mark func(tx storage.Tx, p *model.Project) error) (*service.GateResult, error) {
	var result *service.GateResult
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		p, err := lockForEdit(ctx, tx, actor, projectID, stage)
		if err != nil {
			return err
		}
		if err := service.RequireConfirmable(p); err != nil {
			return err
		}
		if err := mark(tx, p); err != nil {
			return err
		}
		result, err = s.gates.Attempt(ctx, tx, p, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) Progress(ctx context.Context, actor service.Actor, projectID int) (*ProgressView, error) {
	p, err := s.Get(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	checklist, err := service.BuildChecklist(ctx, s.store, p.ID)
	if err != nil {
		return nil, err
	}
	view := &ProgressView{
		ProjectID: p.ID,
		Status:    p.Status,
		Progress:  p.Progress,
		Checklist: checklist,
		Missing:   []string{},
	}
	if p.Gate != workflow.Completed {
		view.Missing = workflow.Missing(p.Gate, checklist)
	}
	if pending, err := s.store.Approvals().GetPending(ctx, p.ID); err == nil {
		view.Pending = pending
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return view, nil
}

// Showcase 已完成且公开的项目，无需登录
func (s *Service) Showcase(ctx context.Context) ([]model.Showcase, error) {
	items, err := s.store.Deployments().ListShowcase(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Showcase{}
	}
	return items, nil
}

func (s *Service) ShowcaseBySlug(ctx context.Context, slug string) (*model.Showcase, error) {
	return s.store.Deployments().GetShowcase(ctx, slug)
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", service.InvalidInput("deployment url must be an absolute http(s) url")
	}
	return u.String(), nil
}

func newSlug() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
