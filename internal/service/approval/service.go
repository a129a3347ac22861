// Package approval 导师审核：发起、裁决和审核队列。
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contractsmq "casa/contracts/mq"
	"casa/internal/model"
	"casa/internal/service"
	"casa/internal/storage"
	"casa/internal/workflow"
	"casa/pkg/metrics"
	"casa/pkg/trace"
)

const (
	DecisionApprove  = "approve"
	DecisionReject   = "reject"
	DecisionRevision = "revision_requested"
)

type DecideInput struct {
	Decision string `json:"decision" binding:"required,oneof=approve reject revision_requested"`
	Comment  string `json:"comment" binding:"max=2000"`
}

// DecideResult 裁决后的审核记录与项目
type DecideResult struct {
	Approval   *model.Approval      `json:"approval"`
	Project    *model.Project       `json:"project"`
	Transition *workflow.Transition `json:"transition,omitempty"`
}

type Service struct {
	store  storage.Store
	gates  *service.Gates
	logger *zap.Logger
}

func NewService(store storage.Store, gates *service.Gates, logger *zap.Logger) *Service {
	return &Service{store: store, gates: gates, logger: logger}
}

// RequestReview 所有者手动为当前关卡发起审核
func (s *Service) RequestReview(ctx context.Context, actor service.Actor, projectID int) (*model.Approval, error) {
	var out *model.Approval
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		p, err := tx.Projects().GetForUpdate(ctx, projectID)
		if err != nil {
			return err
		}
		if err := service.RequireOwner(p, actor); err != nil {
			return err
		}
		if p.ReviewMode != model.ReviewMentor {
			return service.InvalidInput("project %d uses self review", p.ID)
		}
		if p.Locked() {
			return fmt.Errorf("%w: project is %s", service.ErrStageLocked, p.Status)
		}
		if _, err := tx.Approvals().GetPending(ctx, p.ID); err == nil {
			return fmt.Errorf("%w: a review is already pending", storage.ErrConflict)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		checklist, err := service.BuildChecklist(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if err := workflow.Ready(p.Gate, checklist); err != nil {
			return err
		}
		out, err = s.gates.OpenApproval(ctx, tx, p, actor.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Decide 裁决与 approval.decided 事件写在同一事务
func (s *Service) Decide(ctx context.Context, actor service.Actor, approvalID int, in DecideInput) (*DecideResult, error) {
	if !actor.IsMentor() && !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: role %s cannot decide reviews", service.ErrForbidden, actor.Role)
	}
	comment := strings.TrimSpace(in.Comment)
	var status string
	switch in.Decision {
	case DecisionApprove:
		status = model.ApprovalApproved
	case DecisionReject:
		status = model.ApprovalRejected
	case DecisionRevision:
		status = model.ApprovalRevisionRequested
		if comment == "" {
			return nil, service.InvalidInput("a comment is required when requesting a revision")
		}
	default:
		return nil, service.InvalidInput("unknown decision %q", in.Decision)
	}

	result := &DecideResult{}
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		ref, err := tx.Approvals().Get(ctx, approvalID)
		if err != nil {
			return err
		}
		p, err := tx.Projects().GetForUpdate(ctx, ref.ProjectID)
		if err != nil {
			return err
		}
		// 拿到项目锁之后重新读取，避免基于并发裁决前的旧状态
		a, err := tx.Approvals().GetForUpdate(ctx, approvalID)
		if err != nil {
			return err
		}
		if err := service.RequireMentor(p, actor); err != nil {
			return err
		}
		if a.Status != model.ApprovalPending {
			return fmt.Errorf("%w: approval %d is already %s", storage.ErrConflict, a.ID, a.Status)
		}
		if a.Gate != p.Gate {
			return fmt.Errorf("%w: approval is for %s but project is at %s", storage.ErrConflict, a.Gate, p.Gate)
		}

		switch status {
		case model.ApprovalApproved:
			tr, err := s.gates.Pass(ctx, tx, p)
			if err != nil {
				return err
			}
			result.Transition = &tr
		case model.ApprovalRevisionRequested:
			if err := unconfirmGate(ctx, tx, p.ID, a.Gate); err != nil {
				return err
			}
			fallthrough
		default:
			p.Status = model.ProjectActive
			if err := tx.Projects().Update(ctx, p); err != nil {
				return err
			}
		}

		now := s.gates.Now()
		a.Status = status
		a.Comment = comment
		a.DecidedAt = &now
		if err := tx.Approvals().Update(ctx, a); err != nil {
			return err
		}

		payload := contractsmq.ApprovalDecidedPayload{
			EventKey:   uuid.NewString(),
			TraceID:    trace.FromContext(ctx),
			ApprovalID: a.ID,
			ProjectID:  p.ID,
			OwnerID:    p.OwnerID,
			MentorID:   a.MentorID,
			Title:      p.Title,
			Gate:       string(a.Gate),
			Decision:   status,
			Comment:    comment,
			DecidedAt:  now,
		}
		if err := service.Enqueue(ctx, tx, "approval", a.ID, contractsmq.RoutingApprovalDecided, payload); err != nil {
			return err
		}
		result.Approval = a
		result.Project = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncrementApprovalDecision(status)
	s.logger.Info("Review decided",
		zap.Int("approval_id", approvalID),
		zap.Int("project_id", result.Project.ID),
		zap.String("decision", status),
		zap.Int("mentor_id", actor.UserID),
	)
	return result, nil
}

// unconfirmGate 退回修改：清除该关卡全部物料的确认
func unconfirmGate(ctx context.Context, tx storage.Tx, projectID int, g workflow.Gate) error {
	switch g {
	case workflow.Gate1:
		card, err := tx.Ideas().GetByProject(ctx, projectID)
		if err != nil {
			return err
		}
		card.Unconfirm()
		return tx.Ideas().Upsert(ctx, card)
	case workflow.Gate2:
		return tx.Evaluations().UnconfirmProject(ctx, projectID)
	case workflow.Gate3:
		return tx.Documents().UnconfirmProject(ctx, projectID)
	case workflow.Gate4:
		dep, err := tx.Deployments().GetByProject(ctx, projectID)
		if err != nil {
			return err
		}
		dep.Unconfirm()
		return tx.Deployments().Upsert(ctx, dep)
	}
	return fmt.Errorf("%w: %s", workflow.ErrInvalidGate, g)
}

// ListPending 导师的待审队列
func (s *Service) ListPending(ctx context.Context, actor service.Actor) ([]model.Approval, error) {
	if !actor.IsMentor() && !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: role %s has no review queue", service.ErrForbidden, actor.Role)
	}
	items, err := s.store.Approvals().ListPendingByMentor(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Approval{}
	}
	return items, nil
}

func (s *Service) ListForProject(ctx context.Context, actor service.Actor, projectID int) ([]model.Approval, error) {
	p, err := s.store.Projects().Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := service.RequireReader(p, actor); err != nil {
		return nil, err
	}
	items, err := s.store.Approvals().ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Approval{}
	}
	return items, nil
}
