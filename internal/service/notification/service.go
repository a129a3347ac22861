// Package notification 站内通知：由 worker 消费领域事件写入，用户在 API 里读取。
package notification

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	contractsmq "casa/contracts/mq"
	"casa/internal/model"
	"casa/internal/service"
	"casa/internal/storage"
)

type Service struct {
	repo   storage.NotificationRepository
	logger *zap.Logger
}

func NewService(repo storage.NotificationRepository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

func (s *Service) ListForUser(ctx context.Context, actor service.Actor, unreadOnly bool) ([]model.Notification, error) {
	items, err := s.repo.ListByUser(ctx, actor.UserID, unreadOnly)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Notification{}
	}
	return items, nil
}

// MarkRead 只能标记自己的通知
func (s *Service) MarkRead(ctx context.Context, actor service.Actor, id int) error {
	return s.repo.MarkRead(ctx, id, actor.UserID)
}

// GatePassed 通知项目所有者，返回 false 表示事件已处理过
func (s *Service) GatePassed(ctx context.Context, p contractsmq.ProjectGatePassedPayload) (bool, error) {
	msg := fmt.Sprintf("%q passed %s. Next stage: %s.", p.Title, gateLabel(p.Gate), p.NextStage)
	if p.NextGate == "completed" {
		msg = fmt.Sprintf("%q passed %s and is complete.", p.Title, gateLabel(p.Gate))
	}
	return s.create(ctx, p.OwnerID, p.ProjectID, model.NotifyGatePassed, msg, p.EventKey)
}

// ApprovalRequested 通知导师有新的待审项目
func (s *Service) ApprovalRequested(ctx context.Context, p contractsmq.ApprovalRequestedPayload) (bool, error) {
	msg := fmt.Sprintf("%q is waiting for your review at %s.", p.Title, gateLabel(p.Gate))
	return s.create(ctx, p.MentorID, p.ProjectID, model.NotifyApprovalRequested, msg, p.EventKey)
}

// ApprovalDecided 通知所有者导师的裁决
func (s *Service) ApprovalDecided(ctx context.Context, p contractsmq.ApprovalDecidedPayload) (bool, error) {
	var msg string
	switch p.Decision {
	case model.ApprovalApproved:
		msg = fmt.Sprintf("Your mentor approved %s of %q.", gateLabel(p.Gate), p.Title)
	case model.ApprovalRevisionRequested:
		msg = fmt.Sprintf("Your mentor requested a revision of %s of %q.", gateLabel(p.Gate), p.Title)
	default:
		msg = fmt.Sprintf("Your mentor rejected %s of %q.", gateLabel(p.Gate), p.Title)
	}
	if c := strings.TrimSpace(p.Comment); c != "" {
		msg += " Comment: " + c
	}
	return s.create(ctx, p.OwnerID, p.ProjectID, model.NotifyApprovalDecided, msg, p.EventKey)
}

func (s *Service) create(ctx context.Context, userID, projectID int, kind, msg, eventKey string) (bool, error) {
	n := &model.Notification{
		UserID:    userID,
		ProjectID: &projectID,
		Kind:      kind,
		Message:   msg,
		EventKey:  eventKey,
	}
	created, err := s.repo.Create(ctx, n)
	if err != nil {
		return false, fmt.Errorf("create %s notification: %w", kind, err)
	}
	if created {
		s.logger.Info("Notification created",
			zap.Int("user_id", userID),
			zap.Int("project_id", projectID),
			zap.String("kind", kind),
		)
	}
	return created, nil
}

// gateLabel gate_2 -> gate 2
func gateLabel(g string) string {
	return strings.ReplaceAll(g, "_", " ")
}
