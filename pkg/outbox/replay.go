package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"casa/pkg/metrics"
)

// ReplayStore 管理端手动重放需要的持久化操作
type ReplayStore interface {
	GetEventByID(ctx context.Context, eventID int64) (*Event, error)
	GetFailedEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkAsSent(ctx context.Context, eventID int64) error
	MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error
}

// ReplayService 重新发布单个事件或一批 failed 事件，不区分事件当前状态
type ReplayService struct {
	repo       ReplayStore
	publisher  Publisher
	maxRetries int
	logger     *zap.Logger
}

func NewReplayService(repo ReplayStore, publisher Publisher, logger *zap.Logger) *ReplayService {
	return &ReplayService{repo: repo, publisher: publisher, maxRetries: 5, logger: logger}
}

// ReplayEvent 事件不存在时返回的 error 包含 ErrEventNotFound
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	event, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event %d: %w", eventID, err)
	}
	return s.replay(ctx, event)
}

// ReplayFailedEvents 逐个重放，单个失败不影响其余事件，返回成功数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list failed events: %w", err)
	}

	replayed := 0
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		if err := s.replay(ctx, event); err != nil {
			s.logger.Warn("Outbox replay failed",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)
			continue
		}
		replayed++
	}
	s.logger.Info("Outbox replay finished", zap.Int("candidates", len(events)), zap.Int("replayed", replayed))
	return replayed, nil
}

func (s *ReplayService) replay(ctx context.Context, event *Event) error {
	ctx = contextWithPayloadTrace(ctx, event.Payload)
	if pubErr := s.publisher.PublishWithContext(ctx, event.RoutingKey, event.Payload); pubErr != nil {
		metrics.IncrementOutboxEvent("replay_failed")
		if err := s.repo.MarkAsFailed(ctx, event.ID, s.maxRetries); err != nil {
			s.logger.Error("Failed to record replay failure", zap.Int64("event_id", event.ID), zap.Error(err))
		}
		return fmt.Errorf("publish %s: %w", event.RoutingKey, pubErr)
	}
	if err := s.repo.MarkAsSent(ctx, event.ID); err != nil {
		return fmt.Errorf("mark event %d sent: %w", event.ID, err)
	}
	metrics.IncrementOutboxEvent("replayed")
	return nil
}
