package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	contractsmq "casa/contracts/mq"
	"casa/internal/service/notification"
	"casa/pkg/logger"
	"casa/pkg/util"
)

const defaultMaxRetries = 3

var errMissingEventKey = errors.New("event_key is empty")

// Deduper 由 util.Deduper 实现
type Deduper interface {
	AcquireOnce(ctx context.Context, handler string, eventKey string) bool
	Release(ctx context.Context, handler string, eventKey string)
}

// RetryCounter 由 util.RetryCounter 实现
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// DeadLetter 由 mq.Publisher 实现
type DeadLetter interface {
	PublishToDLQ(routingKey string, payload []byte, originalError, failedAt string) error
}

// NotificationHandler 把领域事件转成站内通知。
// deduper、retries、dlq 都可以为 nil（memory 模式没有 Redis 和 RabbitMQ），
// 此时幂等依赖 notifications 表上 (user_id, event_key) 的唯一约束。
type NotificationHandler struct {
	svc        *notification.Service
	deduper    Deduper
	retries    RetryCounter
	dlq        DeadLetter
	maxRetries int64
	logger     *zap.Logger
}

func NewNotificationHandler(
	svc *notification.Service,
	deduper Deduper,
	retries RetryCounter,
	dlq DeadLetter,
	maxRetries int64,
	logger *zap.Logger,
) *NotificationHandler {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &NotificationHandler{
		svc:        svc,
		deduper:    deduper,
		retries:    retries,
		dlq:        dlq,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// HandleGatePassed -- project.gate_passed 通知所有者
func (h *NotificationHandler) HandleGatePassed(ctx context.Context, raw json.RawMessage) error {
	return handle(ctx, h, contractsmq.RoutingGatePassed, raw,
		func(p contractsmq.ProjectGatePassedPayload) string { return p.EventKey },
		h.svc.GatePassed)
}

// HandleApprovalRequested -- approval.requested 通知导师
func (h *NotificationHandler) HandleApprovalRequested(ctx context.Context, raw json.RawMessage) error {
	return handle(ctx, h, contractsmq.RoutingApprovalRequested, raw,
		func(p contractsmq.ApprovalRequestedPayload) string { return p.EventKey },
		h.svc.ApprovalRequested)
}

// HandleApprovalDecided -- approval.decided 通知所有者
func (h *NotificationHandler) HandleApprovalDecided(ctx context.Context, raw json.RawMessage) error {
	return handle(ctx, h, contractsmq.RoutingApprovalDecided, raw,
		func(p contractsmq.ApprovalDecidedPayload) string { return p.EventKey },
		h.svc.ApprovalDecided)
}

// handle 返回 nil 表示 ack（成功、重复或已进 DLQ），返回 error 表示 nack 重投
func handle[T any](
	ctx context.Context,
	h *NotificationHandler,
	routingKey string,
	raw json.RawMessage,
	eventKey func(T) string,
	process func(context.Context, T) (bool, error),
) error {
	log := logger.WithTrace(ctx, h.logger).With(zap.String("routing_key", routingKey))

	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Error("Failed to unmarshal payload (non-retryable, sending to DLQ)",
			zap.Error(err),
			zap.String("raw_payload", string(raw)),
		)
		h.deadLetter(routingKey, raw, err, log)
		return nil
	}
	key := eventKey(payload)
	if key == "" {
		log.Error("Payload without event key, sending to DLQ")
		h.deadLetter(routingKey, raw, errMissingEventKey, log)
		return nil
	}
	log = log.With(zap.String("event_key", key))

	// Redis 去重
	if h.deduper != nil && !h.deduper.AcquireOnce(ctx, routingKey, key) {
		log.Info("Duplicate notification event skipped")
		return nil
	}

	created, err := process(ctx, payload)
	if err == nil {
		h.resetRetries(ctx, routingKey, key, log)
		log.Debug("Notification event processed", zap.Bool("created", created))
		return nil
	}

	// 失败后释放去重锁，重投的消息才能再次处理
	if h.deduper != nil {
		h.deduper.Release(ctx, routingKey, key)
	}

	retryable, errType := util.IsRetryableError(err)
	log = log.With(zap.String("error_type", errType), zap.Bool("retryable", retryable), zap.Error(err))
	if !retryable {
		log.Error("Notification event failed (non-retryable, sending to DLQ)")
		h.deadLetter(routingKey, raw, err, log)
		return nil
	}

	if h.retries == nil {
		log.Warn("Notification event failed, will retry")
		return err
	}
	count, cerr := h.retries.IncrementAndGet(ctx, util.FormatRetryKey(routingKey, key))
	if cerr != nil {
		// Redis 错误不影响处理，按第一次处理
		log.Warn("Failed to get retry count, continuing anyway", zap.NamedError("redis_error", cerr))
		count = 1
	}
	if util.ShouldRetry(count, h.maxRetries, retryable) {
		log.Warn("Notification event failed, will retry",
			zap.Int64("retry_count", count),
			zap.Int64("max_retries", h.maxRetries),
		)
		return err
	}

	log.Error("Notification event exceeded max retries, sending to DLQ", zap.Int64("retry_count", count))
	h.deadLetter(routingKey, raw, err, log)
	h.resetRetries(ctx, routingKey, key, log)
	return nil
}

func (h *NotificationHandler) deadLetter(routingKey string, raw []byte, cause error, log *zap.Logger) {
	if h.dlq == nil {
		log.Warn("No DLQ configured, dropping message")
		return
	}
	if err := h.dlq.PublishToDLQ(routingKey, raw, cause.Error(), time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.Error("Failed to publish to DLQ", zap.NamedError("dlq_error", err))
	}
}

func (h *NotificationHandler) resetRetries(ctx context.Context, routingKey, key string, log *zap.Logger) {
	if h.retries == nil {
		return
	}
	if err := h.retries.Reset(ctx, util.FormatRetryKey(routingKey, key)); err != nil {
		log.Debug("Failed to reset retry counter", zap.Error(err))
	}
}

// Route 注册到 consumer 或 LocalBus 的处理函数
type Route struct {
	RoutingKey string
	Queue      string
	Handle     func(ctx context.Context, raw json.RawMessage) error
}

// Routes worker 订阅的全部事件
func (h *NotificationHandler) Routes() []Route {
	return []Route{
		{RoutingKey: contractsmq.RoutingGatePassed, Queue: queueName(contractsmq.RoutingGatePassed), Handle: h.HandleGatePassed},
		{RoutingKey: contractsmq.RoutingApprovalRequested, Queue: queueName(contractsmq.RoutingApprovalRequested), Handle: h.HandleApprovalRequested},
		{RoutingKey: contractsmq.RoutingApprovalDecided, Queue: queueName(contractsmq.RoutingApprovalDecided), Handle: h.HandleApprovalDecided},
	}
}

func queueName(routingKey string) string {
	return fmt.Sprintf("casa.notification.%s", routingKey)
}
