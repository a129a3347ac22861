package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"casa/pkg/metrics"
	"casa/pkg/trace"
)

// Store Dispatcher 需要的持久化操作
type Store interface {
	LeasePendingEvents(ctx context.Context, limit int, leaseFor time.Duration) ([]*Event, error)
	MarkAsSent(ctx context.Context, eventID int64) error
	MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error
}

// Publisher 由 mq.Publisher 或 mq.LocalBus 实现
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// Dispatcher 负责从 outbox 中读取事件并发布到 MQ
type Dispatcher struct {
	store      Store
	publisher  Publisher
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
	lease      time.Duration
}

// NewDispatcher 创建新的 Dispatcher
func NewDispatcher(store Store, publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		publisher:  publisher,
		logger:     logger,
		maxRetries: 5,               // 默认最大重试5次
		interval:   1 * time.Second, // 默认每秒扫描一次
		batchSize:  100,             // 默认每次处理100个事件
		lease:      30 * time.Second,
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	if maxRetries > 0 {
		d.maxRetries = maxRetries
	}
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	return d
}

// Start 阻塞直到 ctx 结束；启动时先排空一次积压
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Outbox dispatcher running",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// drain 批次满时立即继续取下一批
func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if leased, _ := d.batch(ctx); leased < d.batchSize {
			return
		}
	}
}

// ProcessPendingEvents 处理一批 pending 事件，返回成功发送的数量
func (d *Dispatcher) ProcessPendingEvents(ctx context.Context) int {
	_, sent := d.batch(ctx)
	return sent
}

func (d *Dispatcher) batch(ctx context.Context) (leased, sent int) {
	events, err := d.store.LeasePendingEvents(ctx, d.batchSize, d.lease)
	if err != nil {
		d.logger.Error("Lease pending events failed", zap.Error(err))
		return 0, 0
	}
	for _, event := range events {
		if d.deliver(ctx, event) {
			sent++
		}
	}
	if len(events) > 0 {
		d.logger.Debug("Outbox batch processed", zap.Int("leased", len(events)), zap.Int("sent", sent))
	}
	return len(events), sent
}

// deliver 发布并记录结果；失败的事件按 retry_count 退避，超过 maxRetries 置为 failed
func (d *Dispatcher) deliver(ctx context.Context, event *Event) bool {
	log := d.logger.With(zap.Int64("event_id", event.ID), zap.String("routing_key", event.RoutingKey))

	if err := d.publishEvent(ctx, event); err != nil {
		log.Error("Publish outbox event failed", zap.Int("retry_count", event.RetryCount), zap.Error(err))
		metrics.IncrementOutboxEvent("retry")
		if err := d.store.MarkAsFailed(ctx, event.ID, d.maxRetries); err != nil {
			log.Error("Mark outbox event failed", zap.Error(err))
		}
		return false
	}

	if err := d.store.MarkAsSent(ctx, event.ID); err != nil {
		log.Error("Mark outbox event sent", zap.Error(err))
		return false
	}
	metrics.IncrementOutboxEvent("sent")
	log.Debug("Outbox event published")
	return true
}

func (d *Dispatcher) publishEvent(ctx context.Context, event *Event) error {
	if !json.Valid(event.Payload) {
		return fmt.Errorf("event %d payload is not valid json", event.ID)
	}
	ctx = contextWithPayloadTrace(ctx, event.Payload)
	if err := d.publisher.PublishWithContext(ctx, event.RoutingKey, event.Payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// contextWithPayloadTrace 从 payload 中提取 trace_id（如果存在）
func contextWithPayloadTrace(ctx context.Context, payload json.RawMessage) context.Context {
	var envelope struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ctx
	}
	if envelope.TraceID != "" {
		ctx = trace.WithContext(ctx, envelope.TraceID)
	}
	return ctx
}
