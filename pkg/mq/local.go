package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// LocalBus 进程内的事件总线，memory 存储模式下代替 RabbitMQ
// 同步调用已注册的 handler，routing key 精确匹配
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string][]MessageHandler
	logger   *zap.Logger
}

func NewLocalBus(logger *zap.Logger) *LocalBus {
	return &LocalBus{
		handlers: make(map[string][]MessageHandler),
		logger:   logger,
	}
}

// Subscribe 注册 routingKey 的 handler
func (b *LocalBus) Subscribe(routingKey string, h MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[routingKey] = append(b.handlers[routingKey], h)
}

func (b *LocalBus) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	handlers := b.handlers[routingKey]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, body); err != nil {
			return fmt.Errorf("local handler for %s: %w", routingKey, err)
		}
	}
	if len(handlers) == 0 {
		b.logger.Debug("No local subscriber", zap.String("routing_key", routingKey))
	}
	return nil
}

func (b *LocalBus) IsConnected() bool {
	return true
}
