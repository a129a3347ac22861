package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"casa/pkg/metrics"
	"casa/pkg/otel"
	"casa/pkg/trace"
)

// MessageHandler 处理一条事件 body；返回 error 时消息重新入队
type MessageHandler func(ctx context.Context, data json.RawMessage) error

const defaultPrefetch = 10

var errNoHandler = errors.New("consumer handler not set")

// Consumer 一个工作队列上的消费者，一条连接一个 channel
type Consumer struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	tag        string
	handler    MessageHandler
	log        *zap.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// NewConsumer 声明 queueName 并绑定到 routingKey，prefetch 固定为 10
func NewConsumer(url, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, ch, err := open(url)
	if err != nil {
		return nil, err
	}
	closeAll := func() {
		_ = ch.Close()
		_ = conn.Close()
	}

	q, err := declareWorkQueue(ch, queueName, routingKey)
	if err != nil {
		closeAll()
		return nil, err
	}
	if err := ch.Qos(defaultPrefetch, 0, false); err != nil {
		closeAll()
		return nil, fmt.Errorf("set qos on %s: %w", queueName, err)
	}

	c := &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		tag:        "casa-worker-" + q.Name,
		log:        logger.With(zap.String("queue", q.Name), zap.String("routing_key", routingKey)),
		done:       make(chan struct{}),
	}
	c.log.Info("Consumer initialized", zap.String("exchange", ExchangeName))
	return c, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

func (c *Consumer) IsConnected() bool {
	return c != nil && c.conn != nil && !c.conn.IsClosed()
}

// Stop 取消订阅，StartConsuming 随后返回
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.channel != nil {
			_ = c.channel.Cancel(c.tag, false)
		}
	})
}

func (c *Consumer) Close() {
	c.Stop()
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming 阻塞直到 Stop 或 channel 关闭，需在 goroutine 中调用
func (c *Consumer) StartConsuming() error {
	if c.handler == nil {
		return errNoHandler
	}

	// autoAck=false：每条消息由 dispatch 显式 ack/nack
	deliveries, err := c.channel.Consume(c.queue.Name, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue.Name, err)
	}
	c.log.Info("Consumer started")

	for {
		select {
		case <-c.done:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				c.log.Warn("Delivery channel closed")
				return nil
			}
			c.dispatch(d)
		}
	}
}

func (c *Consumer) deliveryContext(d amqp091.Delivery) context.Context {
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), otel.NewMQHeaderCarrier(d.Headers))
	if traceID, _ := d.Headers["trace_id"].(string); traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	return ctx
}

// dispatch 调用 handler 并结算消息；panic 按失败处理
func (c *Consumer) dispatch(d amqp091.Delivery) {
	start := time.Now()
	ctx, span := otel.MQConsumeSpan(c.deliveryContext(d), c.routingKey, c.queue.Name)
	defer span.End()
	defer func() {
		metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start))
	}()

	err := c.invoke(ctx, d.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.settle(d, err)
}

func (c *Consumer) invoke(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, body)
}

func (c *Consumer) settle(d amqp091.Delivery, handlerErr error) {
	if handlerErr != nil {
		c.log.Error("Handler failed, requeueing", zap.Int("message_size", len(d.Body)), zap.Error(handlerErr))
		if err := d.Nack(false, true); err != nil {
			c.log.Error("Nack failed", zap.Error(err))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.log.Error("Ack failed", zap.Error(err))
		return
	}
	c.log.Debug("Message processed")
}
