package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func mqSpan(ctx context.Context, kind trace.SpanKind, op, routingKey, destination string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mq."+op+" "+routingKey,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation", op),
			attribute.String("messaging.destination.name", destination),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		),
	)
}

// MQPublishSpan destination 为 exchange
func MQPublishSpan(ctx context.Context, routingKey string, exchange string) (context.Context, trace.Span) {
	return mqSpan(ctx, trace.SpanKindProducer, "publish", routingKey, exchange)
}

// MQConsumeSpan destination 为 queue；ctx 应已从消息头提取过 trace context
func MQConsumeSpan(ctx context.Context, routingKey string, queue string) (context.Context, trace.Span) {
	return mqSpan(ctx, trace.SpanKindConsumer, "consume", routingKey, queue)
}

// MQHeaderCarrier 把 AMQP headers 当作 TextMapCarrier，只读写 string 值
type MQHeaderCarrier map[string]interface{}

func NewMQHeaderCarrier(headers map[string]interface{}) MQHeaderCarrier {
	if headers == nil {
		headers = make(map[string]interface{})
	}
	return MQHeaderCarrier(headers)
}

func (c MQHeaderCarrier) Get(key string) string {
	s, _ := c[key].(string)
	return s
}

func (c MQHeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c MQHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
