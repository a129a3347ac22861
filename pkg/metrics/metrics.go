package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// LLM 调用延迟（毫秒）
	LLMCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_latency_ms",
			Help:    "LLM provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"provider", "status"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of queries slower than the configured threshold",
		},
		[]string{"statement"},
	)

	// 关卡通过计数，mode: self / mentor
	GateTransitionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_transitions_total",
			Help: "Total number of project gates passed",
		},
		[]string{"gate", "mode"},
	)

	// 导师审批结果计数
	ApprovalDecisionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_decisions_total",
			Help: "Total number of mentor approval decisions",
		},
		[]string{"decision"},
	)

	// AI 评估得分分布
	EvaluationScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evaluation_score",
			Help:    "Persona and total evaluation scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
		[]string{"persona"},
	)

	// Outbox 事件分发结果，result: sent / retry / failed
	OutboxEventCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "Outbox dispatch results",
		},
		[]string{"result"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordLLMCallLatency 记录 LLM 调用延迟
func RecordLLMCallLatency(provider, status string, duration time.Duration) {
	LLMCallLatency.WithLabelValues(provider, status).Observe(float64(duration.Milliseconds()))
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementSlowQuery 慢查询 +1（statement 已截断）
func IncrementSlowQuery(statement string, _ time.Duration) {
	SlowQueryCount.WithLabelValues(statement).Inc()
}

func IncrementGateTransition(gate, mode string) {
	GateTransitionCount.WithLabelValues(gate, mode).Inc()
}

func IncrementApprovalDecision(decision string) {
	ApprovalDecisionCount.WithLabelValues(decision).Inc()
}

func ObserveEvaluationScore(persona string, score float64) {
	EvaluationScore.WithLabelValues(persona).Observe(score)
}

func IncrementOutboxEvent(result string) {
	OutboxEventCount.WithLabelValues(result).Inc()
}
