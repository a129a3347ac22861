package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"casa/pkg/circuitbreaker"
	"casa/pkg/metrics"
	"casa/pkg/otel"
)

// Router 按名称选择 provider；每个 provider 独立熔断，失败时按 fallback 顺序切换
type Router struct {
	providers       map[string]Provider
	breakers        map[string]*circuitbreaker.CircuitBreaker
	defaultProvider string
	fallback        []string
	timeout         time.Duration
	logger          *zap.Logger
}

type RouterConfig struct {
	DefaultProvider string
	Fallback        []string
	Timeout         time.Duration
	Breaker         circuitbreaker.Config
}

func NewRouter(cfg RouterConfig, logger *zap.Logger, providers ...Provider) *Router {
	r := &Router{
		providers:       make(map[string]Provider, len(providers)),
		breakers:        make(map[string]*circuitbreaker.CircuitBreaker, len(providers)),
		defaultProvider: cfg.DefaultProvider,
		fallback:        cfg.Fallback,
		timeout:         cfg.Timeout,
		logger:          logger,
	}
	for _, p := range providers {
		name := p.Name()
		r.providers[name] = p
		r.breakers[name] = circuitbreaker.NewCircuitBreaker(name, cfg.Breaker,
			circuitbreaker.WithStateChangeHook(func(name string, from, to circuitbreaker.State) {
				logger.Warn("LLM circuit breaker state changed",
					zap.String("provider", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			}),
		)
	}
	if r.defaultProvider == "" && len(providers) > 0 {
		r.defaultProvider = providers[0].Name()
	}
	return r
}

// Resolve 返回指定 provider；name 为空时返回默认 provider
func (r *Router) Resolve(name string) (Provider, error) {
	if name == "" {
		name = r.defaultProvider
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}
	return p, nil
}

// Providers 已注册的 provider 名称
func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}

// candidates preferred 优先，其次 fallback 列表，最后默认 provider
func (r *Router) candidates(preferred string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		if _, ok := r.providers[name]; !ok {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	add(preferred)
	for _, name := range r.fallback {
		add(name)
	}
	add(r.defaultProvider)
	return out
}

// Complete 非流式调用
func (r *Router) Complete(ctx context.Context, preferred string, req Request) (*Response, error) {
	return r.run(ctx, preferred, req, "complete", func(ctx context.Context, p Provider, req Request, _ *bool) (*Response, error) {
		return p.Complete(ctx, req)
	})
}

// Stream 流式调用；已有输出发给调用方后不再切换 provider
func (r *Router) Stream(ctx context.Context, preferred string, req Request, onDelta DeltaFunc) (*Response, error) {
	return r.run(ctx, preferred, req, "stream", func(ctx context.Context, p Provider, req Request, emitted *bool) (*Response, error) {
		return p.Stream(ctx, req, func(delta string) error {
			*emitted = true
			return onDelta(delta)
		})
	})
}

type callFunc func(ctx context.Context, p Provider, req Request, emitted *bool) (*Response, error)

func (r *Router) run(ctx context.Context, preferred string, req Request, op string, call callFunc) (*Response, error) {
	names := r.candidates(preferred)
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoProvider, preferred)
	}

	// req.Model 只对指定的 provider 有效，切换后使用各自配置的默认模型
	pinned := preferred
	if pinned == "" {
		pinned = r.defaultProvider
	}

	var errs []error
	for _, name := range names {
		attemptReq := req
		if name != pinned {
			attemptReq.Model = ""
		}
		resp, emitted, err := r.attempt(ctx, name, attemptReq, op, call)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		if emitted || ctx.Err() != nil {
			break
		}
		r.logger.Warn("LLM provider failed, trying next",
			zap.String("provider", name),
			zap.String("tag", req.Tag),
			zap.Error(err),
		)
	}
	return nil, errors.Join(errs...)
}

func (r *Router) attempt(ctx context.Context, name string, req Request, op string, call callFunc) (*Response, bool, error) {
	breaker := r.breakers[name]
	if err := breaker.Allow(); err != nil {
		metrics.RecordLLMCallLatency(name, "breaker_open", 0)
		return nil, false, err
	}

	ctx, span := otel.StartSpan(ctx, "llm."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", name),
			attribute.String("llm.tag", req.Tag),
		),
	)
	defer span.End()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	emitted := false
	resp, err := call(ctx, r.providers[name], req, &emitted)
	elapsed := time.Since(start)

	// 调用方取消不算 provider 故障
	if err != nil && errors.Is(err, context.Canceled) {
		breaker.Done(nil)
	} else {
		breaker.Done(err)
	}

	if err != nil {
		metrics.RecordLLMCallLatency(name, "error", elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, emitted, err
	}

	metrics.RecordLLMCallLatency(name, "ok", elapsed)
	span.SetAttributes(attribute.String("llm.model", resp.Model))
	r.logger.Debug("LLM call completed",
		zap.String("provider", name),
		zap.String("model", resp.Model),
		zap.String("tag", req.Tag),
		zap.Duration("latency", elapsed),
	)
	return resp, emitted, nil
}
