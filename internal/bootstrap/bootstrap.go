// Package bootstrap 组装 cmd/api 和 cmd/worker 共用的基础设施。
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"casa/internal/config"
	"casa/internal/llm"
	"casa/internal/repository"
	"casa/internal/repository/memory"
	"casa/internal/storage"
	"casa/pkg/db"
	"casa/pkg/outbox"
	"casa/pkg/redis"
)

// OutboxStore dispatcher 和 replay 共用
type OutboxStore interface {
	outbox.Store
	outbox.ReplayStore
}

// Backend 业务存储与 outbox 表
type Backend struct {
	Store  storage.Store
	Outbox OutboxStore
	Pool   *pgxpool.Pool // memory 模式为 nil
}

func (b *Backend) Close() {
	if b.Pool != nil {
		b.Pool.Close()
	}
}

// ConfigDir 配置目录，CONFIG_DIR 可覆盖
func ConfigDir() string {
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return dir
	}
	return "config"
}

// OpenBackend 按 db.driver 打开 Postgres 或内存存储
func OpenBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Backend, error) {
	if cfg.Memory() {
		log.Warn("Using in-memory storage; data is lost on restart")
		s := memory.NewStore()
		return &Backend{Store: s, Outbox: s}, nil
	}

	pool, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Backend{
		Store:  repository.NewStore(pool, log),
		Outbox: outbox.NewRepository(pool),
		Pool:   pool,
	}, nil
}

// OpenRedis memory 模式返回 nil；探活失败只告警，缓存和去重会降级
func OpenRedis(ctx context.Context, cfg *config.Config, log *zap.Logger) *goredis.Client {
	if cfg.Memory() || cfg.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewRedisClient(cfg.Redis)
	if err := redis.Ping(ctx, rdb); err != nil {
		log.Warn("Redis is not reachable, continuing degraded", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	return rdb
}

// NewLLMRouter 注册启用且配置了 key 的 provider，static 总是可用
func NewLLMRouter(cfg config.LLMConfig, log *zap.Logger) *llm.Router {
	providers := []llm.Provider{}
	if cfg.Anthropic.Enabled && cfg.Keys.Anthropic != "" {
		providers = append(providers, llm.NewAnthropic(llm.AnthropicConfig{
			BaseURL:   cfg.Anthropic.BaseURL,
			APIKey:    cfg.Keys.Anthropic,
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
		}))
	}
	if cfg.OpenAI.Enabled && cfg.Keys.OpenAI != "" {
		providers = append(providers, llm.NewOpenAI(llm.OpenAIConfig{
			BaseURL:   cfg.OpenAI.BaseURL,
			APIKey:    cfg.Keys.OpenAI,
			Model:     cfg.OpenAI.Model,
			MaxTokens: cfg.OpenAI.MaxTokens,
		}))
	}
	if cfg.Gemini.Enabled && cfg.Keys.Gemini != "" {
		providers = append(providers, llm.NewGemini(llm.GeminiConfig{
			BaseURL:   cfg.Gemini.BaseURL,
			APIKey:    cfg.Keys.Gemini,
			Model:     cfg.Gemini.Model,
			MaxTokens: cfg.Gemini.MaxTokens,
		}))
	}
	providers = append(providers, llm.NewStatic(nil))

	router := llm.NewRouter(llm.RouterConfig{
		DefaultProvider: cfg.DefaultProvider,
		Fallback:        cfg.Fallback,
		Timeout:         cfg.Timeout,
		Breaker:         cfg.Breaker,
	}, log, providers...)
	log.Info("LLM router ready",
		zap.Strings("providers", router.Providers()),
		zap.String("default", cfg.DefaultProvider),
	)
	if _, err := router.Resolve(""); err != nil {
		log.Warn("Default LLM provider is not registered; requests fall back", zap.Error(err))
	}
	return router
}
