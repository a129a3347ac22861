package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"casa/pkg/circuitbreaker"
	pkgconfig "casa/pkg/config"
	"casa/pkg/otel"
)

// ProviderConfig 单个 LLM provider 的连接参数，API key 只从环境变量读取
type ProviderConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// LLMKeys 通过 caarlos0/env 解析
type LLMKeys struct {
	Anthropic string `env:"ANTHROPIC_API_KEY"`
	OpenAI    string `env:"OPENAI_API_KEY"`
	Gemini    string `env:"GEMINI_API_KEY"`
}

type LLMConfig struct {
	DefaultProvider string `yaml:"default_provider"`
	// Fallback 按顺序尝试；熔断或首包前失败时切换
	Fallback []string `yaml:"fallback"`
	// Personas persona -> provider，未配置的 persona 走 DefaultProvider
	Personas map[string]string     `yaml:"personas"`
	Timeout  time.Duration         `yaml:"timeout"`
	Breaker  circuitbreaker.Config `yaml:"breaker"`

	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Gemini    ProviderConfig `yaml:"gemini"`

	Keys LLMKeys `yaml:"-"`
}

type OutboxConfig struct {
	// DispatchInAPI 单进程部署时由 API 进程顺带分发
	DispatchInAPI bool          `yaml:"dispatch_in_api"`
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxRetries    int           `yaml:"max_retries"`
}

type WorkerConfig struct {
	MaxRetries int64         `yaml:"max_retries"`
	DedupTTL   time.Duration `yaml:"dedup_ttl"`
	RetryTTL   time.Duration `yaml:"retry_ttl"`
}

type PromptConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type Config struct {
	Env      string                 `yaml:"env"`
	LogLevel string                 `yaml:"log_level"`
	DB       pkgconfig.DBConfig     `yaml:"db"`
	MQ       pkgconfig.MQConfig     `yaml:"mq"`
	Redis    pkgconfig.RedisConfig  `yaml:"redis"`
	JWT      pkgconfig.JWTConfig    `yaml:"jwt"`
	Server   pkgconfig.ServerConfig `yaml:"server"`
	LLM      LLMConfig              `yaml:"llm"`
	Otel     otel.Config            `yaml:"otel"`
	Outbox   OutboxConfig           `yaml:"outbox"`
	Worker   WorkerConfig           `yaml:"worker"`
	Prompt   PromptConfig           `yaml:"prompt"`
}

// Load 读取 config/<CONFIG_ENV>.yaml 叠加 base.yaml，再用环境变量覆盖
func Load(dir string) (*Config, error) {
	envName := pkgconfig.GetConfigEnv()
	raw, err := pkgconfig.LoadConfig(envName, dir)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := pkgconfig.Decode(raw, cfg); err != nil {
		return nil, err
	}
	cfg.Env = envName

	if err := pkgconfig.OverrideFromEnv(&cfg.DB, &cfg.MQ, &cfg.Redis, &cfg.JWT, &cfg.Server, &cfg.Otel); err != nil {
		return nil, err
	}
	if err := env.Parse(&cfg.LLM.Keys); err != nil {
		return nil, fmt.Errorf("failed to parse llm keys: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 本地开发默认值，yaml 中出现的字段会覆盖
func Default() *Config {
	return &Config{
		LogLevel: "info",
		DB: pkgconfig.DBConfig{
			Driver:             "postgres",
			Host:               "localhost",
			Port:               5432,
			User:               "casa",
			Name:               "casa",
			SSLMode:            "disable",
			MaxConns:           10,
			MinConns:           1,
			SlowQueryThreshold: 200 * time.Millisecond,
		},
		JWT:    pkgconfig.JWTConfig{TTL: 24 * time.Hour},
		Server: pkgconfig.ServerConfig{Port: ":8080"},
		LLM: LLMConfig{
			DefaultProvider: "static",
			Timeout:         120 * time.Second,
			Breaker:         circuitbreaker.DefaultConfig(),
		},
		Otel: otel.Config{ServiceName: "casa", ServiceVersion: "dev", SampleRatio: 1},
		Outbox: OutboxConfig{
			Interval:   2 * time.Second,
			BatchSize:  50,
			MaxRetries: 5,
		},
		Worker: WorkerConfig{
			MaxRetries: 3,
			DedupTTL:   24 * time.Hour,
			RetryTTL:   time.Hour,
		},
		Prompt: PromptConfig{CacheTTL: 10 * time.Minute},
	}
}

func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("db.driver must be postgres or memory, got %q", c.DB.Driver)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if c.LLM.DefaultProvider == "" {
		return fmt.Errorf("llm.default_provider is required")
	}
	return nil
}

// Memory 本地内存模式：不连接 Postgres / Redis / RabbitMQ
func (c *Config) Memory() bool {
	return c.DB.Driver == "memory"
}
