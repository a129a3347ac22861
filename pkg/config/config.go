package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// DBConfig driver 为 memory 时其余字段忽略
type DBConfig struct {
	Driver   string `yaml:"driver" env:"DB_DRIVER"`
	Host     string `yaml:"host" env:"DB_HOST"`
	Port     int    `yaml:"port" env:"DB_PORT"`
	User     string `yaml:"user" env:"DB_USER"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	Name     string `yaml:"name" env:"DB_NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"DB_SSLMODE"`
	MaxConns int32  `yaml:"max_conns" env:"DB_MAX_CONNS"`
	MinConns int32  `yaml:"min_conns" env:"DB_MIN_CONNS"`

	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" env:"DB_SLOW_QUERY_THRESHOLD"`
}

type MQConfig struct {
	URL string `yaml:"url" env:"MQ_URL"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type JWTConfig struct {
	Secret string        `yaml:"secret" env:"JWT_SECRET"`
	TTL    time.Duration `yaml:"ttl" env:"JWT_TTL"`
}

type ServerConfig struct {
	Port string `yaml:"port" env:"SERVER_PORT"`
}

// OverrideFromEnv 用 env tag 对应的环境变量覆盖已解码的配置段，未设置的变量保持原值
func OverrideFromEnv(sections ...any) error {
	for _, s := range sections {
		if err := env.Parse(s); err != nil {
			return fmt.Errorf("env override %T: %w", s, err)
		}
	}
	return nil
}
