// Package prompt 管理可版本化的提示词模板，读取时优先走 Redis 缓存。
package prompt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"casa/internal/model"
	"casa/internal/service"
	"casa/internal/storage"
	pkgredis "casa/pkg/redis"
)

// Cache 由 pkg/redis.JSONCache 实现；为 nil 时不使用缓存
type Cache interface {
	GetJSON(ctx context.Context, key string, out any) error
	SetJSON(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

// IdeaVars 模板里可用的创意卡字段
type IdeaVars struct {
	Problem          string
	Solution         string
	TargetCustomer   string
	ValueProposition string
}

// Vars 评估与文档模板共用的变量
type Vars struct {
	Title             string
	Description       string
	Idea              IdeaVars
	EvaluationSummary string
}

func VarsFor(p *model.Project, card *model.IdeaCard) Vars {
	v := Vars{Title: p.Title, Description: p.Description}
	if card != nil {
		v.Idea = IdeaVars{
			Problem:          card.Problem,
			Solution:         card.Solution,
			TargetCustomer:   card.TargetCustomer,
			ValueProposition: card.ValueProposition,
		}
	}
	return v
}

type UpsertInput struct {
	SystemPrompt string `json:"system_prompt"`
	UserTemplate string `json:"user_template" binding:"required"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
}

type Service struct {
	store  storage.Store
	cache  Cache
	logger *zap.Logger
}

func NewService(store storage.Store, cache Cache, logger *zap.Logger) *Service {
	return &Service{store: store, cache: cache, logger: logger}
}

// Get 缓存未命中或出错时回源数据库并回填
func (s *Service) Get(ctx context.Context, key string) (*model.Prompt, error) {
	if s.cache != nil {
		var cached model.Prompt
		err := s.cache.GetJSON(ctx, key, &cached)
		switch {
		case err == nil:
			return &cached, nil
		case !errors.Is(err, pkgredis.ErrCacheMiss):
			s.logger.Warn("Prompt cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	p, err := s.store.Prompts().GetActive(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("prompt %s: %w", key, err)
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, p); err != nil {
			s.logger.Warn("Prompt cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return p, nil
}

// Render 渲染用户模板，缺失字段直接报错
func Render(p *model.Prompt, vars any) (string, error) {
	tmpl, err := parse(p.Key, p.UserTemplate)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", p.Key, err)
	}
	return buf.String(), nil
}

func parse(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", name, err)
	}
	return tmpl, nil
}

// Upsert 写入新的激活版本并清掉缓存，仅管理员可用
func (s *Service) Upsert(ctx context.Context, actor service.Actor, key string, in UpsertInput) (*model.Prompt, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins can edit prompts", service.ErrForbidden)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, service.InvalidInput("prompt key is required")
	}
	if strings.TrimSpace(in.UserTemplate) == "" {
		return nil, service.InvalidInput("user template is required")
	}
	p := &model.Prompt{
		Key:          key,
		SystemPrompt: in.SystemPrompt,
		UserTemplate: in.UserTemplate,
		Provider:     strings.TrimSpace(in.Provider),
		Model:        strings.TrimSpace(in.Model),
	}
	// 用空 Vars 试渲染一次，引用不存在的字段在这里就拒绝
	if _, err := Render(p, Vars{}); err != nil {
		return nil, service.InvalidInput("%v", err)
	}
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.Prompts().CreateVersion(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, key); err != nil {
			s.logger.Warn("Prompt cache invalidation failed", zap.String("key", key), zap.Error(err))
		}
	}
	s.logger.Info("Prompt updated", zap.String("key", key), zap.Int("version", p.Version))
	return p, nil
}

func (s *Service) List(ctx context.Context) ([]model.Prompt, error) {
	items, err := s.store.Prompts().List(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Prompt{}
	}
	return items, nil
}

// Seed 写入缺失的内置提示词，已存在的 key 不动
func (s *Service) Seed(ctx context.Context) (int, error) {
	created := 0
	for _, def := range Defaults() {
		_, err := s.store.Prompts().GetActive(ctx, def.Key)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return created, err
		}
		p := def
		if err := s.store.Prompts().CreateVersion(ctx, &p); err != nil {
			return created, fmt.Errorf("seed prompt %s: %w", def.Key, err)
		}
		created++
	}
	if created > 0 {
		s.logger.Info("Seeded default prompts", zap.Int("count", created))
	}
	return created, nil
}
