package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"casa/internal/model"
	"casa/internal/repository/memory"
	"casa/internal/service"
	pkgredis "casa/pkg/redis"
)

// fakeCache 以 JSON 存储，行为与 JSONCache 一致
type fakeCache struct {
	data    map[string][]byte
	failGet bool
	deletes []string
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (c *fakeCache) GetJSON(_ context.Context, key string, out any) error {
	if c.failGet {
		return errors.New("connection refused")
	}
	raw, ok := c.data[key]
	if !ok {
		return pkgredis.ErrCacheMiss
	}
	return json.Unmarshal(raw, out)
}

func (c *fakeCache) SetJSON(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.data[key] = raw
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.deletes = append(c.deletes, key)
	delete(c.data, key)
	return nil
}

func newSeeded(t *testing.T, cache Cache) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	svc := NewService(store, cache, zap.NewNop())
	n, err := svc.Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != len(Defaults()) {
		t.Fatalf("seeded %d prompts, want %d", n, len(Defaults()))
	}
	return svc, store
}

func TestSeedIsIdempotent(t *testing.T) {
	svc, _ := newSeeded(t, nil)
	n, err := svc.Seed(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second Seed = %d, %v", n, err)
	}
}

func TestGetFillsCache(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	svc, _ := newSeeded(t, cache)

	p, err := svc.Get(ctx, "evaluation.market")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Version != 1 || !p.IsActive {
		t.Fatalf("unexpected prompt: %+v", p)
	}
	if _, ok := cache.data["evaluation.market"]; !ok {
		t.Fatal("cache not filled")
	}

	// 命中缓存时返回缓存内容
	cache.data["evaluation.market"], _ = json.Marshal(model.Prompt{Key: "evaluation.market", UserTemplate: "cached"})
	p, err = svc.Get(ctx, "evaluation.market")
	if err != nil || p.UserTemplate != "cached" {
		t.Fatalf("Get from cache = %+v, %v", p, err)
	}
}

func TestGetFallsThroughOnCacheError(t *testing.T) {
	cache := newFakeCache()
	svc, _ := newSeeded(t, cache)
	cache.failGet = true

	if _, err := svc.Get(context.Background(), "document.pitch_deck"); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestUpsertCreatesVersionAndInvalidates(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	svc, store := newSeeded(t, cache)
	admin := service.Actor{UserID: 1, Role: model.RoleAdmin}

	if _, err := svc.Get(ctx, "evaluation.tech"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	p, err := svc.Upsert(ctx, admin, "evaluation.tech", UpsertInput{UserTemplate: "Rate {{.Title}}", Provider: "openai"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if p.Version != 2 || !p.IsActive {
		t.Fatalf("unexpected version: %+v", p)
	}
	if len(cache.deletes) != 1 || cache.deletes[0] != "evaluation.tech" {
		t.Fatalf("cache deletes = %v", cache.deletes)
	}
	active, err := store.Prompts().GetActive(ctx, "evaluation.tech")
	if err != nil || active.Version != 2 || active.Provider != "openai" {
		t.Fatalf("active = %+v, %v", active, err)
	}
	got, err := svc.Get(ctx, "evaluation.tech")
	if err != nil || got.Version != 2 {
		t.Fatalf("Get after upsert = %+v, %v", got, err)
	}
}

func TestUpsertValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSeeded(t, nil)

	if _, err := svc.Upsert(ctx, service.Actor{UserID: 2, Role: model.RoleUser}, "x", UpsertInput{UserTemplate: "y"}); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("non-admin err = %v, want ErrForbidden", err)
	}
	admin := service.Actor{UserID: 1, Role: model.RoleAdmin}
	if _, err := svc.Upsert(ctx, admin, "x", UpsertInput{UserTemplate: "{{.Title"}); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("bad template err = %v, want ErrInvalidInput", err)
	}
	for _, tmpl := range []string{"{{.Idea.Budget}}", "{{.Owner}}", "{{.Title | shout}}"} {
		if _, err := svc.Upsert(ctx, admin, "evaluation.tech", UpsertInput{UserTemplate: tmpl}); !errors.Is(err, service.ErrInvalidInput) {
			t.Fatalf("template %q err = %v, want ErrInvalidInput", tmpl, err)
		}
	}
	if _, err := svc.Get(ctx, "evaluation.tech"); err != nil {
		t.Fatalf("seeded prompt lost after rejected upserts: %v", err)
	}
}

func TestDefaultsRenderWithEmptyVars(t *testing.T) {
	for _, def := range Defaults() {
		p := def
		if _, err := Render(&p, Vars{}); err != nil {
			t.Fatalf("default %s: %v", def.Key, err)
		}
	}
}

func TestRender(t *testing.T) {
	p := &model.Prompt{Key: "document.pitch_deck", UserTemplate: Defaults()[4].UserTemplate}
	vars := VarsFor(&model.Project{Title: "Pets"}, &model.IdeaCard{Problem: "lonely dogs", Solution: "sitters"})
	vars.EvaluationSummary = "solid"

	out, err := Render(p, vars)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{`"Pets"`, "lonely dogs", "Evaluation feedback: solid"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}

	if _, err := Render(&model.Prompt{Key: "k", UserTemplate: "{{.nope}}"}, map[string]string{}); err == nil {
		t.Fatal("expected error for missing key")
	}
}
