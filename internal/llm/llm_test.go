package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"casa/pkg/circuitbreaker"
)

func TestReadSSE(t *testing.T) {
	input := ": ping\n\nevent: a\ndata: one\ndata: two\n\ndata: three\n"
	var got []string
	err := readSSE(strings.NewReader(input), func(event, data string) error {
		got = append(got, event+"|"+data)
		return nil
	})
	if err != nil {
		t.Fatalf("readSSE: %v", err)
	}
	want := []string{"a|one\ntwo", "|three"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %q, want %q", got, want)
	}
}

func collect(t *testing.T, p Provider, req Request) (string, *Response) {
	t.Helper()
	var sb strings.Builder
	resp, err := p.Stream(context.Background(), req, func(delta string) error {
		sb.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("%s Stream: %v", p.Name(), err)
	}
	return sb.String(), resp
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" || r.Header.Get("x-api-key") != "k" {
			t.Errorf("unexpected request %s key=%q", r.URL.Path, r.Header.Get("x-api-key"))
		}
		var body anthropicRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream || body.System != "sys" || body.Model != "claude-test" {
			t.Errorf("request body = %+v", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	p := NewAnthropic(AnthropicConfig{BaseURL: srv.URL, APIKey: "k", Model: "claude-test"})
	text, resp := collect(t, p, Request{System: "sys", Prompt: "hi"})
	if text != "Hello" || resp.Text != "Hello" || resp.Provider != "anthropic" {
		t.Fatalf("text=%q resp=%+v", text, resp)
	}
}

func TestOpenAIStreamStopsAtDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "gpt-test"})
	text, _ := collect(t, p, Request{Prompt: "hi"})
	if text != "ab" {
		t.Fatalf("text = %q", text)
	}
}

func TestOpenAICompleteStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"})
	_, err := p.Complete(context.Background(), Request{Prompt: "hi"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || !statusErr.Retryable() {
		t.Fatalf("err = %v, want retryable StatusError", err)
	}
}

func TestGeminiCompleteAndStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "k" {
			t.Errorf("missing api key header")
		}
		if strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			if r.URL.Query().Get("alt") != "sse" {
				t.Errorf("alt = %q", r.URL.Query().Get("alt"))
			}
			fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"x\"}]}}]}\n\n")
			fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"y\"}]}}]}\n\n")
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-test:generateContent") {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"full"}]}}]}`)
	}))
	defer srv.Close()

	p := NewGemini(GeminiConfig{BaseURL: srv.URL, APIKey: "k", Model: "gemini-test"})
	resp, err := p.Complete(context.Background(), Request{Prompt: "hi"})
	if err != nil || resp.Text != "full" {
		t.Fatalf("Complete = %+v, %v", resp, err)
	}
	text, _ := collect(t, p, Request{Prompt: "hi"})
	if text != "xy" {
		t.Fatalf("stream text = %q", text)
	}
}

func TestStaticEvaluationIsJSON(t *testing.T) {
	p := NewStatic(nil)
	resp, err := p.Complete(context.Background(), Request{Tag: "evaluation.market", Prompt: "idea"})
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		t.Fatalf("static evaluation not JSON: %v", err)
	}
	if out.Score < 60 || out.Score >= 90 {
		t.Fatalf("score = %v", out.Score)
	}
}

// fakeProvider 可编程的 provider
type fakeProvider struct {
	name      string
	err       error
	deltas    []string
	calls     int
	lastModel string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	return f.Stream(ctx, req, func(string) error { return nil })
}

func (f *fakeProvider) Stream(_ context.Context, req Request, onDelta DeltaFunc) (*Response, error) {
	f.calls++
	f.lastModel = req.Model
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Provider: f.name, Text: strings.Join(f.deltas, "")}, nil
}

func TestRouterFallsBackBeforeOutput(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", err: errors.New("down")}
	secondary := &fakeProvider{name: "openai", deltas: []string{"ok"}}
	r := NewRouter(RouterConfig{DefaultProvider: "anthropic", Fallback: []string{"openai"}}, zap.NewNop(), primary, secondary)

	resp, err := r.Complete(context.Background(), "anthropic", Request{Tag: "t"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "openai" {
		t.Fatalf("provider = %s", resp.Provider)
	}
}

func TestRouterDoesNotFallBackAfterOutput(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", deltas: []string{"partial"}, err: errors.New("cut")}
	secondary := &fakeProvider{name: "openai", deltas: []string{"ok"}}
	r := NewRouter(RouterConfig{Fallback: []string{"openai"}}, zap.NewNop(), primary, secondary)

	_, err := r.Stream(context.Background(), "anthropic", Request{}, func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error")
	}
	if secondary.calls != 0 {
		t.Fatal("fell back after emitting output")
	}
}

func TestRouterSkipsOpenBreaker(t *testing.T) {
	primary := &fakeProvider{name: "gemini", err: errors.New("down")}
	secondary := &fakeProvider{name: "static", deltas: []string{"ok"}}
	r := NewRouter(RouterConfig{
		Fallback: []string{"static"},
		Timeout:  time.Second,
		Breaker:  circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour},
	}, zap.NewNop(), primary, secondary)

	for i := 0; i < 3; i++ {
		if _, err := r.Complete(context.Background(), "gemini", Request{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if primary.calls != 1 {
		t.Fatalf("primary calls = %d, want 1 (breaker should open)", primary.calls)
	}
}

func TestRouterResolve(t *testing.T) {
	r := NewRouter(RouterConfig{}, zap.NewNop(), NewStatic(nil))
	if p, err := r.Resolve(""); err != nil || p.Name() != "static" {
		t.Fatalf("Resolve default = %v, %v", p, err)
	}
	if _, err := r.Resolve("missing"); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := r.Complete(context.Background(), "", Request{}); err != nil {
		t.Fatalf("Complete via default: %v", err)
	}
}

func TestRouterFallbackUsesProviderModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		if body.Model != "gpt-test" {
			http.Error(w, "model "+body.Model+" does not exist", http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"model":"gpt-test","choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	primary := &fakeProvider{name: "anthropic", err: errors.New("down")}
	openai := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "gpt-test"})
	r := NewRouter(RouterConfig{DefaultProvider: "anthropic", Fallback: []string{"openai"}}, zap.NewNop(), primary, openai)

	resp, err := r.Complete(context.Background(), "anthropic", Request{Model: "claude-sonnet", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotModel != "gpt-test" || resp.Provider != "openai" {
		t.Fatalf("fallback sent model %q via %s", gotModel, resp.Provider)
	}
	if primary.lastModel != "claude-sonnet" {
		t.Fatalf("pinned provider got model %q", primary.lastModel)
	}
}
