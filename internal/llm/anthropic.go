package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// AnthropicConfig Messages API
type AnthropicConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

type anthropicProvider struct {
	cfg AnthropicConfig
}

func NewAnthropic(cfg AnthropicConfig) Provider {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &anthropicProvider{cfg: cfg}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

func (p *anthropicProvider) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, string, error) {
	model := firstNonEmpty(req.Model, p.cfg.Model)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       model,
		System:      req.System,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, model, nil
}

func (p *anthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	httpReq, model, err := p.newRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	res, err := p.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus(p.Name(), res); err != nil {
		return nil, err
	}

	var payload struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}
	var sb strings.Builder
	for _, block := range payload.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, ErrEmptyResponse
	}
	return &Response{Provider: p.Name(), Model: firstNonEmpty(payload.Model, model), Text: sb.String()}, nil
}

func (p *anthropicProvider) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error) {
	httpReq, model, err := p.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	res, err := p.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus(p.Name(), res); err != nil {
		return nil, err
	}

	var sb strings.Builder
	err = readSSE(res.Body, func(event, data string) error {
		var chunk struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode anthropic event %q: %w", event, err)
		}
		switch chunk.Type {
		case "content_block_delta":
			if chunk.Delta.Type != "text_delta" || chunk.Delta.Text == "" {
				return nil
			}
			sb.WriteString(chunk.Delta.Text)
			return onDelta(chunk.Delta.Text)
		case "error":
			return fmt.Errorf("anthropic stream error: %s: %s", chunk.Error.Type, chunk.Error.Message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sb.Len() == 0 {
		return nil, ErrEmptyResponse
	}
	return &Response{Provider: p.Name(), Model: model, Text: sb.String()}, nil
}
