package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// OpenAIConfig Chat Completions API
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

type openAIProvider struct {
	cfg OpenAIConfig
}

func NewOpenAI(cfg OpenAIConfig) Provider {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return &openAIProvider{cfg: cfg}
}

func (p *openAIProvider) Name() string { return "openai" }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

func (p *openAIProvider) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, string, error) {
	model := firstNonEmpty(req.Model, p.cfg.Model)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	messages := make([]openAIMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal openai request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("build openai request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	return httpReq, model, nil
}

func (p *openAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	httpReq, model, err := p.newRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	res, err := p.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus(p.Name(), res); err != nil {
		return nil, err
	}

	var payload struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(payload.Choices) == 0 || payload.Choices[0].Message.Content == "" {
		return nil, ErrEmptyResponse
	}
	return &Response{Provider: p.Name(), Model: firstNonEmpty(payload.Model, model), Text: payload.Choices[0].Message.Content}, nil
}

func (p *openAIProvider) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error) {
	httpReq, model, err := p.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	res, err := p.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus(p.Name(), res); err != nil {
		return nil, err
	}

	var sb strings.Builder
	err = readSSE(res.Body, func(_, data string) error {
		if strings.TrimSpace(data) == "[DONE]" {
			return errStreamDone
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode openai chunk: %w", err)
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content == "" {
				continue
			}
			sb.WriteString(c.Delta.Content)
			if err := onDelta(c.Delta.Content); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		return nil, err
	}
	if sb.Len() == 0 {
		return nil, ErrEmptyResponse
	}
	return &Response{Provider: p.Name(), Model: model, Text: sb.String()}, nil
}
