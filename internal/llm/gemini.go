package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GeminiConfig generateContent API
type GeminiConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

type geminiProvider struct {
	cfg GeminiConfig
}

func NewGemini(cfg GeminiConfig) Provider {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	return &geminiProvider{cfg: cfg}
}

func (p *geminiProvider) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
		Temperature     float64 `json:"temperature,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (r geminiResponse) text() string {
	var sb strings.Builder
	for _, c := range r.Candidates {
		for _, part := range c.Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

func (p *geminiProvider) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, string, error) {
	model := firstNonEmpty(req.Model, p.cfg.Model)
	var body geminiRequest
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	body.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}}
	body.GenerationConfig.MaxOutputTokens = req.MaxTokens
	if body.GenerationConfig.MaxOutputTokens <= 0 {
		body.GenerationConfig.MaxOutputTokens = p.cfg.MaxTokens
	}
	body.GenerationConfig.Temperature = req.Temperature

	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("marshal gemini request: %w", err)
	}

	method := "generateContent"
	query := url.Values{}
	if stream {
		method = "streamGenerateContent"
		query.Set("alt", "sse")
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s", strings.TrimRight(p.cfg.BaseURL, "/"), url.PathEscape(model), method)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// key 放在 header，避免出现在 URL 和访问日志里
	httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)
	return httpReq, model, nil
}

func (p *geminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	httpReq, model, err := p.newRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	res, err := p.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus(p.Name(), res); err != nil {
		return nil, err
	}

	var payload geminiResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}
	text := payload.text()
	if text == "" {
		return nil, ErrEmptyResponse
	}
	return &Response{Provider: p.Name(), Model: model, Text: text}, nil
}

func (p *geminiProvider) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error) {
	httpReq, model, err := p.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	res, err := p.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus(p.Name(), res); err != nil {
		return nil, err
	}

	var sb strings.Builder
	err = readSSE(res.Body, func(_, data string) error {
		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode gemini chunk: %w", err)
		}
		delta := chunk.text()
		if delta == "" {
			return nil
		}
		sb.WriteString(delta)
		return onDelta(delta)
	})
	if err != nil {
		return nil, err
	}
	if sb.Len() == 0 {
		return nil, ErrEmptyResponse
	}
	return &Response{Provider: p.Name(), Model: model, Text: sb.String()}, nil
}
