package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
)

// staticProvider 本地开发和测试用，不发起网络请求
type staticProvider struct {
	responses map[string]string
	chunkSize int
}

// NewStatic responses 按 Request.Tag 覆盖默认输出
func NewStatic(responses map[string]string) Provider {
	return &staticProvider{responses: responses, chunkSize: 24}
}

func (p *staticProvider) Name() string { return "static" }

func (p *staticProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Response{Provider: p.Name(), Model: "static", Text: p.render(req)}, nil
}

func (p *staticProvider) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error) {
	text := p.render(req)
	for start := 0; start < len(text); start += p.chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + p.chunkSize
		if end > len(text) {
			end = len(text)
		}
		if err := onDelta(text[start:end]); err != nil {
			return nil, err
		}
	}
	return &Response{Provider: p.Name(), Model: "static", Text: text}, nil
}

func (p *staticProvider) render(req Request) string {
	if out, ok := p.responses[req.Tag]; ok {
		return out
	}
	if persona, ok := strings.CutPrefix(req.Tag, "evaluation."); ok {
		h := fnv.New32a()
		_, _ = h.Write([]byte(req.Tag + req.Prompt))
		out, _ := json.Marshal(map[string]any{
			"score":      60 + int(h.Sum32()%30),
			"summary":    fmt.Sprintf("Static %s review of the idea.", persona),
			"strengths":  []string{"clear problem statement"},
			"weaknesses": []string{"needs customer validation"},
		})
		return string(out)
	}
	title := strings.TrimPrefix(req.Tag, "document.")
	if title == "" {
		title = "draft"
	}
	return fmt.Sprintf("# %s\n\n%s\n", strings.ReplaceAll(title, "_", " "), firstLine(req.Prompt))
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
