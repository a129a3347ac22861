// Package llm 封装外部大模型服务。各厂商只作为 HTTP/SSE 服务调用，不引入 SDK。
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	ErrProviderNotFound = errors.New("llm provider not found")
	ErrNoProvider       = errors.New("no llm provider available")
	ErrEmptyResponse    = errors.New("llm returned empty response")
)

// Request 一次生成请求
type Request struct {
	// Tag 调用方标识，例如 prompt key，用于日志和 static provider
	Tag         string
	System      string
	Prompt      string
	Model       string // 为空时使用 provider 默认模型
	MaxTokens   int
	Temperature float64
}

// Response 生成结果
type Response struct {
	Provider string
	Model    string
	Text     string
}

// DeltaFunc 流式增量回调；返回错误会中止生成
type DeltaFunc func(delta string) error

type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error)
}

// StatusError 上游返回非 2xx
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request status %d: %s", e.Provider, e.Code, e.Body)
}

// Retryable 429 和 5xx 可以换 provider 重试
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// checkStatus 非 2xx 时读取有限长度的错误体
func checkStatus(provider string, res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &StatusError{Provider: provider, Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
