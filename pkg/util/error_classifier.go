package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"casa/pkg/circuitbreaker"
)

// errorRule 按顺序匹配，第一条命中的规则决定分类
type errorRule struct {
	errType   string
	retryable bool
	match     func(error) bool
}

func isErr(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

func asJSONError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func pgCode(match func(code string) bool) func(error) bool {
	return func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && match(pgErr.Code)
	}
}

func netError(timeout bool) func(error) bool {
	return func(err error) bool {
		var netErr net.Error
		return errors.As(err, &netErr) && netErr.Timeout() == timeout
	}
}

func messageContains(parts ...string) func(error) bool {
	return func(err error) bool {
		msg := err.Error()
		for _, p := range parts {
			if strings.Contains(msg, p) {
				return true
			}
		}
		return false
	}
}

var errorRules = []errorRule{
	{"json_decode_error", false, asJSONError},
	{"context_canceled", false, isErr(context.Canceled)},
	{"timeout", true, isErr(context.DeadlineExceeded)},
	{"record_not_found", false, isErr(pgx.ErrNoRows)},
	{"circuit_open", true, isErr(circuitbreaker.ErrCircuitBreakerOpen)},
	// 通知按 event_id 唯一，重复写入视为已处理
	{"duplicate_key", false, pgCode(func(c string) bool { return c == "23505" })},
	{"constraint_violation", false, pgCode(func(c string) bool { return strings.HasPrefix(c, "23") })},
	{"serialization_failure", true, pgCode(func(c string) bool { return c == "40001" || c == "40P01" })},
	{"db_connection_error", true, pgCode(func(c string) bool { return strings.HasPrefix(c, "08") })},
	{"db_error", false, pgCode(func(string) bool { return true })},
	{"network_timeout", true, netError(true)},
	{"network_error", true, netError(false)},
	{"json_decode_error", false, messageContains("json:")},
	{"circuit_open", true, messageContains(circuitbreaker.ErrCircuitBreakerOpen.Error())},
	{"db_connection_error", true, messageContains("connection refused", "timeout")},
}

// IsRetryableError 返回 (是否可重试, 错误类别)；未识别的错误不重试
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	for _, rule := range errorRules {
		if rule.match(err) {
			return rule.retryable, rule.errType
		}
	}
	return false, "unknown_error"
}

// ShouldRetry 失败次数仍在预算内且错误可重试
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	return isRetryable && retryCount <= maxRetries
}
