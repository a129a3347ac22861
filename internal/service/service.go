// Package service 存放各业务服务共享的错误、权限检查和关卡推进逻辑。
package service

import (
	"errors"
	"fmt"

	"casa/internal/model"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	// ErrStageLocked 项目不在该物料所属阶段，或正在等待导师审核
	ErrStageLocked  = errors.New("stage locked")
	ErrInvalidInput = errors.New("invalid input")
)

// InvalidInput 包装参数校验错误
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Actor 当前请求的认证用户
type Actor struct {
	UserID int
	Role   string
}

func (a Actor) IsAdmin() bool  { return a.Role == model.RoleAdmin }
func (a Actor) IsMentor() bool { return a.Role == model.RoleMentor }

// Event 推送给流式调用方的进度事件
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// EmitFunc 返回错误时中止生成（例如客户端断开）
type EmitFunc func(Event) error

// Discard 不关心进度时使用
func Discard(Event) error { return nil }
