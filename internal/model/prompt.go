package model

import "time"

type Prompt struct {
	ID           int       `json:"id"`
	Key          string    `json:"key"`
	Version      int       `json:"version"`
	SystemPrompt string    `json:"system_prompt"`
	UserTemplate string    `json:"user_template"`
	Provider     string    `json:"provider"` // 为空时走默认路由
	Model        string    `json:"model"`
	IsActive     bool      `json:"is_active"`
	UpdatedAt    time.Time `json:"updated_at"`
}
