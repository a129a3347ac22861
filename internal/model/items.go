package model

import (
	"time"

	"casa/internal/workflow"
)

// Confirmation 阶段物料共用的确认审计字段
type Confirmation struct {
	IsConfirmed bool       `json:"is_confirmed"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ConfirmedBy *int       `json:"confirmed_by,omitempty"`
}

func (c *Confirmation) Confirm(userID int, at time.Time) {
	c.IsConfirmed = true
	c.ConfirmedAt = &at
	c.ConfirmedBy = &userID
}

func (c *Confirmation) Unconfirm() {
	c.IsConfirmed = false
	c.ConfirmedAt = nil
	c.ConfirmedBy = nil
}

type IdeaCard struct {
	ID               int    `json:"id"`
	ProjectID        int    `json:"project_id"`
	Problem          string `json:"problem"`
	Solution         string `json:"solution"`
	TargetCustomer   string `json:"target_customer"`
	ValueProposition string `json:"value_proposition"`
	Confirmation
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	EvaluationPending   = "pending"
	EvaluationCompleted = "completed"
	EvaluationFailed    = "failed"
)

// PersonaResult 单个 persona 的评估结果
type PersonaResult struct {
	Persona    string   `json:"persona"`
	Provider   string   `json:"provider"`
	Model      string   `json:"model,omitempty"`
	Score      float64  `json:"score"`
	Summary    string   `json:"summary"`
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
}

type Evaluation struct {
	ID         int             `json:"id"`
	ProjectID  int             `json:"project_id"`
	Status     string          `json:"status"` // pending / completed / failed
	Results    []PersonaResult `json:"results"`
	TotalScore float64         `json:"total_score"`
	Error      string          `json:"error,omitempty"`
	Confirmation
	CreatedAt time.Time `json:"created_at"`
}

type Document struct {
	ID        int              `json:"id"`
	ProjectID int              `json:"project_id"`
	DocType   workflow.DocType `json:"doc_type"`
	Version   int              `json:"version"`
	Title     string           `json:"title"`
	Content   string           `json:"content"`
	Model     string           `json:"model"`
	CreatedBy int              `json:"created_by"`
	Confirmation
	CreatedAt time.Time `json:"created_at"`
}

type Deployment struct {
	ID           int    `json:"id"`
	ProjectID    int    `json:"project_id"`
	URL          string `json:"url"`
	ShowcaseSlug string `json:"showcase_slug"`
	IsPublic     bool   `json:"is_public"`
	Confirmation
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Showcase 公开展示页条目
type Showcase struct {
	Slug        string    `json:"slug"`
	ProjectID   int       `json:"project_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	CompletedAt time.Time `json:"completed_at"`
}
