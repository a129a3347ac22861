package model

import (
	"time"

	"casa/internal/workflow"
)

const (
	ReviewSelf   = "self"
	ReviewMentor = "mentor"
)

const (
	ProjectActive    = "active"
	ProjectInReview  = "in_review"
	ProjectCompleted = "completed"
	ProjectArchived  = "archived"
)

type Project struct {
	ID          int    `json:"id"`
	OwnerID     int    `json:"owner_id"`
	MentorID    *int   `json:"mentor_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ReviewMode  string `json:"review_mode"` // self / mentor
	Status      string `json:"status"`      // active / in_review / completed / archived
	workflow.Progress
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasMentor 是否已指派导师
func (p *Project) HasMentor() bool {
	return p.MentorID != nil && *p.MentorID > 0
}

// IsMentor 判断 userID 是否为该项目的导师
func (p *Project) IsMentor(userID int) bool {
	return p.HasMentor() && *p.MentorID == userID
}

// Locked 归档或完成的项目不再接受修改
func (p *Project) Locked() bool {
	return p.Status == ProjectArchived || p.Status == ProjectCompleted
}
