package model

import "time"

const (
	NotifyGatePassed        = "gate_passed"
	NotifyApprovalRequested = "approval_requested"
	NotifyApprovalDecided   = "approval_decided"
)

type Notification struct {
	ID        int       `json:"id"`
	UserID    int       `json:"user_id"`
	ProjectID *int      `json:"project_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	EventKey  string    `json:"-"` // 消息去重键，(user_id, event_key) 唯一
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}
