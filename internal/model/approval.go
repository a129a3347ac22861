package model

import (
	"time"

	"casa/internal/workflow"
)

const (
	ApprovalPending           = "pending"
	ApprovalApproved          = "approved"
	ApprovalRejected          = "rejected"
	ApprovalRevisionRequested = "revision_requested"
)

type Approval struct {
	ID          int           `json:"id"`
	ProjectID   int           `json:"project_id"`
	Gate        workflow.Gate `json:"gate"`
	Status      string        `json:"status"`
	RequestedBy int           `json:"requested_by"`
	MentorID    int           `json:"mentor_id"`
	Comment     string        `json:"comment"`
	DecidedAt   *time.Time    `json:"decided_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}
