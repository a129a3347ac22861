package mq

import "time"

// Routing keys，exchange 为 casa.events
const (
	RoutingGatePassed        = "project.gate_passed"
	RoutingApprovalRequested = "approval.requested"
	RoutingApprovalDecided   = "approval.decided"
)

// ProjectGatePassedPayload 关卡通过（自审或导师批准）
type ProjectGatePassedPayload struct {
	EventKey   string    `json:"event_key"`
	TraceID    string    `json:"trace_id,omitempty"`
	ProjectID  int       `json:"project_id"`
	OwnerID    int       `json:"owner_id"`
	Title      string    `json:"title"`
	Gate       string    `json:"gate"`
	NextStage  string    `json:"next_stage"`
	NextGate   string    `json:"next_gate"`
	ReviewMode string    `json:"review_mode"` // self / mentor
	PassedAt   time.Time `json:"passed_at"`
}

// ApprovalRequestedPayload 项目提交导师审核
type ApprovalRequestedPayload struct {
	EventKey    string    `json:"event_key"`
	TraceID     string    `json:"trace_id,omitempty"`
	ApprovalID  int       `json:"approval_id"`
	ProjectID   int       `json:"project_id"`
	Title       string    `json:"title"`
	Gate        string    `json:"gate"`
	RequestedBy int       `json:"requested_by"`
	MentorID    int       `json:"mentor_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// ApprovalDecidedPayload 导师给出审核结果
type ApprovalDecidedPayload struct {
	EventKey   string    `json:"event_key"`
	TraceID    string    `json:"trace_id,omitempty"`
	ApprovalID int       `json:"approval_id"`
	ProjectID  int       `json:"project_id"`
	OwnerID    int       `json:"owner_id"`
	MentorID   int       `json:"mentor_id"`
	Title      string    `json:"title"`
	Gate       string    `json:"gate"`
	Decision   string    `json:"decision"` // approved / rejected / revision_requested
	Comment    string    `json:"comment,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}
