// Package storage 服务层使用的持久化接口。
//
// 实现有两个：internal/repository（PostgreSQL）和 internal/repository/memory。
// 两者遵守同一加锁约定：WithTx 内先用 Projects().GetForUpdate 锁项目，
// 再锁该项目下的审批，同一项目的关卡推进因此串行。
package storage

import (
	"context"
	"errors"

	"casa/internal/model"
	"casa/internal/workflow"
	"casa/pkg/outbox"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict 唯一约束冲突或状态已被并发修改
	ErrConflict = errors.New("record conflict")
)

type UserRepository interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id int) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	SetRole(ctx context.Context, id int, role string) error
	List(ctx context.Context) ([]model.User, error)
}

type ProjectRepository interface {
	Create(ctx context.Context, p *model.Project) error
	Get(ctx context.Context, id int) (*model.Project, error)
	// GetForUpdate 在事务内锁住项目行
	GetForUpdate(ctx context.Context, id int) (*model.Project, error)
	Update(ctx context.Context, p *model.Project) error
	ListByOwner(ctx context.Context, ownerID int) ([]model.Project, error)
	ListByMentor(ctx context.Context, mentorID int) ([]model.Project, error)
}

type IdeaRepository interface {
	GetByProject(ctx context.Context, projectID int) (*model.IdeaCard, error)
	Upsert(ctx context.Context, card *model.IdeaCard) error
}

type EvaluationRepository interface {
	Create(ctx context.Context, e *model.Evaluation) error
	Get(ctx context.Context, id int) (*model.Evaluation, error)
	Update(ctx context.Context, e *model.Evaluation) error
	// LatestCompleted 最近一次成功的评估
	LatestCompleted(ctx context.Context, projectID int) (*model.Evaluation, error)
	ListByProject(ctx context.Context, projectID int) ([]model.Evaluation, error)
	UnconfirmProject(ctx context.Context, projectID int) error
}

type DocumentRepository interface {
	// Create 以 max(version)+1 写入新版本
	Create(ctx context.Context, d *model.Document) error
	Get(ctx context.Context, id int) (*model.Document, error)
	SetConfirmation(ctx context.Context, d *model.Document) error
	// Latest 每种文档类型的最新版本
	Latest(ctx context.Context, projectID int) (map[workflow.DocType]model.Document, error)
	ListVersions(ctx context.Context, projectID int, docType workflow.DocType) ([]model.Document, error)
	UnconfirmProject(ctx context.Context, projectID int) error
}

type DeploymentRepository interface {
	GetByProject(ctx context.Context, projectID int) (*model.Deployment, error)
	Upsert(ctx context.Context, d *model.Deployment) error
	ListShowcase(ctx context.Context) ([]model.Showcase, error)
	GetShowcase(ctx context.Context, slug string) (*model.Showcase, error)
}

type ApprovalRepository interface {
	Create(ctx context.Context, a *model.Approval) error
	Get(ctx context.Context, id int) (*model.Approval, error)
	// GetForUpdate 锁住审批行，只能在事务中、项目行锁之后调用
	GetForUpdate(ctx context.Context, id int) (*model.Approval, error)
	GetPending(ctx context.Context, projectID int) (*model.Approval, error)
	// Update 只裁决仍为 pending 的审批，否则返回 ErrConflict
	Update(ctx context.Context, a *model.Approval) error
	ListPendingByMentor(ctx context.Context, mentorID int) ([]model.Approval, error)
	ListByProject(ctx context.Context, projectID int) ([]model.Approval, error)
}

type PromptRepository interface {
	GetActive(ctx context.Context, key string) (*model.Prompt, error)
	// CreateVersion 写入新的激活版本并停用旧版本
	CreateVersion(ctx context.Context, p *model.Prompt) error
	List(ctx context.Context) ([]model.Prompt, error)
}

type NotificationRepository interface {
	// Create 对 (user_id, event_key) 幂等，重复时返回 false
	Create(ctx context.Context, n *model.Notification) (bool, error)
	ListByUser(ctx context.Context, userID int, unreadOnly bool) ([]model.Notification, error)
	MarkRead(ctx context.Context, id, userID int) error
}

// OutboxWriter 与业务写入共用事务
type OutboxWriter interface {
	Enqueue(ctx context.Context, e *outbox.Event) error
}

// Repositories 一组共享同一连接或事务的仓储
type Repositories interface {
	Users() UserRepository
	Projects() ProjectRepository
	Ideas() IdeaRepository
	Evaluations() EvaluationRepository
	Documents() DocumentRepository
	Deployments() DeploymentRepository
	Approvals() ApprovalRepository
	Prompts() PromptRepository
	Notifications() NotificationRepository
	Outbox() OutboxWriter
}

type Tx interface {
	Repositories
}

type Store interface {
	Repositories
	// WithTx 在一个事务中执行 fn；fn 返回错误时回滚
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}
