package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"casa/internal/storage"
)

// DBTX pgxpool.Pool 和 pgx.Tx 都满足
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Store PostgreSQL 实现
type Store struct {
	*repos
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ storage.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{
		repos:  newRepos(pool, logger),
		pool:   pool,
		logger: logger,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx 开启事务执行 fn，fn 出错或 panic 时回滚
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Error("Failed to rollback transaction", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(newRepos(tx, s.logger)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// repos 绑定在一个 DBTX 上的全部仓储
type repos struct {
	users         *UserRepository
	projects      *ProjectRepository
	ideas         *IdeaRepository
	evaluations   *EvaluationRepository
	documents     *DocumentRepository
	deployments   *DeploymentRepository
	approvals     *ApprovalRepository
	prompts       *PromptRepository
	notifications *NotificationRepository
	outbox        *OutboxWriter
}

func newRepos(db DBTX, logger *zap.Logger) *repos {
	return &repos{
		users:         NewUserRepository(db, logger),
		projects:      NewProjectRepository(db, logger),
		ideas:         NewIdeaRepository(db, logger),
		evaluations:   NewEvaluationRepository(db, logger),
		documents:     NewDocumentRepository(db, logger),
		deployments:   NewDeploymentRepository(db, logger),
		approvals:     NewApprovalRepository(db, logger),
		prompts:       NewPromptRepository(db, logger),
		notifications: NewNotificationRepository(db, logger),
		outbox:        NewOutboxWriter(db),
	}
}

func (r *repos) Users() storage.UserRepository                 { return r.users }
func (r *repos) Projects() storage.ProjectRepository           { return r.projects }
func (r *repos) Ideas() storage.IdeaRepository                 { return r.ideas }
func (r *repos) Evaluations() storage.EvaluationRepository     { return r.evaluations }
func (r *repos) Documents() storage.DocumentRepository         { return r.documents }
func (r *repos) Deployments() storage.DeploymentRepository     { return r.deployments }
func (r *repos) Approvals() storage.ApprovalRepository         { return r.approvals }
func (r *repos) Prompts() storage.PromptRepository             { return r.prompts }
func (r *repos) Notifications() storage.NotificationRepository { return r.notifications }
func (r *repos) Outbox() storage.OutboxWriter                  { return r.outbox }

// errNoRows 用于 UPDATE 影响 0 行的情况
var errNoRows = pgx.ErrNoRows

// mapError 把驱动错误翻译成 storage 层错误
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", storage.ErrConflict, pgErr.ConstraintName)
	}
	return err
}
