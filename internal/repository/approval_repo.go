package repository

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"casa/internal/model"
	"casa/internal/storage"
	"casa/pkg/otel"
)

type ApprovalRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewApprovalRepository(db DBTX, logger *zap.Logger) *ApprovalRepository {
	return &ApprovalRepository{db: db, logger: logger}
}

const approvalColumns = `id, project_id, gate, status, requested_by, mentor_id, comment, decided_at, created_at`

func scanApproval(row scanner) (*model.Approval, error) {
	var a model.Approval
	err := row.Scan(&a.ID, &a.ProjectID, &a.Gate, &a.Status, &a.RequestedBy, &a.MentorID,
		&a.Comment, &a.DecidedAt, &a.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

// Create 同一项目只能有一条 pending 审批（部分唯一索引），冲突返回 ErrConflict
func (r *ApprovalRepository) Create(ctx context.Context, a *model.Approval) error {
	query := `
        INSERT INTO approvals (project_id, gate, status, requested_by, mentor_id, comment)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id, created_at
    `
	return otel.WithDBSpan(ctx, "insert", "approvals", func(ctx context.Context) error {
		err := r.db.QueryRow(ctx, query,
			a.ProjectID, string(a.Gate), a.Status, a.RequestedBy, a.MentorID, a.Comment,
		).Scan(&a.ID, &a.CreatedAt)
		return mapError(err)
	})
}

func (r *ApprovalRepository) Get(ctx context.Context, id int) (*model.Approval, error) {
	return scanApproval(r.db.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id))
}

// GetForUpdate 调用方须已锁住所属项目
func (r *ApprovalRepository) GetForUpdate(ctx context.Context, id int) (*model.Approval, error) {
	return scanApproval(r.db.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1 FOR UPDATE`, id))
}

func (r *ApprovalRepository) GetPending(ctx context.Context, projectID int) (*model.Approval, error) {
	return scanApproval(r.db.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals
        WHERE project_id = $1 AND status = 'pending'`, projectID))
}

// Update 条件更新 status = 'pending'，并发裁决时后到者得到 ErrConflict
func (r *ApprovalRepository) Update(ctx context.Context, a *model.Approval) error {
	tag, err := r.db.Exec(ctx, `UPDATE approvals
        SET status = $2, comment = $3, decided_at = $4
        WHERE id = $1 AND status = 'pending'`, a.ID, a.Status, a.Comment, a.DecidedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: approval %d is not pending", storage.ErrConflict, a.ID)
	}
	return nil
}

func (r *ApprovalRepository) ListPendingByMentor(ctx context.Context, mentorID int) ([]model.Approval, error) {
	return r.list(ctx, `SELECT `+approvalColumns+` FROM approvals
        WHERE mentor_id = $1 AND status = 'pending'
        ORDER BY created_at`, mentorID)
}

func (r *ApprovalRepository) ListByProject(ctx context.Context, projectID int) ([]model.Approval, error) {
	return r.list(ctx, `SELECT `+approvalColumns+` FROM approvals
        WHERE project_id = $1
        ORDER BY created_at DESC, id DESC`, projectID)
}

func (r *ApprovalRepository) list(ctx context.Context, query string, args ...any) ([]model.Approval, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
