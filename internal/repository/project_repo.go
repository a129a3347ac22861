package repository

import (
	"context"

	"go.uber.org/zap"

	"casa/internal/model"
	"casa/pkg/otel"
)

type ProjectRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewProjectRepository(db DBTX, logger *zap.Logger) *ProjectRepository {
	return &ProjectRepository{
		db:     db,
		logger: logger,
	}
}

const projectColumns = `id, owner_id, mentor_id, title, description, review_mode, status,
        current_stage, current_gate, gate_1_passed_at, gate_2_passed_at, gate_3_passed_at, gate_4_passed_at,
        created_at, updated_at`

func scanProject(row scanner) (*model.Project, error) {
	var p model.Project
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.MentorID, &p.Title, &p.Description, &p.ReviewMode, &p.Status,
		&p.Stage, &p.Gate, &p.Gate1PassedAt, &p.Gate2PassedAt, &p.Gate3PassedAt, &p.Gate4PassedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func (r *ProjectRepository) Create(ctx context.Context, p *model.Project) error {
	r.logger.Debug("Inserting project",
		zap.Int("owner_id", p.OwnerID),
		zap.String("title", p.Title),
	)

	query := `
        INSERT INTO bi_projects (owner_id, mentor_id, title, description, review_mode, status, current_stage, current_gate)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id, created_at, updated_at
    `
	return otel.WithDBSpan(ctx, "insert", "bi_projects", func(ctx context.Context) error {
		err := r.db.QueryRow(ctx, query,
			p.OwnerID,
			p.MentorID,
			p.Title,
			p.Description,
			p.ReviewMode,
			p.Status,
			string(p.Stage),
			string(p.Gate),
		).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			r.logger.Error("Failed to insert project", zap.Error(err))
			return mapError(err)
		}
		return nil
	})
}

func (r *ProjectRepository) Get(ctx context.Context, id int) (*model.Project, error) {
	return scanProject(r.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM bi_projects WHERE id = $1`, id))
}

// GetForUpdate 必须在事务中调用，否则行锁在语句结束时即释放
func (r *ProjectRepository) GetForUpdate(ctx context.Context, id int) (*model.Project, error) {
	var p *model.Project
	err := otel.WithDBSpan(ctx, "select_for_update", "bi_projects", func(ctx context.Context) error {
		var err error
		p, err = scanProject(r.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM bi_projects WHERE id = $1 FOR UPDATE`, id))
		return err
	})
	return p, err
}

// Update 写回所有可变字段；passed_at 只会从 NULL 变为非 NULL
func (r *ProjectRepository) Update(ctx context.Context, p *model.Project) error {
	query := `
        UPDATE bi_projects SET
            mentor_id = $2,
            title = $3,
            description = $4,
            status = $5,
            current_stage = $6,
            current_gate = $7,
            gate_1_passed_at = COALESCE(gate_1_passed_at, $8),
            gate_2_passed_at = COALESCE(gate_2_passed_at, $9),
            gate_3_passed_at = COALESCE(gate_3_passed_at, $10),
            gate_4_passed_at = COALESCE(gate_4_passed_at, $11),
            updated_at = NOW()
        WHERE id = $1
        RETURNING updated_at
    `
	return otel.WithDBSpan(ctx, "update", "bi_projects", func(ctx context.Context) error {
		err := r.db.QueryRow(ctx, query,
			p.ID,
			p.MentorID,
			p.Title,
			p.Description,
			p.Status,
			string(p.Stage),
			string(p.Gate),
			p.Gate1PassedAt,
			p.Gate2PassedAt,
			p.Gate3PassedAt,
			p.Gate4PassedAt,
		).Scan(&p.UpdatedAt)
		return mapError(err)
	})
}

func (r *ProjectRepository) ListByOwner(ctx context.Context, ownerID int) ([]model.Project, error) {
	return r.list(ctx, `SELECT `+projectColumns+` FROM bi_projects WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
}

func (r *ProjectRepository) ListByMentor(ctx context.Context, mentorID int) ([]model.Project, error) {
	return r.list(ctx, `SELECT `+projectColumns+` FROM bi_projects WHERE mentor_id = $1 ORDER BY updated_at DESC`, mentorID)
}

func (r *ProjectRepository) list(ctx context.Context, query string, args ...any) ([]model.Project, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}
