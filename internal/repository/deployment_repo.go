package repository

import (
	"context"

	"go.uber.org/zap"

	"casa/internal/model"
)

type DeploymentRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewDeploymentRepository(db DBTX, logger *zap.Logger) *DeploymentRepository {
	return &DeploymentRepository{db: db, logger: logger}
}

func (r *DeploymentRepository) GetByProject(ctx context.Context, projectID int) (*model.Deployment, error) {
	query := `
        SELECT id, project_id, url, showcase_slug, is_public,
               is_confirmed, confirmed_at, confirmed_by, created_at, updated_at
        FROM deployments
        WHERE project_id = $1
    `
	var d model.Deployment
	err := r.db.QueryRow(ctx, query, projectID).Scan(
		&d.ID, &d.ProjectID, &d.URL, &d.ShowcaseSlug, &d.IsPublic,
		&d.IsConfirmed, &d.ConfirmedAt, &d.ConfirmedBy, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &d, nil
}

// Upsert showcase_slug 首次写入后不再变化
func (r *DeploymentRepository) Upsert(ctx context.Context, d *model.Deployment) error {
	query := `
        INSERT INTO deployments (project_id, url, showcase_slug, is_public, is_confirmed, confirmed_at, confirmed_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (project_id) DO UPDATE SET
            url = EXCLUDED.url,
            is_public = EXCLUDED.is_public,
            is_confirmed = EXCLUDED.is_confirmed,
            confirmed_at = EXCLUDED.confirmed_at,
            confirmed_by = EXCLUDED.confirmed_by,
            updated_at = NOW()
        RETURNING id, showcase_slug, created_at, updated_at
    `
	err := r.db.QueryRow(ctx, query,
		d.ProjectID, d.URL, d.ShowcaseSlug, d.IsPublic, d.IsConfirmed, d.ConfirmedAt, d.ConfirmedBy,
	).Scan(&d.ID, &d.ShowcaseSlug, &d.CreatedAt, &d.UpdatedAt)
	return mapError(err)
}

const showcaseQuery = `
        SELECT d.showcase_slug, p.id, p.title, p.description, d.url, p.gate_4_passed_at
        FROM deployments d
        JOIN bi_projects p ON p.id = d.project_id
        WHERE d.is_public AND d.is_confirmed AND p.status = 'completed'
`

func scanShowcase(row scanner) (*model.Showcase, error) {
	var s model.Showcase
	if err := row.Scan(&s.Slug, &s.ProjectID, &s.Title, &s.Description, &s.URL, &s.CompletedAt); err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

func (r *DeploymentRepository) ListShowcase(ctx context.Context) ([]model.Showcase, error) {
	rows, err := r.db.Query(ctx, showcaseQuery+` ORDER BY p.gate_4_passed_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Showcase
	for rows.Next() {
		s, err := scanShowcase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *DeploymentRepository) GetShowcase(ctx context.Context, slug string) (*model.Showcase, error) {
	return scanShowcase(r.db.QueryRow(ctx, showcaseQuery+` AND d.showcase_slug = $1`, slug))
}
