package repository

import (
	"context"

	"go.uber.org/zap"

	"casa/internal/model"
)

type IdeaRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewIdeaRepository(db DBTX, logger *zap.Logger) *IdeaRepository {
	return &IdeaRepository{db: db, logger: logger}
}

func (r *IdeaRepository) GetByProject(ctx context.Context, projectID int) (*model.IdeaCard, error) {
	query := `
        SELECT id, project_id, problem, solution, target_customer, value_proposition,
               is_confirmed, confirmed_at, confirmed_by, created_at, updated_at
        FROM idea_cards
        WHERE project_id = $1
    `
	var c model.IdeaCard
	err := r.db.QueryRow(ctx, query, projectID).Scan(
		&c.ID, &c.ProjectID, &c.Problem, &c.Solution, &c.TargetCustomer, &c.ValueProposition,
		&c.IsConfirmed, &c.ConfirmedAt, &c.ConfirmedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

// Upsert 每个项目只有一张 idea card
func (r *IdeaRepository) Upsert(ctx context.Context, c *model.IdeaCard) error {
	query := `
        INSERT INTO idea_cards (project_id, problem, solution, target_customer, value_proposition,
                                is_confirmed, confirmed_at, confirmed_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (project_id) DO UPDATE SET
            problem = EXCLUDED.problem,
            solution = EXCLUDED.solution,
            target_customer = EXCLUDED.target_customer,
            value_proposition = EXCLUDED.value_proposition,
            is_confirmed = EXCLUDED.is_confirmed,
            confirmed_at = EXCLUDED.confirmed_at,
            confirmed_by = EXCLUDED.confirmed_by,
            updated_at = NOW()
        RETURNING id, created_at, updated_at
    `
	err := r.db.QueryRow(ctx, query,
		c.ProjectID, c.Problem, c.Solution, c.TargetCustomer, c.ValueProposition,
		c.IsConfirmed, c.ConfirmedAt, c.ConfirmedBy,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	return mapError(err)
}
