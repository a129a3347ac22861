package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"casa/internal/model"
)

type EvaluationRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewEvaluationRepository(db DBTX, logger *zap.Logger) *EvaluationRepository {
	return &EvaluationRepository{db: db, logger: logger}
}

const evaluationColumns = `id, project_id, status, results, total_score, error,
        is_confirmed, confirmed_at, confirmed_by, created_at`

func scanEvaluation(row scanner) (*model.Evaluation, error) {
	var (
		e       model.Evaluation
		results []byte
	)
	err := row.Scan(&e.ID, &e.ProjectID, &e.Status, &results, &e.TotalScore, &e.Error,
		&e.IsConfirmed, &e.ConfirmedAt, &e.ConfirmedBy, &e.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &e.Results); err != nil {
			return nil, fmt.Errorf("decode evaluation %d results: %w", e.ID, err)
		}
	}
	return &e, nil
}

func (r *EvaluationRepository) Create(ctx context.Context, e *model.Evaluation) error {
	results, err := json.Marshal(nonNilResults(e.Results))
	if err != nil {
		return err
	}
	query := `
        INSERT INTO evaluations (project_id, status, results, total_score, error)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, created_at
    `
	err = r.db.QueryRow(ctx, query, e.ProjectID, e.Status, results, e.TotalScore, e.Error).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to insert evaluation", zap.Int("project_id", e.ProjectID), zap.Error(err))
		return mapError(err)
	}
	return nil
}

func (r *EvaluationRepository) Get(ctx context.Context, id int) (*model.Evaluation, error) {
	return scanEvaluation(r.db.QueryRow(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = $1`, id))
}

func (r *EvaluationRepository) Update(ctx context.Context, e *model.Evaluation) error {
	results, err := json.Marshal(nonNilResults(e.Results))
	if err != nil {
		return err
	}
	query := `
        UPDATE evaluations SET
            status = $2, results = $3, total_score = $4, error = $5,
            is_confirmed = $6, confirmed_at = $7, confirmed_by = $8
        WHERE id = $1
    `
	tag, err := r.db.Exec(ctx, query, e.ID, e.Status, results, e.TotalScore, e.Error,
		e.IsConfirmed, e.ConfirmedAt, e.ConfirmedBy)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return mapError(errNoRows)
	}
	return nil
}

func (r *EvaluationRepository) LatestCompleted(ctx context.Context, projectID int) (*model.Evaluation, error) {
	query := `SELECT ` + evaluationColumns + ` FROM evaluations
        WHERE project_id = $1 AND status = 'completed'
        ORDER BY created_at DESC, id DESC
        LIMIT 1`
	return scanEvaluation(r.db.QueryRow(ctx, query, projectID))
}

func (r *EvaluationRepository) ListByProject(ctx context.Context, projectID int) ([]model.Evaluation, error) {
	rows, err := r.db.Query(ctx, `SELECT `+evaluationColumns+` FROM evaluations
        WHERE project_id = $1 ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *EvaluationRepository) UnconfirmProject(ctx context.Context, projectID int) error {
	_, err := r.db.Exec(ctx, `UPDATE evaluations
        SET is_confirmed = FALSE, confirmed_at = NULL, confirmed_by = NULL
        WHERE project_id = $1 AND is_confirmed`, projectID)
	return mapError(err)
}

func nonNilResults(in []model.PersonaResult) []model.PersonaResult {
	if in == nil {
		return []model.PersonaResult{}
	}
	return in
}
