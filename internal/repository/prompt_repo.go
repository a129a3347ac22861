package repository

import (
	"context"

	"go.uber.org/zap"

	"casa/internal/model"
)

type PromptRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewPromptRepository(db DBTX, logger *zap.Logger) *PromptRepository {
	return &PromptRepository{db: db, logger: logger}
}

const promptColumns = `id, key, version, system_prompt, user_template, provider, model, is_active, updated_at`

func scanPrompt(row scanner) (*model.Prompt, error) {
	var p model.Prompt
	err := row.Scan(&p.ID, &p.Key, &p.Version, &p.SystemPrompt, &p.UserTemplate,
		&p.Provider, &p.Model, &p.IsActive, &p.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func (r *PromptRepository) GetActive(ctx context.Context, key string) (*model.Prompt, error) {
	return scanPrompt(r.db.QueryRow(ctx, `SELECT `+promptColumns+` FROM prompts WHERE key = $1 AND is_active`, key))
}

// CreateVersion 需在事务中调用：先停用旧版本再插入
func (r *PromptRepository) CreateVersion(ctx context.Context, p *model.Prompt) error {
	if _, err := r.db.Exec(ctx, `UPDATE prompts SET is_active = FALSE WHERE key = $1 AND is_active`, p.Key); err != nil {
		return mapError(err)
	}
	query := `
        INSERT INTO prompts (key, version, system_prompt, user_template, provider, model, is_active)
        SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5, TRUE
        FROM prompts
        WHERE key = $1
        RETURNING id, version, is_active, updated_at
    `
	err := r.db.QueryRow(ctx, query, p.Key, p.SystemPrompt, p.UserTemplate, p.Provider, p.Model).
		Scan(&p.ID, &p.Version, &p.IsActive, &p.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	r.logger.Info("Prompt version created", zap.String("key", p.Key), zap.Int("version", p.Version))
	return nil
}

func (r *PromptRepository) List(ctx context.Context) ([]model.Prompt, error) {
	rows, err := r.db.Query(ctx, `SELECT `+promptColumns+` FROM prompts ORDER BY key, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
