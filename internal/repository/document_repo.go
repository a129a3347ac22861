package repository

import (
	"context"

	"go.uber.org/zap"

	"casa/internal/model"
	"casa/internal/workflow"
	"casa/pkg/otel"
)

type DocumentRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewDocumentRepository(db DBTX, logger *zap.Logger) *DocumentRepository {
	return &DocumentRepository{db: db, logger: logger}
}

const documentColumns = `id, project_id, doc_type, version, title, content, model, created_by,
        is_confirmed, confirmed_at, confirmed_by, created_at`

func scanDocument(row scanner) (*model.Document, error) {
	var d model.Document
	err := row.Scan(&d.ID, &d.ProjectID, &d.DocType, &d.Version, &d.Title, &d.Content, &d.Model, &d.CreatedBy,
		&d.IsConfirmed, &d.ConfirmedAt, &d.ConfirmedBy, &d.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &d, nil
}

// Create 版本号在同一条语句中取 max+1，并发写由项目行锁和唯一约束兜底
func (r *DocumentRepository) Create(ctx context.Context, d *model.Document) error {
	query := `
        INSERT INTO documents (project_id, doc_type, version, title, content, model, created_by)
        SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5, $6
        FROM documents
        WHERE project_id = $1 AND doc_type = $2
        RETURNING id, version, created_at
    `
	return otel.WithDBSpan(ctx, "insert", "documents", func(ctx context.Context) error {
		err := r.db.QueryRow(ctx, query,
			d.ProjectID, string(d.DocType), d.Title, d.Content, d.Model, d.CreatedBy,
		).Scan(&d.ID, &d.Version, &d.CreatedAt)
		if err != nil {
			return mapError(err)
		}
		r.logger.Info("Document version stored",
			zap.Int("project_id", d.ProjectID),
			zap.String("doc_type", string(d.DocType)),
			zap.Int("version", d.Version),
		)
		return nil
	})
}

func (r *DocumentRepository) Get(ctx context.Context, id int) (*model.Document, error) {
	return scanDocument(r.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
}

func (r *DocumentRepository) SetConfirmation(ctx context.Context, d *model.Document) error {
	tag, err := r.db.Exec(ctx, `UPDATE documents
        SET is_confirmed = $2, confirmed_at = $3, confirmed_by = $4
        WHERE id = $1`, d.ID, d.IsConfirmed, d.ConfirmedAt, d.ConfirmedBy)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return mapError(errNoRows)
	}
	return nil
}

func (r *DocumentRepository) Latest(ctx context.Context, projectID int) (map[workflow.DocType]model.Document, error) {
	query := `SELECT DISTINCT ON (doc_type) ` + documentColumns + `
        FROM documents
        WHERE project_id = $1
        ORDER BY doc_type, version DESC`
	docs, err := r.list(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	out := make(map[workflow.DocType]model.Document, len(docs))
	for _, d := range docs {
		out[d.DocType] = d
	}
	return out, nil
}

func (r *DocumentRepository) ListVersions(ctx context.Context, projectID int, docType workflow.DocType) ([]model.Document, error) {
	return r.list(ctx, `SELECT `+documentColumns+` FROM documents
        WHERE project_id = $1 AND doc_type = $2
        ORDER BY version DESC`, projectID, string(docType))
}

func (r *DocumentRepository) UnconfirmProject(ctx context.Context, projectID int) error {
	_, err := r.db.Exec(ctx, `UPDATE documents
        SET is_confirmed = FALSE, confirmed_at = NULL, confirmed_by = NULL
        WHERE project_id = $1 AND is_confirmed`, projectID)
	return mapError(err)
}

func (r *DocumentRepository) list(ctx context.Context, query string, args ...any) ([]model.Document, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
