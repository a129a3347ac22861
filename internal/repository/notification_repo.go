package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"casa/internal/model"
)

type NotificationRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewNotificationRepository(db DBTX, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{db: db, logger: logger}
}

// Create 按 (user_id, event_key) 去重；重复投递的消息不会生成第二条通知
func (r *NotificationRepository) Create(ctx context.Context, n *model.Notification) (bool, error) {
	query := `
        INSERT INTO notifications (user_id, project_id, kind, message, event_key)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id, event_key) WHERE event_key <> '' DO NOTHING
        RETURNING id, created_at
    `
	err := r.db.QueryRow(ctx, query, n.UserID, n.ProjectID, n.Kind, n.Message, n.EventKey).Scan(&n.ID, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		r.logger.Debug("Notification already exists",
			zap.Int("user_id", n.UserID),
			zap.String("event_key", n.EventKey),
		)
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

func (r *NotificationRepository) ListByUser(ctx context.Context, userID int, unreadOnly bool) ([]model.Notification, error) {
	query := `
        SELECT id, user_id, project_id, kind, message, event_key, is_read, created_at
        FROM notifications
        WHERE user_id = $1 AND ($2 = FALSE OR is_read = FALSE)
        ORDER BY created_at DESC, id DESC
        LIMIT 200
    `
	rows, err := r.db.Query(ctx, query, userID, unreadOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.ProjectID, &n.Kind, &n.Message, &n.EventKey, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID int) error {
	tag, err := r.db.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return mapError(errNoRows)
	}
	return nil
}
