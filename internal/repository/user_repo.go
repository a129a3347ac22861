package repository

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"casa/internal/model"
)

type UserRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewUserRepository(db DBTX, logger *zap.Logger) *UserRepository {
	return &UserRepository{db: db, logger: logger}
}

const userColumns = `id, email, password_hash, display_name, role, created_at`

func scanUser(row scanner) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Role, &u.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// Create inserts a new user. Email is stored lower-cased.
func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	query := `
        INSERT INTO users (email, password_hash, display_name, role)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at
    `
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	err := r.db.QueryRow(ctx, query, u.Email, u.PasswordHash, u.DisplayName, u.Role).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return mapError(err)
	}
	r.logger.Info("User created", zap.Int("user_id", u.ID), zap.String("role", u.Role))
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int) (*model.User, error) {
	return scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetByEmail returns user by email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (r *UserRepository) SetRole(ctx context.Context, id int, role string) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET role = $2 WHERE id = $1`, id, role)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return mapError(errNoRows)
	}
	return nil
}

func (r *UserRepository) List(ctx context.Context) ([]model.User, error) {
	rows, err := r.db.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}
