package model

import "time"

const (
	RoleUser   = "user"
	RoleMentor = "mentor"
	RoleAdmin  = "admin"
)

type User struct {
	ID           int       `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"` // user / mentor / admin
	CreatedAt    time.Time `json:"created_at"`
}
