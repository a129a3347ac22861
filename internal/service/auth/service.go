package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"casa/internal/model"
	"casa/internal/service"
	"casa/internal/storage"
	"casa/pkg/util"
)

var ErrEmailTaken = errors.New("email already exists")

type RegisterInput struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8,max=72"`
	DisplayName string `json:"display_name" binding:"max=100"`
}

type LoginInput struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type Service struct {
	users     storage.UserRepository
	jwtSecret string
	tokenTTL  time.Duration
	logger    *zap.Logger
}

func NewService(users storage.UserRepository, jwtSecret string, tokenTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		users:     users,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		logger:    logger,
	}
}

// Register creates a new user with role user.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil {
		return nil, service.InvalidInput("invalid email")
	}
	email := strings.ToLower(addr.Address)
	if len(in.Password) < 8 {
		return nil, service.InvalidInput("password must be at least 8 characters")
	}

	existing, err := s.users.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrConflict, ErrEmailTaken)
	}

	hash, err := util.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	u := &model.User{
		Email:        email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		Role:         model.RoleUser,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: %w", storage.ErrConflict, ErrEmailTaken)
		}
		return nil, err
	}

	s.logger.Info("User registered", zap.Int("user_id", u.ID))
	return u, nil
}

// Login checks user credentials and returns JWT.
func (s *Service) Login(ctx context.Context, in LoginInput) (string, *model.User, error) {
	u, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(in.Email)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil, fmt.Errorf("%w: invalid email or password", service.ErrUnauthorized)
		}
		return "", nil, err
	}

	if !util.CheckPassword(in.Password, u.PasswordHash) {
		return "", nil, fmt.Errorf("%w: invalid email or password", service.ErrUnauthorized)
	}

	token, err := util.GenerateJWT(u.ID, u.Role, s.jwtSecret, s.tokenTTL)
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

func (s *Service) Me(ctx context.Context, actor service.Actor) (*model.User, error) {
	return s.users.GetByID(ctx, actor.UserID)
}

// SetRole 管理员调整用户角色
func (s *Service) SetRole(ctx context.Context, actor service.Actor, userID int, role string) (*model.User, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins can change roles", service.ErrForbidden)
	}
	switch role {
	case model.RoleUser, model.RoleMentor, model.RoleAdmin:
	default:
		return nil, service.InvalidInput("unknown role %q", role)
	}
	if err := s.users.SetRole(ctx, userID, role); err != nil {
		return nil, err
	}
	s.logger.Info("User role changed",
		zap.Int("user_id", userID),
		zap.String("role", role),
		zap.Int("by", actor.UserID),
	)
	return s.users.GetByID(ctx, userID)
}

// Users 管理员查看用户列表，例如挑选导师
func (s *Service) Users(ctx context.Context, actor service.Actor) ([]model.User, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: only admins can list users", service.ErrForbidden)
	}
	return s.users.List(ctx)
}
