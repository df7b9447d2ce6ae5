package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/BradenHooton/stepguard/pkg/auth"
)

// UserRepository defines the interface for user data operations
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	UpdateMonitoringLevel(ctx context.Context, id, level string) error
}

// Roles that have a landing page
var validRoles = map[string]bool{
	models.RoleCustomer: true,
	models.RoleTeller:   true,
	models.RoleAdmin:    true,
}

// UserService handles user provisioning
type UserService struct {
	repo   UserRepository
	logger *slog.Logger
}

// NewUserService creates a new UserService
func NewUserService(repo UserRepository, logger *slog.Logger) *UserService {
	return &UserService{
		repo:   repo,
		logger: logger,
	}
}

// CreateUser creates an active user with a validated password
func (s *UserService) CreateUser(ctx context.Context, email, name, role, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email is required: %w", models.ErrBadRequest)
	}
	if !validRoles[role] {
		return nil, fmt.Errorf("unknown role %q: %w", role, models.ErrBadRequest)
	}

	// Check if user already exists
	existing, err := s.repo.GetByEmail(ctx, email)
	if err == nil && existing != nil {
		s.logger.Info("user already exists")
		return nil, models.ErrConflict
	}
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to check existing user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := auth.ValidatePassword(password, email); err != nil {
		var pwErr *auth.PasswordValidationError
		if errors.As(err, &pwErr) {
			s.logger.Info("password rejected", slog.Any("rules", pwErr.Errors))
		}
		return nil, fmt.Errorf("invalid password: %w", err)
	}

	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	created, err := s.repo.Create(ctx, &models.User{
		Email:           email,
		Name:            strings.TrimSpace(name),
		PasswordHash:    hashedPassword,
		Role:            role,
		Status:          "active",
		MonitoringLevel: models.MonitoringStandard,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		s.logger.Error("failed to create user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("user created", slog.String("user_id", created.ID), slog.String("role", created.Role))
	return created, nil
}
