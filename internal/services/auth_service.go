package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/stepguard/internal/auth"
	"github.com/BradenHooton/stepguard/internal/models"
	pkgauth "github.com/BradenHooton/stepguard/pkg/auth"
	pkglogger "github.com/BradenHooton/stepguard/pkg/logger"
)

// AuthService checks credentials. It never issues sessions; the login
// orchestrator decides what happens after a password is accepted.
type AuthService struct {
	repo        UserRepository
	events      *SecurityEventService
	timingDelay *auth.TimingDelay
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	now         func() time.Time
}

// NewAuthService creates a new AuthService
func NewAuthService(repo UserRepository, events *SecurityEventService, timingDelay *auth.TimingDelay, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *AuthService {
	return &AuthService{
		repo:        repo,
		events:      events,
		timingDelay: timingDelay,
		logger:      logger,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// Authenticate validates email and password and the account state.
// Unknown emails and wrong passwords both return ErrUnauthorized.
func (s *AuthService) Authenticate(ctx context.Context, email, password, ipAddress string) (user *models.User, err error) {
	start := time.Now()
	defer func() {
		s.timingDelay.WaitFrom(start, err == nil)
	}()

	if email = strings.ToLower(strings.TrimSpace(email)); email == "" {
		s.logger.Warn("login attempt with empty email")
		return nil, models.ErrUnauthorized
	}

	user, err = s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Log login failure without exposing email
			s.logger.Info("login failed: invalid credentials")
			s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
				EventType:     models.EventLoginFailed,
				IPAddress:     ipAddress,
				FailureReason: "invalid_credentials",
			})
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to get user by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := validateAccountState(user, s.now()); err != nil {
		s.logger.Info("login blocked due to account state",
			slog.String("user_id", user.ID),
			slog.String("status", user.Status),
			slog.Any("error", err))
		s.recordFailure(ctx, user.ID, ipAddress, "account_blocked")
		return nil, err
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, password); err != nil {
		if !errors.Is(err, pkgauth.ErrMismatch) {
			s.logger.Error("stored password hash unusable", slog.String("user_id", user.ID), slog.Any("error", err))
		}
		s.logger.Info("login failed: invalid credentials")
		s.recordFailure(ctx, user.ID, ipAddress, "invalid_credentials")
		return nil, models.ErrUnauthorized
	}

	s.logger.Info("credentials accepted", slog.String("user_id", user.ID))
	return user, nil
}

func (s *AuthService) recordFailure(ctx context.Context, userID, ipAddress, reason string) {
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:     models.EventLoginFailed,
		UserID:        userID,
		IPAddress:     ipAddress,
		FailureReason: reason,
	})
	s.events.Record(ctx, models.SecurityEvent{
		UserID:    userID,
		EventType: models.EventLoginFailed,
		IPAddress: ipAddress,
		Metadata:  map[string]string{"reason": reason},
	})
}

// validateAccountState checks if the account can sign in
func validateAccountState(user *models.User, now time.Time) error {
	switch user.Status {
	case "disabled":
		return models.ErrAccountDisabled
	case "suspended":
		return models.ErrAccountSuspended
	case "active":
	default:
		return fmt.Errorf("unknown account status: %s", user.Status)
	}

	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		return models.ErrAccountLocked
	}

	return nil
}
