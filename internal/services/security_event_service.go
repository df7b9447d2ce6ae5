package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/stepguard/internal/models"
	pkglogger "github.com/BradenHooton/stepguard/pkg/logger"
)

// SecurityEventRepository defines persistence for security events
type SecurityEventRepository interface {
	Create(ctx context.Context, event *models.SecurityEvent) error
	CountByTypeSince(ctx context.Context, userID, eventType string, since time.Time) (int, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error)
}

// SecurityEventService records security events with a dual-write pattern (slog + database)
type SecurityEventService struct {
	repo   SecurityEventRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewSecurityEventService creates a new SecurityEventService
func NewSecurityEventService(repo SecurityEventRepository, logger *slog.Logger) *SecurityEventService {
	return &SecurityEventService{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Record writes the event to the log immediately and then persists it.
// A persistence failure is logged and never returned: the decision that
// produced the event has already been made.
func (s *SecurityEventService) Record(ctx context.Context, event models.SecurityEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}

	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.String("user_id", event.UserID),
	}
	if event.DeviceHash != "" {
		attrs = append(attrs, slog.String("device", pkglogger.ShortHash(event.DeviceHash)))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", event.Metadata))
	}
	s.logger.InfoContext(ctx, "security event", attrs...)

	if err := s.repo.Create(ctx, &event); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist security event",
			slog.String("event_type", event.EventType),
			slog.String("user_id", event.UserID),
			slog.Any("error", err),
		)
	}
}

// CountSince counts events of one type for a user since the given time
func (s *SecurityEventService) CountSince(ctx context.Context, userID, eventType string, since time.Time) (int, error) {
	n, err := s.repo.CountByTypeSince(ctx, userID, eventType, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s events: %w", eventType, err)
	}
	return n, nil
}

// List returns a user's most recent events, newest first
func (s *SecurityEventService) List(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	events, err := s.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	return events, nil
}
