package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/stepguard/internal/database"
	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SecurityEventRepository handles security event data access
type SecurityEventRepository struct {
	pool *pgxpool.Pool
}

// NewSecurityEventRepository creates a new SecurityEventRepository
func NewSecurityEventRepository(db *database.DB) *SecurityEventRepository {
	return &SecurityEventRepository{pool: db.Pool}
}

const securityEventColumns = `id, user_id, event_type, device_hash, ip_address, metadata, created_at`

// scanSecurityEventRow populates a SecurityEvent model from a database row
func scanSecurityEventRow(row rowScanner) (*models.SecurityEvent, error) {
	var event models.SecurityEvent
	var userID *string

	err := row.Scan(
		&event.ID, &userID, &event.EventType, &event.DeviceHash,
		&event.IPAddress, &event.Metadata, &event.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if userID != nil {
		event.UserID = *userID
	}

	return &event, nil
}

// scanSecurityEventRows iterates through rows and scans each into SecurityEvent models
func scanSecurityEventRows(rows pgx.Rows) ([]*models.SecurityEvent, error) {
	defer rows.Close()

	events := make([]*models.SecurityEvent, 0)

	for rows.Next() {
		event, err := scanSecurityEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security event rows: %w", err)
	}

	return events, nil
}

// Create stores a security event. Metadata is stored as JSONB.
func (r *SecurityEventRepository) Create(ctx context.Context, event *models.SecurityEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	query := `
		INSERT INTO security_events (` + securityEventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		event.ID, nullIfEmpty(event.UserID), event.EventType, event.DeviceHash,
		event.IPAddress, metadata, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", database.MapPostgresError(err))
	}

	return nil
}

// CountByTypeSince counts a user's events of one type since the given time
func (r *SecurityEventRepository) CountByTypeSince(ctx context.Context, userID, eventType string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM security_events WHERE user_id = $1 AND event_type = $2 AND created_at >= $3`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID, eventType, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count security events: %w", err)
	}

	return count, nil
}

// ListByUser returns a user's most recent events, newest first
func (r *SecurityEventRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
	query := `SELECT ` + securityEventColumns + ` FROM security_events
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}

	return scanSecurityEventRows(rows)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
