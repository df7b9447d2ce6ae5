package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/stepguard/internal/database"
	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DeviceRepository struct {
	pool *pgxpool.Pool
}

func NewDeviceRepository(db *database.DB) *DeviceRepository {
	return &DeviceRepository{pool: db.Pool}
}

const deviceColumns = `user_id, device_hash, label, first_seen_ip, trusted_status, risk_flag, first_seen_at, last_seen_at`

func scanDeviceRow(scanner rowScanner) (*models.TrustedDevice, error) {
	var device models.TrustedDevice

	err := scanner.Scan(
		&device.UserID, &device.DeviceHash, &device.Label, &device.FirstSeenIP,
		&device.TrustedStatus, &device.RiskFlag, &device.FirstSeenAt, &device.LastSeenAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &device, nil
}

func scanDeviceRows(rows pgx.Rows) ([]*models.TrustedDevice, error) {
	defer rows.Close()

	devices := make([]*models.TrustedDevice, 0)

	for rows.Next() {
		device, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return devices, nil
}

func (r *DeviceRepository) Get(ctx context.Context, userID, deviceHash string) (*models.TrustedDevice, error) {
	query := `SELECT ` + deviceColumns + ` FROM trusted_devices WHERE user_id = $1 AND device_hash = $2`

	return scanDeviceRow(r.pool.QueryRow(ctx, query, userID, deviceHash))
}

// Upsert inserts the device or refreshes an existing row. trusted_status
// and risk_flag are OR-ed with the stored values so neither is lowered.
func (r *DeviceRepository) Upsert(ctx context.Context, device *models.TrustedDevice) error {
	now := time.Now()
	if device.FirstSeenAt.IsZero() {
		device.FirstSeenAt = now
	}
	if device.LastSeenAt.IsZero() {
		device.LastSeenAt = now
	}

	query := `
		INSERT INTO trusted_devices (` + deviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, device_hash) DO UPDATE SET
			label = COALESCE(NULLIF(EXCLUDED.label, ''), trusted_devices.label),
			first_seen_ip = COALESCE(NULLIF(trusted_devices.first_seen_ip, ''), EXCLUDED.first_seen_ip),
			trusted_status = trusted_devices.trusted_status OR EXCLUDED.trusted_status,
			risk_flag = trusted_devices.risk_flag OR EXCLUDED.risk_flag,
			last_seen_at = GREATEST(trusted_devices.last_seen_at, EXCLUDED.last_seen_at)
	`

	_, err := r.pool.Exec(ctx, query,
		device.UserID, device.DeviceHash, device.Label, device.FirstSeenIP,
		device.TrustedStatus, device.RiskFlag, device.FirstSeenAt, device.LastSeenAt,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}

	return nil
}

func (r *DeviceRepository) TouchLastSeen(ctx context.Context, userID, deviceHash string, at time.Time) error {
	query := `UPDATE trusted_devices SET last_seen_at = $1 WHERE user_id = $2 AND device_hash = $3`

	return r.execOne(ctx, query, at, userID, deviceHash)
}

// SetRiskFlag raises the flag on an existing row; it never creates one
func (r *DeviceRepository) SetRiskFlag(ctx context.Context, userID, deviceHash string) error {
	query := `UPDATE trusted_devices SET risk_flag = TRUE WHERE user_id = $1 AND device_hash = $2`

	return r.execOne(ctx, query, userID, deviceHash)
}

func (r *DeviceRepository) ClearRiskFlag(ctx context.Context, userID, deviceHash string) error {
	query := `UPDATE trusted_devices SET risk_flag = FALSE WHERE user_id = $1 AND device_hash = $2`

	return r.execOne(ctx, query, userID, deviceHash)
}

func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
	query := `SELECT ` + deviceColumns + ` FROM trusted_devices WHERE user_id = $1 ORDER BY last_seen_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}

	return scanDeviceRows(rows)
}

func (r *DeviceRepository) Delete(ctx context.Context, userID, deviceHash string) error {
	query := `DELETE FROM trusted_devices WHERE user_id = $1 AND device_hash = $2`

	return r.execOne(ctx, query, userID, deviceHash)
}

// CountOtherUsers counts distinct users other than excludeUserID linked to
// the hash by a device row or an access log row
func (r *DeviceRepository) CountOtherUsers(ctx context.Context, deviceHash, excludeUserID string) (int, error) {
	query := `
		SELECT COUNT(DISTINCT user_id) FROM (
			SELECT user_id FROM trusted_devices WHERE device_hash = $1 AND user_id <> $2
			UNION
			SELECT user_id FROM anonymity_access_logs WHERE device_hash = $1 AND user_id <> $2
		) linked
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, deviceHash, excludeUserID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count linked users: %w", err)
	}

	return count, nil
}

// CountFirstSeenSince counts devices the user registered through OTP since since
func (r *DeviceRepository) CountFirstSeenSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM trusted_devices
		WHERE user_id = $1 AND trusted_status = TRUE AND first_seen_at >= $2`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count new devices: %w", err)
	}

	return count, nil
}

func (r *DeviceRepository) execOne(ctx context.Context, query string, args ...any) error {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return database.MapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}
