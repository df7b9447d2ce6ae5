package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/stepguard/internal/database"
	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AccessLogRepository stores the append-only anonymity access log
type AccessLogRepository struct {
	pool *pgxpool.Pool
}

func NewAccessLogRepository(db *database.DB) *AccessLogRepository {
	return &AccessLogRepository{pool: db.Pool}
}

const accessLogColumns = `id, user_id, device_hash, ip_address,
	tor_exit, tor_browser, proxy, vpn, hosting, geo_jump, hardened_browser, repeated_tor,
	score, level, action, country, city, latitude, longitude, isp, org, created_at`

func scanAccessLogRow(scanner rowScanner) (*models.AccessLog, error) {
	var log models.AccessLog
	var level string

	err := scanner.Scan(
		&log.ID, &log.UserID, &log.DeviceHash, &log.IPAddress,
		&log.TorExit, &log.TorBrowser, &log.Proxy, &log.VPN, &log.Hosting, &log.GeoJump, &log.Hardened, &log.RepeatedTor,
		&log.Score, &level, &log.Action, &log.Country, &log.City, &log.Latitude, &log.Longitude, &log.ISP, &log.Org,
		&log.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	log.Level = models.RiskLevel(level)

	return &log, nil
}

func (r *AccessLogRepository) Create(ctx context.Context, log *models.AccessLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO anonymity_access_logs (` + accessLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`

	_, err := r.pool.Exec(ctx, query,
		log.ID, log.UserID, log.DeviceHash, log.IPAddress,
		log.TorExit, log.TorBrowser, log.Proxy, log.VPN, log.Hosting, log.GeoJump, log.Hardened, log.RepeatedTor,
		log.Score, string(log.Level), log.Action, log.Country, log.City, log.Latitude, log.Longitude, log.ISP, log.Org,
		log.CreatedAt,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}

	return nil
}

// GetLatestForUser returns the most recent row, used as the previous
// position for impossible-travel checks
func (r *AccessLogRepository) GetLatestForUser(ctx context.Context, userID string) (*models.AccessLog, error) {
	query := `SELECT ` + accessLogColumns + ` FROM anonymity_access_logs
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`

	return scanAccessLogRow(r.pool.QueryRow(ctx, query, userID))
}

// CountTorSince counts rows since the given time that saw a Tor exit or Tor Browser
func (r *AccessLogRepository) CountTorSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM anonymity_access_logs
		WHERE user_id = $1 AND created_at >= $2 AND (tor_exit OR tor_browser)`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tor logins: %w", err)
	}

	return count, nil
}

func (r *AccessLogRepository) CountDistinctDevicesSince(ctx context.Context, userID, excludeHash string, since time.Time) (int, error) {
	query := `SELECT COUNT(DISTINCT device_hash) FROM anonymity_access_logs
		WHERE user_id = $1 AND device_hash <> $2 AND created_at >= $3`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID, excludeHash, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count distinct devices: %w", err)
	}

	return count, nil
}
