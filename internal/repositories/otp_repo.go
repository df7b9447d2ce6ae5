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

// OTPRepository stores hashed one-time code challenges
type OTPRepository struct {
	pool *pgxpool.Pool
}

func NewOTPRepository(db *database.DB) *OTPRepository {
	return &OTPRepository{pool: db.Pool}
}

const otpColumns = `id, user_id, code_hash, purpose, attempts, verified, expires_at, created_at`

func scanOTPRow(scanner rowScanner) (*models.OTPChallenge, error) {
	var c models.OTPChallenge

	err := scanner.Scan(
		&c.ID, &c.UserID, &c.CodeHash, &c.Purpose,
		&c.Attempts, &c.Verified, &c.ExpiresAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &c, nil
}

func (r *OTPRepository) Create(ctx context.Context, challenge *models.OTPChallenge) error {
	if challenge.ID == "" {
		challenge.ID = uuid.New().String()
	}
	if challenge.CreatedAt.IsZero() {
		challenge.CreatedAt = time.Now()
	}

	query := `INSERT INTO otp_challenges (` + otpColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		challenge.ID, challenge.UserID, challenge.CodeHash, challenge.Purpose,
		challenge.Attempts, challenge.Verified, challenge.ExpiresAt, challenge.CreatedAt,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}

	return nil
}

// InvalidatePending retires every unverified challenge for the purpose
func (r *OTPRepository) InvalidatePending(ctx context.Context, userID, purpose string) error {
	query := `UPDATE otp_challenges SET verified = TRUE WHERE user_id = $1 AND purpose = $2 AND verified = FALSE`

	if _, err := r.pool.Exec(ctx, query, userID, purpose); err != nil {
		return fmt.Errorf("failed to invalidate challenges: %w", err)
	}

	return nil
}

// GetLatestPending returns the newest unverified challenge. Expiry and the
// attempt cap are checked by the caller so it can report why a code failed.
func (r *OTPRepository) GetLatestPending(ctx context.Context, userID, purpose string) (*models.OTPChallenge, error) {
	query := `SELECT ` + otpColumns + ` FROM otp_challenges
		WHERE user_id = $1 AND purpose = $2 AND verified = FALSE
		ORDER BY created_at DESC LIMIT 1`

	return scanOTPRow(r.pool.QueryRow(ctx, query, userID, purpose))
}

func (r *OTPRepository) GetLatest(ctx context.Context, userID, purpose string) (*models.OTPChallenge, error) {
	query := `SELECT ` + otpColumns + ` FROM otp_challenges
		WHERE user_id = $1 AND purpose = $2
		ORDER BY created_at DESC LIMIT 1`

	return scanOTPRow(r.pool.QueryRow(ctx, query, userID, purpose))
}

// IncrementAttempts claims one attempt and returns the new count. The row is
// only updated while it is pending and below maxAttempts, so concurrent
// callers can never claim more than maxAttempts between them. ErrNotFound
// means no attempt is left.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, id string, maxAttempts int) (int, error) {
	query := `UPDATE otp_challenges SET attempts = attempts + 1
		WHERE id = $1 AND attempts < $2 AND verified = FALSE
		RETURNING attempts`

	var attempts int
	if err := r.pool.QueryRow(ctx, query, id, maxAttempts).Scan(&attempts); err != nil {
		return 0, database.MapPostgresError(err)
	}

	return attempts, nil
}

// MarkVerified consumes a pending challenge. ErrNotFound means it was already
// consumed.
func (r *OTPRepository) MarkVerified(ctx context.Context, id string) error {
	query := `UPDATE otp_challenges SET verified = TRUE WHERE id = $1 AND verified = FALSE`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return database.MapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// DeletePurgeable removes verified or expired challenges
func (r *OTPRepository) DeletePurgeable(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM otp_challenges WHERE verified = TRUE OR expires_at <= $1`

	result, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge challenges: %w", err)
	}

	return result.RowsAffected(), nil
}
