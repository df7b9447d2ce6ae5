package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/stepguard/internal/database"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

// TorNodeRepository persists the latest Tor exit-node snapshot
type TorNodeRepository struct {
	db *database.DB
}

func NewTorNodeRepository(db *database.DB) *TorNodeRepository {
	return &TorNodeRepository{db: db}
}

// SaveExitNodes upserts the snapshot and drops addresses that are no longer
// listed. Saving the same snapshot twice is a no-op.
func (r *TorNodeRepository) SaveExitNodes(ctx context.Context, ips []string, fetchedAt time.Time) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		upsert := `
			INSERT INTO tor_exit_nodes (ip_address, fetched_at)
			SELECT unnest($1::text[]), $2
			ON CONFLICT (ip_address) DO UPDATE SET fetched_at = GREATEST(tor_exit_nodes.fetched_at, EXCLUDED.fetched_at)
		`
		if _, err := tx.Exec(ctx, upsert, pq.Array(ips), fetchedAt); err != nil {
			return fmt.Errorf("failed to upsert tor exit nodes: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM tor_exit_nodes WHERE fetched_at < $1`, fetchedAt); err != nil {
			return fmt.Errorf("failed to prune tor exit nodes: %w", err)
		}

		return nil
	})
}

// LoadExitNodes returns the stored snapshot and when it was fetched. An
// empty table yields no addresses and a zero time.
func (r *TorNodeRepository) LoadExitNodes(ctx context.Context) ([]string, time.Time, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT ip_address, fetched_at FROM tor_exit_nodes`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query tor exit nodes: %w", err)
	}
	defer rows.Close()

	var (
		ips       []string
		fetchedAt time.Time
	)
	for rows.Next() {
		var ip string
		var at time.Time
		if err := rows.Scan(&ip, &at); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan tor exit node: %w", err)
		}
		ips = append(ips, ip)
		if at.After(fetchedAt) {
			fetchedAt = at
		}
	}

	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("error iterating tor exit nodes: %w", err)
	}

	return ips, fetchedAt, nil
}
