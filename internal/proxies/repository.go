package proxies

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamarchive/backend/internal/models"
)

// Repository handles proxy_settings persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a proxy repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListCandidates returns every configured proxy with its health record.
func (r *Repository) ListCandidates(ctx context.Context) ([]models.ProxyCandidate, error) {
	const q = `SELECT id, url, priority, enabled, health_status, consecutive_failures, average_response_time_ms,
		total_uses, total_failures, last_used_at, last_failure_at
		FROM proxy_settings ORDER BY priority, id`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ProxyCandidate
	for rows.Next() {
		var p models.ProxyCandidate
		if err := rows.Scan(&p.ID, &p.URL, &p.Priority, &p.Enabled, &p.HealthStatus, &p.ConsecutiveFailures, &p.AvgResponseTimeMs,
			&p.TotalUses, &p.TotalFailures, &p.LastUsedAt, &p.LastFailureAt); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// RecordOutcome bumps usage counters in one statement and disables the proxy once
// consecutive_failures reaches disableAfter. Returns whether this call disabled it.
func (r *Repository) RecordOutcome(ctx context.Context, proxyID int64, success bool, disableAfter int) (bool, error) {
	const q = `UPDATE proxy_settings SET
		total_uses = total_uses + 1,
		total_failures = total_failures + CASE WHEN $2 THEN 0 ELSE 1 END,
		consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures + 1 END,
		enabled = CASE WHEN NOT $2 AND consecutive_failures + 1 >= $3 THEN FALSE ELSE enabled END,
		last_used_at = NOW(),
		last_failure_at = CASE WHEN $2 THEN last_failure_at ELSE NOW() END,
		updated_at = NOW()
		WHERE id = $1
		RETURNING NOT $2 AND consecutive_failures >= $3`
	var disabled bool
	err := r.pool.QueryRow(ctx, q, proxyID, success, disableAfter).Scan(&disabled)
	return disabled, err
}
