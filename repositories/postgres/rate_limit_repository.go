package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/governance-core/repositories"
	"go.uber.org/zap"
)

// RateLimitRepository implements repositories.RateLimitRepository on the rate_limit_events table
type RateLimitRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRateLimitRepository creates a new rate limit repository
func NewRateLimitRepository(db *DB, logger *zap.Logger) repositories.RateLimitRepository {
	return &RateLimitRepository{
		db:     db,
		logger: logger,
	}
}

// Record stores an event for scope
func (r *RateLimitRepository) Record(ctx context.Context, scope string, at time.Time) error {
	query := `INSERT INTO rate_limit_events (scope_key, timestamp) VALUES ($1, $2)`

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, scope, at); err != nil {
		return fmt.Errorf("failed to insert rate limit event: %w", err)
	}
	return nil
}

// CountSince counts events for scope in [since, now]
func (r *RateLimitRepository) CountSince(ctx context.Context, scope string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM rate_limit_events WHERE scope_key = $1 AND timestamp >= $2`

	var count int
	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, scope, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rate limit events: %w", err)
	}
	return count, nil
}

// DeleteBefore removes events older than cutoff
func (r *RateLimitRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM rate_limit_events WHERE timestamp < $1`

	res, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rate limit events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}
