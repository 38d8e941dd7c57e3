package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
	"go.uber.org/zap"
)

// OperationLockRepository implements repositories.OperationLockRepository on PostgreSQL.
// Uniqueness of operation_id is enforced by the table's UNIQUE constraint.
type OperationLockRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewOperationLockRepository creates a new operation lock repository
func NewOperationLockRepository(db *DB, logger *zap.Logger) repositories.OperationLockRepository {
	return &OperationLockRepository{
		db:     db,
		logger: logger,
	}
}

const lockColumns = `id, operation_id, operation_type, actor_id, status, result, locked_at, expires_at, completed_at`

// Insert creates the lock unless one already exists for the operation ID
func (r *OperationLockRepository) Insert(ctx context.Context, lock *models.OperationLock) (bool, error) {
	query := `
		INSERT INTO operation_locks (` + lockColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (operation_id) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query,
		lock.ID,
		lock.OperationID,
		lock.OperationType,
		lock.ActorID,
		lock.Status,
		nullableJSON(lock.Result),
		lock.LockedAt,
		lock.ExpiresAt,
		lock.CompletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert operation lock: %w", err)
	}

	inserted, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	if inserted {
		r.logger.Debug("operation lock acquired", zap.String("operation_id", lock.OperationID))
	}
	return inserted, nil
}

// TakeOver re-arms a pending or failed lock for a new attempt
func (r *OperationLockRepository) TakeOver(ctx context.Context, lock *models.OperationLock) (bool, error) {
	query := `
		UPDATE operation_locks
		SET status = 'in_progress', operation_type = $2, actor_id = $3, result = NULL,
		    locked_at = $4, expires_at = $5, completed_at = NULL
		WHERE operation_id = $1 AND status IN ('pending', 'failed')
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query,
		lock.OperationID,
		lock.OperationType,
		lock.ActorID,
		lock.LockedAt,
		lock.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to take over operation lock: %w", err)
	}
	return rowsAffected(res)
}

// GetByOperationID retrieves a lock by its operation ID
func (r *OperationLockRepository) GetByOperationID(ctx context.Context, operationID string) (*models.OperationLock, error) {
	query := `SELECT ` + lockColumns + ` FROM operation_locks WHERE operation_id = $1`

	executor := GetExecutor(ctx, r.db)
	lock := &models.OperationLock{}
	var result []byte
	err := executor.QueryRowContext(ctx, query, operationID).Scan(
		&lock.ID,
		&lock.OperationID,
		&lock.OperationType,
		&lock.ActorID,
		&lock.Status,
		&result,
		&lock.LockedAt,
		&lock.ExpiresAt,
		&lock.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("operation %s: %w", operationID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get operation lock: %w", err)
	}
	if len(result) > 0 {
		lock.Result = json.RawMessage(result)
	}
	return lock, nil
}

// Complete finalizes an in-progress lock
func (r *OperationLockRepository) Complete(ctx context.Context, operationID string, status models.OperationStatus, result json.RawMessage, completedAt time.Time) (bool, error) {
	query := `
		UPDATE operation_locks
		SET status = $2, result = $3, completed_at = $4
		WHERE operation_id = $1 AND status = 'in_progress'
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, operationID, status, nullableJSON(result), completedAt)
	if err != nil {
		return false, fmt.Errorf("failed to complete operation lock: %w", err)
	}
	return rowsAffected(res)
}

// Reclaim moves one stale in-progress lock back to pending
func (r *OperationLockRepository) Reclaim(ctx context.Context, operationID string, now time.Time) (bool, error) {
	query := `
		UPDATE operation_locks SET status = 'pending'
		WHERE operation_id = $1 AND status = 'in_progress' AND expires_at < $2
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, operationID, now)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim operation lock: %w", err)
	}
	return rowsAffected(res)
}

// CountStale counts in-progress locks past their deadline
func (r *OperationLockRepository) CountStale(ctx context.Context, now time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM operation_locks WHERE status = 'in_progress' AND expires_at < $1`

	var count int
	executor := GetExecutor(ctx, r.db)
	if err := executor.QueryRowContext(ctx, query, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stale locks: %w", err)
	}
	return count, nil
}

// ReclaimStale moves every stale in-progress lock back to pending
func (r *OperationLockRepository) ReclaimStale(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE operation_locks SET status = 'pending' WHERE status = 'in_progress' AND expires_at < $1`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// nullableJSON maps an empty payload to SQL NULL
func nullableJSON(data json.RawMessage) interface{} {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}
