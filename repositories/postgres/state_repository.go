package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
	"go.uber.org/zap"
)

// StateRepository implements repositories.StateRepository with optimistic versioning
type StateRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewStateRepository creates a new state repository
func NewStateRepository(db *DB, logger *zap.Logger) repositories.StateRepository {
	return &StateRepository{
		db:     db,
		logger: logger,
	}
}

const stateColumns = `id, key, value, previous_value, version, is_rollback, rolled_back_from_version,
	changed_by, change_reason, created_at, updated_at`

// Get retrieves the current record for key
func (r *StateRepository) Get(ctx context.Context, key string) (*models.VersionedState, error) {
	query := `SELECT ` + stateColumns + ` FROM system_state WHERE key = $1`

	executor := GetExecutor(ctx, r.db)
	state := &models.VersionedState{}
	var value, previous []byte
	err := executor.QueryRowContext(ctx, query, key).Scan(
		&state.ID,
		&state.Key,
		&value,
		&previous,
		&state.Version,
		&state.IsRollback,
		&state.RolledBackFromVersion,
		&state.ChangedBy,
		&state.ChangeReason,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("state %q: %w", key, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	state.Value = value
	if len(previous) > 0 {
		state.PreviousValue = previous
	}
	return state, nil
}

// Insert creates version 1 of a key unless the key already exists
func (r *StateRepository) Insert(ctx context.Context, state *models.VersionedState) (bool, error) {
	query := `
		INSERT INTO system_state (` + stateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (key) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query,
		state.ID,
		state.Key,
		[]byte(state.Value),
		nullableJSON(state.PreviousValue),
		state.Version,
		state.IsRollback,
		state.RolledBackFromVersion,
		state.ChangedBy,
		state.ChangeReason,
		state.CreatedAt,
		state.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert state: %w", err)
	}
	return rowsAffected(res)
}

// Update writes state when the stored version still equals expectedVersion
func (r *StateRepository) Update(ctx context.Context, state *models.VersionedState, expectedVersion int64) (bool, error) {
	query := `
		UPDATE system_state
		SET value = $2, previous_value = $3, version = $4, is_rollback = $5,
		    rolled_back_from_version = $6, changed_by = $7, change_reason = $8, updated_at = $9
		WHERE key = $1 AND version = $10
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query,
		state.Key,
		[]byte(state.Value),
		nullableJSON(state.PreviousValue),
		state.Version,
		state.IsRollback,
		state.RolledBackFromVersion,
		state.ChangedBy,
		state.ChangeReason,
		state.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update state: %w", err)
	}

	updated, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	if !updated {
		r.logger.Debug("state version conflict",
			zap.String("key", state.Key),
			zap.Int64("expected_version", expectedVersion))
	}
	return updated, nil
}
