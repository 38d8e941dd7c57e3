package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
	"go.uber.org/zap"
)

// ApprovalRepository implements the repositories.ApprovalRepository interface
type ApprovalRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewApprovalRepository creates a new approval repository
func NewApprovalRepository(db *DB, logger *zap.Logger) repositories.ApprovalRepository {
	return &ApprovalRepository{
		db:     db,
		logger: logger,
	}
}

const approvalColumns = `id, action_type, sensitivity, resource_type, resource_id, action_summary,
	impact_summary, requester_id, is_reversible, status, created_at, expires_at,
	resolved_by, resolved_at, resolution_reason`

// Create inserts a new approval request
func (r *ApprovalRepository) Create(ctx context.Context, req *models.ApprovalRequest) error {
	query := `
		INSERT INTO approval_requests (` + approvalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		req.ID,
		req.ActionType,
		req.Sensitivity,
		req.ResourceType,
		req.ResourceID,
		req.ActionSummary,
		req.ImpactSummary,
		req.RequesterID,
		req.IsReversible,
		req.Status,
		req.CreatedAt,
		req.ExpiresAt,
		req.ResolvedBy,
		req.ResolvedAt,
		req.ResolutionReason,
	)
	if err != nil {
		return fmt.Errorf("failed to create approval request: %w", err)
	}

	r.logger.Debug("approval request created",
		zap.String("id", req.ID.String()),
		zap.String("action_type", req.ActionType))
	return nil
}

// GetByID retrieves an approval request by ID
func (r *ApprovalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	req, err := scanApproval(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval request %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	return req, nil
}

// Resolve writes the decision only while the row is still pending
func (r *ApprovalRepository) Resolve(ctx context.Context, req *models.ApprovalRequest) (bool, error) {
	query := `
		UPDATE approval_requests
		SET status = $2, resolved_by = $3, resolved_at = $4, resolution_reason = $5
		WHERE id = $1 AND status = 'pending'
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query,
		req.ID,
		req.Status,
		req.ResolvedBy,
		req.ResolvedAt,
		req.ResolutionReason,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve approval request: %w", err)
	}
	return rowsAffected(res)
}

// MarkExpired moves a pending request to expired
func (r *ApprovalRepository) MarkExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `UPDATE approval_requests SET status = 'expired' WHERE id = $1 AND status = 'pending'`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to expire approval request: %w", err)
	}
	return rowsAffected(res)
}

// ListPending returns open requests, newest first
func (r *ApprovalRepository) ListPending(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE status = 'pending' AND expires_at > $1
		ORDER BY created_at DESC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer rows.Close()

	var requests []*models.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approval rows: %w", err)
	}
	return requests, nil
}

// CountExpiredPending counts pending requests past their deadline
func (r *ApprovalRepository) CountExpiredPending(ctx context.Context, now time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM approval_requests WHERE status = 'pending' AND expires_at < $1`

	var count int
	executor := GetExecutor(ctx, r.db)
	if err := executor.QueryRowContext(ctx, query, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count expired approvals: %w", err)
	}
	return count, nil
}

// ExpirePending marks every overdue pending request as expired
func (r *ApprovalRepository) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE approval_requests SET status = 'expired' WHERE status = 'pending' AND expires_at < $1`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire approvals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func scanApproval(row rowScanner) (*models.ApprovalRequest, error) {
	req := &models.ApprovalRequest{}
	if err := row.Scan(
		&req.ID,
		&req.ActionType,
		&req.Sensitivity,
		&req.ResourceType,
		&req.ResourceID,
		&req.ActionSummary,
		&req.ImpactSummary,
		&req.RequesterID,
		&req.IsReversible,
		&req.Status,
		&req.CreatedAt,
		&req.ExpiresAt,
		&req.ResolvedBy,
		&req.ResolvedAt,
		&req.ResolutionReason,
	); err != nil {
		return nil, err
	}
	return req, nil
}
