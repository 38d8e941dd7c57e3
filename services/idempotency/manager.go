// Package idempotency guarantees at most one effective execution per operation ID.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
	"github.com/upb/governance-core/services"
	"github.com/upb/governance-core/services/audit"
	"go.uber.org/zap"
)

// ResourceType is the audit resource type of operation locks
const ResourceType = "operation"

// maxEnsureAttempts bounds the insert/take-over race loop
const maxEnsureAttempts = 3

// Outcome tells the caller whether to run the operation
type Outcome struct {
	Proceed     bool                   `json:"proceed"`
	Duplicate   bool                   `json:"duplicate"`
	InProgress  bool                   `json:"in_progress,omitempty"`
	Stale       bool                   `json:"stale,omitempty"`
	Status      models.OperationStatus `json:"status"`
	Result      json.RawMessage        `json:"cached_result,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	LockID      uuid.UUID              `json:"lock_id"`
}

// Manager hands out operation locks
type Manager struct {
	repo   repositories.OperationLockRepository
	audit  *audit.Logger
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a new idempotency manager. A non-positive ttl uses the 1h default.
func NewManager(repo repositories.OperationLockRepository, auditLogger *audit.Logger, logger *zap.Logger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = models.DefaultLockTTL
	}
	return &Manager{
		repo:   repo,
		audit:  auditLogger,
		logger: logger,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ensure acquires the lock for operationID. Exactly one concurrent caller gets
// Proceed; the others see the cached result or an in-progress duplicate.
func (m *Manager) Ensure(ctx context.Context, operationID, operationType, actorID string) (*Outcome, error) {
	if operationID == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "operation ID is required", nil)
	}

	for attempt := 0; attempt < maxEnsureAttempts; attempt++ {
		now := m.now()
		lock := models.NewOperationLock(operationID, operationType, actorID, now, m.ttl)

		inserted, err := m.repo.Insert(ctx, lock)
		if err != nil {
			return nil, services.WrapTransient("failed to acquire operation lock", err)
		}
		if inserted {
			m.logger.Debug("operation lock acquired", zap.String("operation_id", operationID))
			return &Outcome{Proceed: true, Status: lock.Status, LockID: lock.ID}, nil
		}

		existing, err := m.repo.GetByOperationID(ctx, operationID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				continue
			}
			return nil, services.WrapTransient("failed to read operation lock", err)
		}

		switch {
		case existing.Status == models.OperationStatusCompleted:
			return &Outcome{
				Duplicate:   true,
				Status:      existing.Status,
				Result:      existing.Result,
				CompletedAt: existing.CompletedAt,
				LockID:      existing.ID,
			}, nil

		case existing.IsReclaimable():
			lock.ID = existing.ID
			took, err := m.repo.TakeOver(ctx, lock)
			if err != nil {
				return nil, services.WrapTransient("failed to take over operation lock", err)
			}
			if took {
				m.logger.Info("operation lock taken over",
					zap.String("operation_id", operationID),
					zap.String("previous_status", string(existing.Status)),
				)
				return &Outcome{Proceed: true, Status: models.OperationStatusInProgress, LockID: existing.ID}, nil
			}
			// someone else took it over first; look again

		default:
			return &Outcome{
				Duplicate:  true,
				InProgress: true,
				Stale:      existing.IsStaleAt(now),
				Status:     existing.Status,
				LockID:     existing.ID,
			}, nil
		}
	}

	return nil, services.NewDomainError(services.ErrorTypeConflict, "operation lock is contended", nil).
		WithDetail("operation_id", operationID)
}

// Complete finalizes an in-progress lock as completed or failed and stores result
func (m *Manager) Complete(ctx context.Context, operationID string, result json.RawMessage, success bool) (*models.OperationLock, error) {
	status := models.OperationStatusFailed
	if success {
		status = models.OperationStatusCompleted
	}
	if len(result) > 0 && !json.Valid(result) {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "result must be valid JSON", nil)
	}

	ok, err := m.repo.Complete(ctx, operationID, status, result, m.now())
	if err != nil {
		return nil, services.WrapTransient("failed to complete operation", err)
	}
	lock, err := m.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeStateConflict, services.ErrOperationNotInProgress.Message, nil).
			WithDetail("status", string(lock.Status))
	}

	m.logger.Debug("operation completed",
		zap.String("operation_id", operationID),
		zap.String("status", string(status)),
	)
	return lock, nil
}

// Finish is Complete followed by a complete_operation audit entry for actorID
func (m *Manager) Finish(ctx context.Context, operationID, actorID string, result json.RawMessage, success bool) (*models.OperationLock, error) {
	lock, err := m.Complete(ctx, operationID, result, success)
	if err != nil {
		if !services.IsValidationError(err) {
			if auditErr := m.audit.LogFailure(ctx, actorID, models.AuditActionCompleteOperation, ResourceType, operationID, err); auditErr != nil {
				m.logger.Error("failed to audit operation completion", zap.Error(auditErr))
			}
		}
		return nil, err
	}
	entry := models.NewAuditEntry(actorID, models.AuditActionCompleteOperation, ResourceType).
		WithResource(operationID).
		WithMetadata(map[string]string{"status": string(lock.Status), "operation_type": lock.OperationType})
	if err := m.audit.Log(ctx, entry); err != nil {
		return nil, err
	}
	return lock, nil
}

// Get returns the lock for operationID
func (m *Manager) Get(ctx context.Context, operationID string) (*models.OperationLock, error) {
	lock, err := m.repo.GetByOperationID(ctx, operationID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrOperationNotFound
		}
		return nil, services.WrapTransient("failed to read operation lock", err)
	}
	return lock, nil
}

// Reclaim moves one stale in-progress lock back to pending on an operator's request
func (m *Manager) Reclaim(ctx context.Context, operationID, actorID string) (*models.OperationLock, error) {
	ok, err := m.repo.Reclaim(ctx, operationID, m.now())
	if err != nil {
		return nil, services.WrapTransient("failed to reclaim operation lock", err)
	}
	lock, err := m.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeStateConflict, "Operation lock is not stale", nil).
			WithDetail("status", string(lock.Status))
	}

	entry := models.NewAuditEntry(actorID, models.AuditActionReclaimOperations, ResourceType).
		WithResource(operationID).
		WithMetadata(map[string]int{"reclaimed_count": 1})
	if err := m.audit.Log(ctx, entry); err != nil {
		return nil, err
	}
	m.logger.Info("operation lock reclaimed", zap.String("operation_id", operationID), zap.String("actor_id", actorID))
	return lock, nil
}

// ReclaimStale moves every stale in-progress lock back to pending and writes
// one system audit entry when any were reclaimed
func (m *Manager) ReclaimStale(ctx context.Context) (int64, error) {
	n, err := m.repo.ReclaimStale(ctx, m.now())
	if err != nil {
		return 0, services.WrapTransient("failed to reclaim stale operation locks", err)
	}
	if n == 0 {
		return 0, nil
	}
	entry := models.NewAuditEntry(models.SystemActor, models.AuditActionReclaimOperations, ResourceType).
		WithMetadata(map[string]int64{"reclaimed_count": n})
	if err := m.audit.Log(ctx, entry); err != nil {
		return n, err
	}
	m.logger.Info("reclaimed stale operation locks", zap.Int64("count", n))
	return n, nil
}

// CountStale counts in-progress locks past their deadline
func (m *Manager) CountStale(ctx context.Context) (int, error) {
	n, err := m.repo.CountStale(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("count stale locks: %w", err)
	}
	return n, nil
}
