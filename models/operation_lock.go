package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OperationStatus represents the state of an idempotency lock
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "pending"
	OperationStatusInProgress OperationStatus = "in_progress"
	OperationStatusCompleted  OperationStatus = "completed"
	OperationStatusFailed     OperationStatus = "failed"
)

// DefaultLockTTL bounds how long an in-progress lock is honoured before it counts as stale
const DefaultLockTTL = time.Hour

// OperationLock deduplicates executions of one logical operation.
// OperationID is unique across the store.
type OperationLock struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	OperationID   string          `json:"operation_id" db:"operation_id"`
	OperationType string          `json:"operation_type" db:"operation_type"`
	ActorID       string          `json:"actor_id" db:"actor_id"`
	Status        OperationStatus `json:"status" db:"status"`
	Result        json.RawMessage `json:"result,omitempty" db:"result"`
	LockedAt      time.Time       `json:"locked_at" db:"locked_at"`
	ExpiresAt     time.Time       `json:"expires_at" db:"expires_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// TableName returns the table name for the OperationLock model
func (OperationLock) TableName() string {
	return "operation_locks"
}

// NewOperationLock creates an in-progress lock held until now+ttl
func NewOperationLock(operationID, operationType, actorID string, now time.Time, ttl time.Duration) *OperationLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &OperationLock{
		ID:            uuid.New(),
		OperationID:   operationID,
		OperationType: operationType,
		ActorID:       actorID,
		Status:        OperationStatusInProgress,
		LockedAt:      now,
		ExpiresAt:     now.Add(ttl),
	}
}

// IsStaleAt reports whether an in-progress lock has outlived its deadline
func (l *OperationLock) IsStaleAt(now time.Time) bool {
	return l.Status == OperationStatusInProgress && now.After(l.ExpiresAt)
}

// IsReclaimable reports whether a new attempt may take over the lock
func (l *OperationLock) IsReclaimable() bool {
	return l.Status == OperationStatusPending || l.Status == OperationStatusFailed
}
