package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/governance-core/models"
)

// ErrNotFound is returned by repositories when the requested record does not exist
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a unique constraint rejects an insert
var ErrDuplicate = errors.New("duplicate record")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction.
	// Repositories called with the ctx passed to fn join the transaction.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// PrincipalRepository is the identity store consumed by the permission resolver
type PrincipalRepository interface {
	// Create inserts a principal. Returns ErrDuplicate when the email is taken.
	Create(ctx context.Context, principal *models.Principal) error

	// GetByID retrieves a principal by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Principal, error)

	// List returns principals, optionally filtered by role
	List(ctx context.Context, role *models.Role) ([]*models.Principal, error)

	// UpdateRole sets the role of an existing principal
	UpdateRole(ctx context.Context, id uuid.UUID, role models.Role) error
}

// ApprovalRepository persists approval requests.
// Status transitions are compare-and-swap on status = pending.
type ApprovalRepository interface {
	// Create inserts a new pending request
	Create(ctx context.Context, req *models.ApprovalRequest) error

	// GetByID retrieves a request by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error)

	// Resolve writes the decision carried by req if the stored row is still pending.
	// Returns false when another caller already moved the request out of pending.
	Resolve(ctx context.Context, req *models.ApprovalRequest) (bool, error)

	// MarkExpired moves a single pending request to expired
	MarkExpired(ctx context.Context, id uuid.UUID) (bool, error)

	// ListPending returns pending requests whose deadline is after now, newest first
	ListPending(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error)

	// CountExpiredPending counts pending requests whose deadline has passed
	CountExpiredPending(ctx context.Context, now time.Time) (int, error)

	// ExpirePending moves every pending request whose deadline has passed to expired
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
}

// OperationLockRepository persists idempotency locks keyed by a unique operation ID
type OperationLockRepository interface {
	// Insert creates the lock only if no lock exists for its operation ID.
	// Returns false without error when another lock already holds the ID.
	Insert(ctx context.Context, lock *models.OperationLock) (bool, error)

	// TakeOver re-arms a pending or failed lock as in progress for a new attempt
	TakeOver(ctx context.Context, lock *models.OperationLock) (bool, error)

	// GetByOperationID retrieves a lock by its operation ID
	GetByOperationID(ctx context.Context, operationID string) (*models.OperationLock, error)

	// Complete finalizes an in-progress lock. Returns false if the lock is not in progress.
	Complete(ctx context.Context, operationID string, status models.OperationStatus, result json.RawMessage, completedAt time.Time) (bool, error)

	// Reclaim moves one stale in-progress lock back to pending
	Reclaim(ctx context.Context, operationID string, now time.Time) (bool, error)

	// CountStale counts in-progress locks whose deadline has passed
	CountStale(ctx context.Context, now time.Time) (int, error)

	// ReclaimStale moves every stale in-progress lock back to pending
	ReclaimStale(ctx context.Context, now time.Time) (int64, error)
}

// StateRepository persists versioned state entries keyed by name
type StateRepository interface {
	// Get retrieves the current record for key
	Get(ctx context.Context, key string) (*models.VersionedState, error)

	// Insert creates the first version of a key. Returns false if the key already exists.
	Insert(ctx context.Context, state *models.VersionedState) (bool, error)

	// Update writes state only if the stored version equals expectedVersion
	Update(ctx context.Context, state *models.VersionedState, expectedVersion int64) (bool, error)
}

// AuditFilter narrows an audit trail query. Empty fields match everything.
type AuditFilter struct {
	ResourceType string
	ResourceID   string
	ActorID      string
	Limit        int
}

// AuditRepository is append-only: it exposes no update or delete path
type AuditRepository interface {
	// Insert appends a new audit entry
	Insert(ctx context.Context, entry *models.AuditEntry) error

	// Query returns entries matching filter ordered by timestamp descending
	Query(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)
}

// RateLimitRepository stores one event per admitted request for sliding-window counting
type RateLimitRepository interface {
	// Record stores an event for scope at the given time
	Record(ctx context.Context, scope string, at time.Time) error

	// CountSince counts events for scope at or after since
	CountSince(ctx context.Context, scope string, since time.Time) (int, error)

	// DeleteBefore drops events older than cutoff and returns how many were removed
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repositories holds all repository instances
type Repositories struct {
	Principals     PrincipalRepository
	Approvals      ApprovalRepository
	OperationLocks OperationLockRepository
	States         StateRepository
	AuditLogs      AuditRepository
	RateLimits     RateLimitRepository
}
