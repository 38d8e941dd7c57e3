// Package memory provides in-process repositories with the same atomicity
// guarantees as the PostgreSQL ones. Useful for tests and local runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
)

// Store holds every governance table behind a single mutex
type Store struct {
	mu         sync.Mutex
	principals map[uuid.UUID]*models.Principal
	approvals  map[uuid.UUID]*models.ApprovalRequest
	locks      map[string]*models.OperationLock
	states     map[string]*models.VersionedState
	audit      []*models.AuditEntry
	events     map[string][]time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		principals: make(map[uuid.UUID]*models.Principal),
		approvals:  make(map[uuid.UUID]*models.ApprovalRequest),
		locks:      make(map[string]*models.OperationLock),
		states:     make(map[string]*models.VersionedState),
		events:     make(map[string][]time.Time),
	}
}

// Repositories returns repository views over the store
func (s *Store) Repositories() *repositories.Repositories {
	return &repositories.Repositories{
		Principals:     (*principalRepo)(s),
		Approvals:      (*approvalRepo)(s),
		OperationLocks: (*lockRepo)(s),
		States:         (*stateRepo)(s),
		AuditLogs:      (*auditRepo)(s),
		RateLimits:     (*rateLimitRepo)(s),
	}
}

// TransactionManager returns a manager whose transactions run fn directly.
// Each repository call is atomic on its own.
func (s *Store) TransactionManager() repositories.TransactionManager {
	return txManager{}
}

// HealthCheck always succeeds; the store lives in process memory
func (s *Store) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// AuditEntries returns a copy of every audit entry in insertion order
func (s *Store) AuditEntries() []*models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

type txManager struct{}

type tx struct{ ctx context.Context }

func (tx) Commit() error              { return nil }
func (tx) Rollback() error            { return nil }
func (t tx) Context() context.Context { return t.ctx }
func (txManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return tx{ctx: ctx}, nil
}

func (txManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	return fn(ctx, tx{ctx: ctx})
}

// Principals

type principalRepo Store

func (r *principalRepo) Create(ctx context.Context, p *models.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.principals {
		if existing.Email == p.Email {
			return fmt.Errorf("principal %s: %w", p.Email, repositories.ErrDuplicate)
		}
	}
	cp := *p
	cp.Permissions = append([]string(nil), p.Permissions...)
	r.principals[p.ID] = &cp
	return nil
}

func (r *principalRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.principals[id]
	if !ok {
		return nil, fmt.Errorf("principal %s: %w", id, repositories.ErrNotFound)
	}
	cp := *p
	cp.Permissions = append([]string{}, p.Permissions...)
	return &cp, nil
}

func (r *principalRepo) List(ctx context.Context, role *models.Role) ([]*models.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Principal
	for _, p := range r.principals {
		if role != nil && p.Role != *role {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *principalRepo) UpdateRole(ctx context.Context, id uuid.UUID, role models.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.principals[id]
	if !ok {
		return fmt.Errorf("principal %s: %w", id, repositories.ErrNotFound)
	}
	p.Role = role
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Approvals

type approvalRepo Store

func (r *approvalRepo) Create(ctx context.Context, req *models.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *req
	r.approvals[req.ID] = &cp
	return nil
}

func (r *approvalRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval request %s: %w", id, repositories.ErrNotFound)
	}
	cp := *req
	return &cp, nil
}

func (r *approvalRepo) Resolve(ctx context.Context, req *models.ApprovalRequest) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.approvals[req.ID]
	if !ok || !stored.IsPending() {
		return false, nil
	}
	stored.Status = req.Status
	stored.ResolvedBy = req.ResolvedBy
	stored.ResolvedAt = req.ResolvedAt
	stored.ResolutionReason = req.ResolutionReason
	return true, nil
}

func (r *approvalRepo) MarkExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.approvals[id]
	if !ok || !stored.IsPending() {
		return false, nil
	}
	stored.Status = models.ApprovalStatusExpired
	return true, nil
}

func (r *approvalRepo) ListPending(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ApprovalRequest
	for _, req := range r.approvals {
		if req.IsPending() && req.ExpiresAt.After(now) {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *approvalRepo) CountExpiredPending(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, req := range r.approvals {
		if req.IsPending() && req.ExpiresAt.Before(now) {
			count++
		}
	}
	return count, nil
}

func (r *approvalRepo) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, req := range r.approvals {
		if req.IsPending() && req.ExpiresAt.Before(now) {
			req.Status = models.ApprovalStatusExpired
			n++
		}
	}
	return n, nil
}

// Operation locks

type lockRepo Store

func (r *lockRepo) Insert(ctx context.Context, lock *models.OperationLock) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.locks[lock.OperationID]; exists {
		return false, nil
	}
	cp := *lock
	r.locks[lock.OperationID] = &cp
	return true, nil
}

func (r *lockRepo) TakeOver(ctx context.Context, lock *models.OperationLock) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.locks[lock.OperationID]
	if !ok || !stored.IsReclaimable() {
		return false, nil
	}
	stored.Status = models.OperationStatusInProgress
	stored.OperationType = lock.OperationType
	stored.ActorID = lock.ActorID
	stored.Result = nil
	stored.LockedAt = lock.LockedAt
	stored.ExpiresAt = lock.ExpiresAt
	stored.CompletedAt = nil
	return true, nil
}

func (r *lockRepo) GetByOperationID(ctx context.Context, operationID string) (*models.OperationLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[operationID]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", operationID, repositories.ErrNotFound)
	}
	cp := *lock
	cp.Result = append(json.RawMessage(nil), lock.Result...)
	return &cp, nil
}

func (r *lockRepo) Complete(ctx context.Context, operationID string, status models.OperationStatus, result json.RawMessage, completedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[operationID]
	if !ok || lock.Status != models.OperationStatusInProgress {
		return false, nil
	}
	lock.Status = status
	lock.Result = append(json.RawMessage(nil), result...)
	lock.CompletedAt = &completedAt
	return true, nil
}

func (r *lockRepo) Reclaim(ctx context.Context, operationID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[operationID]
	if !ok || !lock.IsStaleAt(now) {
		return false, nil
	}
	lock.Status = models.OperationStatusPending
	return true, nil
}

func (r *lockRepo) CountStale(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, lock := range r.locks {
		if lock.IsStaleAt(now) {
			count++
		}
	}
	return count, nil
}

func (r *lockRepo) ReclaimStale(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, lock := range r.locks {
		if lock.IsStaleAt(now) {
			lock.Status = models.OperationStatusPending
			n++
		}
	}
	return n, nil
}

// Versioned state

type stateRepo Store

func (r *stateRepo) Get(ctx context.Context, key string) (*models.VersionedState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[key]
	if !ok {
		return nil, fmt.Errorf("state %q: %w", key, repositories.ErrNotFound)
	}
	return state.Clone(), nil
}

func (r *stateRepo) Insert(ctx context.Context, state *models.VersionedState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.states[state.Key]; exists {
		return false, nil
	}
	r.states[state.Key] = state.Clone()
	return true, nil
}

func (r *stateRepo) Update(ctx context.Context, state *models.VersionedState, expectedVersion int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.states[state.Key]
	if !ok || stored.Version != expectedVersion {
		return false, nil
	}
	r.states[state.Key] = state.Clone()
	return true, nil
}

// Audit log

type auditRepo Store

func (r *auditRepo) Insert(ctx context.Context, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.audit = append(r.audit, &cp)
	return nil
}

func (r *auditRepo) Query(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.AuditEntry
	// newest first; entries are appended in time order
	for i := len(r.audit) - 1; i >= 0; i-- {
		e := r.audit[i]
		if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Rate limit events

type rateLimitRepo Store

func (r *rateLimitRepo) Record(ctx context.Context, scope string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[scope] = append(r.events[scope], at)
	return nil
}

func (r *rateLimitRepo) CountSince(ctx context.Context, scope string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, at := range r.events[scope] {
		if !at.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *rateLimitRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for scope, events := range r.events {
		kept := events[:0]
		for _, at := range events {
			if at.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, at)
		}
		if len(kept) == 0 {
			delete(r.events, scope)
			continue
		}
		r.events[scope] = kept
	}
	return n, nil
}
