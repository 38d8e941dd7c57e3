// Package approval gates sensitive actions behind a human decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/repositories"
	"github.com/upb/governance-core/services"
	"github.com/upb/governance-core/services/audit"
	"github.com/upb/governance-core/services/permission"
	"go.uber.org/zap"
)

// ResourceType is the audit resource type of approval requests
const ResourceType = "approval_request"

// DefaultPollInterval is used by Await when the caller passes none
const DefaultPollInterval = time.Second

// PermissionChecker is the part of the permission resolver the engine needs
type PermissionChecker interface {
	Check(ctx context.Context, principalID uuid.UUID, permission, resourceID string) (*permission.Decision, error)
}

// Engine runs the approval request lifecycle
type Engine struct {
	repo        repositories.ApprovalRepository
	permissions PermissionChecker
	audit       *audit.Logger
	txManager   repositories.TransactionManager
	logger      *zap.Logger
	ttl         time.Duration
	now         func() time.Time
}

// NewEngine creates a new approval engine. A non-positive ttl uses the 48h default.
func NewEngine(
	repo repositories.ApprovalRepository,
	permissions PermissionChecker,
	auditLogger *audit.Logger,
	txManager repositories.TransactionManager,
	logger *zap.Logger,
	ttl time.Duration,
) *Engine {
	if ttl <= 0 {
		ttl = models.DefaultApprovalTTL
	}
	return &Engine{
		repo:        repo,
		permissions: permissions,
		audit:       auditLogger,
		txManager:   txManager,
		logger:      logger,
		ttl:         ttl,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RequiresApproval reports whether an action type must go through the workflow
func (e *Engine) RequiresApproval(actionType string) bool {
	return models.IsSensitiveAction(actionType)
}

// Create opens a pending approval request
func (e *Engine) Create(ctx context.Context, in models.ApprovalInput) (*models.ApprovalRequest, error) {
	if in.ActionType == "" || in.ResourceType == "" || in.RequesterID == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			"action type, resource type and requester are required", nil)
	}
	if in.TTL <= 0 {
		in.TTL = e.ttl
	}
	req := models.NewApprovalRequest(in, e.now())

	err := services.WithTransaction(ctx, e.txManager, func(ctx context.Context) error {
		if err := e.repo.Create(ctx, req); err != nil {
			return services.WrapTransient("failed to create approval request", err)
		}
		return e.audit.Log(ctx, models.NewAuditEntry(in.RequesterID, models.AuditActionCreateApprovalRequest, ResourceType).
			WithResource(req.ID.String()).
			WithMetadata(map[string]string{
				"action_type": req.ActionType,
				"sensitivity": string(req.Sensitivity),
			}))
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("approval request created",
		zap.String("approval_id", req.ID.String()),
		zap.String("action_type", req.ActionType),
		zap.String("sensitivity", string(req.Sensitivity)),
		zap.Time("expires_at", req.ExpiresAt),
	)
	return req, nil
}

// Get returns a single approval request
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	req, err := e.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrApprovalNotFound
		}
		return nil, services.WrapTransient("failed to load approval request", err)
	}
	return req, nil
}

// ListPending returns requests awaiting a decision that have not expired, newest first
func (e *Engine) ListPending(ctx context.Context) ([]*models.ApprovalRequest, error) {
	reqs, err := e.repo.ListPending(ctx, e.now())
	if err != nil {
		return nil, services.WrapTransient("failed to list approval requests", err)
	}
	if reqs == nil {
		reqs = []*models.ApprovalRequest{}
	}
	return reqs, nil
}

// Process records the approver's decision. The approver needs approve:<action_type>.
func (e *Engine) Process(ctx context.Context, id uuid.UUID, approverID uuid.UUID, approved bool, reason string) (*models.ApprovalRequest, error) {
	actor := approverID.String()

	req, err := e.Get(ctx, id)
	if err != nil {
		e.auditFailure(ctx, actor, id, err)
		return nil, err
	}

	if !req.IsPending() {
		err := services.ApprovalAlreadyResolved(string(req.Status))
		e.auditFailure(ctx, actor, id, err)
		return nil, err
	}

	expired, err := e.ExpireIfDue(ctx, req)
	if err != nil {
		e.auditFailure(ctx, actor, id, err)
		return nil, err
	}
	if expired {
		err := services.ApprovalExpired()
		e.auditFailure(ctx, actor, id, err)
		return nil, err
	}

	// denials are audited by the checker
	decision, err := e.permissions.Check(ctx, approverID, "approve:"+req.ActionType, id.String())
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, services.PermissionDenied(services.ErrNotApprover.Message).
			WithDetail("status", string(models.ApprovalStatusPending))
	}

	now := e.now()
	req.Resolve(approved, actor, reason, now)
	action := models.AuditActionReject
	if approved {
		action = models.AuditActionApprove
	}

	var lost bool
	err = services.WithTransaction(ctx, e.txManager, func(ctx context.Context) error {
		ok, err := e.repo.Resolve(ctx, req)
		if err != nil {
			return services.WrapTransient("failed to resolve approval request", err)
		}
		if !ok {
			lost = true
			return nil
		}
		return e.audit.Log(ctx, models.NewAuditEntry(actor, action, ResourceType).
			WithResource(id.String()).
			WithChanges(map[string]map[string]models.ApprovalStatus{
				"status": {"from": models.ApprovalStatusPending, "to": req.Status},
			}).
			WithMetadata(map[string]string{"action_type": req.ActionType}).
			WithReason(reason))
	})
	if err != nil {
		e.auditFailure(ctx, actor, id, err)
		return nil, err
	}
	if lost {
		// another decision or the sweeper got there first
		current, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		conflict := services.ApprovalAlreadyResolved(string(current.Status))
		e.auditFailure(ctx, actor, id, conflict)
		return nil, conflict
	}

	e.logger.Info("approval request resolved",
		zap.String("approval_id", id.String()),
		zap.String("status", string(req.Status)),
		zap.String("resolved_by", actor),
	)
	return req, nil
}

// Await blocks until the request leaves pending or ctx ends. A request whose
// deadline passes while waiting is moved to expired.
func (e *Engine) Await(ctx context.Context, id uuid.UUID, pollInterval time.Duration) (*models.ApprovalRequest, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		req, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !req.IsPending() {
			return req, nil
		}
		expired, err := e.ExpireIfDue(ctx, req)
		if err != nil {
			return nil, err
		}
		if expired {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExpireIfDue moves req to expired when it is still pending past its deadline
// and reports whether it did
func (e *Engine) ExpireIfDue(ctx context.Context, req *models.ApprovalRequest) (bool, error) {
	if !req.IsPending() || !req.IsExpiredAt(e.now()) {
		return false, nil
	}
	if _, err := e.repo.MarkExpired(ctx, req.ID); err != nil {
		return false, services.WrapTransient("failed to expire approval request", err)
	}
	req.Status = models.ApprovalStatusExpired
	return true, nil
}

// ExpireStale moves every pending request past its deadline to expired and
// writes one system audit entry when any were expired
func (e *Engine) ExpireStale(ctx context.Context) (int64, error) {
	n, err := e.repo.ExpirePending(ctx, e.now())
	if err != nil {
		return 0, services.WrapTransient("failed to expire approval requests", err)
	}
	if n == 0 {
		return 0, nil
	}
	entry := models.NewAuditEntry(models.SystemActor, models.AuditActionExpireApprovals, ResourceType).
		WithMetadata(map[string]int64{"expired_count": n})
	if err := e.audit.Log(ctx, entry); err != nil {
		return n, err
	}
	e.logger.Info("expired approval requests", zap.Int64("count", n))
	return n, nil
}

// CountExpired counts pending requests whose deadline has passed
func (e *Engine) CountExpired(ctx context.Context) (int, error) {
	n, err := e.repo.CountExpiredPending(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("count expired approvals: %w", err)
	}
	return n, nil
}

// auditFailure records a rejected decision attempt. The caller already has an
// error to return, so a failed audit write is only logged.
func (e *Engine) auditFailure(ctx context.Context, actor string, id uuid.UUID, cause error) {
	if err := e.audit.LogFailure(ctx, actor, models.AuditActionProcessApproval, ResourceType, id.String(), cause); err != nil {
		e.logger.Error("failed to audit approval failure", zap.Error(err), zap.String("approval_id", id.String()))
	}
}
