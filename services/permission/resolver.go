// Package permission decides whether a principal may perform an action and
// manages role changes.
package permission

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
	"go.uber.org/zap"
)

// ViaUserGrant marks a decision allowed by a principal's individual grant
const ViaUserGrant = "user_grant"

// Decision is the outcome of a permission check
type Decision struct {
	Allowed bool        `json:"allowed"`
	Reason  string      `json:"reason,omitempty"`
	Role    models.Role `json:"role,omitempty"`
	Via     string      `json:"via,omitempty"`
}

// Summary lists the effective permissions of a principal
type Summary struct {
	PrincipalID     uuid.UUID   `json:"principal_id"`
	Role            models.Role `json:"role"`
	RolePermissions []string    `json:"role_permissions"`
	UserPermissions []string    `json:"user_permissions"`
	IsAdmin         bool        `json:"is_admin"`
}

// RoleChangeResult reports whether a role change was applied or parked for approval
type RoleChangeResult struct {
	Applied  bool                    `json:"applied"`
	OldRole  models.Role             `json:"old_role"`
	NewRole  models.Role             `json:"new_role"`
	Approval *models.ApprovalRequest `json:"approval,omitempty"`
}

// ApprovalGateway is the part of the approval workflow the resolver needs.
// It is satisfied by *approval.Engine.
type ApprovalGateway interface {
	Create(ctx context.Context, in models.ApprovalInput) (*models.ApprovalRequest, error)
	Get(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error)
}

// Resolver answers permission checks against the policy table
type Resolver struct {
	principals repositories.PrincipalRepository
	policy     *PolicyTable
	audit      *audit.Logger
	approvals  ApprovalGateway
	txManager  repositories.TransactionManager
	logger     *zap.Logger
	now        func() time.Time
}

// NewResolver creates a new permission resolver
func NewResolver(
	principals repositories.PrincipalRepository,
	policy *PolicyTable,
	auditLogger *audit.Logger,
	txManager repositories.TransactionManager,
	logger *zap.Logger,
) *Resolver {
	if policy == nil {
		policy = DefaultPolicyTable()
	}
	return &Resolver{
		principals: principals,
		policy:     policy,
		audit:      auditLogger,
		txManager:  txManager,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetApprovalGateway wires the approval workflow used for role escalations.
// The engine itself depends on the resolver, so it is attached after construction.
func (r *Resolver) SetApprovalGateway(approvals ApprovalGateway) {
	r.approvals = approvals
}

// Policy returns the active policy table
func (r *Resolver) Policy() *PolicyTable {
	return r.policy
}

// Check decides whether the principal holds permission. Denials are audited;
// the returned error is reserved for storage failures.
func (r *Resolver) Check(ctx context.Context, principalID uuid.UUID, permission, resourceID string) (*Decision, error) {
	principal, err := r.principals.GetByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return r.deny(ctx, principalID.String(), "", permission, resourceID, services.ErrUserNotFound.Message)
		}
		return nil, services.WrapTransient("failed to load principal", err)
	}

	if !principal.IsActive {
		return r.deny(ctx, principalID.String(), principal.Role, permission, resourceID, services.ErrAccountInactive.Message)
	}

	if ok, via := r.policy.Resolve(principal.Role, permission); ok {
		return &Decision{Allowed: true, Role: principal.Role, Via: via}, nil
	}
	if principal.HasGrant(permission) {
		return &Decision{Allowed: true, Role: principal.Role, Via: ViaUserGrant}, nil
	}

	reason := fmt.Sprintf("Permission '%s' not granted to role '%s'", permission, principal.Role)
	return r.deny(ctx, principalID.String(), principal.Role, permission, resourceID, reason)
}

func (r *Resolver) deny(ctx context.Context, actorID string, role models.Role, permission, resourceID, reason string) (*Decision, error) {
	r.logger.Info("permission denied",
		zap.String("principal_id", actorID),
		zap.String("permission", permission),
		zap.String("reason", reason),
	)
	if err := r.audit.LogPermissionDenied(ctx, actorID, permission, resourceID, reason); err != nil {
		return nil, err
	}
	return &Decision{Allowed: false, Reason: reason, Role: role}, nil
}

// Require is Check turned into an error: a denial becomes a forbidden DomainError
func (r *Resolver) Require(ctx context.Context, principalID uuid.UUID, permission, resourceID string) error {
	decision, err := r.Check(ctx, principalID, permission, resourceID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return services.PermissionDenied(decision.Reason)
	}
	return nil
}

// Permissions summarizes what a principal may do
func (r *Resolver) Permissions(ctx context.Context, principalID uuid.UUID) (*Summary, error) {
	principal, err := r.getPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	userPermissions := principal.Permissions
	if userPermissions == nil {
		userPermissions = []string{}
	}
	return &Summary{
		PrincipalID:     principal.ID,
		Role:            principal.Role,
		RolePermissions: r.policy.Permissions(principal.Role),
		UserPermissions: userPermissions,
		IsAdmin:         r.policy.IsAdmin(principal.Role),
	}, nil
}

// UpdateRole changes a principal's role. Escalations are not applied: they
// open a permission_change approval request that is returned pending.
func (r *Resolver) UpdateRole(ctx context.Context, principalID uuid.UUID, newRole models.Role, changedBy, reason string) (*RoleChangeResult, error) {
	if !newRole.IsValid() {
		return nil, services.NewDomainError(services.ErrorTypeValidation, fmt.Sprintf("invalid role %q", newRole), nil)
	}
	principal, err := r.getPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	oldRole := principal.Role

	if newRole.Outranks(oldRole) {
		if r.approvals == nil {
			return nil, services.WrapInternal("role escalation requires the approval workflow", nil)
		}
		req, err := r.approvals.Create(ctx, models.ApprovalInput{
			ActionType:   models.ActionPermissionChange,
			ResourceType: "user",
			ResourceID:   principalID.String(),
			Summary:      escalationSummary(principal, newRole),
			Impact:       fmt.Sprintf("User will gain %s permissions", newRole),
			RequesterID:  changedBy,
			Reversible:   true,
		})
		if err != nil {
			return nil, err
		}
		r.logger.Info("role escalation awaiting approval",
			zap.String("principal_id", principalID.String()),
			zap.String("from", string(oldRole)),
			zap.String("to", string(newRole)),
			zap.String("approval_id", req.ID.String()),
		)
		return &RoleChangeResult{Applied: false, OldRole: oldRole, NewRole: newRole, Approval: req}, nil
	}

	if err := r.applyRole(ctx, principal, newRole, changedBy, reason, nil); err != nil {
		return nil, err
	}
	return &RoleChangeResult{Applied: true, OldRole: oldRole, NewRole: newRole}, nil
}

// ApplyEscalation applies a role escalation whose approval request was granted
func (r *Resolver) ApplyEscalation(ctx context.Context, approvalID uuid.UUID, newRole models.Role, appliedBy string) (*RoleChangeResult, error) {
	if r.approvals == nil {
		return nil, services.WrapInternal("role escalation requires the approval workflow", nil)
	}
	req, err := r.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if req.ActionType != models.ActionPermissionChange || req.ResourceType != "user" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "approval request is not a role change", nil)
	}
	if req.Status != models.ApprovalStatusApproved {
		return nil, services.NewDomainError(services.ErrorTypeStateConflict,
			fmt.Sprintf("Approval is %s", req.Status), nil).WithDetail("status", string(req.Status))
	}
	principalID, err := uuid.Parse(req.ResourceID)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "approval request names an invalid principal", err)
	}
	principal, err := r.getPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if req.ActionSummary != escalationSummary(principal, newRole) {
		return nil, services.NewDomainError(services.ErrorTypeStateConflict, "approval does not cover this role change", nil)
	}

	oldRole := principal.Role
	if err := r.applyRole(ctx, principal, newRole, appliedBy, "", &approvalID); err != nil {
		return nil, err
	}
	return &RoleChangeResult{Applied: true, OldRole: oldRole, NewRole: newRole, Approval: req}, nil
}

func (r *Resolver) applyRole(ctx context.Context, principal *models.Principal, newRole models.Role, changedBy, reason string, approvalID *uuid.UUID) error {
	oldRole := principal.Role
	err := services.WithTransaction(ctx, r.txManager, func(ctx context.Context) error {
		if err := r.principals.UpdateRole(ctx, principal.ID, newRole); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return services.ErrUserNotFound
			}
			return services.WrapTransient("failed to update role", err)
		}
		entry := models.NewAuditEntry(changedBy, models.AuditActionUpdateRole, "user").
			WithResource(principal.ID.String()).
			WithChanges(map[string]map[string]models.Role{"role": {"from": oldRole, "to": newRole}}).
			WithReason(reason)
		if approvalID != nil {
			entry.WithMetadata(map[string]string{"approval_id": approvalID.String()})
		}
		return r.audit.Log(ctx, entry)
	})
	if err != nil {
		return err
	}
	r.logger.Info("role updated",
		zap.String("principal_id", principal.ID.String()),
		zap.String("from", string(oldRole)),
		zap.String("to", string(newRole)),
		zap.String("changed_by", changedBy),
	)
	return nil
}

func (r *Resolver) getPrincipal(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	principal, err := r.principals.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrUserNotFound
		}
		return nil, services.WrapTransient("failed to load principal", err)
	}
	return principal, nil
}

func escalationSummary(p *models.Principal, newRole models.Role) string {
	return fmt.Sprintf("Escalate %s from %s to %s", p.Name, p.Role, newRole)
}
