package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/upb/governance-core/middleware"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/services/permission"
	"github.com/upb/governance-core/utils"
	"go.uber.org/zap"
)

// Permissions guarding the principal management routes
const (
	PermissionCreateUser     = "create:user"
	PermissionUpdateUserRole = "update:user_role"
)

// CheckPermissionRequest represents a permission check. PrincipalID defaults
// to the caller.
type CheckPermissionRequest struct {
	Permission  string     `json:"permission" validate:"required,permission"`
	ResourceID  string     `json:"resource_id,omitempty" validate:"max=255"`
	PrincipalID *uuid.UUID `json:"principal_id,omitempty"`
}

// PermissionService defines the permission operations used by handlers.
// It is satisfied by *permission.Resolver.
type PermissionService interface {
	Check(ctx context.Context, principalID uuid.UUID, perm, resourceID string) (*permission.Decision, error)
	Require(ctx context.Context, principalID uuid.UUID, perm, resourceID string) error
	Permissions(ctx context.Context, principalID uuid.UUID) (*permission.Summary, error)
	UpdateRole(ctx context.Context, principalID uuid.UUID, newRole models.Role, changedBy, reason string) (*permission.RoleChangeResult, error)
	ApplyEscalation(ctx context.Context, approvalID uuid.UUID, newRole models.Role, appliedBy string) (*permission.RoleChangeResult, error)
}

// PermissionHandler handles permission checks
type PermissionHandler struct {
	permissions PermissionService
	logger      *zap.Logger
}

// NewPermissionHandler creates a new PermissionHandler
func NewPermissionHandler(permissions PermissionService, logger *zap.Logger) *PermissionHandler {
	return &PermissionHandler{
		permissions: permissions,
		logger:      logger,
	}
}

// HandleCheck handles POST /api/v1/permissions/check
func (h *PermissionHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}

	var req CheckPermissionRequest
	if !decodeRequest(w, r, &req, false, h.logger) {
		return
	}

	principalID := actorID
	if req.PrincipalID != nil {
		principalID = *req.PrincipalID
	}

	decision, err := h.permissions.Check(ctx, principalID, req.Permission, req.ResourceID)
	if err != nil {
		h.logger.Error("permission check failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("principal_id", principalID.String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, decision)
}
