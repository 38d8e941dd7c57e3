package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/upb/governance-core/middleware"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/utils"
	"go.uber.org/zap"
)

// CreatePrincipalRequest represents a request to create a principal
type CreatePrincipalRequest struct {
	Email string      `json:"email" validate:"required,email,max=255"`
	Name  string      `json:"name" validate:"required,max=255"`
	Role  models.Role `json:"role,omitempty" validate:"omitempty,oneof=viewer contributor manager admin"`
}

// UpdateRoleRequest represents a role change. ApprovalID applies a granted
// escalation instead of requesting one.
type UpdateRoleRequest struct {
	Role       models.Role `json:"role" validate:"required,oneof=viewer contributor manager admin"`
	Reason     string      `json:"reason,omitempty" validate:"max=1000"`
	ApprovalID *uuid.UUID  `json:"approval_id,omitempty"`
}

// PrincipalService defines the principal operations used by handlers.
// It is satisfied by *principal.Service.
type PrincipalService interface {
	Create(ctx context.Context, email, name string, role models.Role, createdBy string) (*models.Principal, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Principal, error)
	List(ctx context.Context, role *models.Role) ([]*models.Principal, error)
}

// PrincipalHandler handles principal management requests
type PrincipalHandler struct {
	principals  PrincipalService
	permissions PermissionService
	approvals   ApprovalService
	logger      *zap.Logger
}

// NewPrincipalHandler creates a new PrincipalHandler
func NewPrincipalHandler(principals PrincipalService, permissions PermissionService, approvals ApprovalService, logger *zap.Logger) *PrincipalHandler {
	return &PrincipalHandler{
		principals:  principals,
		permissions: permissions,
		approvals:   approvals,
		logger:      logger,
	}
}

// HandleCreate handles POST /api/v1/principals
func (h *PrincipalHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}

	var req CreatePrincipalRequest
	if !decodeRequest(w, r, &req, false, h.logger) {
		return
	}

	if err := h.permissions.Require(ctx, actorID, PermissionCreateUser, ""); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	principal, err := h.principals.Create(ctx, req.Email, req.Name, req.Role, actorID.String())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("principal created",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("principal_id", principal.ID.String()),
		zap.String("role", string(principal.Role)))

	_ = utils.WriteCreated(w, principal)
}

// HandleList handles GET /api/v1/principals?role=
func (h *PrincipalHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r, h.logger); !ok {
		return
	}

	var role *models.Role
	if raw := r.URL.Query().Get("role"); raw != "" {
		parsed := models.Role(raw)
		role = &parsed
	}

	principals, err := h.principals.List(r.Context(), role)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, principals)
}

// HandleGet handles GET /api/v1/principals/{id}
func (h *PrincipalHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r, h.logger); !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	principal, err := h.principals.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, principal)
}

// HandleUpdateRole handles PUT /api/v1/principals/{id}/role. Escalations
// come back with applied=false and the pending approval request.
func (h *PrincipalHandler) HandleUpdateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req UpdateRoleRequest
	if !decodeRequest(w, r, &req, false, h.logger) {
		return
	}

	if err := h.permissions.Require(ctx, actorID, PermissionUpdateUserRole, id.String()); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	var err error
	var result interface{}
	if req.ApprovalID != nil {
		approval, getErr := h.approvals.Get(ctx, *req.ApprovalID)
		if getErr != nil {
			HandleServiceError(w, getErr, h.logger)
			return
		}
		if approval.ResourceID != id.String() {
			_ = utils.WriteBadRequest(w, "Approval does not cover this principal", nil)
			return
		}
		result, err = h.permissions.ApplyEscalation(ctx, *req.ApprovalID, req.Role, actorID.String())
	} else {
		result, err = h.permissions.UpdateRole(ctx, id, req.Role, actorID.String(), req.Reason)
	}
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, result)
}

// HandlePermissions handles GET /api/v1/principals/{id}/permissions
func (h *PrincipalHandler) HandlePermissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r, h.logger); !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	summary, err := h.permissions.Permissions(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, summary)
}
