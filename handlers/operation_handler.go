package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/services/idempotency"
	"github.com/upb/governance-core/utils"
	"go.uber.org/zap"
)

// PermissionManageOperation guards the operator reclaim route and completing
// a lock held by another actor
const PermissionManageOperation = "update:operation"

// BeginOperationRequest represents a request to acquire an operation lock
type BeginOperationRequest struct {
	OperationType string `json:"operation_type" validate:"required,max=100"`
}

// CompleteOperationRequest represents the outcome of a locked operation.
// Success defaults to true.
type CompleteOperationRequest struct {
	Result  json.RawMessage `json:"result,omitempty"`
	Success *bool           `json:"success,omitempty"`
}

// OperationService defines the idempotency operations used by handlers.
// It is satisfied by *idempotency.Manager.
type OperationService interface {
	Ensure(ctx context.Context, operationID, operationType, actorID string) (*idempotency.Outcome, error)
	Finish(ctx context.Context, operationID, actorID string, result json.RawMessage, success bool) (*models.OperationLock, error)
	Get(ctx context.Context, operationID string) (*models.OperationLock, error)
	Reclaim(ctx context.Context, operationID, actorID string) (*models.OperationLock, error)
}

// OperationHandler handles idempotent operation requests
type OperationHandler struct {
	operations  OperationService
	permissions PermissionService
	logger      *zap.Logger
}

// NewOperationHandler creates a new OperationHandler
func NewOperationHandler(operations OperationService, permissions PermissionService, logger *zap.Logger) *OperationHandler {
	return &OperationHandler{
		operations:  operations,
		permissions: permissions,
		logger:      logger,
	}
}

func operationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "operationId")
	if id == "" || len(id) > 255 {
		_ = utils.WriteBadRequest(w, "operationId must be between 1 and 255 characters", nil)
		return "", false
	}
	return id, true
}

// HandleBegin handles POST /api/v1/operations/{operationId}/begin
func (h *OperationHandler) HandleBegin(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	opID, ok := operationID(w, r)
	if !ok {
		return
	}

	var req BeginOperationRequest
	if !decodeRequest(w, r, &req, false, h.logger) {
		return
	}

	outcome, err := h.operations.Ensure(r.Context(), opID, req.OperationType, actorID.String())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, outcome)
}

// HandleComplete handles POST /api/v1/operations/{operationId}/complete
// Only the lock holder or an operator may complete it.
func (h *OperationHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	opID, ok := operationID(w, r)
	if !ok {
		return
	}

	var req CompleteOperationRequest
	if !decodeRequest(w, r, &req, true, h.logger) {
		return
	}
	success := true
	if req.Success != nil {
		success = *req.Success
	}

	held, err := h.operations.Get(ctx, opID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if held.ActorID != actorID.String() {
		if err := h.permissions.Require(ctx, actorID, PermissionManageOperation, opID); err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
	}

	lock, err := h.operations.Finish(ctx, opID, actorID.String(), req.Result, success)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, lock)
}

// HandleGet handles GET /api/v1/operations/{operationId}
func (h *OperationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r, h.logger); !ok {
		return
	}
	opID, ok := operationID(w, r)
	if !ok {
		return
	}

	lock, err := h.operations.Get(r.Context(), opID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, lock)
}

// HandleReclaim handles POST /api/v1/operations/{operationId}/reclaim
func (h *OperationHandler) HandleReclaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	opID, ok := operationID(w, r)
	if !ok {
		return
	}

	if err := h.permissions.Require(ctx, actorID, PermissionManageOperation, opID); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	lock, err := h.operations.Reclaim(ctx, opID, actorID.String())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, lock)
}
