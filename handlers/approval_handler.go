package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/upb/governance-core/middleware"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/utils"
	"go.uber.org/zap"
)

// maxApprovalWait caps the wait query parameter on GET /approvals/{id}
const maxApprovalWait = time.Minute

// CreateApprovalRequest represents a request for approval of a sensitive action
type CreateApprovalRequest struct {
	ActionType   string `json:"action_type" validate:"required,max=100"`
	ResourceType string `json:"resource_type" validate:"required,max=100"`
	ResourceID   string `json:"resource_id,omitempty" validate:"max=255"`
	Summary      string `json:"summary" validate:"required,max=2000"`
	Impact       string `json:"impact,omitempty" validate:"max=2000"`
	Reversible   bool   `json:"reversible"`
	TTLHours     int    `json:"ttl_hours,omitempty" validate:"gte=0,lte=720"`
}

// DecideApprovalRequest represents an approver's decision
type DecideApprovalRequest struct {
	Approved *bool  `json:"approved" validate:"required"`
	Reason   string `json:"reason,omitempty" validate:"max=2000"`
}

// ApprovalService defines the approval workflow operations used by handlers.
// It is satisfied by *approval.Engine.
type ApprovalService interface {
	Create(ctx context.Context, in models.ApprovalInput) (*models.ApprovalRequest, error)
	Get(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error)
	ListPending(ctx context.Context) ([]*models.ApprovalRequest, error)
	Process(ctx context.Context, id, approverID uuid.UUID, approved bool, reason string) (*models.ApprovalRequest, error)
	Await(ctx context.Context, id uuid.UUID, pollInterval time.Duration) (*models.ApprovalRequest, error)
}

// ApprovalHandler handles approval workflow requests
type ApprovalHandler struct {
	approvals ApprovalService
	logger    *zap.Logger
}

// NewApprovalHandler creates a new ApprovalHandler
func NewApprovalHandler(approvals ApprovalService, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		approvals: approvals,
		logger:    logger,
	}
}

// HandleCreate handles POST /api/v1/approvals
func (h *ApprovalHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}

	var req CreateApprovalRequest
	if !decodeRequest(w, r, &req, false, h.logger) {
		return
	}

	approval, err := h.approvals.Create(ctx, models.ApprovalInput{
		ActionType:   req.ActionType,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Summary:      req.Summary,
		Impact:       req.Impact,
		RequesterID:  actorID.String(),
		Reversible:   req.Reversible,
		TTL:          time.Duration(req.TTLHours) * time.Hour,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("approval requested",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("approval_id", approval.ID.String()),
		zap.String("action_type", approval.ActionType))

	_ = utils.WriteOK(w, approval)
}

// HandleList handles GET /api/v1/approvals
func (h *ApprovalHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r, h.logger); !ok {
		return
	}

	approvals, err := h.approvals.ListPending(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, approvals)
}

// HandleGet handles GET /api/v1/approvals/{id}. With ?wait=<duration> it
// blocks until the request is resolved or the wait elapses.
func (h *ApprovalHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireActor(w, r, h.logger); !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	raw := r.URL.Query().Get("wait")
	if raw == "" {
		approval, err := h.approvals.Get(ctx, id)
		if err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		_ = utils.WriteOK(w, approval)
		return
	}

	wait, err := time.ParseDuration(raw)
	if err != nil || wait <= 0 {
		_ = utils.WriteBadRequest(w, "wait must be a positive duration", nil)
		return
	}
	if wait > maxApprovalWait {
		wait = maxApprovalWait
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	approval, err := h.approvals.Await(waitCtx, id, 0)
	if errors.Is(err, context.DeadlineExceeded) {
		// Still pending: report the current state
		approval, err = h.approvals.Get(ctx, id)
	}
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, approval)
}

// HandleDecide handles POST /api/v1/approvals/{id}/decide
func (h *ApprovalHandler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req DecideApprovalRequest
	if !decodeRequest(w, r, &req, false, h.logger) {
		return
	}

	approval, err := h.approvals.Process(ctx, id, actorID, *req.Approved, req.Reason)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("approval decided",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("approval_id", id.String()),
		zap.String("status", string(approval.Status)))

	_ = utils.WriteOK(w, approval)
}
