package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/services/audit"
	"github.com/upb/governance-core/utils"
	"go.uber.org/zap"
)

// LogAuditRequest represents a collaborator-supplied audit entry
type LogAuditRequest struct {
	Action       string          `json:"action" validate:"required,max=100"`
	ResourceType string          `json:"resource_type" validate:"required,max=100"`
	ResourceID   string          `json:"resource_id,omitempty" validate:"max=255"`
	Changes      json.RawMessage `json:"changes,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Reason       string          `json:"reason,omitempty" validate:"max=2000"`
}

// AuditService defines the audit operations used by handlers.
// It is satisfied by *audit.Logger.
type AuditService interface {
	Log(ctx context.Context, entry *models.AuditEntry) error
	Trail(ctx context.Context, filter audit.Filter) ([]*models.AuditEntry, error)
}

// AuditHandler handles audit trail requests
type AuditHandler struct {
	audit  AuditService
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(auditService AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  auditService,
		logger: logger,
	}
}

// HandleTrail handles GET /api/v1/audit?resourceType=&resourceId=&actorId=&limit=
func (h *AuditHandler) HandleTrail(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r, h.logger); !ok {
		return
	}

	query := r.URL.Query()
	filter := audit.Filter{
		ResourceType: query.Get("resourceType"),
		ResourceID:   query.Get("resourceId"),
		ActorID:      query.Get("actorId"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			_ = utils.WriteBadRequest(w, "limit must be a positive integer", nil)
			return
		}
		filter.Limit = limit
	}

	entries, err := h.audit.Trail(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, entries)
}

// HandleLog handles POST /api/v1/audit/log
func (h *AuditHandler) HandleLog(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}

	var req LogAuditRequest
	if !decodeRequest(w, r, &req, false, h.logger) {
		return
	}
	if (len(req.Changes) > 0 && !json.Valid(req.Changes)) || (len(req.Metadata) > 0 && !json.Valid(req.Metadata)) {
		_ = utils.WriteBadRequest(w, "changes and metadata must be valid JSON", nil)
		return
	}

	entry := models.NewAuditEntry(actorID.String(), models.AuditAction(req.Action), req.ResourceType).
		WithResource(req.ResourceID).
		WithReason(req.Reason)
	if len(req.Changes) > 0 {
		entry.Changes = req.Changes
	}
	if len(req.Metadata) > 0 {
		entry.Metadata = req.Metadata
	}

	if err := h.audit.Log(r.Context(), entry); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, entry)
}
