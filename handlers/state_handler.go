package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/governance-core/models"
	"github.com/upb/governance-core/utils"
	"go.uber.org/zap"
)

// SaveStateRequest represents a new value for a state key
type SaveStateRequest struct {
	Value  json.RawMessage `json:"value" validate:"required"`
	Reason string          `json:"reason,omitempty" validate:"max=1000"`
}

// RollbackStateRequest represents a rollback of a state key
type RollbackStateRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=1000"`
}

// StateService defines the versioned state operations used by handlers.
// It is satisfied by *statestore.Store.
type StateService interface {
	Get(ctx context.Context, key string) (*models.VersionedState, error)
	Save(ctx context.Context, key string, value json.RawMessage, changedBy, reason string) (*models.VersionedState, error)
	Rollback(ctx context.Context, key, changedBy, reason string) (*models.VersionedState, error)
}

// StateHandler handles versioned state requests
type StateHandler struct {
	state  StateService
	logger *zap.Logger
}

// NewStateHandler creates a new StateHandler
func NewStateHandler(state StateService, logger *zap.Logger) *StateHandler {
	return &StateHandler{
		state:  state,
		logger: logger,
	}
}

func stateKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "key")
	if err := utils.ValidateStateKey(key); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return "", false
	}
	return key, true
}

// HandleGet handles GET /api/v1/state/{key}
func (h *StateHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r, h.logger); !ok {
		return
	}
	key, ok := stateKey(w, r)
	if !ok {
		return
	}

	state, err := h.state.Get(r.Context(), key)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, state)
}

// HandleSave handles PUT /api/v1/state/{key}
func (h *StateHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	key, ok := stateKey(w, r)
	if !ok {
		return
	}

	var req SaveStateRequest
	if !decodeRequest(w, r, &req, false, h.logger) {
		return
	}

	state, err := h.state.Save(r.Context(), key, req.Value, actorID.String(), req.Reason)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, state)
}

// HandleRollback handles POST /api/v1/state/{key}/rollback
func (h *StateHandler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r, h.logger)
	if !ok {
		return
	}
	key, ok := stateKey(w, r)
	if !ok {
		return
	}

	var req RollbackStateRequest
	if !decodeRequest(w, r, &req, true, h.logger) {
		return
	}

	state, err := h.state.Rollback(r.Context(), key, actorID.String(), req.Reason)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, state)
}
