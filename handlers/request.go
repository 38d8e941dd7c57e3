package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/governance-core/middleware"
	"github.com/upb/governance-core/utils"
	"go.uber.org/zap"
)

// requireActor returns the authenticated principal or writes 401
func requireActor(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	actorID, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		logger.Warn("missing principal in context",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())))
		_ = utils.WriteUnauthorized(w, "Missing authentication")
		return uuid.Nil, false
	}
	return actorID, true
}

// decodeRequest decodes and validates a JSON body, writing 400 on failure
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool, logger *zap.Logger) bool {
	if err := utils.DecodeJSON(r, dst, allowEmpty); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		HandleValidationError(w, err, logger)
		return false
	}
	return true
}

// pathUUID parses a UUID route parameter, writing 400 on failure
func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := utils.ParseUUID(chi.URLParam(r, param), param)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return uuid.Nil, false
	}
	return id, true
}
