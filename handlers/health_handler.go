package handlers

import (
	"context"
	"net/http"

	"github.com/upb/governance-core/services/health"
	"github.com/upb/governance-core/utils"
	"go.uber.org/zap"
)

// HealthChecker runs the component checks. It is satisfied by *health.Monitor.
type HealthChecker interface {
	Check(ctx context.Context) *health.Report
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	monitor HealthChecker
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(monitor HealthChecker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		monitor: monitor,
		logger:  logger,
	}
}

// HandleLiveness handles GET /healthz
// Always returns 200 if the process is serving
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, map[string]string{"status": "ok"})
}

// HandleHealth handles GET /health
// Reports every component; the status code is always 200
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.monitor.Check(r.Context())
	if report.Status != health.StatusHealthy {
		h.logger.Warn("health check not healthy", zap.String("status", string(report.Status)))
	}
	_ = utils.WriteOK(w, report)
}

// HandleReadiness handles GET /health/ready
// Returns 503 while the service is unhealthy
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	report := h.monitor.Check(r.Context())

	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	if err := utils.WriteJSON(w, status, report); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}
