package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/governance-core/services/health"
	"go.uber.org/zap"
)

type staticChecker struct {
	report *health.Report
}

func (s staticChecker) Check(ctx context.Context) *health.Report {
	return s.report
}

func reportWith(status health.Status) *health.Report {
	return &health.Report{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Checks:    map[string]health.Component{health.ComponentDatabase: {Status: status}},
	}
}

func TestHandleLiveness(t *testing.T) {
	handler := NewHealthHandler(staticChecker{report: reportWith(health.StatusUnhealthy)}, zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleLiveness(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		status    health.Status
		readiness int
	}{
		{status: health.StatusHealthy, readiness: http.StatusOK},
		{status: health.StatusWarning, readiness: http.StatusOK},
		{status: health.StatusUnhealthy, readiness: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			handler := NewHealthHandler(staticChecker{report: reportWith(tt.status)}, zap.NewNop())

			w := httptest.NewRecorder()
			handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusOK, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, string(tt.status), body["status"])
			assert.Contains(t, body["checks"], health.ComponentDatabase)

			w = httptest.NewRecorder()
			handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			assert.Equal(t, tt.readiness, w.Code)
		})
	}
}
