package health

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Status of a component or of the whole system
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusWarning   Status = "warning"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Component names reported by Check
const (
	ComponentDatabase   = "database"
	ComponentApprovals  = "approvals"
	ComponentOperations = "operations"
)

// Component is the result of one probe
type Component struct {
	Status       Status `json:"status"`
	Error        string `json:"error,omitempty"`
	ExpiredCount *int   `json:"expired_count,omitempty"`
	StaleLocks   *int   `json:"stale_locks,omitempty"`
}

// Report is the aggregated health of the system
type Report struct {
	Status    Status               `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
	Checks    map[string]Component `json:"checks"`
}

// Pinger checks connectivity to a backing store
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// ApprovalCounter counts pending approvals past their deadline
type ApprovalCounter interface {
	CountExpired(ctx context.Context) (int, error)
}

// LockCounter counts in-progress operation locks past their deadline
type LockCounter interface {
	CountStale(ctx context.Context) (int, error)
}

// Probe is an extra named connectivity check
type Probe func(ctx context.Context) error

// Monitor aggregates component checks into a Report
type Monitor struct {
	db        Pinger
	approvals ApprovalCounter
	locks     LockCounter
	probes    map[string]Probe
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewMonitor creates a monitor. db may be nil, which reports the database as unhealthy.
func NewMonitor(db Pinger, approvals ApprovalCounter, locks LockCounter, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		db:        db,
		approvals: approvals,
		locks:     locks,
		probes:    make(map[string]Probe),
		timeout:   2 * time.Second,
		logger:    logger,
		now:       time.Now,
	}
}

// AddProbe registers an additional component, e.g. the redis lock store
func (m *Monitor) AddProbe(name string, probe Probe) {
	m.probes[name] = probe
}

// Check runs every probe and aggregates the result
func (m *Monitor) Check(ctx context.Context) *Report {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	checks := make(map[string]Component, 3+len(m.probes))
	checks[ComponentDatabase] = m.checkDatabase(ctx)

	if m.approvals != nil {
		n, err := m.approvals.CountExpired(ctx)
		if err != nil {
			m.logger.Error("approval health check failed", zap.Error(err))
			checks[ComponentApprovals] = Component{Status: StatusUnhealthy, Error: err.Error()}
		} else {
			checks[ComponentApprovals] = Component{Status: countStatus(n), ExpiredCount: &n}
		}
	}

	if m.locks != nil {
		n, err := m.locks.CountStale(ctx)
		if err != nil {
			m.logger.Error("operation lock health check failed", zap.Error(err))
			checks[ComponentOperations] = Component{Status: StatusUnhealthy, Error: err.Error()}
		} else {
			checks[ComponentOperations] = Component{Status: countStatus(n), StaleLocks: &n}
		}
	}

	for name, probe := range m.probes {
		if err := probe(ctx); err != nil {
			m.logger.Error("health probe failed", zap.String("component", name), zap.Error(err))
			checks[name] = Component{Status: StatusUnhealthy, Error: err.Error()}
			continue
		}
		checks[name] = Component{Status: StatusHealthy}
	}

	return &Report{
		Status:    Overall(checks),
		Timestamp: m.now().UTC(),
		Checks:    checks,
	}
}

func (m *Monitor) checkDatabase(ctx context.Context) Component {
	if m.db == nil {
		return Component{Status: StatusUnhealthy, Error: "not initialized"}
	}
	if err := m.db.HealthCheck(ctx); err != nil {
		m.logger.Error("database health check failed", zap.Error(err))
		return Component{Status: StatusUnhealthy, Error: err.Error()}
	}
	return Component{Status: StatusHealthy}
}

// Overall is unhealthy if any component is, degraded if any warns, else healthy
func Overall(checks map[string]Component) Status {
	overall := StatusHealthy
	for _, c := range checks {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusWarning:
			overall = StatusDegraded
		}
	}
	return overall
}

func countStatus(n int) Status {
	if n > 0 {
		return StatusWarning
	}
	return StatusHealthy
}
