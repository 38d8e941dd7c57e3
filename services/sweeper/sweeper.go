package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ApprovalExpirer marks pending approvals past their deadline as expired
type ApprovalExpirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}

// LockReclaimer moves stale in-progress locks back to pending
type LockReclaimer interface {
	ReclaimStale(ctx context.Context) (int64, error)
}

// Result summarizes one sweep
type Result struct {
	ExpiredApprovals int64 `json:"expired_approvals"`
	ReclaimedLocks   int64 `json:"reclaimed_locks"`
}

// Sweeper periodically enforces approval expiry and lock staleness
type Sweeper struct {
	approvals ApprovalExpirer
	locks     LockReclaimer
	interval  time.Duration
	logger    *zap.Logger
}

// New creates a sweeper running every interval
func New(approvals ApprovalExpirer, locks LockReclaimer, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		approvals: approvals,
		locks:     locks,
		interval:  interval,
		logger:    logger,
	}
}

// Run sweeps on every tick until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce runs both passes. A failing pass does not skip the other one;
// the first error is returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (*Result, error) {
	var (
		res      Result
		firstErr error
	)

	if s.approvals != nil {
		n, err := s.approvals.ExpireStale(ctx)
		if err != nil {
			firstErr = err
		}
		res.ExpiredApprovals = n
	}

	if s.locks != nil {
		n, err := s.locks.ReclaimStale(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		res.ReclaimedLocks = n
	}

	if res.ExpiredApprovals > 0 || res.ReclaimedLocks > 0 {
		s.logger.Info("sweep completed",
			zap.Int64("expired_approvals", res.ExpiredApprovals),
			zap.Int64("reclaimed_locks", res.ReclaimedLocks),
		)
	}
	return &res, firstErr
}
