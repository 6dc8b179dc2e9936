package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the master looks for stale claims.
const DefaultSweepInterval = 60 * time.Second

// Master serves claims to remote workers and never runs task bodies.
type Master struct {
	coord    *Coordinator
	interval time.Duration
	logger   *zap.Logger
}

// NewMaster creates a Master. A non-positive interval uses DefaultSweepInterval.
func NewMaster(coord *Coordinator, sweepInterval time.Duration, logger *zap.Logger) *Master {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Master{coord: coord, interval: sweepInterval, logger: logger.Named("master")}
}

// Run reconciles parents once, then sweeps stale claims until ctx is done.
// Running tasks are left alone at startup: workers may still hold them.
func (m *Master) Run(ctx context.Context) error {
	if _, err := m.coord.ReconcileParents(ctx); err != nil {
		return fmt.Errorf("reconcile parents: %w", err)
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.coord.RecoverStale(ctx); err != nil {
				m.logger.Error("stale sweep failed", zap.Error(err))
			}
		}
	}
}
