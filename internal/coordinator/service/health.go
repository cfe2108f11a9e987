package service

import (
	"context"
	"time"

	"github.com/nemanja-m/jobtracker/internal/shared/logging"
)

// HealthChecker drives periodic housekeeping: worker expiry, straggler
// detection and retirement of finished jobs.
type HealthChecker struct {
	checkInterval time.Duration
	heartbeats    *HeartbeatService
	speculative   *SpeculativeMonitor
	jobs          *JobManager
	onTick        func()
	clock         func() time.Time
	logger        logging.Logger
}

func NewHealthChecker(
	checkInterval time.Duration,
	heartbeats *HeartbeatService,
	speculative *SpeculativeMonitor,
	jobs *JobManager,
	clock func() time.Time,
	logger logging.Logger,
) *HealthChecker {
	return &HealthChecker{
		checkInterval: checkInterval,
		heartbeats:    heartbeats,
		speculative:   speculative,
		jobs:          jobs,
		onTick:        func() {},
		clock:         clock,
		logger:        logger,
	}
}

func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check()
		}
	}
}

// Check runs one housekeeping pass.
func (h *HealthChecker) Check() {
	now := h.clock()
	if lost := h.heartbeats.ExpireWorkers(now); len(lost) > 0 {
		h.logger.Info("Expired stale workers", "count", len(lost))
	}
	h.speculative.Tick(now)
	h.jobs.Purge(now)
	h.onTick()
}
