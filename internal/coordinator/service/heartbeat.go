package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/logging"
	"github.com/nemanja-m/jobtracker/internal/shared/metrics"
)

type HeartbeatConfig struct {
	// Interval is the check-in period returned to workers.
	Interval time.Duration
	// Timeout is how long a worker may stay silent before it is LOST.
	Timeout time.Duration
}

// HeartbeatService processes worker check-ins. Heartbeats from one worker
// are serialized on its session; different workers proceed in parallel.
type HeartbeatService struct {
	registry  *ClusterRegistry
	jobs      *JobManager
	scheduler *TaskScheduler
	recovery  *RecoveryManager
	cfg       HeartbeatConfig

	sessions sync.Map // core.WorkerID -> *workerSession

	clock   func() time.Time
	metrics metrics.Recorder
	logger  logging.Logger
}

type workerSession struct {
	mu sync.Mutex

	startedAt     time.Time
	lastTimestamp time.Time
	lastResponse  *core.HeartbeatResponse
}

func (s *workerSession) reset() {
	s.startedAt = time.Time{}
	s.lastTimestamp = time.Time{}
	s.lastResponse = nil
}

func NewHeartbeatService(
	cfg HeartbeatConfig,
	registry *ClusterRegistry,
	jobs *JobManager,
	scheduler *TaskScheduler,
	recovery *RecoveryManager,
	clock func() time.Time,
	recorder metrics.Recorder,
	logger logging.Logger,
) *HeartbeatService {
	return &HeartbeatService{
		registry:  registry,
		jobs:      jobs,
		scheduler: scheduler,
		recovery:  recovery,
		cfg:       cfg,
		clock:     clock,
		metrics:   recorder,
		logger:    logger,
	}
}

func (h *HeartbeatService) session(id core.WorkerID) *workerSession {
	v, _ := h.sessions.LoadOrStore(id, &workerSession{})
	return v.(*workerSession)
}

// Heartbeat records the worker's state, applies its reports and returns new
// assignments together with attempts it must kill. A retransmission of the
// last processed heartbeat gets the same response without touching state.
func (h *HeartbeatService) Heartbeat(ctx context.Context, req *core.HeartbeatRequest) (*core.HeartbeatResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty heartbeat", core.ErrProtocol)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := req.Worker.ID()
	sess := h.session(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.lastResponse != nil && sess.startedAt.Equal(req.Worker.StartedAt) {
		switch {
		case req.Timestamp.Equal(sess.lastTimestamp):
			h.logger.Debug("Replaying heartbeat response", "worker_id", id)
			return sess.lastResponse.Clone(), nil
		case req.Timestamp.Before(sess.lastTimestamp):
			return nil, fmt.Errorf("%w: heartbeat from %s at %s precedes %s",
				core.ErrProtocol, id, req.Timestamp.Format(time.RFC3339Nano), sess.lastTimestamp.Format(time.RFC3339Nano))
		}
	}

	if prior, ok := h.registry.Get(id); ok && prior.Health != core.WorkerHealthLost && !prior.StartedAt.Equal(req.Worker.StartedAt) {
		h.logger.Warn("Worker restarted", "worker_id", id, "previous_start", prior.StartedAt)
		h.registry.MarkLost(id)
	}
	if h.registry.ClaimRecovery(id) {
		h.recovery.OnWorkerLost(id)
	}

	now := h.clock()
	prior, worker := h.registry.RegisterHeartbeat(HeartbeatReport{
		Worker:     req.Worker,
		Capacity:   req.Capacity,
		FreeSlots:  req.FreeSlots,
		ReportedAt: req.Timestamp,
		ReceivedAt: now,
	})
	if prior == nil || prior.Health == core.WorkerHealthLost || !prior.StartedAt.Equal(req.Worker.StartedAt) {
		sess.reset()
		h.logger.Info(
			"Worker registered",
			"worker_id", id,
			"rack", worker.Rack,
			"map_slots", worker.Capacity.Map,
			"reduce_slots", worker.Capacity.Reduce,
		)
	}

	for _, c := range req.Completions {
		if err := h.jobs.OnAttemptComplete(id, c); err != nil {
			h.logAttemptError("Ignoring attempt completion", id, c.AttemptID, err)
		}
	}
	for _, p := range req.Progress {
		if err := h.jobs.UpdateProgress(id, p); err != nil {
			h.logAttemptError("Ignoring attempt progress", id, p.AttemptID, err)
		}
	}

	var assignments []core.Assignment
	if current, ok := h.registry.Get(id); ok && current.Schedulable() {
		assignments = h.scheduler.Assign(current, current.FreeSlots())
	}

	resp := &core.HeartbeatResponse{
		KillList:          h.jobs.kills.drain(id),
		Assignments:       assignments,
		HeartbeatInterval: h.cfg.Interval,
	}

	sess.startedAt = req.Worker.StartedAt
	sess.lastTimestamp = req.Timestamp
	sess.lastResponse = resp.Clone()

	h.metrics.RecordHeartbeat()
	return resp, nil
}

func (h *HeartbeatService) logAttemptError(msg string, worker core.WorkerID, attempt core.AttemptID, err error) {
	if errors.Is(err, core.ErrUnknownAttempt) {
		h.logger.Warn(msg, "worker_id", worker, "attempt_id", attempt, "error", err)
		return
	}
	h.logger.Error(msg, "worker_id", worker, "attempt_id", attempt, "error", err)
}

// ExpireWorkers marks silent workers LOST and recovers their attempts. Each
// recovery runs under the worker's session so it cannot interleave with a
// heartbeat from the same worker.
func (h *HeartbeatService) ExpireWorkers(now time.Time) []core.WorkerID {
	lost := h.registry.ExpireStale(now, h.cfg.Timeout)
	for _, id := range lost {
		sess := h.session(id)
		sess.mu.Lock()
		if h.registry.ClaimRecovery(id) {
			h.logger.Warn("Worker lost", "worker_id", id, "timeout", h.cfg.Timeout.String())
			h.recovery.OnWorkerLost(id)
			sess.reset()
		}
		sess.mu.Unlock()
	}
	return lost
}
