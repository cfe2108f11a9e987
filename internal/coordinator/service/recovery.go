package service

import (
	"fmt"
	"time"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/logging"
	"github.com/nemanja-m/jobtracker/internal/shared/metrics"
)

type RecoveryConfig struct {
	// WorkerFailureLimit is the number of consecutive failures a worker may
	// accumulate; one more blacklists it.
	WorkerFailureLimit int
}

// RecoveryManager reacts to failed attempts and lost workers.
type RecoveryManager struct {
	jobs     *JobManager
	registry *ClusterRegistry
	cfg      RecoveryConfig

	clock   func() time.Time
	metrics metrics.Recorder
	logger  logging.Logger
}

func NewRecoveryManager(
	cfg RecoveryConfig,
	jobs *JobManager,
	registry *ClusterRegistry,
	clock func() time.Time,
	recorder metrics.Recorder,
	logger logging.Logger,
) *RecoveryManager {
	r := &RecoveryManager{
		jobs:     jobs,
		registry: registry,
		cfg:      cfg,
		clock:    clock,
		metrics:  recorder,
		logger:   logger,
	}
	jobs.onSuccess = registry.ResetFailures
	jobs.onFailure = r.onReportedFailure
	return r
}

// OnAttemptFailed records the failure, charges the worker and retries the
// task elsewhere until its attempt limit is reached.
func (r *RecoveryManager) OnAttemptFailed(id core.AttemptID, reason string) error {
	var worker core.WorkerID
	applied := false
	err := r.jobs.withAttempt(id, func(e *jobEntry, task *core.Task, a *core.Attempt) error {
		if a.Status.IsTerminal() || e.job.Status.IsTerminal() {
			return nil
		}
		worker = a.WorkerID
		r.failAttemptLocked(e, task, a, reason, r.clock())
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		r.chargeWorker(worker)
	}
	return nil
}

// onReportedFailure is OnAttemptFailed restricted to attempts owned by worker.
func (r *RecoveryManager) onReportedFailure(worker core.WorkerID, c core.AttemptCompletion) error {
	owned := false
	err := r.jobs.withAttempt(c.AttemptID, func(_ *jobEntry, _ *core.Task, a *core.Attempt) error {
		owned = a.WorkerID == worker
		return nil
	})
	if err != nil {
		return err
	}
	if !owned {
		return fmt.Errorf("%w: %s not owned by %s", core.ErrUnknownAttempt, c.AttemptID, worker)
	}
	return r.OnAttemptFailed(c.AttemptID, c.Diagnostic)
}

// OnWorkerLost fails every attempt still running on the worker and charges
// the worker once. The attempts are queued for killing in case the worker
// comes back.
func (r *RecoveryManager) OnWorkerLost(worker core.WorkerID) {
	attempts := r.jobs.RunningAttempts(worker)
	r.logger.Warn("Recovering lost worker", "worker_id", worker, "running_attempts", len(attempts))

	now := r.clock()
	for _, id := range attempts {
		err := r.jobs.withAttempt(id, func(e *jobEntry, task *core.Task, a *core.Attempt) error {
			if a.WorkerID != worker || a.Status != core.AttemptStatusRunning {
				return nil
			}
			r.failAttemptLocked(e, task, a, "worker lost", now)
			r.jobs.kills.add(worker, id)
			return nil
		})
		if err != nil {
			r.logger.Warn("Failed to recover attempt", "attempt_id", id, "error", err)
		}
	}

	r.metrics.RecordWorkerLost()
	r.chargeWorker(worker)
}

func (r *RecoveryManager) failAttemptLocked(e *jobEntry, task *core.Task, a *core.Attempt, reason string, now time.Time) {
	job := e.job
	r.jobs.finishAttemptLocked(task, a, core.AttemptStatusFailed, now, reason)
	job.FailedAttempts++
	job.Errors = append(job.Errors, core.JobError{
		AttemptID: a.ID,
		WorkerID:  a.WorkerID,
		Error:     reason,
		Timestamp: now,
	})
	task.Failures++
	task.Exclude(a.WorkerID)

	if task.Status != core.TaskStatusRunning {
		return
	}

	if task.Failures < job.MaxTaskAttempts {
		// A surviving duplicate keeps the task running.
		if len(task.RunningAttempts()) == 0 {
			_ = task.TransitionTo(core.TaskStatusPending)
			task.SpeculationRequested = false
		}
		r.logger.Info(
			"Attempt failed, task requeued",
			"attempt_id", a.ID,
			"worker_id", a.WorkerID,
			"failures", task.Failures,
			"reason", reason,
		)
		return
	}

	for _, other := range task.RunningAttempts() {
		r.jobs.finishAttemptLocked(task, other, core.AttemptStatusKilled, now, "task failed")
		r.jobs.kills.add(other.WorkerID, other.ID)
	}
	_ = task.TransitionTo(core.TaskStatusFailed)
	task.SpeculationRequested = false
	job.FailedTasks++
	r.logger.Warn("Task failed permanently", "task_id", task.ID, "failures", task.Failures)

	if job.FailedTasks > job.MaxFailedTasks {
		r.jobs.finishLocked(e, core.JobStatusFailed, now)
		return
	}
	r.jobs.maybeSucceedLocked(e, now)
}

func (r *RecoveryManager) chargeWorker(worker core.WorkerID) {
	failures := r.registry.RecordFailure(worker)
	if failures <= r.cfg.WorkerFailureLimit {
		return
	}
	if r.registry.isBlacklisted(worker) {
		return
	}
	if err := r.registry.Blacklist(worker); err != nil {
		r.logger.Error("Failed to blacklist worker", "worker_id", worker, "error", err)
		return
	}
	r.metrics.RecordWorkerBlacklisted()
	r.logger.Warn("Worker blacklisted", "worker_id", worker, "consecutive_failures", failures)
}
