package service

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/logging"
	"github.com/nemanja-m/jobtracker/internal/shared/metrics"
)

var errNoChange = errors.New("no change")

type JobConfig struct {
	MaxTaskAttempts int
	MaxFailedTasks  int
	Retention       time.Duration
}

// JobManager owns every live job. The jobs map is guarded by mu; each job has
// its own mutex which is always taken after mu and never while holding
// another job's lock.
type JobManager struct {
	mu   sync.RWMutex
	jobs map[core.JobID]*jobEntry
	seq  uint64

	storage core.StorageCollaborator
	archive core.JobArchive
	cfg     JobConfig

	running *attemptIndex
	kills   *killQueue

	// onSuccess is called outside any job lock for every applied success.
	onSuccess func(worker core.WorkerID)
	onFailure func(worker core.WorkerID, c core.AttemptCompletion) error

	clock   func() time.Time
	metrics metrics.Recorder
	logger  logging.Logger
}

type jobEntry struct {
	mu  sync.Mutex
	job *core.Job
}

func NewJobManager(
	cfg JobConfig,
	storage core.StorageCollaborator,
	archive core.JobArchive,
	clock func() time.Time,
	recorder metrics.Recorder,
	logger logging.Logger,
) *JobManager {
	return &JobManager{
		jobs:      make(map[core.JobID]*jobEntry),
		storage:   storage,
		archive:   archive,
		cfg:       cfg,
		running:   newAttemptIndex(),
		kills:     newKillQueue(),
		onSuccess: func(core.WorkerID) {},
		onFailure: func(core.WorkerID, core.AttemptCompletion) error {
			return errors.New("no recovery manager attached")
		},
		clock:   clock,
		metrics: recorder,
		logger:  logger,
	}
}

// Submit splits the job input, creates its tasks and starts the job.
func (m *JobManager) Submit(spec core.JobSpec) (core.JobID, error) {
	if spec.NumMapTasks < 0 || spec.NumReduceTasks < 0 {
		return "", fmt.Errorf("%w: negative task count", core.ErrInvalidSpec)
	}
	if spec.MaxTaskAttempts < 0 {
		return "", fmt.Errorf("%w: negative max task attempts", core.ErrInvalidSpec)
	}
	if spec.MaxFailedTasks != nil && *spec.MaxFailedTasks < 0 {
		return "", fmt.Errorf("%w: negative max failed tasks", core.ErrInvalidSpec)
	}

	splits, err := m.storage.Splits(spec.Input, spec.NumMapTasks)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrInvalidSpec, err)
	}
	if len(splits) == 0 {
		return "", fmt.Errorf("%w: input %v yields zero map tasks", core.ErrInvalidSpec, spec.Input.Paths)
	}

	now := m.clock()
	id := core.NewJobID()
	job := &core.Job{
		ID:              id,
		Name:            spec.Name,
		Submitter:       spec.Submitter,
		Priority:        spec.Priority,
		Status:          core.JobStatusPrep,
		Spec:            spec,
		MaxTaskAttempts: m.cfg.MaxTaskAttempts,
		MaxFailedTasks:  m.cfg.MaxFailedTasks,
		SubmittedAt:     now,
	}
	if job.Name == "" {
		job.Name = "job-" + string(id)
	}
	if spec.MaxTaskAttempts > 0 {
		job.MaxTaskAttempts = spec.MaxTaskAttempts
	}
	if spec.MaxFailedTasks != nil {
		job.MaxFailedTasks = *spec.MaxFailedTasks
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	job.Seq = m.seq

	job.MapTasks = make([]*core.Task, 0, len(splits))
	for i, split := range splits {
		split.Locations = m.storage.PreferredLocations(split)
		job.MapTasks = append(job.MapTasks, m.newTask(id, core.TaskTypeMap, i, split))
	}
	job.ReduceTasks = make([]*core.Task, 0, spec.NumReduceTasks)
	for i := 0; i < spec.NumReduceTasks; i++ {
		job.ReduceTasks = append(job.ReduceTasks, m.newTask(id, core.TaskTypeReduce, i, core.InputSplit{}))
	}

	if err := job.TransitionTo(core.JobStatusRunning, now); err != nil {
		return "", err
	}
	m.jobs[id] = &jobEntry{job: job}

	m.logger.Info(
		"Job submitted",
		"job_id", id,
		"name", job.Name,
		"priority", job.Priority.String(),
		"num_map_tasks", len(job.MapTasks),
		"num_reduce_tasks", len(job.ReduceTasks),
	)
	return id, nil
}

// newTask must be called with mu held.
func (m *JobManager) newTask(job core.JobID, kind core.TaskType, index int, split core.InputSplit) *core.Task {
	m.seq++
	return &core.Task{
		ID:     core.TaskID{Job: job, Type: kind, Index: index},
		Status: core.TaskStatusPending,
		Split:  split,
		Seq:    m.seq,
	}
}

func (m *JobManager) lookup(id core.JobID) *jobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// liveJobs returns running jobs ordered by priority and then submission.
func (m *JobManager) liveJobs() []*jobEntry {
	m.mu.RLock()
	entries := make([]*jobEntry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].job, entries[j].job
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Seq < b.Seq
	})
	return entries
}

// withAttempt runs fn under the owning job's lock.
func (m *JobManager) withAttempt(id core.AttemptID, fn func(e *jobEntry, task *core.Task, a *core.Attempt) error) error {
	e := m.lookup(id.Task.Job)
	if e == nil {
		return fmt.Errorf("%w: %s", core.ErrUnknownAttempt, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	task := e.job.Task(id.Task)
	if task == nil {
		return fmt.Errorf("%w: %s", core.ErrUnknownAttempt, id)
	}
	a := task.Attempt(id.Number)
	if a == nil {
		return fmt.Errorf("%w: %s", core.ErrUnknownAttempt, id)
	}
	return fn(e, task, a)
}

// OnAttemptComplete applies an attempt outcome reported by worker. Failures
// are handed to the recovery manager. Reports for attempts already terminal,
// or for jobs already finished, are ignored.
func (m *JobManager) OnAttemptComplete(worker core.WorkerID, c core.AttemptCompletion) error {
	if c.Outcome == core.AttemptStatusFailed {
		return m.onFailure(worker, c)
	}

	applied := false
	err := m.withAttempt(c.AttemptID, func(e *jobEntry, task *core.Task, a *core.Attempt) error {
		if a.WorkerID != worker {
			return fmt.Errorf("%w: %s belongs to %s, reported by %s", core.ErrUnknownAttempt, a.ID, a.WorkerID, worker)
		}
		if a.Status.IsTerminal() || e.job.Status.IsTerminal() {
			m.logger.Debug("Ignoring late attempt report", "attempt_id", a.ID, "outcome", c.Outcome)
			return nil
		}

		now := m.clock()
		switch c.Outcome {
		case core.AttemptStatusSucceeded:
			m.succeedLocked(e, task, a, now)
			applied = true
		case core.AttemptStatusKilled:
			m.finishAttemptLocked(task, a, core.AttemptStatusKilled, now, c.Diagnostic)
			if task.Status == core.TaskStatusRunning && len(task.RunningAttempts()) == 0 {
				_ = task.TransitionTo(core.TaskStatusPending)
				task.SpeculationRequested = false
			}
		default:
			return fmt.Errorf("%w: unexpected outcome %s", core.ErrProtocol, c.Outcome)
		}
		return nil
	})
	if err == nil && applied {
		m.onSuccess(worker)
	}
	return err
}

// UpdateProgress records a running attempt's reported completion fraction.
func (m *JobManager) UpdateProgress(worker core.WorkerID, p core.AttemptProgress) error {
	return m.withAttempt(p.AttemptID, func(_ *jobEntry, _ *core.Task, a *core.Attempt) error {
		if a.WorkerID != worker || a.Status != core.AttemptStatusRunning {
			return nil
		}
		// Progress never moves backwards.
		if p.Fraction > a.Progress {
			a.Progress = p.Fraction
		}
		a.ProgressAt = m.clock()
		return nil
	})
}

func (m *JobManager) succeedLocked(e *jobEntry, task *core.Task, a *core.Attempt, now time.Time) {
	m.finishAttemptLocked(task, a, core.AttemptStatusSucceeded, now, "")
	_ = task.TransitionTo(core.TaskStatusComplete)
	task.SpeculationRequested = false

	for _, other := range task.RunningAttempts() {
		m.finishAttemptLocked(task, other, core.AttemptStatusKilled, now, "superseded by "+a.ID.String())
		m.kills.add(other.WorkerID, other.ID)
	}

	m.logger.Debug("Task completed", "task_id", task.ID, "attempt_id", a.ID, "worker_id", a.WorkerID)
	m.maybeSucceedLocked(e, now)
}

func (m *JobManager) finishAttemptLocked(task *core.Task, a *core.Attempt, status core.AttemptStatus, now time.Time, diagnostic string) {
	a.Finish(status, now, diagnostic)
	m.running.remove(a.WorkerID, a.ID)
	m.metrics.RecordAttemptFinished(string(task.Type()), string(status))
}

// maybeSucceedLocked finishes the job once every task is terminal and the
// tolerated failure count holds.
func (m *JobManager) maybeSucceedLocked(e *jobEntry, now time.Time) {
	job := e.job
	if job.Status != core.JobStatusRunning {
		return
	}
	for _, kind := range []core.TaskType{core.TaskTypeMap, core.TaskTypeReduce} {
		for _, t := range job.Tasks(kind) {
			if !t.Status.IsTerminal() {
				return
			}
		}
	}
	if job.FailedTasks > job.MaxFailedTasks {
		m.finishLocked(e, core.JobStatusFailed, now)
		return
	}
	m.finishLocked(e, core.JobStatusSucceeded, now)
}

// finishLocked moves the job to a terminal state and kills every running attempt.
func (m *JobManager) finishLocked(e *jobEntry, status core.JobStatus, now time.Time) {
	job := e.job
	if err := job.TransitionTo(status, now); err != nil {
		m.logger.Error("Failed to finish job", "job_id", job.ID, "error", err)
		return
	}
	for _, kind := range []core.TaskType{core.TaskTypeMap, core.TaskTypeReduce} {
		for _, t := range job.Tasks(kind) {
			for _, a := range t.RunningAttempts() {
				m.finishAttemptLocked(t, a, core.AttemptStatusKilled, now, "job "+string(status))
				m.kills.add(a.WorkerID, a.ID)
			}
			if t.Status == core.TaskStatusRunning {
				_ = t.TransitionTo(core.TaskStatusPending)
			}
			t.SpeculationRequested = false
		}
	}
	m.metrics.RecordJobFinished(string(status))
	m.logger.Info(
		"Job finished",
		"job_id", job.ID,
		"status", status,
		"failed_tasks", job.FailedTasks,
		"failed_attempts", job.FailedAttempts,
		"duration", job.Duration().String(),
	)
}

// Kill moves a non-terminal job straight to KILLED.
func (m *JobManager) Kill(id core.JobID) error {
	e := m.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", core.ErrUnknownJob, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s already %s", core.ErrIllegalTransition, id, e.job.Status)
	}
	m.logger.Info("Killing job", "job_id", id)
	m.finishLocked(e, core.JobStatusKilled, m.clock())
	return nil
}

func (m *JobManager) GetJob(id core.JobID) (*core.Job, error) {
	if e := m.lookup(id); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.job.Clone(), nil
	}
	job, err := m.archive.GetJobByID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownJob, id)
	}
	return job, nil
}

// Progress is only served for live jobs; purged jobs are unknown.
func (m *JobManager) Progress(id core.JobID) (core.JobProgress, error) {
	e := m.lookup(id)
	if e == nil {
		return core.JobProgress{}, fmt.Errorf("%w: %s", core.ErrUnknownJob, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Progress(), nil
}

// GetJobs lists live and archived jobs in submission order. It holds mu so
// Purge cannot move a job between the two reads.
func (m *JobManager) GetJobs(filter core.JobFilter) ([]*core.Job, int, error) {
	m.mu.RLock()
	archived, _, err := m.archive.GetJobs(core.JobFilter{Status: filter.Status})
	if err != nil {
		m.mu.RUnlock()
		return nil, 0, err
	}
	jobs := archived
	for _, e := range m.jobs {
		e.mu.Lock()
		if filter.Status == nil || e.job.Status == *filter.Status {
			jobs = append(jobs, e.job.Clone())
		}
		e.mu.Unlock()
	}
	m.mu.RUnlock()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })

	total := len(jobs)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return jobs[start:end], total, nil
}

// Purge archives terminal jobs whose retention window has passed. A job
// leaves the live table in the same critical section that archives it, and
// kills still queued for its attempts are dropped.
func (m *JobManager) Purge(now time.Time) int {
	m.mu.Lock()
	expired := make(map[core.JobID]struct{})
	for id, e := range m.jobs {
		e.mu.Lock()
		job := e.job
		if job.Status.IsTerminal() && job.FinishedAt != nil && !now.Before(job.FinishedAt.Add(m.cfg.Retention)) {
			if err := m.archive.ArchiveJob(job.Clone()); err != nil {
				m.logger.Error("Failed to archive job", "job_id", job.ID, "error", err)
			} else {
				expired[id] = struct{}{}
				delete(m.jobs, id)
			}
		}
		e.mu.Unlock()
	}
	m.mu.Unlock()
	if len(expired) == 0 {
		return 0
	}

	if dropped := m.kills.dropJobs(expired); dropped > 0 {
		m.logger.Debug("Dropped kills for purged jobs", "count", dropped)
	}
	m.logger.Info("Purged retired jobs", "count", len(expired))
	return len(expired)
}

// RunningAttempts lists the attempts currently running on a worker.
func (m *JobManager) RunningAttempts(worker core.WorkerID) []core.AttemptID {
	return m.running.list(worker)
}

// attemptIndex maps each worker to its running attempts.
type attemptIndex struct {
	mu       sync.Mutex
	byWorker map[core.WorkerID]map[core.AttemptID]struct{}
}

func newAttemptIndex() *attemptIndex {
	return &attemptIndex{byWorker: make(map[core.WorkerID]map[core.AttemptID]struct{})}
}

func (x *attemptIndex) add(worker core.WorkerID, id core.AttemptID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	set, ok := x.byWorker[worker]
	if !ok {
		set = make(map[core.AttemptID]struct{})
		x.byWorker[worker] = set
	}
	set[id] = struct{}{}
}

func (x *attemptIndex) remove(worker core.WorkerID, id core.AttemptID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	set := x.byWorker[worker]
	delete(set, id)
	if len(set) == 0 {
		delete(x.byWorker, worker)
	}
}

func (x *attemptIndex) list(worker core.WorkerID) []core.AttemptID {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := make([]core.AttemptID, 0, len(x.byWorker[worker]))
	for id := range x.byWorker[worker] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// killQueue holds attempts a worker must abort, delivered on its next heartbeat.
type killQueue struct {
	mu      sync.Mutex
	pending map[core.WorkerID][]core.AttemptID
}

func newKillQueue() *killQueue {
	return &killQueue{pending: make(map[core.WorkerID][]core.AttemptID)}
}

func (q *killQueue) add(worker core.WorkerID, id core.AttemptID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[worker] = append(q.pending[worker], id)
}

// dropJobs removes queued kills for attempts of the given jobs, so a worker
// that never heartbeats again does not pin them forever.
func (q *killQueue) dropJobs(jobs map[core.JobID]struct{}) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for worker, ids := range q.pending {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := jobs[id.Task.Job]; ok {
				dropped++
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			delete(q.pending, worker)
		} else {
			q.pending[worker] = kept
		}
	}
	return dropped
}

func (q *killQueue) drain(worker core.WorkerID) []core.AttemptID {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.pending[worker]
	delete(q.pending, worker)
	return ids
}
