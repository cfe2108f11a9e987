package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/logging"
	"github.com/nemanja-m/jobtracker/internal/shared/metrics"
)

type SchedulerConfig struct {
	// ReduceSlowstart is the fraction of finished map tasks a job needs
	// before its reduce tasks become eligible.
	ReduceSlowstart float64
}

// TaskScheduler picks attempts for a worker with free slots. Map tasks are
// matched by locality tier; speculative duplicates are handed out only after
// every pending task.
type TaskScheduler struct {
	jobs     *JobManager
	registry *ClusterRegistry
	storage  core.StorageCollaborator
	cfg      SchedulerConfig

	clock   func() time.Time
	metrics metrics.Recorder
	logger  logging.Logger
}

func NewTaskScheduler(
	cfg SchedulerConfig,
	jobs *JobManager,
	registry *ClusterRegistry,
	storage core.StorageCollaborator,
	clock func() time.Time,
	recorder metrics.Recorder,
	logger logging.Logger,
) *TaskScheduler {
	return &TaskScheduler{
		jobs:     jobs,
		registry: registry,
		storage:  storage,
		cfg:      cfg,
		clock:    clock,
		metrics:  recorder,
		logger:   logger,
	}
}

// Assign returns up to free.Map map and free.Reduce reduce assignments for
// the worker. Every assignment holds a slot reserved in the registry.
func (s *TaskScheduler) Assign(worker core.Worker, free core.SlotCounts) []core.Assignment {
	if !worker.Schedulable() {
		return nil
	}

	active := s.registry.SchedulableIDs()
	var assignments []core.Assignment
	for _, kind := range []core.TaskType{core.TaskTypeMap, core.TaskTypeReduce} {
		n := free.Of(kind)
		if n <= 0 {
			continue
		}
		pending, speculative := s.candidates(worker, kind, active)
		queue := core.NewCandidateQueue(pending...)
		for _, c := range speculative {
			queue.Push(c)
		}
		for n > 0 && queue.Len() > 0 {
			c, err := queue.Pop()
			if err != nil {
				break
			}
			if err := s.registry.ReserveSlot(worker.ID, kind); err != nil {
				if errors.Is(err, core.ErrCapacityExceeded) {
					s.logger.Error("Refusing assignment over worker capacity", "worker_id", worker.ID, "error", err)
				}
				break
			}
			a, ok := s.jobs.claim(c, worker.ID, active, s.clock())
			if !ok {
				s.registry.ReleaseSlot(worker.ID, kind)
				continue
			}
			assignments = append(assignments, a)
			n--

			s.metrics.RecordAssignment(string(kind), a.Locality.String())
			if a.Speculative {
				s.metrics.RecordSpeculativeAttempt()
			}
			s.logger.Debug(
				"Assigned attempt",
				"attempt_id", a.AttemptID,
				"worker_id", worker.ID,
				"locality", a.Locality.String(),
				"speculative", a.Speculative,
			)
		}
	}
	return assignments
}

// candidates collects every task of kind the worker may run right now, split
// into pending tasks and running tasks awaiting a duplicate.
func (s *TaskScheduler) candidates(worker core.Worker, kind core.TaskType, active []core.WorkerID) (pending, speculative []core.Candidate) {
	for _, e := range s.jobs.liveJobs() {
		e.mu.Lock()
		job := e.job
		if job.Status != core.JobStatusRunning {
			e.mu.Unlock()
			continue
		}
		if kind == core.TaskTypeReduce && job.Progress().Map.DoneFraction() < s.cfg.ReduceSlowstart {
			e.mu.Unlock()
			continue
		}
		for _, t := range job.Tasks(kind) {
			if excluded(t, worker.ID, active) {
				continue
			}
			switch {
			case t.Status == core.TaskStatusPending:
				tier := core.LocalityAny
				if kind == core.TaskTypeMap {
					tier = s.tier(t.Split.Locations, worker)
				}
				pending = append(pending, core.Candidate{TaskID: t.ID, Tier: tier, Priority: job.Priority, Seq: t.Seq})
			case speculationEligible(t, worker.ID):
				speculative = append(speculative, core.Candidate{
					TaskID:      t.ID,
					Tier:        core.LocalitySpeculative,
					Priority:    job.Priority,
					Seq:         t.Seq,
					Speculative: true,
				})
			}
		}
		e.mu.Unlock()
	}
	return pending, speculative
}

func (s *TaskScheduler) tier(locations []string, worker core.Worker) core.LocalityTier {
	for _, loc := range locations {
		if loc == worker.Host || loc == string(worker.ID) {
			return core.LocalityWorker
		}
	}
	if worker.Rack == "" {
		return core.LocalityAny
	}
	for _, loc := range locations {
		if loc == worker.Rack || s.storage.RackOf(loc) == worker.Rack {
			return core.LocalityRack
		}
	}
	return core.LocalityAny
}

// excluded reports whether t must not run on worker. Once a task has failed
// on every schedulable worker the exclusion no longer applies, so the retry
// budget can still be spent.
func excluded(t *core.Task, worker core.WorkerID, active []core.WorkerID) bool {
	if !t.Excludes(worker) {
		return false
	}
	for _, id := range active {
		if !t.Excludes(id) {
			return true
		}
	}
	return false
}

func speculationEligible(t *core.Task, worker core.WorkerID) bool {
	if t.Status != core.TaskStatusRunning || !t.SpeculationRequested {
		return false
	}
	running := t.RunningAttempts()
	return len(running) == 1 && running[0].WorkerID != worker
}

// RequestSpeculativeAttempt flags a running task for one duplicate attempt.
func (s *TaskScheduler) RequestSpeculativeAttempt(id core.TaskID) error {
	e := s.jobs.lookup(id.Job)
	if e == nil {
		return fmt.Errorf("%w: %s", core.ErrUnknownJob, id.Job)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	task := e.job.Task(id)
	if task == nil {
		return fmt.Errorf("unknown task %s", id)
	}
	if e.job.Status != core.JobStatusRunning || task.Status != core.TaskStatusRunning {
		return fmt.Errorf("%w: task %s is not running", core.ErrIllegalTransition, id)
	}
	if task.SpeculationRequested || len(task.RunningAttempts()) != 1 {
		return fmt.Errorf("%w: task %s already has a duplicate", core.ErrIllegalTransition, id)
	}
	task.SpeculationRequested = true
	return nil
}

// claim re-validates a candidate under the job lock and creates its attempt.
func (m *JobManager) claim(c core.Candidate, worker core.WorkerID, active []core.WorkerID, now time.Time) (core.Assignment, bool) {
	e := m.lookup(c.TaskID.Job)
	if e == nil {
		return core.Assignment{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	job := e.job
	if job.Status != core.JobStatusRunning {
		return core.Assignment{}, false
	}
	task := job.Task(c.TaskID)
	if task == nil || excluded(task, worker, active) {
		return core.Assignment{}, false
	}

	if c.Speculative {
		if !speculationEligible(task, worker) {
			return core.Assignment{}, false
		}
		task.SpeculationRequested = false
	} else {
		if task.Status != core.TaskStatusPending {
			return core.Assignment{}, false
		}
		if err := task.TransitionTo(core.TaskStatusRunning); err != nil {
			return core.Assignment{}, false
		}
	}

	a := task.NewAttempt(worker, now, c.Speculative)
	m.running.add(worker, a.ID)

	command := job.Spec.MapCommand
	if task.Type() == core.TaskTypeReduce {
		command = job.Spec.ReduceCommand
	}
	return core.Assignment{
		AttemptID:         a.ID,
		TaskID:            task.ID,
		JobID:             job.ID,
		Kind:              task.Type(),
		Speculative:       c.Speculative,
		InputLocationHint: task.Split.Hint(),
		Split:             task.Split,
		Command:           append([]string(nil), command...),
		NumMapTasks:       len(job.MapTasks),
		NumReduceTasks:    len(job.ReduceTasks),
		Locality:          c.Tier,
	}, true
}
