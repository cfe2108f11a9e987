package core

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// SlotCounts holds a per-kind slot quantity.
type SlotCounts struct {
	Map    int
	Reduce int
}

func (s SlotCounts) Of(kind TaskType) int {
	if kind == TaskTypeReduce {
		return s.Reduce
	}
	return s.Map
}

func (s *SlotCounts) Add(kind TaskType, n int) {
	if kind == TaskTypeReduce {
		s.Reduce += n
	} else {
		s.Map += n
	}
}

func (s SlotCounts) Total() int {
	return s.Map + s.Reduce
}

// WorkerIdentity is what a worker reports about itself on every heartbeat.
type WorkerIdentity struct {
	Host      string
	Port      int
	StartedAt time.Time
}

func (w WorkerIdentity) ID() WorkerID {
	return WorkerID(net.JoinHostPort(w.Host, strconv.Itoa(w.Port)))
}

type Worker struct {
	ID        WorkerID
	Host      string
	Port      int
	StartedAt time.Time
	Rack      string

	Capacity SlotCounts
	Occupied SlotCounts

	Health WorkerHealth

	// LastHeartbeatAt is the coordinator clock at receipt; ReportedAt is the
	// worker's own timestamp of the last processed heartbeat.
	LastHeartbeatAt time.Time
	ReportedAt      time.Time
	RegisteredAt    time.Time

	ConsecutiveFailures int
}

func (w *Worker) FreeSlots() SlotCounts {
	return SlotCounts{
		Map:    max(w.Capacity.Map-w.Occupied.Map, 0),
		Reduce: max(w.Capacity.Reduce-w.Occupied.Reduce, 0),
	}
}

func (w *Worker) Schedulable() bool {
	return w.Health == WorkerHealthActive
}

type InputSpec struct {
	Paths  []string
	Format string
}

// InputSplit is one unit of map input together with the locations that hold it.
type InputSplit struct {
	Path      string
	Offset    int64
	Length    int64
	Locations []string
}

func (s InputSplit) Hint() string {
	if s.Path == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d+%d", s.Path, s.Offset, s.Length)
}

type JobSpec struct {
	Name      string
	Submitter string
	Priority  JobPriority
	Input     InputSpec

	// NumMapTasks is a hint; zero means one map task per split.
	NumMapTasks    int
	NumReduceTasks int

	MapCommand    []string
	ReduceCommand []string

	// Zero values fall back to the coordinator defaults.
	MaxTaskAttempts int
	MaxFailedTasks  *int
}

type Job struct {
	ID        JobID
	Name      string
	Submitter string
	Priority  JobPriority
	Status    JobStatus
	Spec      JobSpec

	MapTasks    []*Task
	ReduceTasks []*Task

	MaxTaskAttempts int
	MaxFailedTasks  int
	FailedAttempts  int
	FailedTasks     int

	// Seq orders jobs by submission.
	Seq uint64

	SubmittedAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time

	Errors []JobError
}

type JobError struct {
	AttemptID AttemptID
	WorkerID  WorkerID
	Error     string
	Timestamp time.Time
}

func (j *Job) Tasks(kind TaskType) []*Task {
	if kind == TaskTypeReduce {
		return j.ReduceTasks
	}
	return j.MapTasks
}

func (j *Job) Task(id TaskID) *Task {
	tasks := j.Tasks(id.Type)
	if id.Job != j.ID || id.Index < 0 || id.Index >= len(tasks) {
		return nil
	}
	return tasks[id.Index]
}

// TransitionTo moves the job along PREP -> RUNNING -> {SUCCEEDED, FAILED, KILLED}.
func (j *Job) TransitionTo(next JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrIllegalTransition, j.ID, j.Status, next)
	}
	j.Status = next
	switch {
	case next == JobStatusRunning:
		j.StartedAt = &now
	case next.IsTerminal():
		j.FinishedAt = &now
	}
	return nil
}

func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

func (j *Job) Progress() JobProgress {
	return JobProgress{
		Map:    progressOf(j.MapTasks),
		Reduce: progressOf(j.ReduceTasks),
	}
}

// Clone returns a deep copy safe to hand outside the owning lock.
func (j *Job) Clone() *Job {
	c := *j
	c.MapTasks = cloneTasks(j.MapTasks)
	c.ReduceTasks = cloneTasks(j.ReduceTasks)
	c.Errors = append([]JobError(nil), j.Errors...)
	return &c
}

type JobProgress struct {
	Map    TaskProgress
	Reduce TaskProgress
}

type TaskProgress struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
}

// DoneFraction counts completed and failed tasks against the total.
func (p TaskProgress) DoneFraction() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Completed+p.Failed) / float64(p.Total)
}

func progressOf(tasks []*Task) TaskProgress {
	p := TaskProgress{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case TaskStatusPending:
			p.Pending++
		case TaskStatusRunning:
			p.Running++
		case TaskStatusComplete:
			p.Completed++
		case TaskStatusFailed:
			p.Failed++
		}
	}
	return p
}

type Task struct {
	ID     TaskID
	Status TaskStatus
	Split  InputSplit

	// Seq is the global submission order, kept across retries.
	Seq uint64

	Attempts []*Attempt
	Failures int

	// ExcludedWorkers holds workers on which this task already failed.
	ExcludedWorkers map[WorkerID]struct{}

	SpeculationRequested bool
}

func (t *Task) Type() TaskType {
	return t.ID.Type
}

func (t *Task) TransitionTo(next TaskStatus) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrIllegalTransition, t.ID, t.Status, next)
	}
	t.Status = next
	return nil
}

func (t *Task) Excludes(worker WorkerID) bool {
	_, ok := t.ExcludedWorkers[worker]
	return ok
}

func (t *Task) Exclude(worker WorkerID) {
	if t.ExcludedWorkers == nil {
		t.ExcludedWorkers = make(map[WorkerID]struct{})
	}
	t.ExcludedWorkers[worker] = struct{}{}
}

func (t *Task) RunningAttempts() []*Attempt {
	var running []*Attempt
	for _, a := range t.Attempts {
		if a.Status == AttemptStatusRunning {
			running = append(running, a)
		}
	}
	return running
}

func (t *Task) Attempt(number int) *Attempt {
	if number < 0 || number >= len(t.Attempts) {
		return nil
	}
	return t.Attempts[number]
}

// SuccessfulAttempt returns the single SUCCEEDED attempt, if any.
func (t *Task) SuccessfulAttempt() *Attempt {
	for _, a := range t.Attempts {
		if a.Status == AttemptStatusSucceeded {
			return a
		}
	}
	return nil
}

func (t *Task) NewAttempt(worker WorkerID, now time.Time, speculative bool) *Attempt {
	a := &Attempt{
		ID:          AttemptID{Task: t.ID, Number: len(t.Attempts)},
		WorkerID:    worker,
		StartedAt:   now,
		Status:      AttemptStatusRunning,
		Speculative: speculative,
		ProgressAt:  now,
	}
	t.Attempts = append(t.Attempts, a)
	return a
}

func cloneTasks(tasks []*Task) []*Task {
	out := make([]*Task, len(tasks))
	for i, t := range tasks {
		c := *t
		c.Split.Locations = append([]string(nil), t.Split.Locations...)
		if t.Attempts != nil {
			c.Attempts = make([]*Attempt, len(t.Attempts))
			for k, a := range t.Attempts {
				ac := *a
				c.Attempts[k] = &ac
			}
		}
		if t.ExcludedWorkers != nil {
			c.ExcludedWorkers = make(map[WorkerID]struct{}, len(t.ExcludedWorkers))
			for w := range t.ExcludedWorkers {
				c.ExcludedWorkers[w] = struct{}{}
			}
		}
		out[i] = &c
	}
	return out
}

type Attempt struct {
	ID          AttemptID
	WorkerID    WorkerID
	Status      AttemptStatus
	Speculative bool

	StartedAt  time.Time
	FinishedAt *time.Time

	// Progress is the last reported completion fraction in [0, 1].
	Progress   float64
	ProgressAt time.Time

	Diagnostic string
}

// Rate is the progress made per second since the attempt started.
func (a *Attempt) Rate(now time.Time) float64 {
	end := now
	progress := a.Progress
	if a.FinishedAt != nil {
		end = *a.FinishedAt
		if a.Status == AttemptStatusSucceeded {
			progress = 1
		}
	}
	elapsed := end.Sub(a.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return progress / elapsed
}

func (a *Attempt) Finish(status AttemptStatus, now time.Time, diagnostic string) {
	a.Status = status
	a.FinishedAt = &now
	if status == AttemptStatusSucceeded {
		a.Progress = 1
		a.ProgressAt = now
	}
	if diagnostic != "" {
		a.Diagnostic = diagnostic
	}
}
