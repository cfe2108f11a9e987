package core

import (
	"fmt"
	"strings"
)

type WorkerHealth string

const (
	WorkerHealthActive      WorkerHealth = "ACTIVE"
	WorkerHealthBlacklisted WorkerHealth = "BLACKLISTED"
	WorkerHealthLost        WorkerHealth = "LOST"
)

type JobStatus string

const (
	JobStatusPrep      JobStatus = "PREP"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusKilled    JobStatus = "KILLED"
)

// jobTransitions lists the legal successor states. Terminal states have none.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPrep:    {JobStatusRunning, JobStatusKilled},
	JobStatusRunning: {JobStatusSucceeded, JobStatusFailed, JobStatusKilled},
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusKilled
}

func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type TaskType string

const (
	TaskTypeMap    TaskType = "MAP"
	TaskTypeReduce TaskType = "REDUCE"
)

// code is the single-letter form used inside task and attempt identifiers.
func (t TaskType) code() string {
	if t == TaskTypeReduce {
		return "r"
	}
	return "m"
}

func taskTypeFromCode(code string) (TaskType, bool) {
	switch code {
	case "m":
		return TaskTypeMap, true
	case "r":
		return TaskTypeReduce, true
	}
	return "", false
}

type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "PENDING"
	TaskStatusRunning  TaskStatus = "RUNNING"
	TaskStatusComplete TaskStatus = "COMPLETE"
	TaskStatusFailed   TaskStatus = "FAILED"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusFailed},
	TaskStatusRunning: {TaskStatusPending, TaskStatusComplete, TaskStatusFailed},
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusComplete || s == TaskStatusFailed
}

func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type AttemptStatus string

const (
	AttemptStatusRunning   AttemptStatus = "RUNNING"
	AttemptStatusSucceeded AttemptStatus = "SUCCEEDED"
	AttemptStatusFailed    AttemptStatus = "FAILED"
	AttemptStatusKilled    AttemptStatus = "KILLED"
)

func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusSucceeded || s == AttemptStatusFailed || s == AttemptStatusKilled
}

// ParseAttemptOutcome accepts only the outcomes a worker may report.
func ParseAttemptOutcome(s string) (AttemptStatus, error) {
	switch status := AttemptStatus(strings.ToUpper(s)); status {
	case AttemptStatusSucceeded, AttemptStatusFailed, AttemptStatusKilled:
		return status, nil
	}
	return "", fmt.Errorf("%w: invalid attempt outcome %q", ErrProtocol, s)
}

// symbolTable maps an enum's symbolic names to stable wire codes. Codes are
// assigned explicitly so that reordering declarations never changes them.
type symbolTable[T ~int] struct {
	names map[T]string
	codes map[string]T
}

func newSymbolTable[T ~int](names map[T]string) symbolTable[T] {
	codes := make(map[string]T, len(names))
	for code, name := range names {
		codes[name] = code
	}
	return symbolTable[T]{names: names, codes: codes}
}

func (t symbolTable[T]) name(v T) string {
	if name, ok := t.names[v]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(v))
}

func (t symbolTable[T]) parse(kind, name string) (T, error) {
	if v, ok := t.codes[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("unknown %s %q", kind, name)
}

// CoordinatorState is persisted and transmitted by symbolic name.
type CoordinatorState int

const (
	CoordinatorInitializing CoordinatorState = 1
	CoordinatorRunning      CoordinatorState = 2
	CoordinatorStopping     CoordinatorState = 3
)

var coordinatorStates = newSymbolTable(map[CoordinatorState]string{
	CoordinatorInitializing: "INITIALIZING",
	CoordinatorRunning:      "RUNNING",
	CoordinatorStopping:     "STOPPING",
})

func (s CoordinatorState) String() string {
	return coordinatorStates.name(s)
}

func ParseCoordinatorState(name string) (CoordinatorState, error) {
	return coordinatorStates.parse("coordinator state", name)
}

func (s CoordinatorState) MarshalText() ([]byte, error) {
	if _, ok := coordinatorStates.names[s]; !ok {
		return nil, fmt.Errorf("unknown coordinator state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *CoordinatorState) UnmarshalText(text []byte) error {
	v, err := ParseCoordinatorState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// JobPriority orders jobs for scheduling. Higher values are scheduled first.
type JobPriority int

const (
	PriorityVeryLow  JobPriority = -2
	PriorityLow      JobPriority = -1
	PriorityNormal   JobPriority = 0
	PriorityHigh     JobPriority = 1
	PriorityVeryHigh JobPriority = 2
)

var jobPriorities = newSymbolTable(map[JobPriority]string{
	PriorityVeryLow:  "VERY_LOW",
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityVeryHigh: "VERY_HIGH",
})

func (p JobPriority) String() string {
	return jobPriorities.name(p)
}

// ParseJobPriority maps a symbolic name to a priority. An empty name is NORMAL.
func ParseJobPriority(name string) (JobPriority, error) {
	if strings.TrimSpace(name) == "" {
		return PriorityNormal, nil
	}
	return jobPriorities.parse("job priority", name)
}

func (p JobPriority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *JobPriority) UnmarshalText(text []byte) error {
	v, err := ParseJobPriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
