package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// WorkerID identifies a worker by its advertised host:port.
type WorkerID string

type JobID string

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

func ParseJobID(s string) (JobID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return JobID(id.String()), nil
}

// TaskID renders as task_<job>_<m|r>_<index>.
type TaskID struct {
	Job   JobID
	Type  TaskType
	Index int
}

func (id TaskID) String() string {
	return fmt.Sprintf("task_%s_%s_%06d", id.Job, id.Type.code(), id.Index)
}

func (id TaskID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *TaskID) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func ParseTaskID(s string) (TaskID, error) {
	rest, ok := strings.CutPrefix(s, "task_")
	if !ok {
		return TaskID{}, fmt.Errorf("%w: malformed task id %q", ErrProtocol, s)
	}
	id, tail, err := parseTaskParts(rest)
	if err != nil || tail != "" {
		return TaskID{}, fmt.Errorf("%w: malformed task id %q", ErrProtocol, s)
	}
	return id, nil
}

// AttemptID renders as attempt_<job>_<m|r>_<index>_<n>.
type AttemptID struct {
	Task   TaskID
	Number int
}

func (id AttemptID) String() string {
	t := id.Task
	return fmt.Sprintf("attempt_%s_%s_%06d_%d", t.Job, t.Type.code(), t.Index, id.Number)
}

func (id AttemptID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *AttemptID) UnmarshalText(text []byte) error {
	parsed, err := ParseAttemptID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func ParseAttemptID(s string) (AttemptID, error) {
	rest, ok := strings.CutPrefix(s, "attempt_")
	if !ok {
		return AttemptID{}, fmt.Errorf("%w: malformed attempt id %q", ErrProtocol, s)
	}
	task, tail, err := parseTaskParts(rest)
	if err != nil || tail == "" {
		return AttemptID{}, fmt.Errorf("%w: malformed attempt id %q", ErrProtocol, s)
	}
	n, err := strconv.Atoi(tail)
	if err != nil || n < 0 {
		return AttemptID{}, fmt.Errorf("%w: malformed attempt id %q", ErrProtocol, s)
	}
	return AttemptID{Task: task, Number: n}, nil
}

// parseTaskParts parses "<job>_<m|r>_<index>[_<tail>]". Job ids are UUIDs and
// never contain underscores.
func parseTaskParts(s string) (TaskID, string, error) {
	parts := strings.SplitN(s, "_", 4)
	if len(parts) < 3 {
		return TaskID{}, "", fmt.Errorf("too few components")
	}
	job, err := ParseJobID(parts[0])
	if err != nil {
		return TaskID{}, "", err
	}
	kind, ok := taskTypeFromCode(parts[1])
	if !ok {
		return TaskID{}, "", fmt.Errorf("unknown task type %q", parts[1])
	}
	index, err := strconv.Atoi(parts[2])
	if err != nil || index < 0 {
		return TaskID{}, "", fmt.Errorf("invalid task index %q", parts[2])
	}
	tail := ""
	if len(parts) == 4 {
		tail = parts[3]
	}
	return TaskID{Job: job, Type: kind, Index: index}, tail, nil
}
