package core

import (
	"fmt"
	"time"
)

type AttemptCompletion struct {
	AttemptID  AttemptID
	Outcome    AttemptStatus
	Diagnostic string
}

type AttemptProgress struct {
	AttemptID AttemptID
	Fraction  float64
}

type HeartbeatRequest struct {
	Worker    WorkerIdentity
	Timestamp time.Time

	Capacity  SlotCounts
	FreeSlots SlotCounts

	Completions []AttemptCompletion
	Progress    []AttemptProgress
}

// Validate rejects payloads the coordinator cannot act on.
func (r *HeartbeatRequest) Validate() error {
	switch {
	case r.Worker.Host == "":
		return fmt.Errorf("%w: missing worker host", ErrProtocol)
	case r.Worker.Port <= 0 || r.Worker.Port > 65535:
		return fmt.Errorf("%w: invalid worker port %d", ErrProtocol, r.Worker.Port)
	case r.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrProtocol)
	case r.Capacity.Map < 0 || r.Capacity.Reduce < 0:
		return fmt.Errorf("%w: negative capacity", ErrProtocol)
	case r.FreeSlots.Map < 0 || r.FreeSlots.Reduce < 0:
		return fmt.Errorf("%w: negative free slots", ErrProtocol)
	case r.FreeSlots.Map > r.Capacity.Map || r.FreeSlots.Reduce > r.Capacity.Reduce:
		return fmt.Errorf("%w: free slots exceed capacity", ErrProtocol)
	}
	for _, c := range r.Completions {
		if !c.Outcome.IsTerminal() {
			return fmt.Errorf("%w: attempt %s reported non-terminal outcome %q", ErrProtocol, c.AttemptID, c.Outcome)
		}
	}
	for _, p := range r.Progress {
		if p.Fraction < 0 || p.Fraction > 1 {
			return fmt.Errorf("%w: attempt %s progress %v out of range", ErrProtocol, p.AttemptID, p.Fraction)
		}
	}
	return nil
}

// Assignment instructs a worker to launch one attempt.
type Assignment struct {
	AttemptID   AttemptID
	TaskID      TaskID
	JobID       JobID
	Kind        TaskType
	Speculative bool

	InputLocationHint string
	Split             InputSplit
	Command           []string

	// NumMapTasks and NumReduceTasks size the job's shuffle.
	NumMapTasks    int
	NumReduceTasks int

	// Locality is the tier the scheduler matched on (0 local, 1 rack, 2 any).
	Locality LocalityTier
}

type HeartbeatResponse struct {
	KillList          []AttemptID
	Assignments       []Assignment
	HeartbeatInterval time.Duration
}

func (r *HeartbeatResponse) Clone() *HeartbeatResponse {
	c := *r
	c.KillList = append([]AttemptID(nil), r.KillList...)
	c.Assignments = append([]Assignment(nil), r.Assignments...)
	return &c
}
