package core

import "context"

// JobService defines the interface for job submission and control
type JobService interface {
	SubmitJob(spec JobSpec) (JobID, error)
	GetJob(id JobID) (*Job, error)
	GetJobs(filter JobFilter) ([]*Job, int, error)
	Progress(id JobID) (JobProgress, error)
	KillJob(id JobID) error
}

// WorkerService defines the interface for operator-facing worker management
type WorkerService interface {
	ListWorkers() []Worker
	Blacklist(id WorkerID) error
	Unblacklist(id WorkerID) error
	ClusterStatus() ClusterStatus
}

// HeartbeatHandler processes one worker check-in.
type HeartbeatHandler interface {
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
}
