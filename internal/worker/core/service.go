package core

import (
	"context"

	"github.com/nemanja-m/jobtracker/internal/shared/rpc"
)

type CoordinatorClient interface {
	Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error)
	Close() error
}

type WorkerService interface {
	Run(ctx context.Context) error
}

// ProgressFunc receives the fraction of an attempt completed so far, in [0, 1].
type ProgressFunc func(fraction float64)

type TaskExecutor interface {
	Execute(ctx context.Context, task *rpc.Assignment, progress ProgressFunc) error
}
