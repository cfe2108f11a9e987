package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/logging"
	"github.com/nemanja-m/jobtracker/internal/shared/rpc"
)

type CoordinatorService struct {
	heartbeats    core.HeartbeatHandler
	workerService core.WorkerService

	logger logging.Logger
}

var _ rpc.CoordinatorServer = (*CoordinatorService)(nil)

func NewCoordinatorService(heartbeats core.HeartbeatHandler, workerService core.WorkerService, logger logging.Logger) *CoordinatorService {
	return &CoordinatorService{
		heartbeats:    heartbeats,
		workerService: workerService,
		logger:        logger,
	}
}

func (s *CoordinatorService) Heartbeat(
	ctx context.Context,
	req *rpc.HeartbeatRequest,
) (*rpc.HeartbeatResponse, error) {
	hb, err := toCoreHeartbeat(req)
	if err != nil {
		s.logger.Warn("Rejected malformed heartbeat", "host", req.Worker.Host, "port", req.Worker.Port, "error", err)
		return nil, toStatusError(err)
	}

	resp, err := s.heartbeats.Heartbeat(ctx, hb)
	if err != nil {
		s.logger.Warn("Heartbeat failed", "worker_id", hb.Worker.ID(), "error", err)
		return nil, toStatusError(err)
	}

	s.logger.Debug(
		"Heartbeat processed",
		"worker_id", hb.Worker.ID(),
		"assignments", len(resp.Assignments),
		"kills", len(resp.KillList),
	)
	return toRPCHeartbeatResponse(resp), nil
}

func (s *CoordinatorService) ClusterStatus(
	ctx context.Context,
	req *rpc.ClusterStatusRequest,
) (*rpc.ClusterStatusResponse, error) {
	snapshot := s.workerService.ClusterStatus()
	data, err := snapshot.MarshalBinary()
	if err != nil {
		s.logger.Error("Failed to encode cluster status", "error", err)
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.ClusterStatusResponse{Status: data}, nil
}

func toStatusError(err error) error {
	switch {
	case errors.Is(err, core.ErrProtocol), errors.Is(err, core.ErrInvalidSpec):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, core.ErrUnknownWorker), errors.Is(err, core.ErrUnknownJob), errors.Is(err, core.ErrUnknownAttempt):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
