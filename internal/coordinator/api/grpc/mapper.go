package grpc

import (
	"fmt"
	"time"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/rpc"
)

func toCoreHeartbeat(req *rpc.HeartbeatRequest) (*core.HeartbeatRequest, error) {
	if req.TimestampNano <= 0 {
		return nil, fmt.Errorf("%w: missing timestamp", core.ErrProtocol)
	}
	out := &core.HeartbeatRequest{
		Worker: core.WorkerIdentity{
			Host:      req.Worker.Host,
			Port:      req.Worker.Port,
			StartedAt: time.Unix(0, req.Worker.StartTimeNano).UTC(),
		},
		Timestamp: time.Unix(0, req.TimestampNano).UTC(),
		Capacity:  core.SlotCounts{Map: req.Capacity.Map, Reduce: req.Capacity.Reduce},
		FreeSlots: core.SlotCounts{Map: req.FreeSlots.Map, Reduce: req.FreeSlots.Reduce},
	}

	for _, c := range req.Completions {
		id, err := core.ParseAttemptID(c.AttemptID)
		if err != nil {
			return nil, err
		}
		outcome, err := core.ParseAttemptOutcome(c.Outcome)
		if err != nil {
			return nil, err
		}
		out.Completions = append(out.Completions, core.AttemptCompletion{
			AttemptID:  id,
			Outcome:    outcome,
			Diagnostic: c.Diagnostic,
		})
	}
	for _, p := range req.Progress {
		id, err := core.ParseAttemptID(p.AttemptID)
		if err != nil {
			return nil, err
		}
		out.Progress = append(out.Progress, core.AttemptProgress{AttemptID: id, Fraction: p.Fraction})
	}
	return out, nil
}

func toRPCHeartbeatResponse(resp *core.HeartbeatResponse) *rpc.HeartbeatResponse {
	out := &rpc.HeartbeatResponse{
		HeartbeatIntervalMs: resp.HeartbeatInterval.Milliseconds(),
	}
	for _, id := range resp.KillList {
		out.KillList = append(out.KillList, id.String())
	}
	for _, a := range resp.Assignments {
		out.Assignments = append(out.Assignments, rpc.Assignment{
			AttemptID:         a.AttemptID.String(),
			TaskID:            a.TaskID.String(),
			JobID:             string(a.JobID),
			Kind:              string(a.Kind),
			InputLocationHint: a.InputLocationHint,
			Speculative:       a.Speculative,
			Command:           a.Command,
			NumMapTasks:       a.NumMapTasks,
			NumReduceTasks:    a.NumReduceTasks,
		})
	}
	return out
}
