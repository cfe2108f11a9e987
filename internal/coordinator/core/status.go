package core

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ClusterStatus is a read-only point-in-time aggregate of the cluster. It is
// recomputed on demand and never mutated.
type ClusterStatus struct {
	Workers            int
	BlacklistedWorkers int
	RunningMapTasks    int
	RunningReduceTasks int
	MaxMapTasks        int
	MaxReduceTasks     int
	State              CoordinatorState
	UsedMemory         int64
	MaxMemory          int64
}

// Wire field numbers. These never change; new fields get new numbers.
const (
	statusFieldWorkers            protowire.Number = 1
	statusFieldBlacklistedWorkers protowire.Number = 2
	statusFieldRunningMapTasks    protowire.Number = 3
	statusFieldRunningReduceTasks protowire.Number = 4
	statusFieldMaxMapTasks        protowire.Number = 5
	statusFieldMaxReduceTasks     protowire.Number = 6
	statusFieldUsedMemory         protowire.Number = 7
	statusFieldMaxMemory          protowire.Number = 8
	statusFieldState              protowire.Number = 9
)

// MarshalBinary encodes the snapshot in protobuf wire format with a fixed
// field order. The coordinator state is written by name.
func (s ClusterStatus) MarshalBinary() ([]byte, error) {
	state, err := s.State.MarshalText()
	if err != nil {
		return nil, err
	}
	var b []byte
	for _, f := range []struct {
		num protowire.Number
		v   int64
	}{
		{statusFieldWorkers, int64(s.Workers)},
		{statusFieldBlacklistedWorkers, int64(s.BlacklistedWorkers)},
		{statusFieldRunningMapTasks, int64(s.RunningMapTasks)},
		{statusFieldRunningReduceTasks, int64(s.RunningReduceTasks)},
		{statusFieldMaxMapTasks, int64(s.MaxMapTasks)},
		{statusFieldMaxReduceTasks, int64(s.MaxReduceTasks)},
		{statusFieldUsedMemory, s.UsedMemory},
		{statusFieldMaxMemory, s.MaxMemory},
	} {
		b = protowire.AppendTag(b, f.num, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(f.v))
	}
	b = protowire.AppendTag(b, statusFieldState, protowire.BytesType)
	b = protowire.AppendString(b, string(state))
	return b, nil
}

// UnmarshalBinary decodes MarshalBinary output. Unknown fields are skipped.
func (s *ClusterStatus) UnmarshalBinary(b []byte) error {
	var out ClusterStatus
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("cluster status: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if num == statusFieldState && typ == protowire.BytesType {
			name, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("cluster status: %w", protowire.ParseError(n))
			}
			if err := out.State.UnmarshalText([]byte(name)); err != nil {
				return fmt.Errorf("cluster status: %w", err)
			}
			b = b[n:]
			continue
		}

		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("cluster status: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		raw, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return fmt.Errorf("cluster status: %w", protowire.ParseError(n))
		}
		b = b[n:]
		v := protowire.DecodeZigZag(raw)
		switch num {
		case statusFieldWorkers:
			out.Workers = int(v)
		case statusFieldBlacklistedWorkers:
			out.BlacklistedWorkers = int(v)
		case statusFieldRunningMapTasks:
			out.RunningMapTasks = int(v)
		case statusFieldRunningReduceTasks:
			out.RunningReduceTasks = int(v)
		case statusFieldMaxMapTasks:
			out.MaxMapTasks = int(v)
		case statusFieldMaxReduceTasks:
			out.MaxReduceTasks = int(v)
		case statusFieldUsedMemory:
			out.UsedMemory = v
		case statusFieldMaxMemory:
			out.MaxMemory = v
		}
	}
	*s = out
	return nil
}

// clusterStatusJSON fixes the JSON field order.
type clusterStatusJSON struct {
	Workers            int              `json:"workers"`
	BlacklistedWorkers int              `json:"blacklisted_workers"`
	RunningMapTasks    int              `json:"running_map_tasks"`
	RunningReduceTasks int              `json:"running_reduce_tasks"`
	MaxMapTasks        int              `json:"max_map_tasks"`
	MaxReduceTasks     int              `json:"max_reduce_tasks"`
	State              CoordinatorState `json:"state"`
	UsedMemory         int64            `json:"used_memory"`
	MaxMemory          int64            `json:"max_memory"`
}

func (s ClusterStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(clusterStatusJSON(s))
}

func (s *ClusterStatus) UnmarshalJSON(data []byte) error {
	var v clusterStatusJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = ClusterStatus(v)
	return nil
}
