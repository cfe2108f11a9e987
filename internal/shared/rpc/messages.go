// Package rpc defines the coordinator RPC contract shared by the coordinator
// and its workers. Messages travel as JSON over gRPC.
package rpc

// WorkerInfo identifies one worker process. StartTime changes on restart.
type WorkerInfo struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	StartTimeNano int64  `json:"start_time_unix_nano"`
}

type Slots struct {
	Map    int `json:"map"`
	Reduce int `json:"reduce"`
}

type Completion struct {
	AttemptID  string `json:"attempt_id"`
	Outcome    string `json:"outcome"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

type Progress struct {
	AttemptID string  `json:"attempt_id"`
	Fraction  float64 `json:"fraction"`
}

// HeartbeatRequest is sent by a worker on every check-in. Resending the same
// request, timestamp included, is safe.
type HeartbeatRequest struct {
	Worker        WorkerInfo   `json:"worker"`
	TimestampNano int64        `json:"timestamp_unix_nano"`
	Capacity      Slots        `json:"capacity"`
	FreeSlots     Slots        `json:"free_slots"`
	Completions   []Completion `json:"completions,omitempty"`
	Progress      []Progress   `json:"progress,omitempty"`
}

type Assignment struct {
	AttemptID         string   `json:"attempt_id"`
	TaskID            string   `json:"task_id"`
	JobID             string   `json:"job_id"`
	Kind              string   `json:"kind"`
	InputLocationHint string   `json:"input_location_hint,omitempty"`
	Speculative       bool     `json:"speculative"`
	Command           []string `json:"command,omitempty"`
	NumMapTasks       int      `json:"num_map_tasks"`
	NumReduceTasks    int      `json:"num_reduce_tasks"`
}

type HeartbeatResponse struct {
	KillList            []string     `json:"kill_list,omitempty"`
	Assignments         []Assignment `json:"assignments,omitempty"`
	HeartbeatIntervalMs int64        `json:"heartbeat_interval_ms"`
}

type ClusterStatusRequest struct{}

// ClusterStatusResponse carries the cluster status in its stable binary encoding.
type ClusterStatusResponse struct {
	Status []byte `json:"status"`
}
