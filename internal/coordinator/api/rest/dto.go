package rest

import (
	"time"
)

// SubmitJobRequest is accepted as JSON or, with a YAML content type, as YAML.
type SubmitJobRequest struct {
	Name      string          `json:"name" yaml:"name"`
	Submitter string          `json:"submitter,omitempty" yaml:"submitter"`
	Priority  string          `json:"priority,omitempty" yaml:"priority"`
	Input     InputConfig     `json:"input" yaml:"input"`
	Executors ExecutorsConfig `json:"executors" yaml:"executors"`
	Config    JobConfig       `json:"config" yaml:"config"`
}

type InputConfig struct {
	Paths  []string `json:"paths" yaml:"paths"`   // Glob patterns or specific paths
	Format string   `json:"format" yaml:"format"` // "text", "json", "csv", etc.
}

type ExecutorsConfig struct {
	Map    ExecutorSpec `json:"map" yaml:"map"`
	Reduce ExecutorSpec `json:"reduce" yaml:"reduce"`
}

type ExecutorSpec struct {
	Command []string `json:"command" yaml:"command"`
}

type JobConfig struct {
	NumMapTasks     int  `json:"numMapTasks,omitempty" yaml:"numMapTasks"`
	NumReduceTasks  int  `json:"numReduceTasks" yaml:"numReduceTasks"`
	MaxTaskAttempts *int `json:"maxTaskAttempts,omitempty" yaml:"maxTaskAttempts"`
	MaxFailedTasks  *int `json:"maxFailedTasks,omitempty" yaml:"maxFailedTasks"`
}

type SubmitJobResponse struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	MapTasks    int       `json:"map_tasks"`
	ReduceTasks int       `json:"reduce_tasks"`
	Links       Links     `json:"links"`
}

type Links struct {
	Self     string `json:"self"`
	Progress string `json:"progress,omitempty"`
}

type GetJobResponse struct {
	JobID      string         `json:"job_id"`
	Name       string         `json:"name"`
	Submitter  string         `json:"submitter,omitempty"`
	Priority   string         `json:"priority"`
	Status     string         `json:"status"`
	Progress   ProgressInfo   `json:"progress"`
	Counters   CountersInfo   `json:"counters"`
	Timestamps TimestampsInfo `json:"timestamps"`
	Errors     []ErrorInfo    `json:"errors"`
}

type ProgressInfo struct {
	Map    TaskProgress `json:"map"`
	Reduce TaskProgress `json:"reduce"`
}

type TaskProgress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type CountersInfo struct {
	FailedAttempts  int `json:"failed_attempts"`
	FailedTasks     int `json:"failed_tasks"`
	MaxTaskAttempts int `json:"max_task_attempts"`
	MaxFailedTasks  int `json:"max_failed_tasks"`
}

type TimestampsInfo struct {
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started"`
	Finished  *time.Time `json:"finished"`
}

type ErrorInfo struct {
	AttemptID string    `json:"attempt_id"`
	WorkerID  string    `json:"worker_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type JobProgressResponse struct {
	JobID  string       `json:"job_id"`
	Map    TaskProgress `json:"map"`
	Reduce TaskProgress `json:"reduce"`
}

type ListJobsResponse struct {
	Jobs       []JobSummary `json:"jobs"`
	Total      int          `json:"total"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
	NextOffset *int         `json:"next_offset,omitempty"`
}

type JobSummary struct {
	JobID       string     `json:"job_id"`
	Name        string     `json:"name"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type GetTasksResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}

type TaskInfo struct {
	TaskID    string        `json:"task_id"`
	Type      string        `json:"type"` // "MAP" or "REDUCE"
	Status    string        `json:"status"`
	Failures  int           `json:"failures"`
	Locations []string      `json:"locations,omitempty"`
	Attempts  []AttemptInfo `json:"attempts"`
}

type AttemptInfo struct {
	AttemptID   string     `json:"attempt_id"`
	WorkerID    string     `json:"worker_id"`
	Status      string     `json:"status"`
	Speculative bool       `json:"speculative"`
	Progress    float64    `json:"progress"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Diagnostic  string     `json:"diagnostic,omitempty"`
}

type ListWorkersResponse struct {
	Workers []WorkerInfo `json:"workers"`
}

type WorkerInfo struct {
	WorkerID            string    `json:"worker_id"`
	Host                string    `json:"host"`
	Port                int       `json:"port"`
	Rack                string    `json:"rack,omitempty"`
	Health              string    `json:"health"`
	MapSlots            SlotInfo  `json:"map_slots"`
	ReduceSlots         SlotInfo  `json:"reduce_slots"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	StartedAt           time.Time `json:"started_at"`
	LastHeartbeatAt     time.Time `json:"last_heartbeat_at"`
}

type SlotInfo struct {
	Capacity int `json:"capacity"`
	Occupied int `json:"occupied"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
