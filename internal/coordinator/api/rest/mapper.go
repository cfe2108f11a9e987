package rest

import (
	"fmt"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
)

func (req *SubmitJobRequest) ToJobSpec() (core.JobSpec, error) {
	priority, err := core.ParseJobPriority(req.Priority)
	if err != nil {
		return core.JobSpec{}, err
	}

	spec := core.JobSpec{
		Name:      req.Name,
		Submitter: req.Submitter,
		Priority:  priority,
		Input: core.InputSpec{
			Paths:  req.Input.Paths,
			Format: req.Input.Format,
		},
		NumMapTasks:    req.Config.NumMapTasks,
		NumReduceTasks: req.Config.NumReduceTasks,
		MapCommand:     req.Executors.Map.Command,
		ReduceCommand:  req.Executors.Reduce.Command,
		MaxFailedTasks: req.Config.MaxFailedTasks,
	}
	if req.Config.MaxTaskAttempts != nil {
		spec.MaxTaskAttempts = *req.Config.MaxTaskAttempts
	}
	return spec, nil
}

func (req *SubmitJobRequest) Validate() error {
	if req.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if len(req.Input.Paths) == 0 {
		return fmt.Errorf("at least one input path is required")
	}
	if len(req.Executors.Map.Command) == 0 {
		return fmt.Errorf("map command is required")
	}
	if req.Config.NumReduceTasks > 0 && len(req.Executors.Reduce.Command) == 0 {
		return fmt.Errorf("reduce command is required when numReduceTasks > 0")
	}
	if req.Config.NumMapTasks < 0 || req.Config.NumReduceTasks < 0 {
		return fmt.Errorf("task counts must not be negative")
	}
	if req.Config.MaxTaskAttempts != nil && *req.Config.MaxTaskAttempts < 1 {
		return fmt.Errorf("maxTaskAttempts must be at least 1")
	}
	if req.Config.MaxFailedTasks != nil && *req.Config.MaxFailedTasks < 0 {
		return fmt.Errorf("maxFailedTasks must not be negative")
	}
	return nil
}

func ToSubmitJobResponse(job *core.Job) SubmitJobResponse {
	return SubmitJobResponse{
		JobID:       string(job.ID),
		Status:      string(job.Status),
		SubmittedAt: job.SubmittedAt,
		MapTasks:    len(job.MapTasks),
		ReduceTasks: len(job.ReduceTasks),
		Links: Links{
			Self:     fmt.Sprintf("/api/jobs/%s", job.ID),
			Progress: fmt.Sprintf("/api/jobs/%s/progress", job.ID),
		},
	}
}

func ToGetJobResponse(job *core.Job) GetJobResponse {
	errors := make([]ErrorInfo, 0, len(job.Errors))
	for _, e := range job.Errors {
		errors = append(errors, ErrorInfo{
			AttemptID: e.AttemptID.String(),
			WorkerID:  string(e.WorkerID),
			Error:     e.Error,
			Timestamp: e.Timestamp,
		})
	}

	return GetJobResponse{
		JobID:     string(job.ID),
		Name:      job.Name,
		Submitter: job.Submitter,
		Priority:  job.Priority.String(),
		Status:    string(job.Status),
		Progress:  toProgressInfo(job.Progress()),
		Counters: CountersInfo{
			FailedAttempts:  job.FailedAttempts,
			FailedTasks:     job.FailedTasks,
			MaxTaskAttempts: job.MaxTaskAttempts,
			MaxFailedTasks:  job.MaxFailedTasks,
		},
		Timestamps: TimestampsInfo{
			Submitted: job.SubmittedAt,
			Started:   job.StartedAt,
			Finished:  job.FinishedAt,
		},
		Errors: errors,
	}
}

func ToJobProgressResponse(id core.JobID, p core.JobProgress) JobProgressResponse {
	info := toProgressInfo(p)
	return JobProgressResponse{JobID: string(id), Map: info.Map, Reduce: info.Reduce}
}

func toProgressInfo(p core.JobProgress) ProgressInfo {
	return ProgressInfo{
		Map:    toTaskProgress(p.Map),
		Reduce: toTaskProgress(p.Reduce),
	}
}

func toTaskProgress(p core.TaskProgress) TaskProgress {
	return TaskProgress{
		Total:     p.Total,
		Pending:   p.Pending,
		Running:   p.Running,
		Completed: p.Completed,
		Failed:    p.Failed,
	}
}

func ToJobSummary(job *core.Job) JobSummary {
	return JobSummary{
		JobID:       string(job.ID),
		Name:        job.Name,
		Priority:    job.Priority.String(),
		Status:      string(job.Status),
		SubmittedAt: job.SubmittedAt,
		FinishedAt:  job.FinishedAt,
	}
}

func ToTaskInfo(task *core.Task) TaskInfo {
	attempts := make([]AttemptInfo, 0, len(task.Attempts))
	for _, a := range task.Attempts {
		attempts = append(attempts, AttemptInfo{
			AttemptID:   a.ID.String(),
			WorkerID:    string(a.WorkerID),
			Status:      string(a.Status),
			Speculative: a.Speculative,
			Progress:    a.Progress,
			StartTime:   a.StartedAt,
			EndTime:     a.FinishedAt,
			Diagnostic:  a.Diagnostic,
		})
	}
	return TaskInfo{
		TaskID:    task.ID.String(),
		Type:      string(task.Type()),
		Status:    string(task.Status),
		Failures:  task.Failures,
		Locations: task.Split.Locations,
		Attempts:  attempts,
	}
}

func ToWorkerInfo(w core.Worker) WorkerInfo {
	return WorkerInfo{
		WorkerID:            string(w.ID),
		Host:                w.Host,
		Port:                w.Port,
		Rack:                w.Rack,
		Health:              string(w.Health),
		MapSlots:            SlotInfo{Capacity: w.Capacity.Map, Occupied: w.Occupied.Map},
		ReduceSlots:         SlotInfo{Capacity: w.Capacity.Reduce, Occupied: w.Occupied.Reduce},
		ConsecutiveFailures: w.ConsecutiveFailures,
		StartedAt:           w.StartedAt,
		LastHeartbeatAt:     w.LastHeartbeatAt,
	}
}
