package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
)

type mockJobService struct {
	jobs      map[core.JobID]*core.Job
	submitted []core.JobSpec
	submitErr error
	killErr   error
	listErr   error
	lastQuery core.JobFilter
}

func newMockJobService() *mockJobService {
	return &mockJobService{jobs: make(map[core.JobID]*core.Job)}
}

func (m *mockJobService) add(status core.JobStatus, maps, reduces int) *core.Job {
	id := core.NewJobID()
	job := &core.Job{
		ID:              id,
		Name:            "wordcount",
		Status:          status,
		Seq:             uint64(len(m.jobs) + 1),
		SubmittedAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxTaskAttempts: 3,
	}
	for i := range maps {
		job.MapTasks = append(job.MapTasks, &core.Task{
			ID:     core.TaskID{Job: id, Type: core.TaskTypeMap, Index: i},
			Status: core.TaskStatusPending,
			Split:  core.InputSplit{Path: fmt.Sprintf("/data/part-%d", i), Locations: []string{"host-1"}},
		})
	}
	for i := range reduces {
		job.ReduceTasks = append(job.ReduceTasks, &core.Task{
			ID:     core.TaskID{Job: id, Type: core.TaskTypeReduce, Index: i},
			Status: core.TaskStatusPending,
		})
	}
	m.jobs[id] = job
	return job
}

func (m *mockJobService) SubmitJob(spec core.JobSpec) (core.JobID, error) {
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.submitted = append(m.submitted, spec)
	job := m.add(core.JobStatusRunning, 2, spec.NumReduceTasks)
	job.Name = spec.Name
	return job.ID, nil
}

func (m *mockJobService) GetJob(id core.JobID) (*core.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownJob, id)
	}
	return job, nil
}

func (m *mockJobService) GetJobs(filter core.JobFilter) ([]*core.Job, int, error) {
	m.lastQuery = filter
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	var all []*core.Job
	for seq := uint64(1); seq <= uint64(len(m.jobs)); seq++ {
		for _, job := range m.jobs {
			if job.Seq == seq && (filter.Status == nil || job.Status == *filter.Status) {
				all = append(all, job)
			}
		}
	}
	start := min(filter.Offset, len(all))
	end := min(start+filter.Limit, len(all))
	return all[start:end], len(all), nil
}

func (m *mockJobService) Progress(id core.JobID) (core.JobProgress, error) {
	job, err := m.GetJob(id)
	if err != nil {
		return core.JobProgress{}, err
	}
	return job.Progress(), nil
}

func (m *mockJobService) KillJob(id core.JobID) error {
	if m.killErr != nil {
		return m.killErr
	}
	job, err := m.GetJob(id)
	if err != nil {
		return err
	}
	job.Status = core.JobStatusKilled
	return nil
}

type mockWorkerService struct {
	workers     []core.Worker
	status      core.ClusterStatus
	blacklisted []core.WorkerID
}

func (m *mockWorkerService) ListWorkers() []core.Worker        { return m.workers }
func (m *mockWorkerService) ClusterStatus() core.ClusterStatus { return m.status }

func (m *mockWorkerService) Blacklist(id core.WorkerID) error {
	for _, w := range m.workers {
		if w.ID == id {
			m.blacklisted = append(m.blacklisted, id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", core.ErrUnknownWorker, id)
}

func (m *mockWorkerService) Unblacklist(id core.WorkerID) error {
	for i, b := range m.blacklisted {
		if b == id {
			m.blacklisted = append(m.blacklisted[:i], m.blacklisted[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", core.ErrUnknownWorker, id)
}

func newTestMux(jobs core.JobService, workers core.WorkerService, metrics http.Handler, logger *mockLogger) *http.ServeMux {
	api := NewAPI(jobs, workers, metrics, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	return mux
}

func serve(mux http.Handler, method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func validSubmitRequest() SubmitJobRequest {
	attempts := 4
	return SubmitJobRequest{
		Name:     "test-wordcount",
		Priority: "HIGH",
		Input: InputConfig{
			Paths:  []string{"/data/input/*.txt"},
			Format: "text",
		},
		Executors: ExecutorsConfig{
			Map:    ExecutorSpec{Command: []string{"wc", "-w"}},
			Reduce: ExecutorSpec{Command: []string{"sum"}},
		},
		Config: JobConfig{
			NumReduceTasks:  2,
			MaxTaskAttempts: &attempts,
		},
	}
}

func TestSubmitJob(t *testing.T) {
	jobs := newMockJobService()
	mux := newTestMux(jobs, &mockWorkerService{}, nil, newMockLogger())

	body, _ := json.Marshal(validSubmitRequest())
	w := serve(mux, http.MethodPost, "/api/jobs", body, "application/json")

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp SubmitJobResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.JobID == "" {
		t.Error("Expected job ID to be set")
	}
	if resp.Status != "RUNNING" {
		t.Errorf("Expected status RUNNING, got %s", resp.Status)
	}
	if resp.ReduceTasks != 2 {
		t.Errorf("Expected 2 reduce tasks, got %d", resp.ReduceTasks)
	}
	if resp.Links.Progress != "/api/jobs/"+resp.JobID+"/progress" {
		t.Errorf("Unexpected progress link %q", resp.Links.Progress)
	}

	if len(jobs.submitted) != 1 {
		t.Fatalf("Expected 1 submitted spec, got %d", len(jobs.submitted))
	}
	spec := jobs.submitted[0]
	if spec.Priority != core.PriorityHigh {
		t.Errorf("Expected HIGH priority, got %s", spec.Priority)
	}
	if spec.MaxTaskAttempts != 4 {
		t.Errorf("Expected 4 max attempts, got %d", spec.MaxTaskAttempts)
	}
	if spec.MaxFailedTasks != nil {
		t.Errorf("Expected default failed task tolerance, got %d", *spec.MaxFailedTasks)
	}
}

func TestSubmitJobYAML(t *testing.T) {
	jobs := newMockJobService()
	mux := newTestMux(jobs, &mockWorkerService{}, nil, newMockLogger())

	body := []byte(`
name: grep
priority: LOW
input:
  paths: ["/logs/**/*.log"]
executors:
  map:
    command: [grep, ERROR]
config:
  numMapTasks: 8
  maxFailedTasks: 2
`)
	w := serve(mux, http.MethodPost, "/api/jobs", body, "application/yaml")

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	spec := jobs.submitted[0]
	if spec.Name != "grep" || spec.NumMapTasks != 8 || spec.NumReduceTasks != 0 {
		t.Errorf("Unexpected spec %+v", spec)
	}
	if spec.MaxFailedTasks == nil || *spec.MaxFailedTasks != 2 {
		t.Errorf("Expected maxFailedTasks 2, got %v", spec.MaxFailedTasks)
	}
	if strings.Join(spec.MapCommand, " ") != "grep ERROR" {
		t.Errorf("Unexpected map command %v", spec.MapCommand)
	}
}

func TestSubmitJobRejected(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*SubmitJobRequest)
		submitErr error
		want      int
	}{
		{
			name:   "missing name",
			mutate: func(r *SubmitJobRequest) { r.Name = "" },
			want:   http.StatusBadRequest,
		},
		{
			name:   "missing input",
			mutate: func(r *SubmitJobRequest) { r.Input.Paths = nil },
			want:   http.StatusBadRequest,
		},
		{
			name:   "reduce without command",
			mutate: func(r *SubmitJobRequest) { r.Executors.Reduce.Command = nil },
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown priority",
			mutate: func(r *SubmitJobRequest) { r.Priority = "URGENT" },
			want:   http.StatusBadRequest,
		},
		{
			name:      "no splits",
			mutate:    func(r *SubmitJobRequest) {},
			submitErr: fmt.Errorf("%w: input matched no files", core.ErrInvalidSpec),
			want:      http.StatusBadRequest,
		},
		{
			name:      "internal failure",
			mutate:    func(r *SubmitJobRequest) {},
			submitErr: errors.New("disk on fire"),
			want:      http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newMockJobService()
			jobs.submitErr = tt.submitErr
			mux := newTestMux(jobs, &mockWorkerService{}, nil, newMockLogger())

			req := validSubmitRequest()
			tt.mutate(&req)
			body, _ := json.Marshal(req)
			w := serve(mux, http.MethodPost, "/api/jobs", body, "application/json")

			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode error: %v", err)
			}
			if resp.Code != tt.want {
				t.Errorf("Expected error code %d, got %d", tt.want, resp.Code)
			}
		})
	}
}

func TestSubmitJobInternalErrorIsNotLeaked(t *testing.T) {
	jobs := newMockJobService()
	jobs.submitErr = errors.New("disk on fire")
	logger := newMockLogger()
	mux := newTestMux(jobs, &mockWorkerService{}, nil, logger)

	body, _ := json.Marshal(validSubmitRequest())
	w := serve(mux, http.MethodPost, "/api/jobs", body, "application/json")

	if strings.Contains(w.Body.String(), "disk on fire") {
		t.Errorf("Expected internal error to stay out of response, got %s", w.Body.String())
	}
	if !strings.Contains(logger.getOutput(), "disk on fire") {
		t.Error("Expected internal error to be logged")
	}
}

func TestSubmitJobInvalidBody(t *testing.T) {
	mux := newTestMux(newMockJobService(), &mockWorkerService{}, nil, newMockLogger())

	w := serve(mux, http.MethodPost, "/api/jobs", []byte("{not json"), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestGetJob(t *testing.T) {
	jobs := newMockJobService()
	job := jobs.add(core.JobStatusRunning, 3, 1)
	job.MapTasks[0].Status = core.TaskStatusComplete
	job.MapTasks[1].Status = core.TaskStatusRunning
	job.FailedAttempts = 2
	mux := newTestMux(jobs, &mockWorkerService{}, nil, newMockLogger())

	w := serve(mux, http.MethodGet, "/api/jobs/"+string(job.ID), nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp GetJobResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Progress.Map.Total != 3 || resp.Progress.Map.Completed != 1 || resp.Progress.Map.Running != 1 {
		t.Errorf("Unexpected map progress %+v", resp.Progress.Map)
	}
	if resp.Progress.Reduce.Pending != 1 {
		t.Errorf("Expected 1 pending reduce, got %d", resp.Progress.Reduce.Pending)
	}
	if resp.Counters.FailedAttempts != 2 {
		t.Errorf("Expected 2 failed attempts, got %d", resp.Counters.FailedAttempts)
	}
	if resp.Priority != "NORMAL" {
		t.Errorf("Expected NORMAL priority, got %s", resp.Priority)
	}
}

func TestGetJobErrors(t *testing.T) {
	mux := newTestMux(newMockJobService(), &mockWorkerService{}, nil, newMockLogger())

	w := serve(mux, http.MethodGet, "/api/jobs/not-a-uuid", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for malformed id, got %d", w.Code)
	}

	w = serve(mux, http.MethodGet, "/api/jobs/"+string(core.NewJobID()), nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown job, got %d", w.Code)
	}
}

func TestGetJobProgress(t *testing.T) {
	jobs := newMockJobService()
	job := jobs.add(core.JobStatusRunning, 2, 1)
	job.MapTasks[0].Status = core.TaskStatusComplete
	mux := newTestMux(jobs, &mockWorkerService{}, nil, newMockLogger())

	w := serve(mux, http.MethodGet, "/api/jobs/"+string(job.ID)+"/progress", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp JobProgressResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.JobID != string(job.ID) {
		t.Errorf("Expected job ID %s, got %s", job.ID, resp.JobID)
	}
	if resp.Map.Completed != 1 || resp.Map.Pending != 1 || resp.Reduce.Total != 1 {
		t.Errorf("Unexpected progress %+v", resp)
	}
}

func TestGetJobTasks(t *testing.T) {
	jobs := newMockJobService()
	job := jobs.add(core.JobStatusRunning, 2, 1)
	job.MapTasks[0].NewAttempt("host-1:50060", time.Now(), false)
	mux := newTestMux(jobs, &mockWorkerService{}, nil, newMockLogger())

	w := serve(mux, http.MethodGet, "/api/jobs/"+string(job.ID)+"/tasks", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp GetTasksResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Tasks) != 3 {
		t.Fatalf("Expected 3 tasks, got %d", len(resp.Tasks))
	}
	if resp.Tasks[0].Type != "MAP" || resp.Tasks[2].Type != "REDUCE" {
		t.Errorf("Expected map tasks before reduce tasks, got %s then %s", resp.Tasks[0].Type, resp.Tasks[2].Type)
	}
	if len(resp.Tasks[0].Attempts) != 1 || resp.Tasks[0].Attempts[0].WorkerID != "host-1:50060" {
		t.Errorf("Unexpected attempts %+v", resp.Tasks[0].Attempts)
	}
}

func TestKillJob(t *testing.T) {
	jobs := newMockJobService()
	job := jobs.add(core.JobStatusRunning, 1, 0)
	mux := newTestMux(jobs, &mockWorkerService{}, nil, newMockLogger())

	w := serve(mux, http.MethodPost, "/api/jobs/"+string(job.ID)+"/kill", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp JobSummary
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "KILLED" {
		t.Errorf("Expected KILLED, got %s", resp.Status)
	}
}

func TestKillJobConflict(t *testing.T) {
	jobs := newMockJobService()
	job := jobs.add(core.JobStatusSucceeded, 1, 0)
	jobs.killErr = fmt.Errorf("%w: job already SUCCEEDED", core.ErrIllegalTransition)
	mux := newTestMux(jobs, &mockWorkerService{}, nil, newMockLogger())

	w := serve(mux, http.MethodPost, "/api/jobs/"+string(job.ID)+"/kill", nil, "")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestListJobs(t *testing.T) {
	jobs := newMockJobService()
	for range 12 {
		jobs.add(core.JobStatusRunning, 1, 0)
	}
	jobs.add(core.JobStatusFailed, 1, 0)
	mux := newTestMux(jobs, &mockWorkerService{}, nil, newMockLogger())

	t.Run("default page", func(t *testing.T) {
		w := serve(mux, http.MethodGet, "/api/jobs", nil, "")
		var resp ListJobsResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Total != 13 || len(resp.Jobs) != 10 || resp.Limit != 10 {
			t.Errorf("Unexpected page: total=%d len=%d limit=%d", resp.Total, len(resp.Jobs), resp.Limit)
		}
		if resp.NextOffset == nil || *resp.NextOffset != 10 {
			t.Errorf("Expected next offset 10, got %v", resp.NextOffset)
		}
	})

	t.Run("last page", func(t *testing.T) {
		w := serve(mux, http.MethodGet, "/api/jobs?limit=5&offset=10", nil, "")
		var resp ListJobsResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if len(resp.Jobs) != 3 {
			t.Errorf("Expected 3 jobs, got %d", len(resp.Jobs))
		}
		if resp.NextOffset != nil {
			t.Errorf("Expected no next offset, got %d", *resp.NextOffset)
		}
	})

	t.Run("status filter", func(t *testing.T) {
		w := serve(mux, http.MethodGet, "/api/jobs?status=failed", nil, "")
		var resp ListJobsResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if jobs.lastQuery.Status == nil || *jobs.lastQuery.Status != core.JobStatusFailed {
			t.Errorf("Expected FAILED filter, got %v", jobs.lastQuery.Status)
		}
		if resp.Total != 1 || resp.Jobs[0].Status != "FAILED" {
			t.Errorf("Unexpected filtered result %+v", resp)
		}
	})

	t.Run("invalid pagination falls back to defaults", func(t *testing.T) {
		serve(mux, http.MethodGet, "/api/jobs?limit=-1&offset=abc", nil, "")
		if jobs.lastQuery.Limit != 10 || jobs.lastQuery.Offset != 0 {
			t.Errorf("Expected default pagination, got %+v", jobs.lastQuery)
		}
	})
}

func TestClusterStatus(t *testing.T) {
	workers := &mockWorkerService{status: core.ClusterStatus{
		Workers:         2,
		RunningMapTasks: 3,
		MaxMapTasks:     4,
		MaxReduceTasks:  2,
		State:           core.CoordinatorRunning,
		UsedMemory:      1024,
		MaxMemory:       4096,
	}}
	mux := newTestMux(newMockJobService(), workers, nil, newMockLogger())

	t.Run("json", func(t *testing.T) {
		w := serve(mux, http.MethodGet, "/api/cluster/status", nil, "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		var got core.ClusterStatus
		if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if got != workers.status {
			t.Errorf("Expected %+v, got %+v", workers.status, got)
		}
	})

	t.Run("binary", func(t *testing.T) {
		w := serve(mux, http.MethodGet, "/api/cluster/status?format=binary", nil, "")
		if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
			t.Errorf("Expected octet-stream, got %s", ct)
		}
		var got core.ClusterStatus
		if err := got.UnmarshalBinary(w.Body.Bytes()); err != nil {
			t.Fatalf("Failed to decode binary status: %v", err)
		}
		if got != workers.status {
			t.Errorf("Expected %+v, got %+v", workers.status, got)
		}
	})
}

func TestWorkers(t *testing.T) {
	workers := &mockWorkerService{workers: []core.Worker{{
		ID:       "host-1:50060",
		Host:     "host-1",
		Port:     50060,
		Rack:     "rack-a",
		Health:   core.WorkerHealthActive,
		Capacity: core.SlotCounts{Map: 2, Reduce: 1},
		Occupied: core.SlotCounts{Map: 1},
	}}}
	mux := newTestMux(newMockJobService(), workers, nil, newMockLogger())

	w := serve(mux, http.MethodGet, "/api/workers", nil, "")
	var resp ListWorkersResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Workers) != 1 {
		t.Fatalf("Expected 1 worker, got %d", len(resp.Workers))
	}
	if resp.Workers[0].MapSlots != (SlotInfo{Capacity: 2, Occupied: 1}) {
		t.Errorf("Unexpected map slots %+v", resp.Workers[0].MapSlots)
	}

	w = serve(mux, http.MethodPost, "/api/workers/host-1:50060/blacklist", nil, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	if len(workers.blacklisted) != 1 {
		t.Errorf("Expected worker to be blacklisted")
	}

	w = serve(mux, http.MethodDelete, "/api/workers/host-1:50060/blacklist", nil, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}

	w = serve(mux, http.MethodPost, "/api/workers/ghost:1/blacklist", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jobtracker_heartbeats_total 1\n"))
	})

	mux := newTestMux(newMockJobService(), &mockWorkerService{}, metrics, newMockLogger())
	w := serve(mux, http.MethodGet, "/metrics", nil, "")
	if !strings.Contains(w.Body.String(), "jobtracker_heartbeats_total") {
		t.Errorf("Expected metrics output, got %s", w.Body.String())
	}

	mux = newTestMux(newMockJobService(), &mockWorkerService{}, nil, newMockLogger())
	w = serve(mux, http.MethodGet, "/metrics", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without metrics handler, got %d", w.Code)
	}
}
