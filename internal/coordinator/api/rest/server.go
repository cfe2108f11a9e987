package rest

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/config"
	"github.com/nemanja-m/jobtracker/internal/shared/logging"
)

const (
	defaultPageSize = 10
	maxBodyBytes    = 1 << 20
)

type API struct {
	jobService     core.JobService
	workerService  core.WorkerService
	metricsHandler http.Handler
	logger         logging.Logger
}

// NewAPI builds the operator API. metricsHandler may be nil when metrics are disabled.
func NewAPI(jobService core.JobService, workerService core.WorkerService, metricsHandler http.Handler, logger logging.Logger) *API {
	return &API{
		jobService:     jobService,
		workerService:  workerService,
		metricsHandler: metricsHandler,
		logger:         logger,
	}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/jobs", a.submitJob)
	mux.HandleFunc("GET /api/jobs", a.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", a.getJob)
	mux.HandleFunc("GET /api/jobs/{id}/progress", a.getJobProgress)
	mux.HandleFunc("GET /api/jobs/{id}/tasks", a.getJobTasks)
	mux.HandleFunc("POST /api/jobs/{id}/kill", a.killJob)

	mux.HandleFunc("GET /api/cluster/status", a.clusterStatus)
	mux.HandleFunc("GET /api/workers", a.listWorkers)
	mux.HandleFunc("POST /api/workers/{id}/blacklist", a.blacklistWorker)
	mux.HandleFunc("DELETE /api/workers/{id}/blacklist", a.unblacklistWorker)

	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
}

// submitJob handles POST /api/jobs
func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	spec, err := req.ToJobSpec()
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	id, err := a.jobService.SubmitJob(spec)
	if err != nil {
		a.respondServiceError(w, r, "failed to submit job", err)
		return
	}

	job, err := a.jobService.GetJob(id)
	if err != nil {
		a.respondServiceError(w, r, "failed to get job", err)
		return
	}

	respondJSON(w, http.StatusCreated, ToSubmitJobResponse(job))
}

// getJob handles GET /api/jobs/{id}
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}

	job, err := a.jobService.GetJob(id)
	if err != nil {
		a.respondServiceError(w, r, "failed to get job", err)
		return
	}

	respondJSON(w, http.StatusOK, ToGetJobResponse(job))
}

// getJobProgress handles GET /api/jobs/{id}/progress
func (a *API) getJobProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}

	progress, err := a.jobService.Progress(id)
	if err != nil {
		a.respondServiceError(w, r, "failed to get job progress", err)
		return
	}

	respondJSON(w, http.StatusOK, ToJobProgressResponse(id, progress))
}

// getJobTasks handles GET /api/jobs/{id}/tasks
func (a *API) getJobTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}

	job, err := a.jobService.GetJob(id)
	if err != nil {
		a.respondServiceError(w, r, "failed to get job", err)
		return
	}

	tasks := make([]TaskInfo, 0, len(job.MapTasks)+len(job.ReduceTasks))
	for _, task := range job.MapTasks {
		tasks = append(tasks, ToTaskInfo(task))
	}
	for _, task := range job.ReduceTasks {
		tasks = append(tasks, ToTaskInfo(task))
	}

	respondJSON(w, http.StatusOK, GetTasksResponse{Tasks: tasks})
}

// killJob handles POST /api/jobs/{id}/kill
func (a *API) killJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}

	if err := a.jobService.KillJob(id); err != nil {
		a.respondServiceError(w, r, "failed to kill job", err)
		return
	}

	job, err := a.jobService.GetJob(id)
	if err != nil {
		a.respondServiceError(w, r, "failed to get job", err)
		return
	}

	respondJSON(w, http.StatusOK, ToJobSummary(job))
}

// listJobs handles GET /api/jobs with filters and pagination
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := core.JobFilter{Limit: defaultPageSize}
	if statusStr := query.Get("status"); statusStr != "" {
		status := core.JobStatus(strings.ToUpper(statusStr))
		filter.Status = &status
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filter.Limit = l
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	jobs, total, err := a.jobService.GetJobs(filter)
	if err != nil {
		a.respondServiceError(w, r, "failed to list jobs", err)
		return
	}

	summaries := make([]JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, ToJobSummary(job))
	}

	var nextOffset *int
	if end := filter.Offset + len(jobs); end < total {
		nextOffset = &end
	}

	respondJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:       summaries,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
		NextOffset: nextOffset,
	})
}

// clusterStatus handles GET /api/cluster/status. With ?format=binary the
// status is written in its compact wire encoding.
func (a *API) clusterStatus(w http.ResponseWriter, r *http.Request) {
	status := a.workerService.ClusterStatus()

	if r.URL.Query().Get("format") != "binary" {
		respondJSON(w, http.StatusOK, status)
		return
	}

	data, err := status.MarshalBinary()
	if err != nil {
		a.respondServiceError(w, r, "failed to encode cluster status", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// listWorkers handles GET /api/workers
func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers := a.workerService.ListWorkers()
	resp := ListWorkersResponse{Workers: make([]WorkerInfo, 0, len(workers))}
	for _, worker := range workers {
		resp.Workers = append(resp.Workers, ToWorkerInfo(worker))
	}
	respondJSON(w, http.StatusOK, resp)
}

// blacklistWorker handles POST /api/workers/{id}/blacklist
func (a *API) blacklistWorker(w http.ResponseWriter, r *http.Request) {
	id := core.WorkerID(r.PathValue("id"))
	if err := a.workerService.Blacklist(id); err != nil {
		a.respondServiceError(w, r, "failed to blacklist worker", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// unblacklistWorker handles DELETE /api/workers/{id}/blacklist
func (a *API) unblacklistWorker(w http.ResponseWriter, r *http.Request) {
	id := core.WorkerID(r.PathValue("id"))
	if err := a.workerService.Unblacklist(id); err != nil {
		a.respondServiceError(w, r, "failed to unblacklist worker", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) respondServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error(msg, "request_id", RequestID(r.Context()), "error", err)
		respondError(w, status, msg, "")
		return
	}
	respondError(w, status, msg, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnknownJob), errors.Is(err, core.ErrUnknownWorker):
		return http.StatusNotFound
	case errors.Is(err, core.ErrIllegalTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func jobIDFromPath(w http.ResponseWriter, r *http.Request) (core.JobID, bool) {
	id, err := core.ParseJobID(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job ID", err.Error())
		return "", false
	}
	return id, true
}

// decodeBody reads a JSON body, or YAML when the content type says so.
func decodeBody(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasSuffix(mediaType, "yaml") {
		return yaml.NewDecoder(body).Decode(v)
	}
	return json.NewDecoder(body).Decode(v)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, error string, message string) {
	resp := ErrorResponse{
		Error:   error,
		Message: message,
		Code:    statusCode,
	}
	respondJSON(w, statusCode, resp)
}

func NewServer(cfg config.RESTConfig, api *API, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	handler := ChainMiddleware(
		mux,
		RequestIDMiddleware,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
