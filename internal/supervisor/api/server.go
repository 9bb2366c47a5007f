// Package api exposes the job store over HTTP for operators and the
// upstream scheduling plane. Collection endpoints stream newline-
// delimited JSON so a large job's records never have to fit in memory.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/seawork/trawler/internal/jobstore"
	"github.com/seawork/trawler/internal/shared/errdefs"
	"github.com/seawork/trawler/internal/shared/logging"
	"github.com/seawork/trawler/internal/shared/retry"
)

type API struct {
	jobs   *jobstore.Client
	logger logging.Logger
}

func NewAPI(jobs *jobstore.Client, logger logging.Logger) *API {
	return &API{jobs: jobs, logger: logger}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /jobs", a.createJob)
	mux.HandleFunc("GET /jobs", a.listJobs)
	mux.HandleFunc("GET /jobs/{id}", a.getJob)
	mux.HandleFunc("GET /jobs/{id}/details", a.getJobDetails)
	mux.HandleFunc("POST /jobs/{id}/cancel", a.cancelJob)
	mux.HandleFunc("POST /jobs/{id}/end-input", a.endJobInput)
	mux.HandleFunc("DELETE /jobs/{id}", a.deleteJob)
	mux.HandleFunc("POST /jobs/{id}/inputs", a.addJobInputs)
	mux.HandleFunc("GET /jobs/{id}/errors", a.jobErrors)
	mux.HandleFunc("GET /jobs/{id}/retries", a.jobRetries)
	mux.HandleFunc("GET /jobs/{id}/failed-inputs", a.jobFailedInputs)
	mux.HandleFunc("GET /jobs/{id}/inputs", a.jobInputs)
	mux.HandleFunc("GET /jobs/{id}/outputs", a.jobOutputs)
	mux.HandleFunc("GET /jobs/{id}/log", a.jobLog)
	mux.HandleFunc("POST /tasks/{id}/done", a.markTaskDone)
}

type createJobResponse struct {
	JobID string `json:"jobId"`
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	var spec jobstore.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	jobID, err := a.jobs.CreateJob(r.Context(), &spec)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}
	a.respondJSON(w, http.StatusCreated, createJobResponse{JobID: jobID})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.FetchJob(r.Context(), r.PathValue("id"))
	if err != nil {
		a.respondStoreError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, job)
}

func (a *API) getJobDetails(w http.ResponseWriter, r *http.Request) {
	includeTaskInputs := r.URL.Query().Get("taskInputs") == "true"
	limit := queryInt(r, "limit", 1000)

	details, err := a.jobs.FetchDetails(r.Context(), r.PathValue("id"), includeTaskInputs, limit)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, details)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.CancelJob(r.Context(), r.PathValue("id"), retry.Once)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, job)
}

func (a *API) endJobInput(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.EndJobInput(r.Context(), r.PathValue("id"), retry.Once)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, job)
}

func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := a.jobs.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		a.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addInputsRequest struct {
	Keys     []string `json:"keys"`
	Patterns []string `json:"patterns"`
}

type addInputsResponse struct {
	Added int `json:"added"`
}

func (a *API) addJobInputs(w http.ResponseWriter, r *http.Request) {
	var req addInputsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	jobID := r.PathValue("id")
	added := 0
	for _, key := range req.Keys {
		if err := a.jobs.AddJobInput(r.Context(), jobID, key); err != nil {
			a.respondStoreError(w, err)
			return
		}
		added++
	}
	if len(req.Patterns) > 0 {
		n, err := a.jobs.AddJobInputPatterns(r.Context(), jobID, req.Patterns)
		if err != nil {
			a.respondStoreError(w, err)
			return
		}
		added += n
	}
	a.respondJSON(w, http.StatusOK, addInputsResponse{Added: added})
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := jobstore.ListJobsOptions{
		State:          q.Get("state"),
		Name:           q.Get("name"),
		Owner:          q.Get("owner"),
		JobID:          q.Get("jobId"),
		Worker:         q.Get("worker"),
		Wrasse:         q.Get("wrasse"),
		Cancelled:      q.Get("cancelled") == "true",
		Archived:       q.Get("archived") == "true",
		NotYetArchived: q.Get("notYetArchived") == "true",
		WrassePresent:  q.Get("wrassePresent") == "true",
		WrasseAbsent:   q.Get("wrasseAbsent") == "true",
		Sort:           q.Get("sort"),
		Descending:     q.Get("order") == "desc",
		Marker:         int64(queryInt(r, "marker", 0)),
		Limit:          queryInt(r, "limit", 0),
	}
	opts.DoneSince = queryTime(r, "doneSince")
	opts.MtimeSince = queryTime(r, "mtimeSince")
	opts.MtimeBefore = queryTime(r, "mtimeBefore")
	opts.ArchivedBefore = queryTime(r, "archivedBefore")
	opts.ArchiveStartedBefore = queryTime(r, "archiveStartedBefore")

	streamItems(w, a.jobs.ListJobs(r.Context(), opts))
}

func (a *API) jobErrors(w http.ResponseWriter, r *http.Request) {
	streamItems(w, a.jobs.FetchErrors(r.Context(), r.PathValue("id"), fetchOpts(r)))
}

func (a *API) jobRetries(w http.ResponseWriter, r *http.Request) {
	streamItems(w, a.jobs.FetchRetries(r.Context(), r.PathValue("id"), fetchOpts(r)))
}

func (a *API) jobFailedInputs(w http.ResponseWriter, r *http.Request) {
	streamItems(w, a.jobs.FetchFailedJobInputs(r.Context(), r.PathValue("id")))
}

func (a *API) jobInputs(w http.ResponseWriter, r *http.Request) {
	streamItems(w, a.jobs.FetchInputs(r.Context(), r.PathValue("id"), fetchOpts(r)))
}

func (a *API) jobOutputs(w http.ResponseWriter, r *http.Request) {
	phase := queryInt(r, "phase", -1)
	if phase < 0 {
		a.respondError(w, http.StatusBadRequest, "phase query parameter required", "")
		return
	}
	streamItems(w, a.jobs.FetchOutputs(r.Context(), r.PathValue("id"), phase, fetchOpts(r)))
}

func (a *API) jobLog(w http.ResponseWriter, r *http.Request) {
	streamItems(w, a.jobs.FetchLog(r.Context(), r.PathValue("id")))
}

type markTaskDoneRequest struct {
	NOutputs     *int   `json:"nOutputs"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (a *API) markTaskDone(w http.ResponseWriter, r *http.Request) {
	var req markTaskDoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	err := a.jobs.MarkTaskDone(r.Context(), r.PathValue("id"), req.NOutputs, req.ErrorCode, req.ErrorMessage)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamItems writes one JSON document per line as items arrive. An
// item-level error terminates the stream with a trailing error line,
// since the status code has already been committed.
func streamItems[T any](w http.ResponseWriter, items <-chan jobstore.Item[T]) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	for item := range items {
		if item.Err != nil {
			enc.Encode(map[string]string{"error": item.Err.Error()})
			return
		}
		enc.Encode(item.Value)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func fetchOpts(r *http.Request) jobstore.FetchOptions {
	return jobstore.FetchOptions{
		Marker: int64(queryInt(r, "marker", 0)),
		Limit:  queryInt(r, "limit", 0),
	}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryTime(r *http.Request, name string) time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

func (a *API) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (a *API) respondError(w http.ResponseWriter, statusCode int, error string, message string) {
	a.respondJSON(w, statusCode, errorResponse{Error: error, Message: message, Code: statusCode})
}

// respondStoreError maps the error taxonomy onto HTTP statuses.
func (a *API) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errdefs.IsValidation(err):
		a.respondError(w, http.StatusBadRequest, "validation failed", err.Error())
	case errdefs.IsNotFound(err):
		a.respondError(w, http.StatusNotFound, "not found", err.Error())
	case errdefs.IsConflict(err):
		a.respondError(w, http.StatusConflict, "conflict", err.Error())
	case errdefs.IsInvalidState(err):
		a.respondError(w, http.StatusConflict, "invalid state", err.Error())
	default:
		a.respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

const (
	readTimeout = 15 * time.Second
	idleTimeout = 60 * time.Second
)

// NewServer wires the API behind the middleware chain. Write timeout is
// left open-ended because collection endpoints stream.
func NewServer(addr string, jobs *jobstore.Client, logger logging.Logger) *http.Server {
	api := NewAPI(jobs, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	handler := ChainMiddleware(
		mux,
		RequestIDMiddleware,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	)

	return &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}
}
