package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ModerRAS/taskd/internal/log"
	"github.com/ModerRAS/taskd/pkg/models"
	"github.com/ModerRAS/taskd/pkg/service"
	"github.com/ModerRAS/taskd/pkg/storage"
	"github.com/pkg/errors"
)

// StartServer wires the task service over the given store and serves the
// JSON API until the listener fails.
func StartServer(port string, store storage.Store, opts ...service.Option) error {
	logger := log.GetLogger()
	svc := service.NewTaskService(store, logger, opts...)
	stats := service.NewStatsService(store, logger)

	logger.Infof("Starting taskd server on :%s", port)
	return http.ListenAndServe(":"+port, Handler(svc, stats))
}

// Handler builds the API routing table. It is exported so tests can serve
// it from httptest without binding a real port.
func Handler(svc *service.TaskService, stats *service.StatsService) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /stats", statsHTTP(stats))
	mux.HandleFunc("POST /tasks", createTaskHTTP(svc))
	mux.HandleFunc("GET /tasks", listTasksHTTP(svc))
	mux.HandleFunc("GET /tasks/{id}", getTaskHTTP(svc))
	mux.HandleFunc("GET /tasks/{id}/history", taskHistoryHTTP(svc))
	mux.HandleFunc("POST /tasks/next", acquireTaskHTTP(svc))
	mux.HandleFunc("POST /tasks/{id}/complete", completeTaskHTTP(svc))
	mux.HandleFunc("POST /tasks/{id}/fail", failTaskHTTP(svc))
	mux.HandleFunc("POST /tasks/{id}/cancel", cancelTaskHTTP(svc))
	mux.HandleFunc("POST /tasks/{id}/retry", retryTaskHTTP(svc))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "taskd server is running")
}

type createTaskRequest struct {
	Prompt        string         `json:"prompt"`
	WorkDirectory string         `json:"work_directory"`
	Priority      string         `json:"priority"`
	MaxRetries    *int           `json:"max_retries"`
	Tags          []string       `json:"tags"`
	Metadata      models.Payload `json:"metadata"`
}

func createTaskHTTP(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.Wrapf(models.ErrValidation, "invalid request body: %v", err))
			return
		}
		in := service.CreateTaskInput{
			Prompt:        req.Prompt,
			WorkDirectory: req.WorkDirectory,
			MaxRetries:    req.MaxRetries,
			Tags:          req.Tags,
			Metadata:      req.Metadata,
		}
		if req.Priority != "" {
			priority, err := models.ParsePriority(req.Priority)
			if err != nil {
				writeError(w, err)
				return
			}
			in.Priority = priority
		}
		task, err := svc.CreateTask(r.Context(), in)
		if err != nil {
			log.GetLogger().Errorf("Failed to create task: %v", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	}
}

func getTaskHTTP(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := svc.GetTask(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

type listTasksResponse struct {
	Tasks  []models.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func listTasksHTTP(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseListFilter(r)
		if err != nil {
			writeError(w, err)
			return
		}
		tasks, err := svc.ListTasks(r.Context(), filter)
		if err != nil {
			log.GetLogger().Errorf("Failed to list tasks: %v", err)
			writeError(w, err)
			return
		}
		total, err := svc.CountTasks(r.Context(), filter)
		if err != nil {
			log.GetLogger().Errorf("Failed to count tasks: %v", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, listTasksResponse{
			Tasks:  tasks,
			Total:  total,
			Limit:  storage.ClampLimit(filter.Limit),
			Offset: filter.Offset,
		})
	}
}

type taskHistoryResponse struct {
	History []models.TaskHistory `json:"history"`
}

func taskHistoryHTTP(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history, err := svc.GetTaskHistory(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, taskHistoryResponse{History: history})
	}
}

type acquireTaskRequest struct {
	WorkDirectory string `json:"work_directory"`
	WorkerID      string `json:"worker_id"`
}

func acquireTaskHTTP(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req acquireTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.Wrapf(models.ErrValidation, "invalid request body: %v", err))
			return
		}
		task, err := svc.AcquireNext(r.Context(), req.WorkDirectory, req.WorkerID)
		if err != nil {
			writeError(w, err)
			return
		}
		if task == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

type completeTaskRequest struct {
	OriginalPrompt string         `json:"original_prompt"`
	Result         models.Payload `json:"result"`
}

func completeTaskHTTP(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req completeTaskRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := svc.CompleteTask(r.Context(), r.PathValue("id"), req.Result, req.OriginalPrompt)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

type failTaskRequest struct {
	Error string `json:"error"`
}

func failTaskHTTP(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req failTaskRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := svc.FailTask(r.Context(), r.PathValue("id"), req.Error)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

type cancelTaskRequest struct {
	Reason string `json:"reason"`
}

func cancelTaskHTTP(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelTaskRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := svc.CancelTask(r.Context(), r.PathValue("id"), req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func retryTaskHTTP(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := svc.RetryTask(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func statsHTTP(stats *service.StatsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collected, err := stats.Collect(r.Context(), r.URL.Query().Get("work_directory"))
		if err != nil {
			log.GetLogger().Errorf("Failed to collect stats: %v", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, collected)
	}
}

// parseListFilter reads list query parameters, rejecting malformed values.
func parseListFilter(r *http.Request) (storage.TaskFilter, error) {
	q := r.URL.Query()
	var f storage.TaskFilter
	if v := q.Get("status"); v != "" {
		status, err := models.ParseStatus(v)
		if err != nil {
			return storage.TaskFilter{}, err
		}
		f.Status = status
	}
	f.WorkDirectory = q.Get("work_directory")
	if v := q.Get("priority"); v != "" {
		priority, err := models.ParsePriority(v)
		if err != nil {
			return storage.TaskFilter{}, err
		}
		f.Priority = priority
	}
	f.Tag = q.Get("tag")
	if v := q.Get("created_after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return storage.TaskFilter{}, errors.Wrapf(models.ErrValidation, "invalid created_after: %v", err)
		}
		f.CreatedAfter = &ts
	}
	if v := q.Get("created_before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return storage.TaskFilter{}, errors.Wrapf(models.ErrValidation, "invalid created_before: %v", err)
		}
		f.CreatedBefore = &ts
	}
	switch order := q.Get("order"); order {
	case "":
	case string(storage.OrderQueue):
		f.Order = storage.OrderQueue
	case string(storage.OrderCreatedDesc):
		f.Order = storage.OrderCreatedDesc
	default:
		return storage.TaskFilter{}, errors.Wrapf(models.ErrValidation, "unknown order %q", order)
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return storage.TaskFilter{}, errors.Wrapf(models.ErrValidation, "invalid limit: %v", err)
		}
		f.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return storage.TaskFilter{}, errors.Wrap(models.ErrValidation, "invalid offset")
		}
		f.Offset = offset
	}
	return f, nil
}

// decodeOptionalBody decodes a JSON body when one is present; an empty body
// leaves the target at its zero value.
func decodeOptionalBody(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Wrapf(models.ErrValidation, "invalid request body: %v", err)
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeError translates the error taxonomy into HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, models.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, storage.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrRetryExhausted):
		status, code = http.StatusConflict, "retry_exhausted"
	case errors.Is(err, storage.ErrVersionConflict):
		status, code = http.StatusConflict, "version_conflict"
	case errors.Is(err, models.ErrStateConflict):
		status, code = http.StatusConflict, "state_conflict"
	case errors.Is(err, storage.ErrStorage):
		status, code = http.StatusServiceUnavailable, "storage_error"
	default:
		status, code = http.StatusInternalServerError, "internal_error"
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
