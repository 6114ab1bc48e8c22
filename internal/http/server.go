// Package http exposes the operator API of a genflow process.
package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/ignatij/genflow/internal/app"
	"github.com/ignatij/genflow/internal/log"
	"github.com/ignatij/genflow/internal/metrics"
	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/service"
	"github.com/ignatij/genflow/pkg/storage"
	"github.com/pkg/errors"
)

type createWorkflowRequest struct {
	Name  string        `json:"name"`
	Nodes []models.Node `json:"nodes"`
	Edges []models.Edge `json:"edges"`
}

type startExecutionRequest struct {
	WorkflowID string `json:"workflowId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handlers struct {
	app *app.App
}

// NewRouter registers every API route on a new router.
func NewRouter(a *app.App) *mux.Router {
	h := &handlers{app: a}
	r := mux.NewRouter()
	r.HandleFunc("/health", HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/workflows", h.listWorkflows).Methods(http.MethodGet)
	r.HandleFunc("/workflows", h.createWorkflow).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id}", h.getWorkflow).Methods(http.MethodGet)

	r.HandleFunc("/executions", h.startExecution).Methods(http.MethodPost)
	r.HandleFunc("/executions/{id}", h.getExecution).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}/cancel", h.cancelExecution).Methods(http.MethodPost)
	r.HandleFunc("/executions/{id}/recover", h.recoverExecution).Methods(http.MethodPost)

	r.HandleFunc("/jobs/stats", h.jobStats).Methods(http.MethodGet)
	r.HandleFunc("/jobs/dlq", h.listDLQ).Methods(http.MethodGet)
	r.HandleFunc("/jobs/dlq/{id}/retry", h.retryDLQ).Methods(http.MethodPost)
	return r
}

// StartServer serves the API until ctx is done.
func StartServer(ctx context.Context, port string, a *app.App) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.GetLogger().Errorf("Failed to shut down server: %v", err)
		}
	}()

	log.GetLogger().Infof("Starting genflow server on :%s", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, errors.New("missing 'name'"))
		return
	}
	id, err := h.app.Workflows.CreateWorkflow(r.Context(), req.Name, req.Nodes, req.Edges)
	if err != nil {
		respondServiceError(w, "Failed to create workflow", err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handlers) listWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.app.Workflows.ListWorkflows(r.Context())
	if err != nil {
		respondServiceError(w, "Failed to list workflows", err)
		return
	}
	if workflows == nil {
		workflows = []models.Workflow{}
	}
	respondJSON(w, http.StatusOK, workflows)
}

func (h *handlers) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.app.Workflows.GetWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, "Failed to get workflow", err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (h *handlers) startExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	if req.WorkflowID == "" {
		respondError(w, http.StatusBadRequest, errors.New("missing 'workflowId'"))
		return
	}
	execID, jobID, err := h.app.Workflows.StartExecution(r.Context(), req.WorkflowID)
	if err != nil {
		respondServiceError(w, "Failed to start execution", err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"executionId": execID, "jobId": jobID})
}

func (h *handlers) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.app.Workflows.GetExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, "Failed to get execution", err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (h *handlers) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.app.Workflows.CancelExecution(r.Context(), id); err != nil {
		respondServiceError(w, "Failed to cancel execution", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.CancelledExecutionStatus)})
}

func (h *handlers) recoverExecution(w http.ResponseWriter, r *http.Request) {
	n, err := h.app.Recovery.RecoverExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, "Failed to recover execution", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"recovered": n})
}

func (h *handlers) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Recovery.GetJobStats(r.Context())
	if err != nil {
		respondServiceError(w, "Failed to get job stats", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *handlers) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	jobs, total, err := h.app.Recovery.GetDLQJobs(r.Context(), limit, offset)
	if err != nil {
		respondServiceError(w, "Failed to list DLQ jobs", err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (h *handlers) retryDLQ(w http.ResponseWriter, r *http.Request) {
	newID, err := h.app.Recovery.RetryFromDLQ(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, "Failed to retry job", err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"jobId": newID})
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Errorf("invalid '%s': %s", key, v)
	}
	return n, nil
}

func respondServiceError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidWorkflow), errors.Is(err, service.ErrWorkflowContainsCycles):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrExecutionFinished):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.GetLogger().Errorf("%s: %v", msg, err)
	}
	respondError(w, status, err)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, errorResponse{Error: err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.GetLogger().Errorf("Failed to write response: %v", err)
	}
}
