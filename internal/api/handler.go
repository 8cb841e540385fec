// Package api exposes the orchestrator and the job queue over HTTP.
package api

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/eleven-am/weft/internal/adapters/engine"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// RunService is the submission API the handlers call.
type RunService interface {
	SaveGraph(ctx context.Context, graph *domain.Graph) error
	GetGraph(ctx context.Context, graphID string) (*domain.Graph, error)
	AnalyzeGraph(ctx context.Context, graphID string) (*engine.Analysis, error)
	PlanGraph(ctx context.Context, graphID string) (*engine.ExecutionPlan, error)
	SubmitRun(ctx context.Context, graphID string, inputs []domain.ArtifactRef, config map[string]interface{}) (*domain.ExecutionRecord, error)
	RunSync(ctx context.Context, graphID string, inputs []domain.ArtifactRef, config map[string]interface{}) (*domain.ExecutionRecord, error)
	GetRun(ctx context.Context, executionID string) (*domain.ExecutionRecord, error)
	CancelRun(ctx context.Context, executionID string) error
	ListRuns(ctx context.Context, graphID string, limit int) ([]*domain.ExecutionRecord, error)
	IsReady() bool
}

// SubmitLimiter throttles run and job submissions per client.
type SubmitLimiter interface {
	Allow(key string) bool
	RetryAfter(key string) time.Duration
}

// ClientHeader identifies the submitting client for rate limiting. Requests
// without it are keyed by remote address.
const ClientHeader = "X-Weft-Client"

type Handler struct {
	runs    RunService
	queue   ports.JobQueuePort
	metrics http.Handler
	limiter SubmitLimiter
	logger  *slog.Logger
}

// NewHandler builds the HTTP handler. queue and metrics may be nil; the
// routes that need them then answer 503 and 404 respectively.
func NewHandler(runs RunService, queue ports.JobQueuePort, metrics http.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		runs:    runs,
		queue:   queue,
		metrics: metrics,
		logger:  logger.With("component", "api"),
	}
}

// LimitSubmissions throttles POST /graphs/{id}/runs and POST /jobs.
func (h *Handler) LimitSubmissions(limiter SubmitLimiter) *Handler {
	h.limiter = limiter
	return h
}

func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.logRequests)

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods(http.MethodGet)
	}

	r.HandleFunc("/graphs/{id}", h.putGraph).Methods(http.MethodPut)
	r.HandleFunc("/graphs/{id}", h.getGraph).Methods(http.MethodGet)
	r.HandleFunc("/graphs/{id}/analysis", h.analyzeGraph).Methods(http.MethodGet)
	r.HandleFunc("/graphs/{id}/plan", h.planGraph).Methods(http.MethodGet)
	r.HandleFunc("/graphs/{id}/runs", h.listRuns).Methods(http.MethodGet)
	r.HandleFunc("/graphs/{id}/runs", h.limitSubmissions(h.submitRun)).Methods(http.MethodPost)

	r.HandleFunc("/runs/{id}", h.getRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/cancel", h.cancelRun).Methods(http.MethodPost)

	r.HandleFunc("/jobs", h.limitSubmissions(h.submitJob)).Methods(http.MethodPost)
	r.HandleFunc("/jobs", h.listJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.getJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.cancelJob).Methods(http.MethodDelete)
	r.HandleFunc("/queue/stats", h.queueStats).Methods(http.MethodGet)

	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (h *Handler) limitSubmissions(next http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		if !h.limiter.Allow(client) {
			wait := h.limiter.RetryAfter(client)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(wait.Seconds())))))
			h.logger.Warn("submission rate limited", "client", client, "path", r.URL.Path)
			h.writeError(w, r, rateLimited(client))
			return
		}
		next(w, r)
	}
}

func clientKey(r *http.Request) string {
	if client := r.Header.Get(ClientHeader); client != "" {
		return client
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Ready:  h.runs.IsReady(),
	}
	if h.queue != nil {
		resp.QueueEnabled = true
		resp.QueueAvailable = h.queue.Available()
		if !resp.QueueAvailable {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if !resp.Ready {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) putGraph(w http.ResponseWriter, r *http.Request) {
	var graph domain.Graph
	if err := decodeJSON(r, &graph); err != nil {
		h.writeError(w, r, err)
		return
	}
	graph.ID = mux.Vars(r)["id"]

	if err := h.runs.SaveGraph(r.Context(), &graph); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (h *Handler) getGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := h.runs.GetGraph(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (h *Handler) analyzeGraph(w http.ResponseWriter, r *http.Request) {
	analysis, err := h.runs.AnalyzeGraph(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (h *Handler) planGraph(w http.ResponseWriter, r *http.Request) {
	plan, err := h.runs.PlanGraph(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 20)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	records, err := h.runs.ListRuns(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*domain.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	graphID := mux.Vars(r)["id"]

	if req.Sync {
		record, err := h.runs.RunSync(r.Context(), graphID, req.Inputs, req.Config)
		if record == nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
		return
	}

	record, err := h.runs.SubmitRun(r.Context(), graphID, req.Inputs, req.Config)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	record, err := h.runs.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.runs.CancelRun(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	record, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

func (h *Handler) jobQueue(w http.ResponseWriter, r *http.Request) (ports.JobQueuePort, bool) {
	if h.queue == nil {
		h.writeError(w, r, &domain.QueueUnavailableError{Backend: "none"})
		return nil, false
	}
	return h.queue, true
}

func (h *Handler) submitJob(w http.ResponseWriter, r *http.Request) {
	queue, ok := h.jobQueue(w, r)
	if !ok {
		return
	}

	var req domain.JobRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	jobID, err := queue.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitJobResponse{JobID: jobID})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	queue, ok := h.jobQueue(w, r)
	if !ok {
		return
	}

	job, err := queue.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	queue, ok := h.jobQueue(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	cancelled, err := queue.Cancel(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelJobResponse{JobID: id, Cancelled: cancelled})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	queue, ok := h.jobQueue(w, r)
	if !ok {
		return
	}

	owner := r.URL.Query().Get("owner")
	if owner == "" {
		h.writeError(w, r, badRequest("owner query parameter is required"))
		return
	}
	limit, err := parseLimit(r, 50)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	jobs, err := queue.ListForOwner(r.Context(), owner, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeJSON(w, http.StatusOK, domain.QueueStats{})
		return
	}
	writeJSON(w, http.StatusOK, h.queue.Stats(r.Context()))
}
