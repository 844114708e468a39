package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/ledgerlink/pkg/agent"
	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/metrics"
	"github.com/cuemby/ledgerlink/pkg/queue"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/rs/zerolog"
)

// maxJobBody caps POST /v1/jobs bodies
const maxJobBody = 1 << 20

// Enqueuer accepts sync jobs from collaborators
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*types.SyncJob, bool, error)
}

// ReportSource serves the last agent cycle report
type ReportSource interface {
	LastReport(ctx context.Context) (*types.CycleReport, error)
}

// HealthServer provides the HTTP surface: health, readiness, metrics, the
// last cycle report and the collaborator enqueue endpoint
type HealthServer struct {
	queue   Enqueuer
	reports ReportSource
	mux     *http.ServeMux
	server  *http.Server
	logger  zerolog.Logger
}

// NewHealthServer creates the HTTP surface. Either dependency may be nil;
// the routes that need it then answer 503.
func NewHealthServer(q Enqueuer, reports ReportSource) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		queue:   q,
		reports: reports,
		mux:     mux,
		logger:  log.WithComponent("api"),
	}

	// Register endpoints
	mux.Handle("/health", instrument("/health", metrics.HealthHandler()))
	mux.Handle("/ready", instrument("/ready", metrics.ReadyHandler()))
	mux.Handle("/live", instrument("/live", metrics.LivenessHandler()))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/status", instrument("/status", http.HandlerFunc(hs.statusHandler)))
	mux.Handle("/v1/jobs", instrument("/v1/jobs", http.HandlerFunc(hs.jobsHandler)))

	return hs
}

// Start serves on addr until Shutdown
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	hs.logger.Info().Str("addr", addr).Msg("HTTP API listening")
	if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

// JobResponse is returned by POST /v1/jobs
type JobResponse struct {
	JobID          string          `json:"job_id"`
	Created        bool            `json:"created"`
	Status         types.JobStatus `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// ErrorResponse is the body of every non-2xx answer from the API's own routes
type ErrorResponse struct {
	Error string `json:"error"`
}

// jobsHandler implements POST /v1/jobs. A new job answers 201; a duplicate
// of an existing job answers 200 with created=false.
func (hs *HealthServer) jobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "queue not available"})
		return
	}

	var req queue.EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid body: %v", err)})
		return
	}

	job, created, err := hs.queue.Enqueue(r.Context(), req)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidRequest) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		hs.logger.Error().Err(err).Msg("Enqueue failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "enqueue failed"})
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, JobResponse{
		JobID:          job.ID,
		Created:        created,
		Status:         job.Status,
		IdempotencyKey: job.IdempotencyKey,
	})
}

// statusHandler implements GET /status with the last cycle report
func (hs *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.reports == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "agent not available"})
		return
	}

	report, err := hs.reports.LastReport(r.Context())
	switch {
	case errors.Is(err, agent.ErrNoReport):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route
func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method+" "+route)
		metrics.APIRequestsTotal.WithLabelValues(r.Method+" "+route, strconv.Itoa(rec.code)).Inc()
	})
}
