package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/agentainer/flowplan/internal/config"
	"github.com/agentainer/flowplan/internal/dashboard"
	"github.com/agentainer/flowplan/internal/logging"
	"github.com/agentainer/flowplan/internal/transform"
	"github.com/agentainer/flowplan/internal/workflow"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxWaitTimeout caps the timeout a client may request on a dependency wait
const maxWaitTimeout = 5 * time.Minute

type Server struct {
	config      *config.Config
	planner     *workflow.Planner
	coordinator *workflow.Coordinator
	transformer *transform.Transformer
	logger      *logging.Logger
	gatherer    prometheus.Gatherer
	dashboard   *dashboard.Server
}

type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Option configures optional Server collaborators
type Option func(*Server)

// WithLogger enables GET /logs backed by the logger's Redis sink
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer enables GET /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithDashboard mounts the dashboard routes, including GET /ws
func WithDashboard(d *dashboard.Server) Option {
	return func(s *Server) { s.dashboard = d }
}

func NewServer(cfg *config.Config, planner *workflow.Planner, coordinator *workflow.Coordinator, transformer *transform.Transformer, opts ...Option) *Server {
	s := &Server{
		config:      cfg,
		planner:     planner,
		coordinator: coordinator,
		transformer: transformer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	r.HandleFunc("/plans", s.createPlanHandler).Methods("POST")

	r.HandleFunc("/executions", s.createExecutionHandler).Methods("POST")
	r.HandleFunc("/executions", s.listExecutionsHandler).Methods("GET")
	r.HandleFunc("/executions/{id}", s.cleanupExecutionHandler).Methods("DELETE")
	r.HandleFunc("/executions/{id}/progress", s.getProgressHandler).Methods("GET")
	r.HandleFunc("/executions/{id}/nodes/{node}/start", s.startNodeHandler).Methods("POST")
	r.HandleFunc("/executions/{id}/nodes/{node}/complete", s.completeNodeHandler).Methods("POST")
	r.HandleFunc("/executions/{id}/nodes/{node}/fail", s.failNodeHandler).Methods("POST")
	r.HandleFunc("/executions/{id}/nodes/{node}/wait", s.waitNodeHandler).Methods("POST")
	r.HandleFunc("/executions/{id}/data", s.shareDataHandler).Methods("POST")
	r.HandleFunc("/executions/{id}/data", s.getSharedDataHandler).Methods("GET")
	r.HandleFunc("/executions/{id}/broadcast", s.broadcastHandler).Methods("POST")

	r.HandleFunc("/pipelines/apply", s.applyPipelineHandler).Methods("POST")

	r.HandleFunc("/logs", s.getLogsHandler).Methods("GET")

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	if s.dashboard != nil {
		s.dashboard.RegisterRoutes(r)
	}
	return r
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error("api", "Server shutdown failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	logging.Info("api", "Server starting", map[string]interface{}{
		"addr": addr,
	})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Service is healthy",
		Data: map[string]interface{}{
			"status":     "ok",
			"executions": len(s.coordinator.ListExecutions()),
		},
	})
}

func (s *Server) getLogsHandler(w http.ResponseWriter, r *http.Request) {
	if s.logger == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Log storage is not configured")
		return
	}

	q := r.URL.Query()
	duration := parseDuration(q.Get("duration"), time.Hour)
	if duration > 24*time.Hour {
		duration = 24 * time.Hour
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit < 0 {
			s.sendError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
	}

	var level logging.LogLevel
	if v := q.Get("level"); v != "" {
		level = logging.ParseLevel(v)
	}

	logs, err := s.logger.GetLogs(r.Context(), logging.LogFilter{
		Duration:    duration,
		Level:       level,
		Component:   q.Get("component"),
		ExecutionID: q.Get("execution_id"),
		Limit:       limit,
	})
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get logs: %v", err))
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Logs retrieved successfully",
		Data:    logs,
	})
}

// statusRecorder captures the response code for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("api", "Request handled", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
			"remote":   r.RemoteAddr,
		})
	})
}

func (s *Server) sendResponse(w http.ResponseWriter, statusCode int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

func (s *Server) sendError(w http.ResponseWriter, statusCode int, message string) {
	s.sendResponse(w, statusCode, Response{
		Success: false,
		Message: message,
	})
}

// sendWorkflowError maps coordinator and planner errors onto status codes
func (s *Server) sendWorkflowError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrContextNotFound):
		status = http.StatusNotFound
	case errors.Is(err, workflow.ErrCyclicWorkflow), errors.Is(err, workflow.ErrInvalidGraph):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrDependencyFailed):
		status = http.StatusConflict
	case errors.Is(err, workflow.ErrDependencyTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	s.sendError(w, status, err.Error())
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseDuration parses a duration string, returning defaultDur if parsing fails
func parseDuration(s string, defaultDur time.Duration) time.Duration {
	if s == "" {
		return defaultDur
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return defaultDur
	}
	return dur
}
