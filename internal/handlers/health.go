package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"transcom-sync/pkg/logging"
)

// HealthChecker is anything that can report whether the store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler serves liveness and metrics for long-running syncs
type HealthHandler struct {
	store    HealthChecker
	gatherer prometheus.Gatherer
	logger   *logging.StructuredLogger
	started  time.Time
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Database      string  `json:"database,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// NewHealthHandler creates a handler. store may be nil when the run has no
// database; gatherer defaults to the global prometheus registry.
func NewHealthHandler(store HealthChecker, gatherer prometheus.Gatherer, logger *logging.StructuredLogger) *HealthHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthHandler{
		store:    store,
		gatherer: gatherer,
		logger:   logger,
		started:  time.Now(),
	}
}

// HealthCheck handles GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: time.Since(h.started).Seconds(),
	}
	code := http.StatusOK

	if h.store != nil {
		if err := h.store.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "unreachable"
			resp.Error = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{
		"status": resp.Status,
	})
	h.sendJSON(w, resp, code)
}

// sendJSON sends a JSON response
func (h *HealthHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// RegisterRoutes registers /health and /metrics
func (h *HealthHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
}

// Server exposes the health router while a run is in progress
type Server struct {
	srv    *http.Server
	logger *logging.StructuredLogger
}

// NewServer builds the HTTP server for addr around h's routes.
func NewServer(addr string, h *HealthHandler, logger *logging.StructuredLogger) *Server {
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background. Listen errors are logged, never fatal:
// the pipeline run matters more than its metrics.
func (s *Server) Start(ctx context.Context) {
	go func() {
		s.logger.Info(ctx, "[SERVER_START] Metrics server listening", logging.Fields{
			"address": s.srv.Addr,
		})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "[SERVER_ERROR] Metrics server failed", logging.Fields{}, err)
		}
	}()
}

// Shutdown stops the server, waiting up to 5 seconds for open requests.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error(ctx, "[SHUTDOWN_ERROR] Metrics server forced to shutdown", logging.Fields{}, err)
	}
}
