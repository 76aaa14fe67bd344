// Package api serves the local status surface: health, connection status and prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crawl-progress-client/config"
	"crawl-progress-client/internal/connection"
	"crawl-progress-client/internal/logger"
	"crawl-progress-client/internal/stats"
)

const defaultMetricsPath = "/metrics"

// StatusSource reports the connection state. *connection.Manager satisfies it.
type StatusSource interface {
	Snapshot() connection.Snapshot
}

// Server wires the HTTP handlers to the connection manager.
type Server struct {
	router chi.Router
	status StatusSource
	stats  *stats.StatsCollector
	logger *logger.Logger
	srv    *http.Server
}

// statusResponse is the body of GET /status
type statusResponse struct {
	connection.Snapshot
	Stats map[string]interface{} `json:"stats,omitempty"`
}

// NewServer builds the router. gatherer may be nil, in which case no metrics route is mounted.
func NewServer(cfg config.APIConfig, status StatusSource, s *stats.StatsCollector, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	srv := &Server{
		status: status,
		stats:  s,
		logger: log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(srv.logRequests)

	r.Get("/healthz", srv.healthz)
	r.Get("/readyz", srv.readyz)
	r.Get("/status", srv.getStatus)

	if gatherer != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = defaultMetricsPath
		}
		r.Method(http.MethodGet, path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}

	srv.router = r
	srv.srv = &http.Server{
		Addr:              cfg.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Handler returns the router for use with http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("starting api server", "address", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports 200 only while the STOMP session is open.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	snap := s.status.Snapshot()
	code := http.StatusOK
	if snap.State != connection.Open.String() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": snap.Status})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Snapshot: s.status.Snapshot()}
	if s.stats != nil {
		resp.Stats = s.stats.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestId", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
