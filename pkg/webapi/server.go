// Package webapi exposes the repricing agent's control and reporting
// surface over HTTP: scheduler control, run history, logs, metrics and
// the LLM cost report.
package webapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"repricer/pkg/logx"
	"repricer/pkg/metrics"
	"repricer/pkg/persistence"
	"repricer/pkg/proto"
	"repricer/pkg/scheduler"
)

// Agent is the scheduler surface the control endpoints drive.
// *scheduler.CycleScheduler implements it.
type Agent interface {
	Start() error
	Stop()
	Trigger(ctx context.Context, skuID, storeID int) (*proto.PipelineState, error)
	Status() scheduler.Status
}

// Server is the HTTP API server. The journal serves run history reads
// directly; writes stay on the scheduler's async path.
type Server struct {
	agent          Agent
	journal        *persistence.Operations
	costs          *metrics.QueryService
	token          string
	logger         *logx.Logger
	metricsHandler http.Handler
}

// New creates the API server. costs may be nil when no Prometheus server
// is configured; the cost endpoint then reports 501. An empty authToken
// leaves the control endpoints open.
func New(agent Agent, journal *persistence.Operations, costs *metrics.QueryService, authToken string) *Server {
	return &Server{
		agent:   agent,
		journal: journal,
		costs:   costs,
		token:   authToken,
		logger:  logx.NewLogger("webapi"),
	}
}

// SetMetricsHandler overrides the default Prometheus handler. The kernel
// installs one bound to its own registry.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metricsHandler = h
}

// Router builds the handler tree. Read endpoints are open; the control
// endpoints go through the bearer token check.
func (s *Server) Router() http.Handler {
	metricsHandler := s.metricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/runs", s.handleRuns)
	r.Get("/cycles", s.handleCycles)
	r.Get("/logs", s.handleLogs)
	r.Get("/costs", s.handleCosts)
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.controlAuth)
		r.Post("/agent/start", s.handleStart)
		r.Post("/agent/stop", s.handleStop)
		r.Post("/agent/trigger", s.handleTrigger)
	})

	return r
}

// controlAuth checks the Authorization header against the configured
// bearer token. With no token configured every request passes.
func (s *Server) controlAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			s.logger.Warn("Rejected control request from %s: bad or missing token", r.RemoteAddr)
			respondError(w, http.StatusUnauthorized, "bearer token required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
