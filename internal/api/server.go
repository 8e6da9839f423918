// Package api serves the ranking, pool and job endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/yield-intel/internal/circuitbreaker"
	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/pipeline"
	"github.com/yourorg/yield-intel/internal/security"
	"github.com/yourorg/yield-intel/internal/store"
)

// Version is reported by /health and /status.
const Version = "1.0.0"

// JobRunner triggers and reports jobs. *pipeline.Runner satisfies it.
type JobRunner interface {
	Run(ctx context.Context, name string) error
	Status() []pipeline.RunStatus
	Jobs() []string
}

// RankingSource answers the ranking query. *pipeline.Ranker satisfies it.
type RankingSource interface {
	Ranking(ctx context.Context) ([]model.RankedPool, error)
}

// Options holds the optional parts of the server.
type Options struct {
	// Signer wraps ranking responses in a signed envelope when set
	Signer *security.Signer

	// Breaker guards the RPC endpoint; exposed on /circuit
	Breaker *circuitbreaker.CircuitBreaker

	// Gatherer backs /metrics; defaults to the global registry
	Gatherer prometheus.Gatherer

	// Registerer receives the HTTP metrics; nil disables them
	Registerer prometheus.Registerer

	// RateLimit caps requests per second across the API; 0 disables it
	RateLimit float64
}

// Server holds the handlers' dependencies.
type Server struct {
	base    context.Context
	store   store.Store
	ranker  RankingSource
	runner  JobRunner
	opts    Options
	limiter *rate.Limiter
	metrics *httpMetrics
	started time.Time
}

// New builds a server. Jobs triggered over HTTP run under base, so they outlive the
// request that started them.
func New(base context.Context, st store.Store, ranker RankingSource, runner JobRunner, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		base:    base,
		store:   st,
		ranker:  ranker,
		runner:  runner,
		opts:    opts,
		metrics: newHTTPMetrics(opts.Registerer),
		started: time.Now(),
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return s
}

// Router returns the routes of the API.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument, s.limit)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/circuit", s.handleCircuit).Methods(http.MethodGet, http.MethodPost)

	r.HandleFunc("/ranking", s.handleRanking).Methods(http.MethodGet)
	r.HandleFunc("/pools", s.handlePools).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}", s.handlePool).Methods(http.MethodGet)

	r.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{name}/run", s.handleRunJob).Methods(http.MethodPost)
	return r
}

// limit rejects requests over the configured rate. Health checks are never limited.
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && r.URL.Path != "/health" && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	if code >= http.StatusInternalServerError {
		logrus.WithField("status", code).Error(msg)
	} else {
		logrus.WithField("status", code).Debug(msg)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	if s.opts.Breaker == nil {
		writeError(w, http.StatusServiceUnavailable, "circuit breaker not enabled")
		return
	}
	resp := map[string]interface{}{}
	if r.Method == http.MethodPost && r.URL.Query().Get("action") == "reset" {
		s.opts.Breaker.Reset()
		resp["message"] = "circuit breaker reset"
	}
	resp["state"] = s.opts.Breaker.GetState().String()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   s.runner.Jobs(),
		"status": s.runner.Status(),
	})
}

// handleRunJob starts a job in the background and answers 202. A job that is already
// running answers 409.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !contains(s.runner.Jobs(), name) {
		writeError(w, http.StatusNotFound, "unknown job: "+name)
		return
	}
	for _, st := range s.runner.Status() {
		if st.Job == name && st.Running {
			writeError(w, http.StatusConflict, pipeline.ErrAlreadyRunning.Error())
			return
		}
	}

	go func() {
		err := s.runner.Run(s.base, name)
		switch {
		case err == nil:
		case errors.Is(err, pipeline.ErrAlreadyRunning):
			logrus.WithField("job", name).Info("Manual run skipped, job already running")
		default:
			logrus.WithError(err).WithField("job", name).Warn("Manual run failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "started"})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}
