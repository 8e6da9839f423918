package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/yourorg/yield-intel/internal/aggregate"
	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/store"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pools, err := s.store.ListPools(r.Context(), store.PoolFilter{
		States: []model.LifecycleState{model.StateActive},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list pools: "+err.Error())
		return
	}
	market, err := aggregate.Summarize(r.Context(), pools)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "summarize market: "+err.Error())
		return
	}

	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"version": Version,
		"market":  market,
		"jobs":    s.runner.Status(),
		"signed":  s.opts.Signer != nil,
	}
	if s.opts.Breaker != nil {
		status["circuit_state"] = s.opts.Breaker.GetState().String()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRanking returns active pools by risk-adjusted APY. With a signer configured the
// list is wrapped in a signed envelope.
func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ranked, err := s.ranker.Ranking(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ranking: "+err.Error())
		return
	}
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	if ranked == nil {
		ranked = []model.RankedPool{}
	}

	if s.opts.Signer == nil {
		writeJSON(w, http.StatusOK, ranked)
		return
	}
	env, err := s.opts.Signer.Sign(ranked)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	var filter store.PoolFilter
	if raw := r.URL.Query().Get("state"); raw != "" {
		state := model.LifecycleState(raw)
		switch state {
		case model.StateUnknown, model.StateActive, model.StateInactive:
			filter.States = []model.LifecycleState{state}
		default:
			writeError(w, http.StatusBadRequest, "unknown state: "+raw)
			return
		}
	}
	filter.DiscoveredVia = r.URL.Query().Get("source")

	pools, err := s.store.ListPools(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list pools: "+err.Error())
		return
	}
	if pools == nil {
		pools = []model.Pool{}
	}
	writeJSON(w, http.StatusOK, pools)
}

type poolDetail struct {
	Pool      model.Pool            `json:"pool"`
	Metrics   *model.PoolMetrics    `json:"metrics,omitempty"`
	Snapshots []model.YieldSnapshot `json:"snapshots,omitempty"`
}

// handlePool returns one pool with its metrics. ?history=24h adds the snapshots of that
// window.
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var history time.Duration
	if raw := r.URL.Query().Get("history"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "history must be a positive duration")
			return
		}
		history = d
	}

	pool, err := s.store.GetPool(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pool not found: "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get pool: "+err.Error())
		return
	}
	resp := poolDetail{Pool: pool}

	m, err := s.store.GetMetrics(ctx, id)
	switch {
	case err == nil:
		resp.Metrics = &m
	case !errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusInternalServerError, "get metrics: "+err.Error())
		return
	}

	if history > 0 {
		snaps, err := s.store.SnapshotsSince(ctx, id, time.Now().Add(-history))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "snapshots: "+err.Error())
			return
		}
		resp.Snapshots = snaps
	}
	writeJSON(w, http.StatusOK, resp)
}
