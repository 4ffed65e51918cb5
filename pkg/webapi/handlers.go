package webapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"repricer/pkg/logx"
	"repricer/pkg/persistence"
	"repricer/pkg/scheduler"
	"repricer/pkg/version"
)

// handleHealth implements GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus implements GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.agent.Status())
}

// handleStart implements POST /agent/start. The scheduler resumes from its
// stored cursor; starting an already running agent is a no-op.
func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.agent.Start(); err != nil {
		if errors.Is(err, scheduler.ErrNoTargets) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// handleStop implements POST /agent/stop. Stopping is idempotent and keeps
// the cursor, so a later start resumes mid-cycle.
func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.agent.Stop()
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type triggerRequest struct {
	SKUID   int `json:"sku_id"`
	StoreID int `json:"store_id"`
}

// handleTrigger implements POST /agent/trigger: one pricing run outside the
// cycle, without advancing the cursor. A run already holding the scheduler
// yields 409.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SKUID <= 0 || req.StoreID <= 0 {
		respondError(w, http.StatusBadRequest, "sku_id and store_id must be positive")
		return
	}

	state, err := s.agent.Trigger(r.Context(), req.SKUID, req.StoreID)
	if err != nil {
		if errors.Is(err, scheduler.ErrRunInProgress) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, state)
}

// handleRuns implements GET /runs: journalled graph runs, newest first.
// Optional filters: graph, sku_id, store_id, cycle, limit.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	filter := persistence.RunFilter{Graph: r.URL.Query().Get("graph")}

	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"sku_id", &filter.SKUID},
		{"store_id", &filter.StoreID},
		{"cycle", &filter.Cycle},
		{"limit", &filter.Limit},
	} {
		value, err := queryInt(r, p.name)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		*p.dst = value
	}

	runs, err := s.journal.ListRuns(&filter)
	if err != nil {
		s.logger.Error("Listing runs failed: %v", err)
		respondError(w, http.StatusInternalServerError, "run query failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleCycles implements GET /cycles: completed cycle summaries, newest
// first.
func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	cycles, err := s.journal.ListCycles(limit)
	if err != nil {
		s.logger.Error("Listing cycles failed: %v", err)
		respondError(w, http.StatusInternalServerError, "cycle query failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"cycles": cycles, "count": len(cycles)})
}

// handleLogs implements GET /logs from the in-memory log buffer. Optional
// filters: domain, and since as an RFC3339 timestamp.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since parameter (use RFC3339)")
			return
		}
		since = parsed
	}

	entries := logx.GetRecentLogEntries(domain, since)
	respondJSON(w, http.StatusOK, map[string]any{"logs": entries, "count": len(entries)})
}

// handleCosts implements GET /costs: aggregated LLM token and spend totals
// queried from the external Prometheus server.
func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	if s.costs == nil {
		respondError(w, http.StatusNotImplemented, "cost reporting requires web.prometheus_url")
		return
	}

	stages, err := s.costs.GetUsageByStage(r.Context())
	if err != nil {
		s.logger.Error("Cost query failed: %v", err)
		respondError(w, http.StatusBadGateway, "prometheus query failed")
		return
	}
	total, err := s.costs.GetTotalCost(r.Context())
	if err != nil {
		s.logger.Error("Cost query failed: %v", err)
		respondError(w, http.StatusBadGateway, "prometheus query failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"stages": stages, "total_cost_usd": total})
}

// queryInt parses an optional integer query parameter, zero when absent.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return value, nil
}
