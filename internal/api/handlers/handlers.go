package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-pipeline/internal/api/middleware"
	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/runs"
	"github.com/dvloznov/finance-pipeline/internal/scheduler"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// Trigger starts runs on demand and reports scheduler state.
type Trigger interface {
	TriggerNow(ctx context.Context) (domain.Run, error)
	Status() scheduler.Status
}

// RunsHandler serves run status and history and triggers runs.
type RunsHandler struct {
	trigger Trigger
	runs    warehouse.RunLog
	cursors warehouse.CursorStore
	log     zerolog.Logger
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(trigger Trigger, runLog warehouse.RunLog, cursors warehouse.CursorStore, log zerolog.Logger) *RunsHandler {
	return &RunsHandler{
		trigger: trigger,
		runs:    runLog,
		cursors: cursors,
		log:     log,
	}
}

// Status handles GET /api/status
func (h *RunsHandler) Status(w http.ResponseWriter, r *http.Request) {
	st := h.trigger.Status()

	cursor, err := h.cursors.LoadCursor(r.Context(), st.Pipeline)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load cursor")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to load cursor")
		return
	}
	st.Cursor = cursor

	if st.LastRun == nil {
		latest, err := h.runs.ListRuns(r.Context(), runs.Filter{Pipeline: st.Pipeline, Limit: 1})
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to list runs")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to list runs")
			return
		}
		if len(latest) > 0 {
			st.LastRun = &latest[0]
		}
	}

	middleware.WriteJSON(w, http.StatusOK, st)
}

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Parse query parameters
	query := r.URL.Query()
	filter := runs.Filter{
		Pipeline: query.Get("pipeline"),
		Status:   domain.RunStatus(query.Get("status")),
		Limit:    50,
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	runList, err := h.runs.ListRuns(ctx, filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runList,
		"count": len(runList),
	})
}

// GetRun handles GET /api/runs/{id}
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := h.runs.GetRun(r.Context(), runID)
	if errors.Is(err, runs.ErrRunNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Msg("Failed to get run")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get run")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, run)
}

// TriggerRun handles POST /api/runs. The run executes synchronously; a
// failed run is returned with status 500 and the run body.
func (h *RunsHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.trigger.TriggerNow(r.Context())
	if errors.Is(err, scheduler.ErrRunInProgress) {
		middleware.WriteError(w, http.StatusConflict, "A run is already in progress")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("run_id", run.RunID).Msg("Triggered run failed")
		if run.RunID == "" {
			middleware.WriteError(w, http.StatusInternalServerError, "Run failed to start")
			return
		}
		middleware.WriteJSON(w, http.StatusInternalServerError, run)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, run)
}

// Register adds the operational routes to mux.
func (h *RunsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.Status(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListRuns(w, r)
		case http.MethodPost:
			h.TriggerRun(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/runs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// Extract run ID from path
			runID := strings.TrimPrefix(r.URL.Path, "/api/runs/")
			if runID == "" {
				middleware.WriteError(w, http.StatusBadRequest, "Run ID is required")
				return
			}
			h.GetRun(w, r, runID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	mux.Handle("/metrics", promhttp.Handler())
}
