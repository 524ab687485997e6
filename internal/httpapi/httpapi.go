// Package httpapi is the controller's own small HTTP surface: a
// read-only state snapshot, a liveness probe, recent dispatched
// commands, and Prometheus exposition. Catalog CRUD and manual
// dispatch live in the registry collaborator, not here.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labctl/labctl/internal/catalog"
	"github.com/labctl/labctl/internal/labstate"
	"github.com/labctl/labctl/internal/ledger"
)

// SnapshotSource is the subset of the Controller Manager this API needs.
type SnapshotSource interface {
	Snapshot() map[catalog.LabID]labstate.LabRuntime
}

// CommandLog is the read side of the dispatch ledger. A nil CommandLog
// disables the /labs/{labID}/commands route.
type CommandLog interface {
	RecentCommands(labID catalog.LabID, limit int) ([]ledger.Record, error)
}

// NewRouter builds the controller's HTTP handler.
func NewRouter(source SnapshotSource, log CommandLog, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/snapshot", snapshotHandler(source))
	r.Handle("/metrics", promhttp.Handler())
	if log != nil {
		r.Get("/labs/{labID}/commands", commandsHandler(log))
	}

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"ts": time.Now().Unix(),
	})
}

func snapshotHandler(source SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, source.Snapshot())
	}
}

func commandsHandler(log CommandLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		labID := catalog.LabID(chi.URLParam(r, "labID"))
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		records, err := log.RecentCommands(labID, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if records == nil {
			records = []ledger.Record{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"lab_id": labID, "commands": records})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
