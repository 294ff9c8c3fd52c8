// Package api provides the HTTP read surface of the signal engine.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tadams95/4ex.ninja-sub000/internal/engine"
	"github.com/tadams95/4ex.ninja-sub000/internal/model"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// KeyLister exposes per-key engine status.
type KeyLister interface {
	KeyStatuses() []engine.KeyStatus
}

// NewRouter sets up HTTP routes for the API server.
func NewRouter(repo model.SignalRepository, keys KeyLister, logger *slog.Logger) *http.ServeMux {
	logger = logger.With("component", "api")
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// GET /api/v1/signals?instrument=EUR_USD&limit=50
	mux.HandleFunc("GET /api/v1/signals", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := defaultLimit
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxLimit)
		}
		instrument := strings.ToUpper(strings.TrimSpace(q.Get("instrument")))

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		sigs, err := repo.ListRecent(ctx, instrument, limit)
		if err != nil {
			logger.Error("list signals failed", "instrument", instrument, "error", err)
			writeError(w, http.StatusServiceUnavailable, "signal repository unavailable")
			return
		}
		if sigs == nil {
			sigs = []model.Signal{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"signals": sigs,
			"count":   len(sigs),
		})
	})

	// GET /api/v1/keys
	mux.HandleFunc("GET /api/v1/keys", func(w http.ResponseWriter, r *http.Request) {
		statuses := keys.KeyStatuses()
		if statuses == nil {
			statuses = []engine.KeyStatus{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": statuses})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
