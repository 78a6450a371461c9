// Package ops exposes the worker's operational HTTP surface: liveness and
// a stats snapshot for dashboards and deploy smoke checks.
package ops

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/smtp-dispatch/internal/domain"
	"github.com/ignite/smtp-dispatch/internal/ratelimit"
	"github.com/ignite/smtp-dispatch/internal/worker"
)

// Handler serves /healthz and /stats.
type Handler struct {
	limiter *ratelimit.Limiter
	pool    *worker.Pool

	mu          sync.RWMutex
	lastSummary *domain.Summary
}

// NewHandler builds the ops handler over the process singletons.
func NewHandler(limiter *ratelimit.Limiter, pool *worker.Pool) *Handler {
	return &Handler{limiter: limiter, pool: pool}
}

// Routes returns the chi router for the ops endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", h.HandleHealth)
	r.Get("/stats", h.HandleStats)
	return r
}

// RecordSummary stores the most recent drain result for /stats.
func (h *Handler) RecordSummary(s domain.Summary) {
	h.mu.Lock()
	h.lastSummary = &s
	h.mu.Unlock()
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	last := h.lastSummary
	h.mu.RUnlock()

	payload := struct {
		RateLimiter ratelimit.Stats `json:"rate_limiter"`
		Pool        worker.Totals   `json:"pool"`
		LastSummary *domain.Summary `json:"last_summary,omitempty"`
	}{
		RateLimiter: h.limiter.Stats(),
		Pool:        h.pool.Totals(),
		LastSummary: last,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}
