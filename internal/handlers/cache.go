package handlers

import (
	"context"
	"net/http"
	"time"

	"webcinema/internal/logging"
)

// CacheStats reports store occupancy.
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.store.Stats())
}

// CacheSweep runs one eviction pass on demand.
func (h *Handlers) CacheSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recency, err := h.ledger.AccessTimes(ctx)
	if err != nil {
		logging.Warn("Sweep proceeding without recency data: %v", err)
	}

	evicted, err := h.store.Sweep(ctx, recency)
	if err != nil {
		writeJSONError(w, "sweep failed", http.StatusInternalServerError)
		return
	}

	for _, fp := range evicted {
		if err := h.ledger.Forget(ctx, fp); err != nil {
			logging.Warn("Failed to forget %s: %v", fp, err)
		}
	}

	writeJSON(w, map[string]any{"evicted": len(evicted)})
}

// sweepAfterBuild trims the cache once a build commits, keeping occupancy
// near budget between scheduled sweeps. Best effort; the ticker sweep will
// catch anything it misses.
func (h *Handlers) sweepAfterBuild() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recency, err := h.ledger.AccessTimes(ctx)
	if err != nil {
		logging.Debug("Post-build sweep skipped: %v", err)
		return
	}
	evicted, err := h.store.Sweep(ctx, recency)
	if err != nil {
		logging.Debug("Post-build sweep failed: %v", err)
		return
	}
	for _, fp := range evicted {
		if err := h.ledger.Forget(ctx, fp); err != nil {
			logging.Debug("Failed to forget %s: %v", fp, err)
		}
	}
}

// Health is the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}
