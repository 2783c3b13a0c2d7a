package handlers

import (
	"encoding/json"
	"net/http"
	"path/filepath"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"webcinema/internal/config"
	"webcinema/internal/coordinator"
	"webcinema/internal/engine"
	"webcinema/internal/ledger"
	"webcinema/internal/logging"
	"webcinema/internal/media"
	"webcinema/internal/memory"
	"webcinema/internal/middleware"
	"webcinema/internal/probe"
	"webcinema/internal/profile"
	"webcinema/internal/rangeserver"
	"webcinema/internal/store"
	"webcinema/internal/streaming"
)

// Handlers wires the request pipeline: probe, resolve, fingerprint,
// coordinate, serve.
type Handlers struct {
	mediaDir  string
	prober    *probe.Prober
	resolver  *profile.Resolver
	engine    *engine.Engine
	store     *store.Store
	coord     *coordinator.Coordinator
	ranges    *rangeserver.Server
	ledger    *ledger.Ledger
	thumbs    *media.Thumbnailer
	streamCfg streaming.Config
	memMon    *memory.Monitor
}

// New assembles the handler set from its collaborators.
func New(cfg *config.Config, p *probe.Prober, res *profile.Resolver, eng *engine.Engine,
	st *store.Store, coord *coordinator.Coordinator, l *ledger.Ledger) *Handlers {
	return &Handlers{
		mediaDir:  cfg.MediaDir,
		prober:    p,
		resolver:  res,
		engine:    eng,
		store:     st,
		coord:     coord,
		ranges:    rangeserver.New(st, l),
		ledger:    l,
		thumbs:    media.NewThumbnailer(cfg.ThumbnailDir),
		streamCfg: streaming.DefaultConfig(),
	}
}

// SetMemoryMonitor attaches an admission monitor. New builds are refused
// with 503 while the monitor reports memory pressure; a nil monitor
// disables the check.
func (h *Handlers) SetMemoryMonitor(m *memory.Monitor) {
	h.memMon = m
}

// Router returns the HTTP routing table with middleware applied.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Metrics, middleware.Logging)

	r.HandleFunc("/api/media/{path:.*}", h.RequestMedia).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/media-info/{path:.*}", h.MediaInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/thumbnail/{path:.*}", h.Thumbnail).Methods(http.MethodGet)
	r.HandleFunc("/api/cache/stats", h.CacheStats).Methods(http.MethodGet)
	r.HandleFunc("/api/cache/sweep", h.CacheSweep).Methods(http.MethodPost)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// resolvePath maps a request path onto the media directory, refusing
// anything that escapes it.
func (h *Handlers) resolvePath(rel string) (string, bool) {
	if rel == "" {
		return "", false
	}
	full := filepath.Join(h.mediaDir, rel)
	abs, err := filepath.Abs(full)
	if err != nil || !isSubPath(h.mediaDir, abs) {
		return "", false
	}
	return abs, true
}

func isSubPath(parent, child string) bool {
	parent, _ = filepath.Abs(parent)
	child, _ = filepath.Abs(child)
	return len(child) >= len(parent) && child[:len(parent)] == parent
}

// writeJSON encodes v as JSON. Encoding errors are logged; there is no way
// to recover mid-response.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		logging.Error("failed to encode JSON error: %v", err)
	}
}
