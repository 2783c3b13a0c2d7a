package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcinema_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webcinema_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webcinema_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Probe metrics
var (
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcinema_probes_total",
			Help: "Total number of source probes",
		},
		[]string{"status"}, // "hit", "miss", "error"
	)

	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webcinema_probe_duration_seconds",
			Help:    "ffprobe invocation duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

// Build coordinator metrics
var (
	BuildJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcinema_build_jobs_total",
			Help: "Total number of build jobs by terminal status",
		},
		[]string{"status"}, // "ready", "failed", "canceled"
	)

	BuildJobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webcinema_build_jobs_running",
			Help: "Number of build jobs currently running",
		},
	)

	BuildJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webcinema_build_job_duration_seconds",
			Help:    "Build job duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	BuildFollowersJoined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webcinema_build_followers_joined_total",
			Help: "Total number of requests that joined an in-flight build",
		},
	)

	BuildsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webcinema_builds_suppressed_total",
			Help: "Total number of builds refused while a failure backoff was active",
		},
	)
)

// Transcode engine metrics
var (
	HardwareFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webcinema_hardware_fallbacks_total",
			Help: "Total number of jobs that fell back from hardware to software encoding",
		},
	)

	EngineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcinema_engine_runs_total",
			Help: "Total number of transcode engine invocations",
		},
		[]string{"backend", "status"}, // backend: "hardware"/"software"
	)
)

// Segment store metrics
var (
	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webcinema_cache_size_bytes",
			Help: "Total size of cached artifacts in bytes",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webcinema_cache_entries",
			Help: "Number of entries in the segment store",
		},
	)

	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webcinema_cache_hits_total",
			Help: "Total number of requests served from a ready cache entry",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webcinema_cache_misses_total",
			Help: "Total number of requests that required a new build",
		},
	)

	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webcinema_evictions_total",
			Help: "Total number of cache entries evicted by the sweeper",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webcinema_sweep_duration_seconds",
			Help:    "Eviction sweep duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)
)

// Thumbnail metrics
var (
	ThumbnailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcinema_thumbnails_total",
			Help: "Total number of thumbnail generations",
		},
		[]string{"type", "status"},
	)
)

// Filesystem metrics
var (
	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webcinema_filesystem_stale_errors_total",
			Help: "Total number of NFS stale file handle errors encountered",
		},
		[]string{"operation"},
	)
)

// Memory monitor metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webcinema_memory_usage_ratio",
			Help: "Heap usage as a fraction of the configured memory limit",
		},
	)

	MemoryPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webcinema_memory_paused",
			Help: "Whether build admission is paused due to memory pressure (0 or 1)",
		},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webcinema_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// SetAppInfo sets the application info metric.
func SetAppInfo(version, commit, goVersion string) {
	AppInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
