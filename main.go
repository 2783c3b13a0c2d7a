package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"webcinema/internal/config"
	"webcinema/internal/coordinator"
	"webcinema/internal/engine"
	"webcinema/internal/handlers"
	"webcinema/internal/ledger"
	"webcinema/internal/logging"
	"webcinema/internal/memory"
	"webcinema/internal/metrics"
	"webcinema/internal/probe"
	"webcinema/internal/profile"
	"webcinema/internal/store"
	"webcinema/internal/workers"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	startTime := time.Now()

	configPath := os.Getenv("CONFIG")
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Fatal("Configuration error: %v", err)
	}

	metrics.SetAppInfo(version, commit, runtime.Version())

	ctx := context.Background()

	st, err := store.Open(cfg.ArtifactDir(), cfg.CacheBudgetBytes, cfg.MinRetentionAge.Std())
	if err != nil {
		logging.Fatal("Failed to open segment store: %v", err)
	}
	defer st.Close()
	if err := st.Recover(ctx); err != nil {
		logging.Fatal("Cache recovery failed: %v", err)
	}

	l, err := ledger.New(ctx, cfg.LedgerPath)
	if err != nil {
		logging.Fatal("Failed to open access ledger: %v", err)
	}
	defer l.Close()

	eng := engine.New(0)

	// Encoder detection shells out to ffmpeg; warm it up off the request
	// path so the first viewer does not pay for it.
	go func() {
		detectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		cap := eng.Capability(detectCtx)
		logging.Info("Encoder backend: %s (%s)", cap.Backend(), cap.Encoder)
	}()

	maxBuilds := cfg.MaxConcurrentBuilds
	if maxBuilds == 0 {
		maxBuilds = workers.ForEncoding(0)
	}
	logging.Info("Build concurrency limit: %d", maxBuilds)

	coord := coordinator.New(l, maxBuilds, cfg.IdleGracePeriod.Std())

	memMon := memory.NewMonitor(0)
	memMon.Start()

	h := handlers.New(cfg, probe.New(), profile.NewResolver(cfg), eng, st, coord, l)
	h.SetMemoryMonitor(memMon)

	sweepStop := make(chan struct{})
	go runSweeper(ctx, st, l, cfg.SweepInterval.Std(), sweepStop)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived streams manage their own write deadlines
		IdleTimeout:  60 * time.Second,
	}

	go handleShutdown(srv, memMon, sweepStop)

	logging.Info("webcinema %s listening on :%s (media: %s, cache: %s, startup: %v)",
		version, cfg.Port, cfg.MediaDir, cfg.CacheDir, time.Since(startTime).Round(time.Millisecond))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("Server error: %v", err)
	}
}

// runSweeper evicts least-recently-used cache entries on a fixed interval,
// feeding the store's sweep with access times from the ledger.
func runSweeper(ctx context.Context, st *store.Store, l *ledger.Ledger, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			recency, err := l.AccessTimes(ctx)
			if err != nil {
				logging.Warn("Sweep skipped, ledger read failed: %v", err)
				continue
			}
			evicted, err := st.Sweep(ctx, recency)
			if err != nil {
				logging.Warn("Sweep failed: %v", err)
				continue
			}
			for _, fp := range evicted {
				if err := l.Forget(ctx, fp); err != nil {
					logging.Debug("Failed to forget evicted entry %s: %v", fp, err)
				}
			}
			if len(evicted) > 0 {
				logging.Info("Sweep evicted %d cache entries", len(evicted))
			}
		case <-stop:
			return
		}
	}
}

func handleShutdown(srv *http.Server, memMon *memory.Monitor, sweepStop chan struct{}) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logging.Info("Received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	close(sweepStop)
	memMon.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	}
	logging.Info("Shutdown complete")
}
