package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webcinema/internal/config"
	"webcinema/internal/ledger"
	"webcinema/internal/store"
)

const defaultTimeout = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	cfg, err := config.Load(os.Getenv("CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.ArtifactDir(), cfg.CacheBudgetBytes, cfg.MinRetentionAge.Std())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open cache at %s: %v\n", cfg.ArtifactDir(), err)
		fmt.Fprintln(os.Stderr, "Is the server still running? The cache is single-owner.")
		os.Exit(1)
	}
	defer st.Close()

	l, err := ledger.New(ctx, cfg.LedgerPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open ledger: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()

	ok := false
	switch command {
	case "stats":
		ok = showStats(ctx, st)
	case "sweep":
		ok = runSweep(ctx, st, l)
	case "purge":
		ok = purge(ctx, st, l)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n", command)
		printUsage()
	}
	if !ok {
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("webcinema cache maintenance")
	fmt.Println("")
	fmt.Println("Usage: cachectl <command>")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  stats   - Show cache entry counts and sizes")
	fmt.Println("  sweep   - Evict least-recently-used entries over budget")
	fmt.Println("  purge   - Remove every cached artifact")
	fmt.Println("")
	fmt.Println("Environment:")
	fmt.Println("  CONFIG    - Path to the TOML configuration file")
	fmt.Println("  CACHE_DIR - Cache directory (overrides the config file)")
}

func showStats(ctx context.Context, st *store.Store) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := st.Recover(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: recovery scan failed: %v\n", err)
		return false
	}
	stats := st.Stats()
	fmt.Printf("Entries:   %d ready, %d building\n", stats.Entries, stats.Building)
	fmt.Printf("Size:      %s of %s budget\n", formatBytes(stats.SizeBytes), formatBytes(stats.BudgetBytes))
	return true
}

func runSweep(ctx context.Context, st *store.Store, l *ledger.Ledger) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := st.Recover(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: recovery scan failed: %v\n", err)
		return false
	}
	recency, err := l.AccessTimes(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: ledger read failed: %v\n", err)
		return false
	}
	evicted, err := st.Sweep(ctx, recency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: sweep failed: %v\n", err)
		return false
	}
	for _, fp := range evicted {
		if err := l.Forget(ctx, fp); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to forget %s: %v\n", fp, err)
		}
	}
	fmt.Printf("Evicted %d entries.\n", len(evicted))
	return true
}

func purge(ctx context.Context, st *store.Store, l *ledger.Ledger) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := st.Recover(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: recovery scan failed: %v\n", err)
		return false
	}

	removed := 0
	for _, fp := range st.Fingerprints() {
		if err := st.Remove(fp); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to remove %s: %v\n", fp, err)
			continue
		}
		if err := l.Forget(ctx, fp); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to forget %s: %v\n", fp, err)
		}
		removed++
	}
	fmt.Printf("Removed %d entries.\n", removed)
	return true
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
