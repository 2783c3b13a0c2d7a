package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"webcinema/internal/logging"
	"webcinema/internal/metrics"
)

var (
	// ErrCacheFull means a write would exceed the cache budget and nothing
	// evictable remains.
	ErrCacheFull = errors.New("cache full")

	// ErrEntryNotFound means no ready entry or active build exists for the
	// fingerprint.
	ErrEntryNotFound = errors.New("cache entry not found")

	// ErrBuildInProgress means a writer is already open for the fingerprint.
	ErrBuildInProgress = errors.New("build already in progress")

	// ErrBuildAborted is delivered to readers blocked on an entry whose
	// build was aborted.
	ErrBuildAborted = errors.New("build aborted")

	// ErrStoreLocked means another process holds the cache directory.
	ErrStoreLocked = errors.New("cache directory locked by another process")
)

// Store is the on-disk segment cache. Each entry lives in its own directory
// named by fingerprint, holding the artifact plus an entry.json sidecar that
// marks the entry Ready. Growing artifacts are readable while a writer is
// still appending.
type Store struct {
	root         string
	budget       int64
	minRetention time.Duration
	lock         *flock.Flock

	mu       sync.Mutex
	writers  map[string]*Writer
	ready    int64 // committed bytes across ready entries
	pending  int64 // bytes written by open writers
}

// Stats is a point-in-time summary of store occupancy.
type Stats struct {
	Entries     int   `json:"entries"`
	Building    int   `json:"building"`
	SizeBytes   int64 `json:"sizeBytes"`
	BudgetBytes int64 `json:"budgetBytes"`
}

// Open acquires the cache directory and returns a store rooted at root.
// A flock on root guards against two processes sharing one cache.
func Open(root string, budgetBytes int64, minRetention time.Duration) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}

	lock := flock.New(filepath.Join(root, ".lock"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock cache root: %w", err)
	}
	if !held {
		return nil, ErrStoreLocked
	}

	return &Store{
		root:         root,
		budget:       budgetBytes,
		minRetention: minRetention,
		lock:         lock,
		writers:      make(map[string]*Writer),
	}, nil
}

// Close releases the cache directory lock. Open writers are not touched.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

func (s *Store) entryDir(fingerprint string) string {
	return filepath.Join(s.root, fingerprint)
}

// Recover scans the cache after startup, purging entries that never
// committed and rebuilding the occupancy accounting. Must run before the
// store serves requests.
func (s *Store) Recover(ctx context.Context) error {
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("failed to scan cache root: %w", err)
	}

	var total int64
	var kept, purged int
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dir := s.entryDir(d.Name())
		meta, err := readSidecar(dir)
		if err != nil {
			logging.Info("Purging interrupted cache entry %s", d.Name())
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				logging.Error("Failed to purge entry %s: %v", d.Name(), rmErr)
			}
			purged++
			continue
		}
		total += meta.Size
		kept++
	}

	s.mu.Lock()
	s.ready = total
	s.mu.Unlock()

	metrics.CacheSizeBytes.Set(float64(total))
	metrics.CacheEntries.Set(float64(kept))
	logging.Info("Cache recovered: %d entries (%d bytes), %d purged", kept, total, purged)
	return nil
}

// OpenWriter starts a new build for fingerprint. Only one writer may exist
// per fingerprint, and a ready entry cannot be rebuilt without removal.
func (s *Store) OpenWriter(fingerprint, sourcePath, contentType string) (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, active := s.writers[fingerprint]; active {
		return nil, ErrBuildInProgress
	}

	dir := s.entryDir(fingerprint)
	if _, err := readSidecar(dir); err == nil {
		return nil, fmt.Errorf("entry %s: %w", fingerprint, ErrBuildInProgress)
	}

	// Leftovers from a crashed build that Recover missed (or a prior abort
	// that failed to clean up) are replaced wholesale.
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear entry dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create entry dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, artifactName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}

	w := &Writer{
		store:       s,
		fingerprint: fingerprint,
		dir:         dir,
		f:           f,
		meta: entryMeta{
			Fingerprint: fingerprint,
			SourcePath:  sourcePath,
			ContentType: contentType,
			CreatedAt:   time.Now(),
		},
	}
	w.cond = sync.NewCond(&w.mu)
	s.writers[fingerprint] = w
	return w, nil
}

// OpenReader opens fingerprint for reading. Ready entries read from the
// committed artifact; entries still building attach to the live writer and
// can block until bytes arrive.
func (s *Store) OpenReader(fingerprint string) (*Reader, error) {
	s.mu.Lock()
	w := s.writers[fingerprint]
	s.mu.Unlock()

	dir := s.entryDir(fingerprint)

	if w != nil {
		f, err := os.Open(filepath.Join(dir, artifactName))
		if err != nil {
			return nil, fmt.Errorf("failed to open growing artifact: %w", err)
		}
		return &Reader{f: f, writer: w}, nil
	}

	meta, err := readSidecar(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to read entry sidecar: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, artifactName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return &Reader{f: f, size: meta.Size, ready: true}, nil
}

// Contains reports whether a ready entry exists for fingerprint.
func (s *Store) Contains(fingerprint string) bool {
	_, err := readSidecar(s.entryDir(fingerprint))
	return err == nil
}

// Building reports whether a writer is currently open for fingerprint.
func (s *Store) Building(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.writers[fingerprint]
	return ok
}

// Fingerprints lists every ready entry currently on disk.
func (s *Store) Fingerprints() []string {
	var out []string
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}
	for _, d := range dirs {
		if d.IsDir() && s.Contains(d.Name()) {
			out = append(out, d.Name())
		}
	}
	return out
}

// Remove deletes a ready entry. Entries with an open writer are refused.
func (s *Store) Remove(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, active := s.writers[fingerprint]; active {
		return ErrBuildInProgress
	}

	dir := s.entryDir(fingerprint)
	meta, err := readSidecar(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrEntryNotFound
		}
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove entry: %w", err)
	}
	s.ready -= meta.Size
	metrics.CacheSizeBytes.Set(float64(s.ready + s.pending))
	metrics.CacheEntries.Dec()
	return nil
}

// Stats returns current occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := 0
	if dirs, err := os.ReadDir(s.root); err == nil {
		for _, d := range dirs {
			if d.IsDir() && s.Contains(d.Name()) {
				entries++
			}
		}
	}

	return Stats{
		Entries:     entries,
		Building:    len(s.writers),
		SizeBytes:   s.ready + s.pending,
		BudgetBytes: s.budget,
	}
}

// sweepCandidate is a ready entry eligible for eviction.
type sweepCandidate struct {
	fingerprint string
	size        int64
	lastUsed    time.Time
}

// Sweep evicts least-recently-used ready entries until occupancy fits the
// budget. recency supplies last-access times (typically from the ledger);
// entries without a recency record fall back to their creation time.
// Entries younger than the minimum retention age and entries still building
// are never evicted. Returns the evicted fingerprints.
func (s *Store) Sweep(ctx context.Context, recency map[string]time.Time) ([]string, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	if s.budget <= 0 {
		return nil, nil
	}

	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache root: %w", err)
	}

	s.mu.Lock()
	over := s.ready + s.pending - s.budget
	s.mu.Unlock()
	if over <= 0 {
		return nil, nil
	}

	now := time.Now()
	var candidates []sweepCandidate
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		fp := d.Name()
		if s.Building(fp) {
			continue
		}
		meta, err := readSidecar(s.entryDir(fp))
		if err != nil {
			continue
		}
		if now.Sub(meta.CreatedAt) < s.minRetention {
			continue
		}
		lastUsed := meta.CreatedAt
		if t, ok := recency[fp]; ok && t.After(lastUsed) {
			lastUsed = t
		}
		candidates = append(candidates, sweepCandidate{fingerprint: fp, size: meta.Size, lastUsed: lastUsed})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	var evicted []string
	var freed int64
	for _, c := range candidates {
		if freed >= over {
			break
		}
		if ctx.Err() != nil {
			return evicted, ctx.Err()
		}
		if err := s.Remove(c.fingerprint); err != nil {
			logging.Warn("Sweep failed to evict %s: %v", c.fingerprint, err)
			continue
		}
		logging.Debug("Evicted %s (%d bytes, last used %v)", c.fingerprint, c.size, c.lastUsed)
		metrics.EvictionsTotal.Inc()
		freed += c.size
		evicted = append(evicted, c.fingerprint)
	}

	if freed < over {
		logging.Warn("Sweep freed %d of %d needed bytes; cache over budget", freed, over)
	} else if len(evicted) > 0 {
		logging.Info("Sweep evicted %d entries, freed %d bytes", len(evicted), freed)
	}
	return evicted, nil
}

// reserve accounts bytes an open writer is about to append. Fails when the
// budget would be exceeded; the caller decides whether to sweep and retry
// or abort the build.
func (s *Store) reserve(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.budget > 0 && s.ready+s.pending+n > s.budget {
		return ErrCacheFull
	}
	s.pending += n
	metrics.CacheSizeBytes.Set(float64(s.ready + s.pending))
	return nil
}

// finishWriter moves a writer's bytes from pending to ready (committed) or
// drops them (aborted), and frees the fingerprint for future builds.
func (s *Store) finishWriter(w *Writer, committed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.writers, w.fingerprint)
	s.pending -= w.written
	if committed {
		s.ready += w.written
		metrics.CacheEntries.Inc()
	}
	metrics.CacheSizeBytes.Set(float64(s.ready + s.pending))
}
