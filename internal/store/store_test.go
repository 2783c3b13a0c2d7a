package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testStore(t *testing.T, budget int64) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), budget, 0)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	})
	return s
}

func commitEntry(t *testing.T, s *Store, fingerprint string, data []byte) {
	t.Helper()
	w, err := s.OpenWriter(fingerprint, "/media/src.mkv", "video/mp4")
	if err != nil {
		t.Fatalf("OpenWriter(%s) error: %v", fingerprint, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
}

func TestCommitAndReadBack(t *testing.T) {
	s := testStore(t, 0)
	commitEntry(t, s, "fp1", []byte("artifact bytes"))

	if !s.Contains("fp1") {
		t.Error("committed entry should be ready")
	}

	r, err := s.OpenReader("fp1")
	if err != nil {
		t.Fatalf("OpenReader() error: %v", err)
	}
	defer r.Close()

	size, final := r.Size()
	if !final || size != 14 {
		t.Errorf("Size() = %d, %v, want 14, true", size, final)
	}

	buf := make([]byte, 8)
	if _, err := r.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt() error: %v", err)
	}
	if string(buf) != "artifact" {
		t.Errorf("ReadAt() = %q, want %q", buf, "artifact")
	}
}

func TestReaderNotFound(t *testing.T) {
	s := testStore(t, 0)
	if _, err := s.OpenReader("missing"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("OpenReader() = %v, want ErrEntryNotFound", err)
	}
}

func TestGrowingRead(t *testing.T) {
	s := testStore(t, 0)

	w, err := s.OpenWriter("grow", "/media/src.mkv", "video/mp4")
	if err != nil {
		t.Fatalf("OpenWriter() error: %v", err)
	}
	if _, err := w.Write([]byte("first")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	r, err := s.OpenReader("grow")
	if err != nil {
		t.Fatalf("OpenReader() error: %v", err)
	}
	defer r.Close()

	avail, final, err := r.WaitFor(context.Background(), 0)
	if err != nil {
		t.Fatalf("WaitFor(0) error: %v", err)
	}
	if final || avail != 5 {
		t.Errorf("WaitFor(0) = %d, %v, want 5 available, not final", avail, final)
	}

	// Block on a byte that does not exist yet, append it concurrently.
	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("second"))
		w.Commit()
	}()

	avail, final, err = r.WaitFor(context.Background(), 5)
	if err != nil {
		t.Fatalf("WaitFor(5) error: %v", err)
	}
	if avail < 6 {
		t.Errorf("WaitFor(5) = %d available, want >= 6", avail)
	}

	buf := make([]byte, 11)
	if _, err := r.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt() error: %v", err)
	}
	if string(buf) != "firstsecond" {
		t.Errorf("artifact = %q, want firstsecond", buf)
	}
	_ = final
}

func TestWaitForTerminalShortEntry(t *testing.T) {
	s := testStore(t, 0)

	w, err := s.OpenWriter("short", "/media/src.mkv", "video/mp4")
	if err != nil {
		t.Fatalf("OpenWriter() error: %v", err)
	}

	r, err := s.OpenReader("short")
	if err != nil {
		t.Fatalf("OpenReader() error: %v", err)
	}
	defer r.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("tiny"))
		w.Commit()
	}()

	// Waiting past the final size must resolve as terminal, not hang.
	avail, final, err := r.WaitFor(context.Background(), 1000)
	if err != nil {
		t.Fatalf("WaitFor() error: %v", err)
	}
	if !final || avail != 4 {
		t.Errorf("WaitFor(1000) = %d, %v, want 4, true", avail, final)
	}
}

func TestAbortReleasesBlockedReaders(t *testing.T) {
	s := testStore(t, 0)

	w, err := s.OpenWriter("doomed", "/media/src.mkv", "video/mp4")
	if err != nil {
		t.Fatalf("OpenWriter() error: %v", err)
	}

	r, err := s.OpenReader("doomed")
	if err != nil {
		t.Fatalf("OpenReader() error: %v", err)
	}
	defer r.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Abort()
	}()

	_, _, err = r.WaitFor(context.Background(), 0)
	if !errors.Is(err, ErrBuildAborted) {
		t.Errorf("WaitFor() = %v, want ErrBuildAborted", err)
	}
	if s.Contains("doomed") {
		t.Error("aborted entry must not become ready")
	}
	if s.Building("doomed") {
		t.Error("aborted build still registered")
	}
}

func TestWaitForHonorsContext(t *testing.T) {
	s := testStore(t, 0)

	w, err := s.OpenWriter("stall", "/media/src.mkv", "video/mp4")
	if err != nil {
		t.Fatalf("OpenWriter() error: %v", err)
	}
	defer w.Abort()

	r, err := s.OpenReader("stall")
	if err != nil {
		t.Fatalf("OpenReader() error: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err = r.WaitFor(ctx, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitFor() = %v, want DeadlineExceeded", err)
	}
}

func TestBudgetEnforced(t *testing.T) {
	s := testStore(t, 10)

	w, err := s.OpenWriter("big", "/media/src.mkv", "video/mp4")
	if err != nil {
		t.Fatalf("OpenWriter() error: %v", err)
	}
	defer w.Abort()

	if _, err := w.Write([]byte("12345678")); err != nil {
		t.Fatalf("Write() within budget error: %v", err)
	}
	if _, err := w.Write([]byte("overflow")); !errors.Is(err, ErrCacheFull) {
		t.Errorf("Write() over budget = %v, want ErrCacheFull", err)
	}
}

func TestDuplicateWriterRefused(t *testing.T) {
	s := testStore(t, 0)

	w, err := s.OpenWriter("dup", "/media/src.mkv", "video/mp4")
	if err != nil {
		t.Fatalf("OpenWriter() error: %v", err)
	}
	defer w.Abort()

	if _, err := s.OpenWriter("dup", "/media/src.mkv", "video/mp4"); !errors.Is(err, ErrBuildInProgress) {
		t.Errorf("second OpenWriter() = %v, want ErrBuildInProgress", err)
	}
}

func TestRewriteOfReadyEntryRefused(t *testing.T) {
	s := testStore(t, 0)
	commitEntry(t, s, "done", []byte("data"))

	if _, err := s.OpenWriter("done", "/media/src.mkv", "video/mp4"); !errors.Is(err, ErrBuildInProgress) {
		t.Errorf("OpenWriter() on ready entry = %v, want ErrBuildInProgress", err)
	}
}

func TestRemove(t *testing.T) {
	s := testStore(t, 0)
	commitEntry(t, s, "victim", []byte("data"))

	if err := s.Remove("victim"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if s.Contains("victim") {
		t.Error("removed entry still present")
	}
	if err := s.Remove("victim"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("second Remove() = %v, want ErrEntryNotFound", err)
	}
}

func TestRecoverPurgesUnmarkedEntries(t *testing.T) {
	root := t.TempDir()

	s, err := Open(root, 0, 0)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	commitEntry(t, s, "kept", []byte("committed"))

	// An interrupted build: artifact present, no sidecar.
	w, err := s.OpenWriter("orphan", "/media/src.mkv", "video/mp4")
	if err != nil {
		t.Fatalf("OpenWriter() error: %v", err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	s2, err := Open(root, 0, 0)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s2.Close()

	if err := s2.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if !s2.Contains("kept") {
		t.Error("committed entry lost during recovery")
	}
	if s2.Contains("orphan") {
		t.Error("unmarked entry survived recovery")
	}
	if _, err := s2.OpenReader("orphan"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("OpenReader(orphan) = %v, want ErrEntryNotFound", err)
	}
}

func TestSweepEvictsLeastRecentlyUsed(t *testing.T) {
	root := t.TempDir()

	s, err := Open(root, 0, 0)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	commitEntry(t, s, "old", []byte("aaaaaaaaaa"))  // 10 bytes
	commitEntry(t, s, "mid", []byte("bbbbbbbbbb"))  // 10 bytes
	commitEntry(t, s, "new", []byte("cccccccccc"))  // 10 bytes
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// Reopen with a budget that fits only two entries.
	s2, err := Open(root, 20, 0)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s2.Close()
	if err := s2.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}

	now := time.Now()
	recency := map[string]time.Time{
		"old": now.Add(-3 * time.Hour),
		"mid": now.Add(-2 * time.Hour),
		"new": now.Add(-1 * time.Hour),
	}

	evicted, err := s2.Sweep(context.Background(), recency)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Errorf("Sweep() evicted %v, want [old]", evicted)
	}
	if s2.Contains("old") || !s2.Contains("mid") || !s2.Contains("new") {
		t.Error("sweep evicted the wrong entries")
	}
}

func TestSweepRespectsMinRetention(t *testing.T) {
	root := t.TempDir()

	s, err := Open(root, 0, 0)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	commitEntry(t, s, "young", []byte("aaaaaaaaaa"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	s2, err := Open(root, 5, time.Hour)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s2.Close()
	if err := s2.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}

	evicted, err := s2.Sweep(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if len(evicted) != 0 {
		t.Errorf("Sweep() evicted %v, want nothing within the retention window", evicted)
	}
}

func TestSweepSkipsBuildingEntries(t *testing.T) {
	root := t.TempDir()

	s, err := Open(root, 0, 0)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	commitEntry(t, s, "ready", []byte("aaaaaaaaaa"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	s2, err := Open(root, 12, 0)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s2.Close()
	if err := s2.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}

	w, err := s2.OpenWriter("active", "/media/src.mkv", "video/mp4")
	if err != nil {
		t.Fatalf("OpenWriter() error: %v", err)
	}
	defer w.Abort()
	if _, err := w.Write([]byte("grow")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	evicted, err := s2.Sweep(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	for _, fp := range evicted {
		if fp == "active" {
			t.Error("sweep evicted an entry still being built")
		}
	}
}

func TestSecondOpenRefused(t *testing.T) {
	root := t.TempDir()

	s, err := Open(root, 0, 0)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()

	if _, err := Open(root, 0, 0); !errors.Is(err, ErrStoreLocked) {
		t.Errorf("second Open() = %v, want ErrStoreLocked", err)
	}
}

func TestStats(t *testing.T) {
	s := testStore(t, 1000)
	commitEntry(t, s, "a", []byte("12345"))

	w, err := s.OpenWriter("b", "/media/src.mkv", "video/mp4")
	if err != nil {
		t.Fatalf("OpenWriter() error: %v", err)
	}
	defer w.Abort()
	if _, err := w.Write([]byte("123")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	stats := s.Stats()
	if stats.Entries != 1 || stats.Building != 1 {
		t.Errorf("Stats() = %+v, want 1 ready and 1 building", stats)
	}
	if stats.SizeBytes != 8 {
		t.Errorf("SizeBytes = %d, want 8", stats.SizeBytes)
	}
	if stats.BudgetBytes != 1000 {
		t.Errorf("BudgetBytes = %d, want 1000", stats.BudgetBytes)
	}
}
