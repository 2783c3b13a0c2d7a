package streaming

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.WriteTimeout <= 0 {
		t.Error("WriteTimeout should be positive")
	}
	if cfg.IdleTimeout <= 0 {
		t.Error("IdleTimeout should be positive")
	}
	if cfg.ChunkSize <= 0 {
		t.Error("ChunkSize should be positive")
	}
}

func TestCopyWritesAllBytes(t *testing.T) {
	data := bytes.Repeat([]byte("webcinema"), 50000) // ~450KB, forces chunking
	rec := httptest.NewRecorder()

	cfg := DefaultConfig()
	cfg.ChunkSize = 32 * 1024

	if err := Copy(context.Background(), rec, bytes.NewReader(data), cfg); err != nil {
		t.Fatalf("Copy() error: %v", err)
	}

	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Errorf("Copy() wrote %d bytes, want %d", rec.Body.Len(), len(data))
	}
}

func TestWriterClientGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sw := NewWriter(ctx, httptest.NewRecorder(), DefaultConfig())
	defer sw.Close()

	_, err := sw.Write([]byte("data"))
	if !errors.Is(err, ErrClientGone) {
		t.Errorf("Write() after cancel = %v, want ErrClientGone", err)
	}
}

func TestWriterClosed(t *testing.T) {
	sw := NewWriter(context.Background(), httptest.NewRecorder(), DefaultConfig())
	if err := sw.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	// Close is idempotent
	if err := sw.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	if _, err := sw.Write([]byte("data")); !errors.Is(err, ErrStreamCanceled) {
		t.Errorf("Write() after Close = %v, want ErrStreamCanceled", err)
	}
}

// slowWriter blocks every write until unblocked.
type slowWriter struct {
	header http.Header
	block  chan struct{}
}

func (s *slowWriter) Header() http.Header { return s.header }
func (s *slowWriter) WriteHeader(int)     {}
func (s *slowWriter) Write(p []byte) (int, error) {
	<-s.block
	return len(p), nil
}

func TestWriterWriteTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WriteTimeout = 20 * time.Millisecond
	cfg.IdleTimeout = 0

	w := &slowWriter{header: make(http.Header), block: make(chan struct{})}
	defer close(w.block)

	sw := NewWriter(context.Background(), w, cfg)
	defer sw.Close()

	_, err := sw.Write([]byte("data"))
	if !errors.Is(err, ErrWriteTimeout) {
		t.Errorf("Write() to stalled client = %v, want ErrWriteTimeout", err)
	}
}

func TestWriterStats(t *testing.T) {
	sw := NewWriter(context.Background(), httptest.NewRecorder(), DefaultConfig())
	defer sw.Close()

	payload := strings.Repeat("x", 1234)
	if _, err := sw.Write([]byte(payload)); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	written, elapsed := sw.Stats()
	if written != int64(len(payload)) {
		t.Errorf("Stats() written = %d, want %d", written, len(payload))
	}
	if elapsed < 0 {
		t.Error("Stats() elapsed should be non-negative")
	}
}

func TestWriterProgressCallback(t *testing.T) {
	var calls int
	cfg := DefaultConfig()
	cfg.OnProgress = func(int64, time.Duration) { calls++ }

	sw := NewWriter(context.Background(), httptest.NewRecorder(), cfg)
	defer sw.Close()

	// Cross the 1MiB boundary to trigger the callback.
	if _, err := sw.Write(bytes.Repeat([]byte("a"), 2<<20)); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	if calls == 0 {
		t.Error("OnProgress was never called")
	}
}
