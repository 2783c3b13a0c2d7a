package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"webcinema/internal/logging"
)

// Sentinel errors for streaming operations.
var (
	// ErrWriteTimeout indicates a single write exceeded the configured timeout,
	// typically because the client is draining data too slowly.
	ErrWriteTimeout = errors.New("write timeout exceeded")

	// ErrClientGone indicates the client disconnected before the stream
	// completed, detected via request context cancellation.
	ErrClientGone = errors.New("client disconnected")

	// ErrStreamCanceled indicates the stream was canceled programmatically.
	ErrStreamCanceled = errors.New("stream canceled")
)

// Config controls timeout-protected streaming behavior.
type Config struct {
	// WriteTimeout bounds a single write to the client.
	WriteTimeout time.Duration
	// IdleTimeout bounds the gap between successful writes.
	IdleTimeout time.Duration
	// ChunkSize splits large writes so stalls are detected early (0 = as received).
	ChunkSize int
	// OnProgress, if set, is called roughly once per megabyte written.
	OnProgress func(bytesWritten int64, elapsed time.Duration)
}

// DefaultConfig returns sensible defaults for HTTP streaming.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		ChunkSize:    64 * 1024,
	}
}

// Writer wraps an http.ResponseWriter with per-write and idle timeouts.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     Config

	mu        sync.Mutex
	started   time.Time
	lastWrite time.Time
	written   int64
	closed    bool
}

// NewWriter creates a timeout-protected writer bound to ctx.
func NewWriter(ctx context.Context, w http.ResponseWriter, cfg Config) *Writer {
	wctx, cancel := context.WithCancel(ctx)
	sw := &Writer{
		w:         w,
		ctx:       wctx,
		cancel:    cancel,
		cfg:       cfg,
		started:   time.Now(),
		lastWrite: time.Now(),
	}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	if cfg.IdleTimeout > 0 {
		go sw.watchIdle()
	}
	return sw
}

// Write implements io.Writer, splitting into chunks and flushing between them.
func (sw *Writer) Write(p []byte) (int, error) {
	sw.mu.Lock()
	closed := sw.closed
	sw.mu.Unlock()
	if closed {
		return 0, ErrStreamCanceled
	}

	total := 0
	for len(p) > 0 {
		select {
		case <-sw.ctx.Done():
			return total, sw.ctxErr()
		default:
		}

		n := len(p)
		if sw.cfg.ChunkSize > 0 && n > sw.cfg.ChunkSize {
			n = sw.cfg.ChunkSize
		}

		wn, err := sw.writeOne(p[:n])
		total += wn
		if err != nil {
			return total, err
		}
		p = p[n:]

		if sw.flusher != nil {
			sw.flusher.Flush()
		}
	}
	return total, nil
}

// writeOne performs a single write bounded by WriteTimeout.
func (sw *Writer) writeOne(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)

	go func() {
		n, err := sw.w.Write(p)
		done <- result{n, err}
	}()

	var timeout <-chan time.Time
	if sw.cfg.WriteTimeout > 0 {
		t := time.NewTimer(sw.cfg.WriteTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-done:
		if res.err == nil {
			sw.mu.Lock()
			sw.lastWrite = time.Now()
			sw.written += int64(res.n)
			written := sw.written
			sw.mu.Unlock()
			if sw.cfg.OnProgress != nil && written%(1<<20) < int64(len(p)) {
				sw.cfg.OnProgress(written, time.Since(sw.started))
			}
		}
		return res.n, res.err
	case <-timeout:
		sw.cancel()
		return 0, ErrWriteTimeout
	case <-sw.ctx.Done():
		return 0, sw.ctxErr()
	}
}

// watchIdle cancels the stream when no write succeeds within IdleTimeout.
func (sw *Writer) watchIdle() {
	ticker := time.NewTicker(sw.cfg.IdleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sw.mu.Lock()
			idle := time.Since(sw.lastWrite)
			closed := sw.closed
			sw.mu.Unlock()
			if closed {
				return
			}
			if idle > sw.cfg.IdleTimeout {
				logging.Warn("Stream idle for %v, canceling", idle)
				sw.cancel()
				return
			}
		case <-sw.ctx.Done():
			return
		}
	}
}

func (sw *Writer) ctxErr() error {
	if errors.Is(sw.ctx.Err(), context.Canceled) {
		return ErrClientGone
	}
	return ErrStreamCanceled
}

// Close marks the writer as closed and releases its context.
func (sw *Writer) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return nil
	}
	sw.closed = true
	sw.cancel()
	return nil
}

// Stats returns bytes written and elapsed time so far.
func (sw *Writer) Stats() (int64, time.Duration) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.written, time.Since(sw.started)
}

// Copy streams from r to an HTTP response with timeout protection.
func Copy(ctx context.Context, w http.ResponseWriter, r io.Reader, cfg Config) error {
	sw := NewWriter(ctx, w, cfg)
	defer sw.Close()

	_, err := io.Copy(sw, r)

	written, elapsed := sw.Stats()
	logging.Debug("Stream finished: %d bytes in %v", written, elapsed)
	return err
}
