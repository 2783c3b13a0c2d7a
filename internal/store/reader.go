package store

import (
	"context"
	"io"
	"os"
)

// Reader reads an artifact, ready or still growing. For growing entries it
// attaches to the live writer and can block until the bytes it needs exist.
type Reader struct {
	f      *os.File
	writer *Writer // nil for ready entries
	size   int64   // valid when ready
	ready  bool
}

// Size returns the artifact's total size and whether it is final. While the
// entry is building the returned size is the current high-water mark.
func (r *Reader) Size() (int64, bool) {
	if r.ready {
		return r.size, true
	}
	done, committed := r.writer.terminal()
	if done && committed {
		return r.writer.BytesWritten(), true
	}
	return r.writer.BytesWritten(), done
}

// ReadAt reads from the artifact at off. Callers should WaitFor the offset
// first; reading past the current high-water mark returns io.EOF.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	return r.f.ReadAt(p, off)
}

// WaitFor blocks until at least one byte at off is available, the build
// reaches a terminal state, or ctx is done. It returns the number of bytes
// known to exist and whether that count is final.
//
// A final count <= off means the range can never be satisfied. An aborted
// build returns ErrBuildAborted.
func (r *Reader) WaitFor(ctx context.Context, off int64) (int64, bool, error) {
	if r.ready {
		return r.size, true, nil
	}

	w := r.writer
	w.mu.Lock()
	defer w.mu.Unlock()

	// Wake the cond when the context fires so the wait below can observe it.
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer stop()

	for {
		if ctx.Err() != nil {
			return w.written, false, ctx.Err()
		}
		if w.done {
			if !w.committed {
				return 0, true, ErrBuildAborted
			}
			return w.written, true, nil
		}
		if w.written > off {
			return w.written, false, nil
		}
		w.cond.Wait()
	}
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}

var _ io.ReaderAt = (*Reader)(nil)
