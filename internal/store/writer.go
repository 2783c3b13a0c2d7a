package store

import (
	"fmt"
	"os"
	"sync"
)

// Writer appends artifact bytes for one build. Appended bytes are
// immediately visible to attached readers; once written they are never
// rewritten or truncated, only Commit or Abort can follow.
type Writer struct {
	store       *Store
	fingerprint string
	dir         string
	f           *os.File
	meta        entryMeta

	mu        sync.Mutex
	cond      *sync.Cond
	written   int64
	done      bool // terminal: committed or aborted
	committed bool
}

// Write appends p to the artifact, enforcing the cache budget before the
// bytes land on disk.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return 0, fmt.Errorf("write on finished build %s", w.fingerprint)
	}
	w.mu.Unlock()

	if err := w.store.reserve(int64(len(p))); err != nil {
		return 0, err
	}

	n, err := w.f.Write(p)

	w.mu.Lock()
	w.written += int64(n)
	w.cond.Broadcast()
	w.mu.Unlock()

	if err != nil {
		return n, fmt.Errorf("artifact write: %w", err)
	}
	return n, nil
}

// BytesWritten returns the number of bytes appended so far.
func (w *Writer) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Commit finalizes the entry: fsync the artifact, then durably write the
// sidecar. After Commit the entry is Ready and immutable.
func (w *Writer) Commit() error {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return fmt.Errorf("commit on finished build %s", w.fingerprint)
	}
	size := w.written
	w.mu.Unlock()

	if err := w.f.Sync(); err != nil {
		w.failAndClean()
		return fmt.Errorf("artifact sync: %w", err)
	}
	if err := w.f.Close(); err != nil {
		w.failAndClean()
		return fmt.Errorf("artifact close: %w", err)
	}

	w.meta.Size = size
	if err := writeSidecar(w.dir, w.meta); err != nil {
		w.failAndClean()
		return fmt.Errorf("sidecar write: %w", err)
	}

	w.mu.Lock()
	w.done = true
	w.committed = true
	w.cond.Broadcast()
	w.mu.Unlock()

	w.store.finishWriter(w, true)
	return nil
}

// Abort discards the build, removing the entry directory. Blocked readers
// are released with ErrBuildAborted.
func (w *Writer) Abort() {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.failAndClean()
}

// failAndClean tears the build down. Closing an already-closed file is
// harmless, which keeps the error paths in Commit simple.
func (w *Writer) failAndClean() {
	w.f.Close()
	os.RemoveAll(w.dir)

	w.mu.Lock()
	already := w.done
	w.done = true
	w.cond.Broadcast()
	w.mu.Unlock()

	if !already {
		w.store.finishWriter(w, false)
	}
}

// terminal reports the writer's end state: done, and whether it committed.
func (w *Writer) terminal() (bool, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done, w.committed
}
