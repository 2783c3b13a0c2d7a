package filesystem

import (
	"errors"
	"os"
	"syscall"
	"time"

	"webcinema/internal/logging"
	"webcinema/internal/metrics"
)

const (
	maxRetries     = 3
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
)

// isStale reports an NFS stale file handle error (ESTALE).
func isStale(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.ESTALE
}

// retry runs op, retrying with exponential backoff while it returns ESTALE.
// Any other error returns immediately.
func retry[T any](opName, path string, op func() (T, error)) (T, error) {
	var lastErr error
	var zero T
	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		v, err := op()
		if err == nil {
			if attempt > 0 {
				logging.Info("%s succeeded on retry %d for %s", opName, attempt, path)
			}
			return v, nil
		}
		lastErr = err
		if !isStale(err) {
			return zero, err
		}

		metrics.FilesystemStaleErrors.WithLabelValues(opName).Inc()
		if attempt < maxRetries {
			logging.Debug("%s stale file handle for %s, retrying in %v", opName, path, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}

	logging.Warn("%s failed after %d retries for %s: %v", opName, maxRetries, path, lastErr)
	return zero, lastErr
}

// Stat is os.Stat with ESTALE retry.
func Stat(path string) (os.FileInfo, error) {
	return retry("stat", path, func() (os.FileInfo, error) { return os.Stat(path) })
}

// Open is os.Open with ESTALE retry.
func Open(path string) (*os.File, error) {
	return retry("open", path, func() (*os.File, error) { return os.Open(path) })
}
