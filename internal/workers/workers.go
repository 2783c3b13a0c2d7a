package workers

import (
	"os"
	"runtime"
	"strconv"
)

// Count returns the number of workers for a given task type, respecting
// container CPU limits via GOMAXPROCS.
//
// The multiplier adjusts for task characteristics:
//   - 1.0 for CPU-bound tasks (encoding)
//   - 2.0 for I/O-bound tasks (probing, disk sweeps)
//
// The limit parameter caps the worker count; use 0 for no limit.
// Can be overridden with the TRANSCODE_WORKERS environment variable.
func Count(multiplier float64, limit int) int {
	if override := os.Getenv("TRANSCODE_WORKERS"); override != "" {
		if n, err := strconv.Atoi(override); err == nil && n > 0 {
			if limit > 0 && n > limit {
				return limit
			}
			return n
		}
	}

	available := runtime.GOMAXPROCS(0)
	n := int(float64(available) * multiplier)

	if n < 1 {
		n = 1
	}
	if limit > 0 && n > limit {
		n = limit
	}
	return n
}

// ForEncoding returns the concurrent transcode limit. Each ffmpeg process is
// itself multithreaded, so one leader job per two cores is the ceiling.
func ForEncoding(limit int) int {
	return Count(0.5, limit)
}

// ForIO returns worker count for I/O-bound tasks (2 per CPU).
func ForIO(limit int) int {
	return Count(2.0, limit)
}
