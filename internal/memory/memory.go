package memory

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"webcinema/internal/logging"
	"webcinema/internal/metrics"
)

// Watermarks as fractions of the memory limit. Above critical, new builds
// are refused until usage falls back under the high mark.
const (
	highWaterMark     = 0.7
	criticalWaterMark = 0.85
	checkInterval     = 5 * time.Second
)

// Monitor watches heap usage against a soft limit and signals when the
// process should stop admitting new transcode jobs. With no limit
// configured it never signals.
type Monitor struct {
	limit    int64
	stopChan chan struct{}

	mu       sync.RWMutex
	current  uint64
	isPaused bool
}

// NewMonitor returns a monitor bound to limitBytes, falling back to
// GOMEMLIMIT when limitBytes is zero.
func NewMonitor(limitBytes int64) *Monitor {
	if limitBytes == 0 {
		if goLimit := debug.SetMemoryLimit(-1); goLimit > 0 && goLimit < 1<<62 {
			limitBytes = goLimit
			logging.Info("Memory monitor using GOMEMLIMIT: %d bytes", limitBytes)
		}
	}
	if limitBytes == 0 {
		logging.Debug("Memory monitor: no limit configured, admission control disabled")
	}
	return &Monitor{limit: limitBytes, stopChan: make(chan struct{})}
}

// Start begins the monitoring loop. A monitor without a limit is inert.
func (m *Monitor) Start() {
	if m.limit == 0 {
		return
	}
	go m.loop()
}

// Stop halts the monitoring loop.
func (m *Monitor) Stop() {
	close(m.stopChan)
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) check() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = stats.Alloc
	usage := float64(stats.Alloc) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(usage)

	switch {
	case usage >= criticalWaterMark && !m.isPaused:
		logging.Warn("Memory at %.1f%% of limit, refusing new builds", usage*100)
		m.isPaused = true
		metrics.MemoryPaused.Set(1)
		go runtime.GC()
	case usage < highWaterMark && m.isPaused:
		logging.Info("Memory recovered to %.1f%% of limit, admitting builds", usage*100)
		m.isPaused = false
		metrics.MemoryPaused.Set(0)
	}
}

// IsPaused reports whether new work should be refused.
func (m *Monitor) IsPaused() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isPaused
}

// Usage returns current heap usage as a fraction of the limit, 0 when no
// limit is configured.
func (m *Monitor) Usage() float64 {
	if m == nil || m.limit == 0 {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return float64(m.current) / float64(m.limit)
}
