package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetAppInfo(t *testing.T) {
	SetAppInfo("1.2.3", "abc123", "go1.25")

	got := testutil.ToFloat64(AppInfo.WithLabelValues("1.2.3", "abc123", "go1.25"))
	if got != 1 {
		t.Errorf("AppInfo = %v, want 1", got)
	}
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(HardwareFallbacksTotal)
	HardwareFallbacksTotal.Inc()
	after := testutil.ToFloat64(HardwareFallbacksTotal)

	if after != before+1 {
		t.Errorf("HardwareFallbacksTotal = %v, want %v", after, before+1)
	}
}

func TestGaugesSettable(t *testing.T) {
	CacheSizeBytes.Set(4096)
	if got := testutil.ToFloat64(CacheSizeBytes); got != 4096 {
		t.Errorf("CacheSizeBytes = %v, want 4096", got)
	}

	BuildJobsRunning.Set(0)
	BuildJobsRunning.Inc()
	BuildJobsRunning.Dec()
	if got := testutil.ToFloat64(BuildJobsRunning); got != 0 {
		t.Errorf("BuildJobsRunning = %v, want 0", got)
	}
}

func TestVecLabels(t *testing.T) {
	BuildJobsTotal.WithLabelValues("ready").Inc()
	BuildJobsTotal.WithLabelValues("failed").Inc()
	EngineRunsTotal.WithLabelValues("hardware", "error").Inc()
	EngineRunsTotal.WithLabelValues("software", "ok").Inc()

	if got := testutil.ToFloat64(EngineRunsTotal.WithLabelValues("software", "ok")); got < 1 {
		t.Errorf("EngineRunsTotal{software,ok} = %v, want >= 1", got)
	}
}
