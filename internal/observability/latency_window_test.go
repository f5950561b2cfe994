package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe(StageBackendCall, 500*time.Millisecond)
	w.Observe(StageBackendCall, 700*time.Millisecond)
	w.Observe(StageBackendCall, 900*time.Millisecond)
	w.ObserveOutcome("ok")
	w.ObserveOutcome("ok")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageBackendCall {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageBackendCall)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 15000 {
		t.Fatalf("TargetP95MS = %.2f, want 15000", s.TargetP95MS)
	}
	if len(snap.Outcomes) != 1 || snap.Outcomes[0].Outcome != "ok" || snap.Outcomes[0].Count != 2 {
		t.Fatalf("Outcomes = %+v, want [{ok 2}]", snap.Outcomes)
	}
}

func TestLatencyWindowRingOverwritesOldest(t *testing.T) {
	w := newLatencyWindow(2)
	w.Observe(StageExchangeTotal, 100*time.Millisecond)
	w.Observe(StageExchangeTotal, 200*time.Millisecond)
	w.Observe(StageExchangeTotal, 300*time.Millisecond)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 250 {
		t.Fatalf("AvgMS = %.2f, want 250", s.AvgMS)
	}
}

func TestLatencyWindowIgnoresInvalidSamples(t *testing.T) {
	w := newLatencyWindow(4)
	w.Observe("", time.Second)
	w.Observe(StageWebhookTotal, -time.Second)
	w.ObserveOutcome("   ")

	snap := w.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Outcomes) != 0 {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
}

func TestMetricsRuntimeStateAndNilSafety(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("envo_test", reg)
	all := []string{"stopped", "running"}
	m.SetRuntimeState("running", all)

	if got := testutil.ToFloat64(m.RuntimeState.WithLabelValues("running")); got != 1 {
		t.Fatalf("running gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RuntimeState.WithLabelValues("stopped")); got != 0 {
		t.Fatalf("stopped gauge = %v, want 0", got)
	}

	m.ObserveBackendLatency(40 * time.Millisecond)
	if n := testutil.CollectAndCount(m.BackendLatency); n != 1 {
		t.Fatalf("histogram series = %d, want 1", n)
	}

	var nilMetrics *Metrics
	nilMetrics.SetRuntimeState("running", all)
	nilMetrics.ObserveStage(StageBackendCall, time.Second)
	if snap := nilMetrics.SnapshotLatency(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot = %+v", snap)
	}
}
