package health

import (
	"testing"
	"time"

	"transcriptd/internal/broker"
	"transcriptd/internal/ingest"
	"transcriptd/internal/parser"
	"transcriptd/internal/persist"
)

func TestLatencyWindow_Percentiles(t *testing.T) {
	w := &LatencyWindow{}
	if w.Percentile(50) != 0 {
		t.Fatal("empty window should report zero")
	}

	for i := 1; i <= 100; i++ {
		w.Record(time.Duration(i) * time.Millisecond)
	}

	if got := w.Percentile(50); got != 50*time.Millisecond {
		t.Fatalf("p50 = %v", got)
	}
	if got := w.Percentile(95); got != 95*time.Millisecond {
		t.Fatalf("p95 = %v", got)
	}
	if got := w.Percentile(99); got != 99*time.Millisecond {
		t.Fatalf("p99 = %v", got)
	}
}

func TestLatencyWindow_EvictsOldest(t *testing.T) {
	w := &LatencyWindow{}
	// Fill past capacity with a low value, then overwrite with a high one.
	for i := 0; i < latencyWindowSize; i++ {
		w.Record(time.Millisecond)
	}
	for i := 0; i < latencyWindowSize; i++ {
		w.Record(time.Second)
	}
	if got := w.Percentile(50); got != time.Second {
		t.Fatalf("p50 = %v after full eviction", got)
	}
}

func monitorWith(t *testing.T, ps parser.Stats, ws persist.Stats, bs broker.Stats) *Monitor {
	t.Helper()
	return NewMonitor(
		Options{QueueCapacity: 100},
		&LatencyWindow{},
		func() parser.Stats { return ps },
		func() persist.Stats { return ws },
		func() broker.Stats { return bs },
		func() ingest.Stats { return ingest.Stats{} },
	)
}

func TestSample_Healthy(t *testing.T) {
	m := monitorWith(t,
		parser.Stats{Parsed: 1000, Rejected: 2},
		persist.Stats{Written: 1000, QueueDepth: 3},
		broker.Stats{Connections: 2, Delivered: 500},
	)

	report := m.Sample()
	if report.Verdict != Healthy {
		t.Fatalf("verdict = %s, issues = %v", report.Verdict, report.Issues)
	}
	if len(report.Issues) != 0 {
		t.Fatalf("issues = %v", report.Issues)
	}
	if m.Latest().SampledAt.IsZero() {
		t.Fatal("latest report not stored")
	}
}

func TestSample_DeadLettersUnhealthy(t *testing.T) {
	m := monitorWith(t,
		parser.Stats{Parsed: 100},
		persist.Stats{DeadLetters: 1},
		broker.Stats{},
	)
	if report := m.Sample(); report.Verdict != Unhealthy {
		t.Fatalf("verdict = %s", report.Verdict)
	}
}

func TestSample_QueueNearCapacityUnhealthy(t *testing.T) {
	m := monitorWith(t,
		parser.Stats{Parsed: 100},
		persist.Stats{QueueDepth: 95},
		broker.Stats{},
	)
	if report := m.Sample(); report.Verdict != Unhealthy {
		t.Fatalf("verdict = %s", report.Verdict)
	}
}

func TestSample_HighRejectionDegraded(t *testing.T) {
	m := monitorWith(t,
		parser.Stats{Parsed: 50, Rejected: 50},
		persist.Stats{Written: 50},
		broker.Stats{},
	)
	report := m.Sample()
	if report.Verdict != Degraded {
		t.Fatalf("verdict = %s", report.Verdict)
	}
	if report.RejectionRate != 0.5 {
		t.Fatalf("rejection rate = %v", report.RejectionRate)
	}
}

func TestSample_DroppedClientsDegraded(t *testing.T) {
	m := monitorWith(t,
		parser.Stats{Parsed: 10},
		persist.Stats{Written: 10},
		broker.Stats{Dropped: 1},
	)
	if report := m.Sample(); report.Verdict != Degraded {
		t.Fatalf("verdict = %s", report.Verdict)
	}
}
