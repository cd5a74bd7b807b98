package privacyidea

import (
	"testing"
	"time"
)

func TestMetricsIncAndSnapshot(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	m.Inc(MetricAuthSuccess)
	m.Inc(MetricAuthSuccess)
	m.Inc(MetricAuthFailure)

	if got := m.Value(MetricAuthSuccess); got != 2 {
		t.Fatalf("Value = %d, want 2", got)
	}

	snap := m.Snapshot()
	if snap.Counters[MetricAuthSuccess] != 2 || snap.Counters[MetricAuthFailure] != 1 {
		t.Fatalf("snapshot = %v", snap.Counters)
	}
	if snap.Counters[MetricResyncSuccess] != 0 {
		t.Fatal("untouched counter non-zero")
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{})

	m.Inc(MetricAuthSuccess)
	m.Observe(MetricValidateLatency, 10*time.Millisecond)

	if m.Enabled() {
		t.Fatal("disabled metrics report enabled")
	}
	if m.Value(MetricAuthSuccess) != 0 {
		t.Fatal("disabled counter incremented")
	}
	snap := m.Snapshot()
	if len(snap.Counters) != 0 {
		t.Fatalf("disabled snapshot = %v", snap.Counters)
	}
}

func TestMetricsLatencyBuckets(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	cases := []struct {
		d      time.Duration
		bucket int
	}{
		{time.Millisecond, 0},
		{5 * time.Millisecond, 0},
		{7 * time.Millisecond, 1},
		{20 * time.Millisecond, 2},
		{40 * time.Millisecond, 3},
		{80 * time.Millisecond, 4},
		{200 * time.Millisecond, 5},
		{400 * time.Millisecond, 6},
		{2 * time.Second, 7},
	}
	for _, tc := range cases {
		if got := bucketIndex(tc.d); got != tc.bucket {
			t.Fatalf("bucketIndex(%v) = %d, want %d", tc.d, got, tc.bucket)
		}
		m.Observe(MetricValidateLatency, tc.d)
	}

	hist := m.Snapshot().Histograms[MetricValidateLatency]
	if len(hist) != histBucketCount {
		t.Fatalf("histogram length = %d", len(hist))
	}
	if hist[0] != 2 {
		t.Fatalf("bucket 0 = %d, want 2", hist[0])
	}
	var total uint64
	for _, n := range hist {
		total += n
	}
	if total != uint64(len(cases)) {
		t.Fatalf("total observations = %d, want %d", total, len(cases))
	}
}
