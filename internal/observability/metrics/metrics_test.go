package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSyncMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSyncMetrics(reg)
	m.ObservePMSRequest("list_patients", "200", 120*time.Millisecond)
	m.ObserveSyncRun("patients", "partially_applied", 18, 2)
	m.ObserveSyncSkipped("appointments")
	m.ObserveWriterItem("payment", true)
	m.ObserveWriterItem("payment", false)
	m.ObserveFallbackTier("payment_type", "literal")

	if got := testutil.ToFloat64(m.syncRecords.WithLabelValues("patients", "applied")); got != 18 {
		t.Fatalf("expected 18 applied records, got %v", got)
	}
	if got := testutil.ToFloat64(m.syncRecords.WithLabelValues("patients", "failed")); got != 2 {
		t.Fatalf("expected 2 failed records, got %v", got)
	}
	if got := testutil.ToFloat64(m.writerItems.WithLabelValues("payment", "failed")); got != 1 {
		t.Fatalf("expected 1 failed writer item, got %v", got)
	}
	if got := testutil.ToFloat64(m.fallbackTiers.WithLabelValues("payment_type", "literal")); got != 1 {
		t.Fatalf("expected literal tier counted, got %v", got)
	}
}

func TestSyncMetricsHealthGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSyncMetrics(reg)
	m.SetHealthState("int-1", "down")
	if got := testutil.ToFloat64(m.healthState.WithLabelValues("int-1")); got != 2 {
		t.Fatalf("expected down=2, got %v", got)
	}
	m.SetHealthState("int-1", "healthy")
	if got := testutil.ToFloat64(m.healthState.WithLabelValues("int-1")); got != 0 {
		t.Fatalf("expected healthy=0, got %v", got)
	}
	m.SetHealthState("int-1", "bogus")
	if got := testutil.ToFloat64(m.healthState.WithLabelValues("int-1")); got != 0 {
		t.Fatalf("unknown state must not change gauge, got %v", got)
	}
}

func TestSyncMetricsNilSafe(t *testing.T) {
	var m *SyncMetrics
	m.ObservePMSRequest("op", "200", time.Second)
	m.ObserveSyncRun("patients", "idle", 1, 0)
	m.ObserveSyncSkipped("patients")
	m.SetHealthState("x", "healthy")
	m.ObserveWriterItem("appointment", true)
	m.ObserveFallbackTier("payment_type", "explicit")
}
