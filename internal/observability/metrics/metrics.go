package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var healthStateValues = map[string]float64{
	"healthy":  0,
	"degraded": 1,
	"down":     2,
}

// SyncMetrics exposes counters/histograms for PMS sync, health and writer flows.
type SyncMetrics struct {
	requestLatency *prometheus.HistogramVec
	syncRuns       *prometheus.CounterVec
	syncRecords    *prometheus.CounterVec
	syncSkipped    *prometheus.CounterVec
	healthState    *prometheus.GaugeVec
	writerItems    *prometheus.CounterVec
	fallbackTiers  *prometheus.CounterVec
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medspa",
			Subsystem: "pms",
			Name:      "request_duration_seconds",
			Help:      "Latency of PMS API round trips",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medspa",
			Subsystem: "pms_sync",
			Name:      "runs_total",
			Help:      "Incremental sync runs by kind and final state",
		}, []string{"kind", "state"}),
		syncRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medspa",
			Subsystem: "pms_sync",
			Name:      "records_total",
			Help:      "Records processed by incremental sync",
		}, []string{"kind", "result"}),
		syncSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medspa",
			Subsystem: "pms_sync",
			Name:      "skipped_total",
			Help:      "Sync runs skipped because another run held the guard",
		}, []string{"kind"}),
		healthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "medspa",
			Subsystem: "pms_health",
			Name:      "state",
			Help:      "PMS availability per integration (0 healthy, 1 degraded, 2 down)",
		}, []string{"integration_id"}),
		writerItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medspa",
			Subsystem: "pms_writer",
			Name:      "items_total",
			Help:      "Outbound PMS create calls by kind and result",
		}, []string{"kind", "result"}),
		fallbackTiers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medspa",
			Subsystem: "pms_writer",
			Name:      "fallback_tier_total",
			Help:      "Which fallback tier resolved payment and adjustment type names",
		}, []string{"resource", "tier"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.requestLatency, m.syncRuns, m.syncRecords, m.syncSkipped, m.healthState, m.writerItems, m.fallbackTiers)
	return m
}

func (m *SyncMetrics) ObservePMSRequest(operation, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestLatency.WithLabelValues(operation, status).Observe(elapsed.Seconds())
}

func (m *SyncMetrics) ObserveSyncRun(kind, state string, applied, failed int) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(kind, state).Inc()
	if applied > 0 {
		m.syncRecords.WithLabelValues(kind, "applied").Add(float64(applied))
	}
	if failed > 0 {
		m.syncRecords.WithLabelValues(kind, "failed").Add(float64(failed))
	}
}

func (m *SyncMetrics) ObserveSyncSkipped(kind string) {
	if m == nil {
		return
	}
	m.syncSkipped.WithLabelValues(kind).Inc()
}

func (m *SyncMetrics) SetHealthState(integrationID, state string) {
	if m == nil {
		return
	}
	value, ok := healthStateValues[state]
	if !ok {
		return
	}
	m.healthState.WithLabelValues(integrationID).Set(value)
}

func (m *SyncMetrics) ObserveWriterItem(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "created"
	}
	m.writerItems.WithLabelValues(kind, result).Inc()
}

func (m *SyncMetrics) ObserveFallbackTier(resource, tier string) {
	if m == nil {
		return
	}
	m.fallbackTiers.WithLabelValues(resource, tier).Inc()
}
