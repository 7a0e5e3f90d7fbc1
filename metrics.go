package carerecords

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics exports offline queue and connectivity metrics. A nil
// *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

const (
	metricEnqueued     = "carerecords_changes_enqueued_total"
	metricApplied      = "carerecords_changes_applied_total"
	metricFailed       = "carerecords_changes_failed_total"
	metricAbandoned    = "carerecords_changes_abandoned_total"
	metricPending      = "carerecords_pending_changes"
	metricConnectivity = "carerecords_connectivity_state"
	metricLatency      = "carerecords_replay_latency_seconds"
)

// NewSyncMetrics creates the collectors and registers them with reg. A nil
// reg uses prometheus.DefaultRegisterer.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	enqueued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricEnqueued,
		Help: "Mutations stored in the offline queue.",
	})
	applied := prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricApplied,
		Help: "Queued mutations accepted by the server on replay.",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricFailed,
		Help: "Failed replay attempts, including final ones.",
	})
	abandoned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricAbandoned,
		Help: "Queued mutations dropped after exhausting retries.",
	})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricPending,
		Help: "Mutations currently waiting in the offline queue.",
	})
	connectivity := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricConnectivity,
		Help: "Backend reachability: 1 connected, 0 disconnected, -1 checking.",
	})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    metricLatency,
		Help:    "Time to replay one queued mutation.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	reg.MustRegister(enqueued, applied, failed, abandoned, pending, connectivity, latency)

	return &SyncMetrics{
		counters: map[string]prometheus.Counter{
			metricEnqueued:  enqueued,
			metricApplied:   applied,
			metricFailed:    failed,
			metricAbandoned: abandoned,
		},
		gauges: map[string]prometheus.Gauge{
			metricPending:      pending,
			metricConnectivity: connectivity,
		},
		histos: map[string]prometheus.Observer{
			metricLatency: latency,
		},
	}
}

func (m *SyncMetrics) inc(name string) {
	if m == nil {
		return
	}
	if c, ok := m.counters[name]; ok {
		c.Inc()
	}
}

func (m *SyncMetrics) IncEnqueued()  { m.inc(metricEnqueued) }
func (m *SyncMetrics) IncApplied()   { m.inc(metricApplied) }
func (m *SyncMetrics) IncFailed()    { m.inc(metricFailed) }
func (m *SyncMetrics) IncAbandoned() { m.inc(metricAbandoned) }

func (m *SyncMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.gauges[metricPending].Set(float64(n))
}

func (m *SyncMetrics) SetConnectivity(s ConnectivityState) {
	if m == nil {
		return
	}
	v := -1.0
	switch s {
	case StateConnected:
		v = 1
	case StateDisconnected:
		v = 0
	}
	m.gauges[metricConnectivity].Set(v)
}

func (m *SyncMetrics) ObserveReplay(seconds float64) {
	if m == nil {
		return
	}
	m.histos[metricLatency].Observe(seconds)
}
