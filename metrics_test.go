package carerecords

import (
	"context"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSyncMetricsNilIsSafe(t *testing.T) {
	var m *SyncMetrics
	m.IncEnqueued()
	m.IncApplied()
	m.IncFailed()
	m.IncAbandoned()
	m.SetPending(3)
	m.SetConnectivity(StateConnected)
	m.ObserveReplay(0.1)
}

func TestSyncMetricsConnectivity(t *testing.T) {
	m := NewSyncMetrics(prometheus.NewRegistry())
	gauge := m.gauges[metricConnectivity]

	for state, want := range map[ConnectivityState]float64{
		StateConnected:    1,
		StateDisconnected: 0,
		StateChecking:     -1,
	} {
		m.SetConnectivity(state)
		if got := testutil.ToFloat64(gauge); got != want {
			t.Errorf("%s: expected %v, got %v", state, want, got)
		}
	}
}

func TestSyncMetricsTrackReplay(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewSyncMetrics(reg)
	srv := newRecordingServer(t, func(_ int, r *http.Request) int {
		if r.URL.Path == "/api/vitals" {
			return 500
		}
		return 201
	})
	o := NewOfflineManager(NewMemoryStore(), NewClient(srv.URL), &OfflineOptions{Metrics: metrics, RetryCeiling: 1})
	ctx := context.Background()

	mustEnqueue(t, o, "/api/patients", MethodCreate, `{}`)
	mustEnqueue(t, o, "/api/vitals", MethodCreate, `{}`)
	if got := testutil.ToFloat64(metrics.gauges[metricPending]); got != 2 {
		t.Fatalf("expected pending gauge 2, got %v", got)
	}

	o.Synchronize(ctx)

	checks := map[string]float64{
		metricEnqueued:  2,
		metricApplied:   1,
		metricFailed:    1,
		metricAbandoned: 1,
	}
	for name, want := range checks {
		if got := testutil.ToFloat64(metrics.counters[name]); got != want {
			t.Errorf("%s: expected %v, got %v", name, want, got)
		}
	}
	if got := testutil.ToFloat64(metrics.gauges[metricPending]); got != 0 {
		t.Errorf("expected pending gauge 0, got %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, metricLatency); err != nil || n != 1 {
		t.Errorf("expected replay latency histogram, got n=%d err=%v", n, err)
	}
}
