package carerecords

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type edgeRecorder struct {
	mu    sync.Mutex
	edges [][2]ConnectivityState
}

func (r *edgeRecorder) handle(prev, next ConnectivityState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, [2]ConnectivityState{prev, next})
}

func (r *edgeRecorder) Edges() [][2]ConnectivityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]ConnectivityState(nil), r.edges...)
}

func healthServer(t *testing.T, status *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultHealthPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMonitorStartsChecking(t *testing.T) {
	m := NewMonitor(NewClient(closedServerURL(t)), nil)
	if m.State() != StateChecking {
		t.Fatalf("expected checking, got %s", m.State())
	}
}

func TestMonitorCheckNow(t *testing.T) {
	var status atomic.Int32
	status.Store(200)
	srv := healthServer(t, &status)
	ctx := context.Background()

	m := NewMonitor(NewClient(srv.URL), nil)
	res := m.CheckNow(ctx)
	if !res.Reachable || res.StatusCode != 200 || m.State() != StateConnected {
		t.Fatalf("expected connected, got %s %+v", m.State(), res)
	}

	status.Store(500)
	res = m.CheckNow(ctx)
	if res.Reachable || res.StatusCode != 500 || res.Error == "" || m.State() != StateDisconnected {
		t.Fatalf("expected disconnected on 500, got %s %+v", m.State(), res)
	}
	if got := m.LastProbe(); got.StatusCode != 500 {
		t.Fatalf("expected last probe to be recorded, got %+v", got)
	}

	srv.Close()
	res = m.CheckNow(ctx)
	if res.Reachable || res.Error == "" {
		t.Fatalf("expected unreachable result, got %+v", res)
	}
}

func TestMonitorProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	m := NewMonitor(NewClient(srv.URL), &MonitorOptions{ProbeTimeout: 50 * time.Millisecond})
	start := time.Now()
	res := m.CheckNow(context.Background())
	if res.Reachable || m.State() != StateDisconnected {
		t.Fatalf("expected a hung probe to count as unreachable, got %+v", res)
	}
	if time.Since(start) > time.Second {
		t.Fatal("expected probe timeout to bound the check")
	}
}

func TestMonitorIsEdgeTriggered(t *testing.T) {
	m := NewMonitor(NewClient(closedServerURL(t)), nil)
	rec := &edgeRecorder{}
	m.Subscribe(rec.handle)
	ctx := context.Background()

	m.CheckNow(ctx)
	m.CheckNow(ctx)
	m.CheckNow(ctx)

	edges := rec.Edges()
	if len(edges) != 1 {
		t.Fatalf("expected exactly one notification, got %v", edges)
	}
	if edges[0] != [2]ConnectivityState{StateChecking, StateDisconnected} {
		t.Fatalf("unexpected edge %v", edges[0])
	}
}

func TestMonitorNotifyOnline(t *testing.T) {
	var status atomic.Int32
	status.Store(503)
	srv := healthServer(t, &status)
	ctx := context.Background()

	m := NewMonitor(NewClient(srv.URL), nil)
	m.CheckNow(ctx)
	rec := &edgeRecorder{}
	m.Subscribe(rec.handle)

	t.Run("signal is corroborated by a probe", func(t *testing.T) {
		m.NotifyOnline(ctx)
		want := [][2]ConnectivityState{
			{StateDisconnected, StateChecking},
			{StateChecking, StateDisconnected},
		}
		assertEdges(t, rec.Edges(), want)
	})

	t.Run("backend actually back", func(t *testing.T) {
		status.Store(200)
		m.NotifyOnline(ctx)
		want := [][2]ConnectivityState{
			{StateDisconnected, StateChecking},
			{StateChecking, StateDisconnected},
			{StateDisconnected, StateChecking},
			{StateChecking, StateConnected},
		}
		assertEdges(t, rec.Edges(), want)
	})
}

func TestMonitorCancelledProbeIsNotPublished(t *testing.T) {
	var status atomic.Int32
	status.Store(200)
	srv := healthServer(t, &status)

	m := NewMonitor(NewClient(srv.URL), nil)
	m.CheckNow(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.CheckNow(ctx)
	if m.State() != StateConnected {
		t.Fatalf("expected state to be unchanged by a cancelled probe, got %s", m.State())
	}
}

func TestMonitorUnsubscribe(t *testing.T) {
	m := NewMonitor(NewClient(closedServerURL(t)), nil)
	rec := &edgeRecorder{}
	unsubscribe := m.Subscribe(rec.handle)
	unsubscribe()

	m.CheckNow(context.Background())
	if n := len(rec.Edges()); n != 0 {
		t.Fatalf("expected no notifications after unsubscribe, got %d", n)
	}
}

func TestMonitorSubscriberPanicIsContained(t *testing.T) {
	m := NewMonitor(NewClient(closedServerURL(t)), nil)
	rec := &edgeRecorder{}
	m.Subscribe(func(prev, next ConnectivityState) { panic("boom") })
	m.Subscribe(rec.handle)

	m.CheckNow(context.Background())
	if n := len(rec.Edges()); n != 1 {
		t.Fatalf("expected other subscribers to still be notified, got %d", n)
	}
}

func TestMonitorStartStop(t *testing.T) {
	var status atomic.Int32
	var probes atomic.Int32
	status.Store(200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	m := NewMonitor(NewClient(srv.URL), &MonitorOptions{PollInterval: 20 * time.Millisecond})
	m.Start(context.Background())
	m.Start(context.Background())

	waitFor(t, time.Second, func() bool { return m.State() == StateConnected })

	status.Store(500)
	waitFor(t, time.Second, func() bool { return m.State() == StateDisconnected })

	m.Stop()
	m.Stop()
	after := probes.Load()
	time.Sleep(60 * time.Millisecond)
	if probes.Load() != after {
		t.Fatal("expected polling to stop")
	}
}

func assertEdges(t *testing.T, got, want [][2]ConnectivityState) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected edges %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("edge %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
