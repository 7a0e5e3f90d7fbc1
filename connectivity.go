package carerecords

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConnectivityState is the monitor's best-effort view of the backend.
type ConnectivityState string

const (
	StateChecking     ConnectivityState = "checking"
	StateConnected    ConnectivityState = "connected"
	StateDisconnected ConnectivityState = "disconnected"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultProbeTimeout = 5 * time.Second
)

// ProbeResult is the outcome of one reachability probe.
type ProbeResult struct {
	Reachable  bool          `json:"reachable"`
	StatusCode int           `json:"status,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checkedAt"`
}

// MonitorOptions configures the Monitor.
type MonitorOptions struct {
	HealthPath   string
	PollInterval time.Duration
	ProbeTimeout time.Duration
	Logger       *zerolog.Logger
	Metrics      *SyncMetrics
}

// StateHandler is called with the previous and new state on every edge.
type StateHandler func(prev, next ConnectivityState)

// Monitor tracks whether the backend is reachable by probing its health
// endpoint on an interval. Subscribers are only called on state changes.
type Monitor struct {
	client       *Client
	healthPath   string
	pollInterval time.Duration
	probeTimeout time.Duration
	logger       zerolog.Logger
	metrics      *SyncMetrics

	probeMu sync.Mutex

	mu       sync.Mutex
	state    ConnectivityState
	last     ProbeResult
	handlers map[int]StateHandler
	nextID   int
	cancelFn context.CancelFunc
	done     chan struct{}
}

// NewMonitor creates a monitor in the checking state. Nothing is probed until
// Start, CheckNow, or NotifyOnline is called.
func NewMonitor(client *Client, opts *MonitorOptions) *Monitor {
	m := &Monitor{
		client:       client,
		healthPath:   DefaultHealthPath,
		pollInterval: DefaultPollInterval,
		probeTimeout: DefaultProbeTimeout,
		logger:       zerolog.Nop(),
		state:        StateChecking,
		handlers:     make(map[int]StateHandler),
	}
	if opts != nil {
		if opts.HealthPath != "" {
			m.healthPath = opts.HealthPath
		}
		if opts.PollInterval > 0 {
			m.pollInterval = opts.PollInterval
		}
		if opts.ProbeTimeout > 0 {
			m.probeTimeout = opts.ProbeTimeout
		}
		if opts.Logger != nil {
			m.logger = *opts.Logger
		}
		m.metrics = opts.Metrics
	}
	m.metrics.SetConnectivity(StateChecking)
	return m
}

// State returns the current published state.
func (m *Monitor) State() ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastProbe returns the most recent probe result.
func (m *Monitor) LastProbe() ProbeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Subscribe registers h for state edges and returns a func that removes it.
func (m *Monitor) Subscribe(h StateHandler) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// CheckNow probes the health endpoint once and publishes the outcome. It never
// fails: every error is reported as unreachable.
func (m *Monitor) CheckNow(ctx context.Context) ProbeResult {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	result := m.probe(ctx)
	if ctx.Err() != nil {
		// Caller went away mid-probe; that says nothing about the backend.
		return result
	}

	m.mu.Lock()
	m.last = result
	m.mu.Unlock()

	if result.Reachable {
		m.publish(StateConnected)
	} else {
		m.publish(StateDisconnected)
	}
	return result
}

// NotifyOnline is the platform's offline-to-online signal (a network
// interface coming up, a push channel reconnecting). The signal alone is not
// trusted: the monitor enters checking and corroborates it with a probe.
func (m *Monitor) NotifyOnline(ctx context.Context) ProbeResult {
	m.publish(StateChecking)
	return m.CheckNow(ctx)
}

// Start probes immediately and then every poll interval until Stop or ctx is
// cancelled. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancelFn != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancelFn = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.pollLoop(loopCtx, done)
}

// Stop cancels the poll loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancelFn, m.done
	m.cancelFn, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.CheckNow(ctx)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := time.Now()
	result := ProbeResult{CheckedAt: start.UTC()}

	resp, err := m.client.Do(ctx, http.MethodGet, m.healthPath, map[string]string{"Accept": "application/json"}, nil)
	result.Latency = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Reachable = true
	} else {
		result.Error = http.StatusText(resp.StatusCode)
	}
	return result
}

func (m *Monitor) publish(next ConnectivityState) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	handlers := make([]StateHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	m.metrics.SetConnectivity(next)
	m.logger.Info().Str("from", string(prev)).Str("state", string(next)).Msg("connectivity changed")

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(prev, next)
		}()
	}
}
