package carerecords

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// Server-pushed event types.
const (
	FeedEventEntityChanged = "entity.changed"
	FeedEventEntityDeleted = "entity.deleted"
	FeedEventError         = "error"
)

// EntityChangedPayload carries the server's current copy of a record.
type EntityChangedPayload struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// EntityDeletedPayload names a record removed on the server.
type EntityDeletedPayload struct {
	Key string `json:"key"`
}

// FeedErrorPayload is sent when a server-side error occurs.
type FeedErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all feed events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// FeedConfig configures the change feed.
type FeedConfig struct {
	Path                 string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *FeedConfig) defaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// FeedState represents the feed's connection state.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// FeedEventHandler is the generic event callback type.
type FeedEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]FeedEventHandler
	onChanged      []func(EntityChangedPayload)
	onDeleted      []func(EntityDeletedPayload)
	onError        []func(FeedErrorPayload)
	onConnected    []func()
	onDisconnected []func(string)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]FeedEventHandler),
	}
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case FeedEventEntityChanged:
		var p EntityChangedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onChanged {
				go h(p)
			}
		}
	case FeedEventEntityDeleted:
		var p EntityDeletedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onDeleted {
				go h(p)
			}
		}
	case FeedEventError:
		var p FeedErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		go h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *FeedConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// shouldReconnect reports whether another attempt is allowed. Zero
// maxAttempts means retry forever.
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// ChangeFeed
// ============================================================================

// ChangeFeed keeps the offline cache current from the server's WebSocket
// change stream. A successful (re)connect is treated as the platform's
// online signal for the connectivity monitor; a dropped connection asks the
// monitor to re-probe.
type ChangeFeed struct {
	baseURL          string
	config           *FeedConfig
	offline          *OfflineManager
	logger           zerolog.Logger
	mu               sync.Mutex
	conn             *websocket.Conn
	state            FeedState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewChangeFeed creates a feed that applies server changes to offline's
// cache. A nil config uses defaults with AutoReconnect enabled.
func NewChangeFeed(baseURL string, offline *OfflineManager, config *FeedConfig) *ChangeFeed {
	if config == nil {
		config = &FeedConfig{AutoReconnect: true}
	}
	config.defaults()
	f := &ChangeFeed{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     config,
		offline:    offline,
		logger:     zerolog.Nop(),
		state:      FeedDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(config),
	}
	if config.Logger != nil {
		f.logger = *config.Logger
	}
	return f
}

// OnEntityChanged registers a handler called after a change is cached.
func (f *ChangeFeed) OnEntityChanged(h func(EntityChangedPayload)) {
	f.dispatcher.mu.Lock()
	f.dispatcher.onChanged = append(f.dispatcher.onChanged, h)
	f.dispatcher.mu.Unlock()
}

// OnEntityDeleted registers a handler called after a deletion is applied.
func (f *ChangeFeed) OnEntityDeleted(h func(EntityDeletedPayload)) {
	f.dispatcher.mu.Lock()
	f.dispatcher.onDeleted = append(f.dispatcher.onDeleted, h)
	f.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (f *ChangeFeed) OnError(h func(FeedErrorPayload)) {
	f.dispatcher.mu.Lock()
	f.dispatcher.onError = append(f.dispatcher.onError, h)
	f.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (f *ChangeFeed) OnConnected(h func()) {
	f.dispatcher.mu.Lock()
	f.dispatcher.onConnected = append(f.dispatcher.onConnected, h)
	f.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (f *ChangeFeed) OnDisconnected(h func(reason string)) {
	f.dispatcher.mu.Lock()
	f.dispatcher.onDisconnected = append(f.dispatcher.onDisconnected, h)
	f.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (f *ChangeFeed) OnReconnecting(h func(attempt int, delay time.Duration)) {
	f.dispatcher.mu.Lock()
	f.dispatcher.onReconnecting = append(f.dispatcher.onReconnecting, h)
	f.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (f *ChangeFeed) On(eventType string, h FeedEventHandler) {
	f.dispatcher.mu.Lock()
	f.dispatcher.generic[eventType] = append(f.dispatcher.generic[eventType], h)
	f.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (f *ChangeFeed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// URL returns the WebSocket endpoint the feed dials.
func (f *ChangeFeed) URL() string {
	wsURL := strings.Replace(f.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + f.config.Path
}

// Connect dials the change stream. Events are applied until Disconnect or
// ctx is cancelled; with AutoReconnect a dropped stream is redialed with
// exponential backoff.
func (f *ChangeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == FeedConnected || f.state == FeedConnecting {
		f.mu.Unlock()
		return nil
	}
	f.state = FeedConnecting
	f.intentionalClose = false
	f.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, f.URL(), &websocket.DialOptions{HTTPClient: f.config.HTTPClient})
	if err != nil {
		f.setState(FeedDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(f.config.ReadLimit)

	connCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.conn = conn
	f.state = FeedConnected
	f.cancelFn = cancel
	f.recon.markConnected()
	f.mu.Unlock()

	f.logger.Info().Str("url", f.URL()).Msg("change feed connected")
	f.dispatcher.emitConnected()
	if monitor := f.offline.Monitor(); monitor != nil {
		go monitor.NotifyOnline(connCtx)
	}

	go f.readLoop(ctx, connCtx, conn)
	go f.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect closes the stream and stops reconnecting.
func (f *ChangeFeed) Disconnect() error {
	f.mu.Lock()
	f.intentionalClose = true
	if f.cancelFn != nil {
		f.cancelFn()
		f.cancelFn = nil
	}
	conn := f.conn
	f.conn = nil
	f.state = FeedDisconnected
	f.recon.reset()
	f.mu.Unlock()

	f.dispatcher.emitDisconnected("client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (f *ChangeFeed) readLoop(ctx, connCtx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			f.mu.Lock()
			intentional := f.intentionalClose
			if !intentional {
				f.state = FeedDisconnected
				f.conn = nil
				// Stops the heartbeat of the dead connection.
				if f.cancelFn != nil {
					f.cancelFn()
					f.cancelFn = nil
				}
			}
			f.mu.Unlock()
			if intentional || ctx.Err() != nil {
				return
			}

			f.logger.Warn().Err(err).Msg("change feed dropped")
			f.dispatcher.emitDisconnected(err.Error())
			if monitor := f.offline.Monitor(); monitor != nil {
				go monitor.CheckNow(ctx)
			}

			if f.canReconnect() {
				f.scheduleReconnect(ctx)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		f.apply(connCtx, env)
		f.dispatcher.dispatch(env)
	}
}

// apply writes an event to the cache before any handler sees it, in stream
// order.
func (f *ChangeFeed) apply(ctx context.Context, env RealtimeEnvelope) {
	switch env.Type {
	case FeedEventEntityChanged:
		var p EntityChangedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Key == "" {
			f.logger.Debug().Str("type", env.Type).Msg("ignoring malformed feed event")
			return
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = time.Now().UTC()
		}
		if _, err := f.offline.CacheEntity(ctx, p.Key, p.Data, p.UpdatedAt); err != nil {
			f.logger.Warn().Err(err).Str("key", p.Key).Msg("failed to cache feed change")
		}
	case FeedEventEntityDeleted:
		var p EntityDeletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Key == "" {
			return
		}
		if err := f.offline.DeleteCachedEntity(ctx, p.Key); err != nil {
			f.logger.Warn().Err(err).Str("key", p.Key).Msg("failed to drop cached entity")
		}
	}
}

func (f *ChangeFeed) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				// Heartbeat failed; closing unblocks readLoop, which reconnects.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (f *ChangeFeed) scheduleReconnect(ctx context.Context) {
	for {
		f.mu.Lock()
		delay := f.recon.nextDelay()
		attempt := f.recon.attempt
		f.state = FeedReconnecting
		f.mu.Unlock()
		f.dispatcher.emitReconnecting(attempt, delay)

		select {
		case <-ctx.Done():
			f.setState(FeedDisconnected)
			return
		case <-time.After(delay):
		}

		f.mu.Lock()
		intentional := f.intentionalClose
		f.mu.Unlock()
		if intentional {
			return
		}

		err := f.Connect(ctx)
		if err == nil {
			return
		}
		f.logger.Debug().Err(err).Int("attempt", attempt).Msg("change feed reconnect failed")
		if !f.canReconnect() {
			f.setState(FeedDisconnected)
			return
		}
	}
}

func (f *ChangeFeed) canReconnect() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config.AutoReconnect && f.recon.shouldReconnect()
}

func (f *ChangeFeed) setState(s FeedState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}
