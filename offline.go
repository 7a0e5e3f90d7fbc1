package carerecords

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultRetryCeiling   = 3
	DefaultRequestTimeout = 10 * time.Second
	DefaultSyncInterval   = 30 * time.Second

	idempotencyHeader = "Idempotency-Key"
)

// Offline manager events.
const (
	EventChangeQueued       = "change.queued"
	EventChangeApplied      = "change.applied"
	EventChangeRetry        = "change.retry"
	EventChangeAbandoned    = "change.abandoned"
	EventSyncStart          = "sync.start"
	EventSyncComplete       = "sync.complete"
	EventStorageUnavailable = "storage.unavailable"
)

// OfflineOptions configures the OfflineManager.
type OfflineOptions struct {
	// RetryCeiling is the number of failed replays after which a change is
	// abandoned.
	RetryCeiling   int
	RequestTimeout time.Duration
	SyncInterval   time.Duration

	// Monitor gates automatic syncs and decides when mutations are queued
	// instead of sent. Without one the manager assumes it is connected.
	Monitor *Monitor
	Logger  *zerolog.Logger
	Metrics *SyncMetrics

	// AbandonClientErrors drops a change on its first 4xx rejection (other
	// than 408 and 429) instead of retrying it up to the ceiling.
	AbandonClientErrors bool
}

// ============================================================================
// Event Emitter
// ============================================================================

// OfflineEventHandler handles offline events.
type OfflineEventHandler func(event string, payload any)

type offlineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]OfflineEventHandler
}

func (e *offlineEmitter) On(event string, handler OfflineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *offlineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *offlineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]OfflineEventHandler)
}

// ============================================================================
// Offline Manager
// ============================================================================

// OfflineManager owns the pending-change queue and the offline cache. It is
// constructed once and handed to whatever needs it; there is no package-level
// instance.
type OfflineManager struct {
	offlineEmitter
	store   Store
	client  *Client
	monitor *Monitor
	logger  zerolog.Logger
	metrics *SyncMetrics

	retryCeiling        int
	requestTimeout      time.Duration
	syncInterval        time.Duration
	abandonClientErrors bool

	cacheMu sync.Mutex

	mu          sync.Mutex
	syncing     bool
	cancelFn    context.CancelFunc
	done        chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewOfflineManager creates a manager over an opened store. Nothing runs in
// the background until Start.
func NewOfflineManager(store Store, client *Client, opts *OfflineOptions) *OfflineManager {
	o := &OfflineManager{
		offlineEmitter: offlineEmitter{listeners: make(map[string][]OfflineEventHandler)},
		store:          store,
		client:         client,
		logger:         zerolog.Nop(),
		retryCeiling:   DefaultRetryCeiling,
		requestTimeout: DefaultRequestTimeout,
		syncInterval:   DefaultSyncInterval,
	}
	if opts != nil {
		if opts.RetryCeiling > 0 {
			o.retryCeiling = opts.RetryCeiling
		}
		if opts.RequestTimeout > 0 {
			o.requestTimeout = opts.RequestTimeout
		}
		if opts.SyncInterval > 0 {
			o.syncInterval = opts.SyncInterval
		}
		if opts.Logger != nil {
			o.logger = *opts.Logger
		}
		o.monitor = opts.Monitor
		o.metrics = opts.Metrics
		o.abandonClientErrors = opts.AbandonClientErrors
	}
	return o
}

// Monitor returns the connectivity monitor, or nil.
func (o *OfflineManager) Monitor() *Monitor {
	return o.monitor
}

// Syncing reports whether a synchronization pass is running.
func (o *OfflineManager) Syncing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncing
}

// ── Queue ─────────────────────────────────────────────────

// Enqueue stores a mutation for later delivery. It never sends anything;
// delivery only happens in Synchronize.
func (o *OfflineManager) Enqueue(ctx context.Context, endpoint string, method Method, headers map[string]string, body string) (*PendingChange, error) {
	if method.HTTPVerb() == "" {
		return nil, fmt.Errorf("cannot queue method %q", method)
	}

	id, enqueuedAt := newChangeID()
	change := &PendingChange{
		ID:         id,
		Endpoint:   endpoint,
		Method:     method,
		Headers:    make(map[string]string, len(headers)+1),
		Body:       body,
		EnqueuedAt: enqueuedAt,
	}
	for k, v := range headers {
		change.Headers[k] = v
	}
	if !hasHeader(change.Headers, idempotencyHeader) {
		change.Headers[idempotencyHeader] = change.ID
	}

	if err := o.putPending(ctx, change); err != nil {
		o.storageFailed("enqueue", err)
		return nil, err
	}

	o.metrics.IncEnqueued()
	o.updatePendingGauge(ctx)
	o.logger.Debug().
		Str("change_id", change.ID).
		Str("endpoint", endpoint).
		Str("method", string(method)).
		Msg("change queued")
	o.emit(EventChangeQueued, *change)
	return change, nil
}

// PendingChanges returns the queue in replay order.
func (o *OfflineManager) PendingChanges(ctx context.Context) ([]PendingChange, error) {
	recs, err := o.store.GetAll(ctx, CollectionPendingChanges)
	if err != nil {
		return nil, err
	}
	changes := make([]PendingChange, 0, len(recs))
	for _, rec := range recs {
		var change PendingChange
		if err := json.Unmarshal(rec.Data, &change); err != nil {
			o.logger.Error().Err(err).Str("change_id", rec.ID).Msg("dropping unreadable pending change")
			o.store.Delete(ctx, CollectionPendingChanges, rec.ID)
			continue
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// PendingCount returns the queue depth.
func (o *OfflineManager) PendingCount(ctx context.Context) (int, error) {
	recs, err := o.store.GetAll(ctx, CollectionPendingChanges)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// ClearPending drops every queued change without sending it.
func (o *OfflineManager) ClearPending(ctx context.Context) error {
	if err := o.store.Clear(ctx, CollectionPendingChanges); err != nil {
		o.storageFailed("clear", err)
		return err
	}
	o.metrics.SetPending(0)
	return nil
}

// ── Synchronization ───────────────────────────────────────

// Synchronize makes one pass over the queue as it stands when the pass
// starts, replaying changes oldest first. Applied changes are removed; failed
// ones have their retry count bumped and are abandoned at the ceiling. Item
// failures are counted, never returned.
//
// Only one pass runs at a time. A call made while another pass is running
// returns a zero result without touching the queue. A pass is not cancelled
// by ctx; it always finishes its snapshot.
func (o *OfflineManager) Synchronize(ctx context.Context) SyncResult {
	o.mu.Lock()
	if o.syncing {
		o.mu.Unlock()
		return SyncResult{}
	}
	o.syncing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.mu.Unlock()
	}()

	ctx = context.WithoutCancel(ctx)
	o.emit(EventSyncStart, nil)

	var result SyncResult
	changes, err := o.PendingChanges(ctx)
	if err != nil {
		o.storageFailed("read queue", err)
		o.emit(EventSyncComplete, result)
		return result
	}

	for i := range changes {
		o.replay(ctx, &changes[i], &result)
	}

	o.updatePendingGauge(ctx)
	if len(changes) > 0 {
		o.logger.Info().
			Int("success", result.Success).
			Int("failed", result.Failed).
			Int("abandoned", len(result.Abandoned)).
			Msg("sync pass complete")
	}
	o.emit(EventSyncComplete, result)
	return result
}

func (o *OfflineManager) replay(ctx context.Context, change *PendingChange, result *SyncResult) {
	reqCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	start := time.Now()
	resp, err := o.client.Replay(reqCtx, change)
	cancel()
	o.metrics.ObserveReplay(time.Since(start).Seconds())

	log := o.logger.With().
		Str("change_id", change.ID).
		Str("endpoint", change.Endpoint).
		Str("method", string(change.Method)).
		Logger()

	if err == nil && resp.OK() {
		result.Success++
		o.metrics.IncApplied()
		if err := o.store.Delete(ctx, CollectionPendingChanges, change.ID); err != nil {
			// The server has it; a later pass may resend it under the same
			// idempotency key.
			o.storageFailed("remove applied change", err)
		}
		log.Debug().Int("status", resp.StatusCode).Msg("change applied")
		o.emit(EventChangeApplied, *change)
		return
	}

	var (
		status    int
		clientErr bool
	)
	if err != nil {
		change.LastError = err.Error()
	} else {
		apiErr := apiErrorFrom(resp)
		status = apiErr.StatusCode
		clientErr = apiErr.ClientError()
		change.LastError = apiErr.Error()
	}
	change.RetryCount++
	result.Failed++
	o.metrics.IncFailed()

	if change.RetryCount >= o.retryCeiling || (o.abandonClientErrors && clientErr) {
		if err := o.store.Delete(ctx, CollectionPendingChanges, change.ID); err != nil {
			o.storageFailed("remove abandoned change", err)
		}
		abandoned := AbandonedChange{
			ID:         change.ID,
			Endpoint:   change.Endpoint,
			Method:     change.Method,
			StatusCode: status,
			Error:      change.LastError,
			RetryCount: change.RetryCount,
		}
		result.Abandoned = append(result.Abandoned, abandoned)
		o.metrics.IncAbandoned()
		log.Warn().
			Int("retry_count", change.RetryCount).
			Int("status", status).
			Str("error", change.LastError).
			Msg("change abandoned")
		o.emit(EventChangeAbandoned, abandoned)
		return
	}

	if err := o.putPending(ctx, change); err != nil {
		o.storageFailed("update pending change", err)
	}
	log.Debug().
		Int("retry_count", change.RetryCount).
		Int("status", status).
		Str("error", change.LastError).
		Msg("change will be retried")
	o.emit(EventChangeRetry, *change)
}

// ── Request dispatch ──────────────────────────────────────

// Dispatch routes a request through the offline layer. Mutations are sent
// directly while connected and queued when the monitor reports the backend
// down or the direct attempt fails in transport; a queued response has
// Queued set. Reads go to the network and are mirrored into the cache,
// falling back to the cached copy when the network is unavailable.
func (o *OfflineManager) Dispatch(ctx context.Context, method, path string, body any) (*Response, error) {
	method = strings.ToUpper(method)
	if method == http.MethodGet {
		return o.dispatchRead(ctx, path)
	}

	m, ok := MethodFromVerb(method)
	if !ok {
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	headers := o.client.requestHeaders(payload != nil)
	headers[idempotencyHeader] = uuid.NewString()

	if o.disconnected() {
		return o.queue(ctx, path, m, headers, payload)
	}

	reqCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	resp, err := o.client.Do(reqCtx, method, path, headers, payload)
	cancel()
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) && ctx.Err() == nil {
			o.logger.Info().Err(err).Str("endpoint", path).Msg("backend unreachable, queueing change")
			return o.queue(ctx, path, m, headers, payload)
		}
		return nil, err
	}
	if !resp.OK() {
		return resp, apiErrorFrom(resp)
	}
	return resp, nil
}

func (o *OfflineManager) queue(ctx context.Context, path string, m Method, headers map[string]string, payload []byte) (*Response, error) {
	change, err := o.Enqueue(ctx, path, m, headers, string(payload))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: http.StatusAccepted, Queued: true, ChangeID: change.ID}, nil
}

func (o *OfflineManager) dispatchRead(ctx context.Context, path string) (*Response, error) {
	key := CacheKey(path)

	if o.disconnected() {
		if resp, ok := o.cachedResponse(ctx, key); ok {
			return resp, nil
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	fetchedAt := time.Now().UTC()
	resp, err := o.client.Dispatch(reqCtx, http.MethodGet, path, nil)
	cancel()
	if err == nil {
		if _, cerr := o.CacheEntity(ctx, key, resp.Body, fetchedAt); cerr != nil {
			o.logger.Warn().Err(cerr).Str("key", key).Msg("failed to cache response")
		}
		return resp, nil
	}

	var te *TransportError
	if !errors.As(err, &te) {
		return resp, err
	}
	if cached, ok := o.cachedResponse(ctx, key); ok {
		return cached, nil
	}
	return nil, fmt.Errorf("%w: GET %s", ErrOffline, path)
}

func (o *OfflineManager) cachedResponse(ctx context.Context, key string) (*Response, bool) {
	entity, ok, err := o.CachedEntity(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	return &Response{StatusCode: http.StatusOK, Body: entity.Data, Cached: true}, true
}

func (o *OfflineManager) disconnected() bool {
	return o.monitor != nil && o.monitor.State() == StateDisconnected
}

// ── Offline cache ─────────────────────────────────────────

// CacheKey derives the cache key for an API path, e.g. "/api/vitals?usn=U1"
// becomes "vitals?usn=U1".
func CacheKey(path string) string {
	return strings.TrimPrefix(strings.TrimPrefix(path, "/"), "api/")
}

// CacheEntity stores data under key unless a newer copy is already cached.
// It reports whether the write was kept.
func (o *OfflineManager) CacheEntity(ctx context.Context, key string, data []byte, at time.Time) (bool, error) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()

	existing, ok, err := o.store.Get(ctx, CollectionOfflineData, key)
	if err != nil {
		o.storageFailed("read cache", err)
		return false, err
	}
	if ok && existing.Timestamp.After(at) {
		return false, nil
	}
	if err := o.store.Put(ctx, CollectionOfflineData, Record{ID: key, Timestamp: at, Data: data}); err != nil {
		o.storageFailed("write cache", err)
		return false, err
	}
	return true, nil
}

// CachedEntity returns the cached copy for key.
func (o *OfflineManager) CachedEntity(ctx context.Context, key string) (*CachedEntity, bool, error) {
	rec, ok, err := o.store.Get(ctx, CollectionOfflineData, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return &CachedEntity{Key: rec.ID, Data: json.RawMessage(rec.Data), UpdatedAt: rec.Timestamp}, true, nil
}

// CachedEntities returns every cached copy, oldest write first.
func (o *OfflineManager) CachedEntities(ctx context.Context) ([]CachedEntity, error) {
	recs, err := o.store.GetAll(ctx, CollectionOfflineData)
	if err != nil {
		return nil, err
	}
	result := make([]CachedEntity, 0, len(recs))
	for _, rec := range recs {
		result = append(result, CachedEntity{Key: rec.ID, Data: json.RawMessage(rec.Data), UpdatedAt: rec.Timestamp})
	}
	return result, nil
}

func (o *OfflineManager) DeleteCachedEntity(ctx context.Context, key string) error {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	return o.store.Delete(ctx, CollectionOfflineData, key)
}

// ── Background sync ───────────────────────────────────────

// Start subscribes to the monitor, so a transition to connected triggers a
// pass, and runs a ticker that syncs every SyncInterval while connected. If
// the backend is already connected a pass starts immediately.
// Calling Start on a running manager is a no-op.
func (o *OfflineManager) Start(ctx context.Context) {
	o.mu.Lock()
	if o.cancelFn != nil {
		o.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancelFn = cancel
	o.done = make(chan struct{})
	done := o.done
	o.mu.Unlock()

	if o.monitor != nil {
		unsubscribe := o.monitor.Subscribe(func(_, next ConnectivityState) {
			if next == StateConnected {
				o.triggerSync(loopCtx)
			}
		})
		o.mu.Lock()
		o.unsubscribe = unsubscribe
		o.mu.Unlock()
	}

	o.updatePendingGauge(ctx)
	go o.syncLoop(loopCtx, done)

	// A monitor that is already connected publishes no transition, so
	// drain whatever was queued before Start.
	if o.monitor == nil || o.monitor.State() == StateConnected {
		o.triggerSync(loopCtx)
	}
}

// Stop cancels the ticker, drops the monitor subscription and waits for any
// pass it started to finish. Event listeners are removed.
func (o *OfflineManager) Stop() {
	o.mu.Lock()
	cancel, done, unsubscribe := o.cancelFn, o.done, o.unsubscribe
	o.cancelFn, o.done, o.unsubscribe = nil, nil, nil
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	o.wg.Wait()
	o.removeAll()
}

func (o *OfflineManager) syncLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.monitor == nil || o.monitor.State() == StateConnected {
				o.Synchronize(ctx)
			}
		}
	}
}

func (o *OfflineManager) triggerSync(ctx context.Context) {
	o.mu.Lock()
	if o.cancelFn == nil || ctx.Err() != nil {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.Synchronize(ctx)
	}()
}

// ============================================================================
// Helpers
// ============================================================================

func (o *OfflineManager) putPending(ctx context.Context, change *PendingChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal pending change: %w", err)
	}
	return o.store.Put(ctx, CollectionPendingChanges, Record{
		ID:        change.ID,
		Timestamp: change.EnqueuedAt,
		Data:      data,
	})
}

func (o *OfflineManager) storageFailed(op string, err error) {
	o.logger.Warn().Err(err).Str("op", op).Msg("local store unavailable; changes are not durable")
	o.emit(EventStorageUnavailable, err)
}

func (o *OfflineManager) updatePendingGauge(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	if n, err := o.PendingCount(ctx); err == nil {
		o.metrics.SetPending(n)
	}
}

// newChangeID returns a time-ordered id and the enqueue time embedded in it.
// V7 ids are monotonic within the process, so (EnqueuedAt, ID) follows
// enqueue order even when the wall clock steps back.
func newChangeID() (string, time.Time) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString(), time.Now().UTC()
	}
	sec, nsec := id.Time().UnixTime()
	return id.String(), time.Unix(sec, nsec).UTC()
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if http.CanonicalHeaderKey(k) == name {
			return true
		}
	}
	return false
}
