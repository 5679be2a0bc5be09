package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("events: hub closed")

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 256).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 50ms).
//   - SinkTimeout: per-route timeout while flushing (default 10s).
//   - SubscriberBuffer: channel size for each client subscription (default 64).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize       int
	MaxBatchEvents   int
	MaxBatchWait     time.Duration
	SinkTimeout      time.Duration
	SubscriberBuffer int
	BaseContext      context.Context
	Logger           *zap.Logger
}

const (
	defaultBufferSize       = 4096
	defaultMaxBatchEvents   = 256
	defaultMaxBatchWait     = 50 * time.Millisecond
	defaultSinkTimeout      = 10 * time.Second
	defaultSubscriberBuffer = 64
	dropLogInterval         = 5 * time.Second
)

// Hub routes events to sinks in registration order and then to client
// subscriptions. It is safe for concurrent use by multiple goroutines.
type Hub struct {
	cfg         Config
	routes      []Route
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	subsMu sync.RWMutex
	subs   map[uint64]*Subscription
	nextID atomic.Uint64

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine. The
// order of routes is the handling order for every batch.
func NewHub(cfg Config, routes ...Route) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		routes:      append([]Route(nil), routes...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		subs:        make(map[uint64]*Subscription),
	}
	go h.run()
	return h
}

// Emit enqueues an Event for batching. It never blocks; if the buffer is full
// the event is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("events dropped due to backpressure",
				zap.Int64("dropped", count), zap.String("topic", string(evt.Topic)))
		}
	}
}

// Publish enqueues an Event, waiting for buffer space. It is for events that
// must not be lost, and must never be called from a Sink.
func (h *Hub) Publish(ctx context.Context, evt Event) error {
	if h == nil || h.closed.Load() {
		return ErrClosed
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Topic, err)
	}
	select {
	case h.events <- evt:
		return nil
	case <-h.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", evt.Topic, ctx.Err())
	}
}

// Subscribe opens a client feed matching filter.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Event, h.cfg.SubscriberBuffer),
		hub:    h,
	}
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	if h.closed.Load() {
		sub.hub = nil
		sub.Close()
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	return len(h.subs)
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.subsMu.Lock()
	delete(h.subs, sub.id)
	h.subsMu.Unlock()
}

// Close drains remaining events, flushes routes, closes subscriptions, and
// blocks until the background goroutine exits. It is safe to call multiple
// times.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt := <-h.events:
			batch = h.enqueueEvent(batch, evt, timer, &timerActive)
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.handleStop(batch, timer, &timerActive)
			return
		}
	}
}

func (h *Hub) enqueueEvent(batch []Event, evt Event, timer *time.Timer, timerActive *bool) []Event {
	batch = append(batch, evt)
	if len(batch) >= h.cfg.MaxBatchEvents {
		h.flush(batch)
		batch = batch[:0]
		h.stopTimer(timer, timerActive)
	} else if !*timerActive {
		timer.Reset(h.cfg.MaxBatchWait)
		*timerActive = true
	}
	return batch
}

func (h *Hub) handleStop(batch []Event, timer *time.Timer, timerActive *bool) {
	h.stopTimer(timer, timerActive)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeRoutes()
			h.closeSubscriptions()
			return
		}
	}
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	baseCtx := h.cfg.BaseContext
	for _, route := range h.routes {
		if route.Sink == nil {
			continue
		}
		selected := make([]Event, 0, len(batch))
		for _, evt := range batch {
			if route.matches(evt.Topic) {
				selected = append(selected, evt)
			}
		}
		if len(selected) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		if err := route.Sink.Consume(ctx, selected); err != nil {
			h.logger.Warn("event route consume failed", zap.String("route", route.Name), zap.Error(err))
		}
		cancel()
	}
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	if len(h.subs) == 0 {
		return
	}
	for _, evt := range batch {
		for _, sub := range h.subs {
			if sub.filter.matches(evt) {
				sub.deliver(evt)
			}
		}
	}
}

func (h *Hub) closeRoutes() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, route := range h.routes {
		if route.Sink == nil {
			continue
		}
		if err := route.Sink.Close(ctx); err != nil {
			h.logger.Warn("event route close failed", zap.String("route", route.Name), zap.Error(err))
		}
	}
}

func (h *Hub) closeSubscriptions() {
	h.subsMu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subsMu.RUnlock()
	for _, sub := range subs {
		sub.Close()
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
