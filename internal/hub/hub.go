// ABOUTME: In-memory fan-out broadcaster delivering events to SSE subscribers
// ABOUTME: Publish never blocks; overloaded subscribers lose their oldest events

package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBufferSize is the per-subscription queue capacity when the caller
// passes 0.
const DefaultBufferSize = 64

// Subscription is one live registration of a connection against a scope.
// The queue is drained by the owning connection's writer loop; its lifetime
// never exceeds the connection's.
type Subscription struct {
	ID    string
	Scope Scope

	ch      chan *Event
	mu      sync.Mutex // serializes enqueue so drop-oldest keeps publish order
	dropped atomic.Uint64
	closed  bool

	hub *Hub
}

// Events returns the subscription's delivery channel. It is closed when the
// subscription is removed.
func (s *Subscription) Events() <-chan *Event { return s.ch }

// Dropped reports how many events were discarded because the consumer fell
// behind. Callers may close chronically overloaded connections based on it.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close removes the subscription from the hub. Idempotent.
func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

// enqueue appends the event, evicting the oldest queued event when the
// queue is full. Dropping the oldest (rather than the newest, or blocking)
// keeps the publisher and every other subscriber unaffected while the slow
// consumer still converges on recent state.
func (s *Subscription) enqueue(event *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- event:
		return
	default:
	}

	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- event:
	default:
	}
}

// Hub provides in-memory pub/sub for presence events. Subscribers register
// for a scope and receive events as they are published; a slow subscriber
// only ever degrades its own stream.
type Hub struct {
	mu     sync.RWMutex
	scopes map[Scope]map[string]*Subscription
	buffer int
	logger *slog.Logger
	closed bool
}

// New creates a hub. Pass 0 for the default buffer size and nil for the
// default logger.
func New(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		scopes: make(map[Scope]map[string]*Subscription),
		buffer: buffer,
		logger: logger.With("component", "hub"),
	}
}

// Subscribe registers a new subscriber on the given scope. The subscription
// is automatically removed when ctx is cancelled (the connection closing).
func (h *Hub) Subscribe(ctx context.Context, scope Scope) *Subscription {
	sub := &Subscription{
		ID:    uuid.New().String(),
		Scope: scope,
		ch:    make(chan *Event, h.buffer),
		hub:   h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.closed = true
		close(sub.ch)
		return sub
	}
	if _, ok := h.scopes[scope]; !ok {
		h.scopes[scope] = make(map[string]*Subscription)
	}
	h.scopes[scope][sub.ID] = sub
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "scope", scope, "sub_id", sub.ID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		h.Unsubscribe(sub)
	}()

	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// multiple times and after the owning connection has gone away.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	subs, ok := h.scopes[sub.Scope]
	if ok {
		if _, exists := subs[sub.ID]; exists {
			delete(subs, sub.ID)
			if len(subs) == 0 {
				delete(h.scopes, sub.Scope)
			}
		} else {
			ok = false
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()

	h.logger.Debug("subscriber removed", "scope", sub.Scope, "sub_id", sub.ID)
}

// Publish enqueues the event for every current subscriber of the scope.
// It never blocks on a subscriber's delivery path.
func (h *Hub) Publish(scope Scope, event *Event) {
	h.mu.RLock()
	subs := h.scopes[scope]
	if len(subs) == 0 {
		h.mu.RUnlock()
		return
	}

	// Copy under the read lock to avoid holding it during enqueues.
	targets := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.enqueue(event)
	}
}

// Broadcast publishes to the platform-wide announcement scope.
func (h *Hub) Broadcast(event *Event) {
	h.Publish(Broadcast(), event)
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for scope, subs := range h.scopes {
		for id, sub := range subs {
			sub.mu.Lock()
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			sub.mu.Unlock()
			delete(subs, id)
		}
		delete(h.scopes, scope)
	}

	h.logger.Debug("hub closed")
}
