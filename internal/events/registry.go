package events

import (
	"sync"

	"github.com/landoncolburn/devpod/internal/log"
)

// Handler receives every payload multicast on one logical stream. ID is the
// subscriber's identity (a view ID); two handlers with the same ID occupy
// the same delivery slot.
type Handler[T any] struct {
	ID     string
	Notify func(T)
}

// Registry is a keyed multicast set of handlers for one logical stream.
//
// Replace policy: registering a handler under an ID that is already present
// replaces the earlier handler. A view re-subscribing to the same operation
// keeps a single delivery slot instead of accumulating duplicates, which is
// what callers rely on.
type Registry[T any] struct {
	mu       sync.Mutex
	seq      uint64
	closed   bool
	handlers map[string]registration[T]
}

type registration[T any] struct {
	seq uint64
	h   Handler[T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		handlers: make(map[string]registration[T]),
	}
}

// Subscribe registers h and returns its unsubscribe function. Unsubscribing
// is idempotent, is a no-op after Close, and never removes a later handler
// registered under the same ID (each registration carries a sequence token).
func (r *Registry[T]) Subscribe(h Handler[T]) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return func() {}
	}

	r.seq++
	seq := r.seq
	id := h.ID
	r.handlers[id] = registration[T]{seq: seq, h: h}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if reg, ok := r.handlers[id]; ok && reg.seq == seq {
			delete(r.handlers, id)
		}
	}
}

// Notify delivers payload to every currently registered handler. Delivery
// order across handlers is unspecified; per-handler order follows emission
// order because callers notify sequentially. A panicking handler does not
// prevent delivery to the rest.
func (r *Registry[T]) Notify(payload T) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	hs := make([]Handler[T], 0, len(r.handlers))
	for _, reg := range r.handlers {
		hs = append(hs, reg.h)
	}
	r.mu.Unlock()

	for _, h := range hs {
		deliver(h, payload)
	}
}

func deliver[T any](h Handler[T], payload T) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn("stream handler panicked", "handler_id", h.ID, "panic", rec)
		}
	}()
	if h.Notify != nil {
		h.Notify(payload)
	}
}

// Close drops all handlers and makes future Subscribe/Notify calls no-ops.
// Called when the stream's operation settles.
func (r *Registry[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.handlers = nil
}

// Len returns the number of currently registered handlers.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}
