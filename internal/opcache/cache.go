// Package opcache tracks at most one in-flight start operation per workspace
// and lets every interested view observe that one execution. It is a
// request-coalescing cache: the cached thing is a running computation, not a
// stored result.
package opcache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/landoncolburn/devpod/internal/events"
	"github.com/landoncolburn/devpod/internal/log"
	"github.com/landoncolburn/devpod/internal/protocol"
)

// Command is the executable handle for a declarative provider command.
type Command interface {
	// Streaming reports whether the command emits progress events.
	Streaming() bool

	// Run executes the command to completion. Progress events, if any, are
	// delivered to sink in emission order. sink may be nil.
	Run(ctx context.Context, sink func(protocol.ProgressEvent)) (*protocol.Result, error)
}

// SubscribeFunc attaches a progress handler to a running operation's stream
// and returns its unsubscribe function.
type SubscribeFunc func(events.Handler[protocol.ProgressEvent]) func()

// Operation is the settled-exactly-once future of one launched command.
type Operation struct {
	done chan struct{}
	res  *protocol.Result
}

func newOperation() *Operation {
	return &Operation{done: make(chan struct{})}
}

// Wait blocks until the operation settles or ctx is cancelled. A failed
// command is returned as a Result with status "error", never as an error:
// the only error Wait produces is ctx.Err().
func (o *Operation) Wait(ctx context.Context) (*protocol.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-o.done:
		return o.res, nil
	}
}

func (o *Operation) settle(res *protocol.Result) {
	o.res = res
	close(o.done)
}

// Entry is one cached in-flight operation. Stream is nil when the command
// does not support progress events.
type Entry struct {
	WorkspaceID string
	Op          *Operation
	Stream      SubscribeFunc
}

// Cache maps workspace IDs to their in-flight start operation. The map is
// the only shared mutable resource; Connect (insert) and Clear (remove) hold
// the mutex so check-and-create stays atomic per key.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	logger  *slog.Logger
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]*Entry),
		logger:  log.WithComponent("opcache"),
	}
}

// Get is a pure lookup with no side effects.
func (c *Cache) Get(id string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok
}

// Connect launches cmd, stores the resulting entry under id, and returns it
// with created=true. If an entry already exists for id it is returned
// unchanged with created=false, cmd is not run, and tap and initial are
// ignored: single-flight holds even when two callers race past their own
// Get.
//
// tap, when non-nil, observes every progress event of a launched streaming
// command. It lives outside the view-identity registry, so no Subscribe call
// can replace or remove it. initial handlers are registered before the
// command starts; a command that emits progress the moment it runs cannot
// slip an event past them.
//
// The launched command is detached from the caller's cancellation. An
// operation runs to completion regardless of whether any listener is still
// attached; ctx values (trace IDs and the like) are preserved.
func (c *Cache) Connect(ctx context.Context, id string, cmd Command, tap func(protocol.ProgressEvent), initial ...events.Handler[protocol.ProgressEvent]) (*Entry, bool) {
	c.mu.Lock()

	if e, ok := c.entries[id]; ok {
		c.mu.Unlock()
		c.logger.Debug("connect joined existing operation", "workspace_id", id)
		return e, false
	}

	op := newOperation()
	entry := &Entry{WorkspaceID: id, Op: op}

	var reg *events.Registry[protocol.ProgressEvent]
	var sink func(protocol.ProgressEvent)
	if cmd.Streaming() {
		reg = events.NewRegistry[protocol.ProgressEvent]()
		for _, h := range initial {
			reg.Subscribe(h)
		}
		entry.Stream = reg.Subscribe
		notify := reg.Notify
		if tap != nil {
			sink = func(ev protocol.ProgressEvent) {
				tap(ev)
				notify(ev)
			}
		} else {
			sink = notify
		}
	}

	c.entries[id] = entry
	c.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		res, err := cmd.Run(runCtx, sink)
		if err != nil {
			// Failure is surfaced as data; callers re-query status anyway.
			res = &protocol.Result{Status: "error", Error: err.Error()}
		}
		if reg != nil {
			reg.Close()
		}
		op.settle(res)
	}()

	c.logger.Debug("connected new operation", "workspace_id", id)
	return entry, true
}

// Clear removes the entry for id if it still refers to op. A stale waiter's
// cleanup therefore never evicts a later operation launched for the same
// workspace after this one settled. Clearing an absent entry is a no-op.
func (c *Cache) Clear(id string, op *Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok && e.Op == op {
		delete(c.entries, id)
	}
}

// Len returns the number of in-flight operations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
