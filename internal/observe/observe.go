// Package observe implements a synchronous, path-filtered publish/subscribe
// hub.
//
// Listeners register either globally (Listen) or for a list of dot-paths
// (On). Each emission carries a pathtree.Tree describing what changed and a
// typed detail payload. A path-filtered listener runs only when its paths
// overlap the changed tree.
//
// # Ordering
//
// Listeners run in the emitting goroutine, in descending priority order.
// Listeners with equal priority run in registration order. PriorityMax is
// reserved for listeners that must observe a change before anything else,
// such as validators.
//
// # Re-entrancy
//
// Emit holds no lock while listeners run. A listener may emit again (for
// example by committing to the store that owns the hub); the nested emission
// is delivered in full before the outer one continues with its next listener.
// Listeners registered during an emission are not invoked by it. A listener
// removed during an emission is skipped if it has not run yet.
package observe

import (
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/formstate/internal/pathtree"
)

// Priority levels.
const (
	PriorityDefault = 0
	PriorityMax     = math.MaxInt
)

// Change is a single emission.
type Change[D any] struct {
	// Tree holds every path affected by the change.
	Tree *pathtree.Tree

	// Detail is the payload defined by the hub's owner.
	Detail D
}

// Listener receives emissions.
type Listener[D any] func(Change[D])

// Unsubscribe removes a listener. Calling it more than once is harmless.
type Unsubscribe func()

// Option configures a subscription.
type Option func(*subscribeConfig)

type subscribeConfig struct {
	priority int
}

// WithPriority sets the subscription priority. Higher values run earlier.
func WithPriority(priority int) Option {
	return func(c *subscribeConfig) {
		c.priority = priority
	}
}

// HubOption configures a Hub.
type HubOption func(*hubConfig)

type hubConfig struct {
	logger *slog.Logger
}

// WithLogger sets the logger used to report listener panics.
func WithLogger(logger *slog.Logger) HubOption {
	return func(c *hubConfig) {
		c.logger = logger
	}
}

type subscription[D any] struct {
	id       uint64
	priority int
	watch    *pathtree.Tree // nil for global listeners
	fn       Listener[D]
	active   atomic.Bool
}

// Hub fans emissions out to listeners. The zero value is not usable; create
// hubs with NewHub.
type Hub[D any] struct {
	mu     sync.RWMutex
	subs   []*subscription[D]
	nextID uint64
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub[D any](opts ...HubOption) *Hub[D] {
	cfg := hubConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Hub[D]{logger: cfg.logger}
}

// Listen registers a listener invoked on every emission.
func (h *Hub[D]) Listen(fn Listener[D], opts ...Option) Unsubscribe {
	return h.add(nil, fn, opts)
}

// On registers a listener invoked only when an emission's tree overlaps one
// of paths. An empty path list never matches.
func (h *Hub[D]) On(paths []string, fn Listener[D], opts ...Option) Unsubscribe {
	return h.add(pathtree.New(paths...), fn, opts)
}

// Watch is an alias for On.
func (h *Hub[D]) Watch(paths []string, fn Listener[D], opts ...Option) Unsubscribe {
	return h.On(paths, fn, opts...)
}

func (h *Hub[D]) add(watch *pathtree.Tree, fn Listener[D], opts []Option) Unsubscribe {
	cfg := subscribeConfig{priority: PriorityDefault}
	for _, opt := range opts {
		opt(&cfg)
	}

	h.mu.Lock()
	h.nextID++
	sub := &subscription[D]{
		id:       h.nextID,
		priority: cfg.priority,
		watch:    watch,
		fn:       fn,
	}
	sub.active.Store(true)
	h.subs = append(h.subs, sub)
	// Stable sort keeps registration order among equal priorities.
	slices.SortStableFunc(h.subs, func(a, b *subscription[D]) int {
		switch {
		case a.priority > b.priority:
			return -1
		case a.priority < b.priority:
			return 1
		default:
			return 0
		}
	})
	h.mu.Unlock()

	return func() { h.remove(sub) }
}

func (h *Hub[D]) remove(sub *subscription[D]) {
	if !sub.active.Swap(false) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = slices.DeleteFunc(h.subs, func(s *subscription[D]) bool {
		return s.id == sub.id
	})
}

// Emit delivers change to every matching listener and returns how many
// listeners ran. A panicking listener is logged and skipped; the remaining
// listeners still run.
func (h *Hub[D]) Emit(change Change[D]) int {
	h.mu.RLock()
	subs := slices.Clone(h.subs)
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.watch != nil && !sub.watch.Includes(change.Tree) {
			continue
		}
		h.invoke(sub, change)
		delivered++
	}
	return delivered
}

func (h *Hub[D]) invoke(sub *subscription[D], change Change[D]) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("listener panicked",
				"subscription", sub.id,
				"paths", change.Tree.String(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	sub.fn(change)
}

// Len returns the number of registered listeners.
func (h *Hub[D]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
