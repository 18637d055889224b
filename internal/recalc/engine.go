package recalc

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/roach88/formstate/internal/form"
	"github.com/roach88/formstate/internal/observe"
	"github.com/roach88/formstate/internal/pathtree"
	"github.com/roach88/formstate/internal/valuepath"
)

// DefaultMaxCascade is the default limit on handler runs per cascade.
const DefaultMaxCascade = 1000

// Store is the part of a form.Store the engine depends on.
type Store interface {
	Commit(changes ...form.Commit) []bool
	Listen(fn form.Listener, opts ...observe.Option) observe.Unsubscribe
	GetValues() map[string]any
	GetValue(path string) any
	Has(path string) bool
	FormState() form.FormState
}

// Result maps value paths to the values a handler wants committed. A plain
// value is committed in mode "change"; wrap it in Tagged to pick the mode.
type Result map[string]any

// Tagged is a result value with an explicit change mode.
type Tagged struct {
	Value any
	Mode  form.ChangeMode
}

// Scope is what a handler can see besides its own current and previous value.
// Every map is a private copy.
type Scope struct {
	Values         map[string]any
	State          form.FormState
	External       map[string]any
	LastCalledPath string
}

// Handler computes derived writes. ctx is cancelled when the engine is
// disposed.
type Handler func(ctx context.Context, current, prev any, scope Scope) (Result, error)

// Field declares one recalculation field.
type Field struct {
	// Path is the value path (or external input name) the field reacts to.
	Path string

	// WatchType is the commit mode that triggers the handler. Empty means
	// form.ModeNative.
	WatchType form.ChangeMode

	// Async runs the handler on its own goroutine. Only the newest run's
	// result is committed.
	Async bool

	Handler Handler
}

func (f Field) watchType() form.ChangeMode {
	if f.WatchType == "" {
		return form.ModeNative
	}
	return f.WatchType
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for handler failures and cascade limits.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMaxCascade sets the limit on handler runs per cascade. Zero disables
// the limit.
func WithMaxCascade(n int) Option {
	return func(e *Engine) {
		e.maxCascade = n
	}
}

// watchEntry binds a field to the store path that triggers it.
type watchEntry struct {
	field int
	tree  *pathtree.Tree
}

// Engine runs recalculation fields against one Store.
type Engine struct {
	store      Store
	fields     []Field
	byPath     map[string]int
	entries    []watchEntry
	defaults   map[string]any
	logger     *slog.Logger
	maxCascade int

	queue       *eventQueue
	guard       *cascadeGuard
	guardEpoch  uint64 // loop goroutine only
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe observe.Unsubscribe
	stopped     chan struct{}

	mu          sync.Mutex
	memo        map[string]any
	lastCalled  string
	generations map[string]uint64
	disposed    bool
}

// New binds fields to store and starts the engine loop.
//
// Only fields whose path resolves in the store at construction time react to
// commits; every field can be driven with CallExternal. When two fields share
// a path, the later one wins. defaultExternal seeds the external memo and is
// copied.
func New(store Store, fields []Field, defaultExternal map[string]any, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		store:       store,
		fields:      slices.Clone(fields),
		byPath:      make(map[string]int, len(fields)),
		defaults:    valuepath.CloneMap(defaultExternal),
		logger:      slog.Default(),
		maxCascade:  DefaultMaxCascade,
		queue:       newEventQueue(),
		ctx:         ctx,
		cancel:      cancel,
		stopped:     make(chan struct{}),
		memo:        valuepath.CloneMap(defaultExternal),
		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.guard = newCascadeGuard(e.maxCascade)

	for i, f := range e.fields {
		e.byPath[f.Path] = i
	}
	for i, f := range e.fields {
		if e.byPath[f.Path] != i || !store.Has(f.Path) {
			continue
		}
		e.entries = append(e.entries, watchEntry{
			field: i,
			tree:  pathtree.New(valuepath.Join(form.PrefixValues, f.Path)),
		})
	}

	e.unsubscribe = store.Listen(e.onChange)
	go e.run()
	return e
}

// onChange turns a store emission into triggers for every matching field.
func (e *Engine) onChange(c form.Change) {
	if !c.Detail.Values {
		return
	}
	for _, entry := range e.entries {
		if !entry.tree.Includes(c.Tree) {
			continue
		}
		f := e.fields[entry.field]
		if !modeMatches(c.Detail, f.Path, f.watchType()) {
			continue
		}
		cur, _ := valuepath.Get(c.Detail.Curr, f.Path)
		prev, _ := valuepath.Get(c.Detail.Prev, f.Path)
		e.queue.Enqueue(event{
			kind:    eventTrigger,
			field:   entry.field,
			current: valuepath.Clone(cur),
			prev:    valuepath.Clone(prev),
		})
	}
}

// modeMatches reports whether a write recorded in d touched path in mode
// want. A write to path or one of its ancestors counts, as does a write below
// path.
func modeMatches(d form.Detail, path string, want form.ChangeMode) bool {
	if d.Mode(path) == want {
		return true
	}
	prefix := path + valuepath.Separator
	for written, mode := range d.Modes {
		if mode == want && len(written) > len(prefix) && written[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// =============================================================================
// Public API
// =============================================================================

// CallExternal records value as the external input named field and runs the
// field's handler with it. The memo is updated before CallExternal returns;
// the handler runs on the engine loop.
func (e *Engine) CallExternal(field string, value any) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	i, ok := e.byPath[field]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	prev, _ := valuepath.Get(e.memo, field)
	valuepath.Set(e.memo, field, valuepath.Clone(value))
	e.mu.Unlock()

	e.queue.Enqueue(event{
		kind:    eventExternal,
		field:   i,
		current: valuepath.Clone(value),
		prev:    valuepath.Clone(prev),
	})
	return nil
}

// CallRecalculate forces a recalculation of path by committing its current
// value in the field's watch mode.
func (e *Engine) CallRecalculate(path string) error {
	return e.recalculate(path, e.store.GetValue(path))
}

// CallRecalculateWith commits value to path in the field's watch mode,
// which triggers the field like any other matching commit.
func (e *Engine) CallRecalculateWith(path string, value any) error {
	return e.recalculate(path, value)
}

func (e *Engine) recalculate(path string, value any) error {
	e.mu.Lock()
	disposed := e.disposed
	i, ok := e.byPath[path]
	e.mu.Unlock()

	if disposed {
		return ErrDisposed
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, path)
	}

	e.store.Commit(form.Commit{
		Path:  path,
		Value: value,
		Mode:  e.fields[i].watchType(),
	})
	return nil
}

// Settle blocks until the engine is idle: no queued triggers and no async
// handler in flight. It must not be called from a handler.
func (e *Engine) Settle(ctx context.Context) error {
	return e.queue.Settle(ctx)
}

// External returns a copy of the external memo.
func (e *Engine) External() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return valuepath.CloneMap(e.memo)
}

// LastCalledPath returns the path of the most recent store-triggered field.
func (e *Engine) LastCalledPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCalled
}

// Dispose detaches the engine from its store and drops all pending work.
// In-flight async handlers see their context cancelled and their results are
// discarded. The memo returns to the default external values. Store values
// are left alone. Dispose is idempotent and may be called from a handler.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.memo = valuepath.CloneMap(e.defaults)
	e.lastCalled = ""
	clear(e.generations)
	e.mu.Unlock()

	e.unsubscribe()
	e.cancel()
	e.queue.Close()
}

// Done returns a channel closed once the engine loop has exited after
// Dispose.
func (e *Engine) Done() <-chan struct{} {
	return e.stopped
}

// =============================================================================
// Loop
// =============================================================================

func (e *Engine) run() {
	defer close(e.stopped)

	for {
		ev, ok := e.queue.TryDequeue()
		if !ok {
			select {
			case <-e.ctx.Done():
				return
			case _, open := <-e.queue.Wait():
				if !open {
					return
				}
			}
			continue
		}

		// The last unit of a cascade may be released by an async run, not
		// the loop. Reset on the first event after any idle point.
		if epoch := e.queue.epoch(); epoch != e.guardEpoch {
			e.guard.Reset()
			e.guardEpoch = epoch
		}
		e.process(ev)
		e.queue.release()
	}
}

func (e *Engine) process(ev event) {
	f := e.fields[ev.field]

	switch ev.kind {
	case eventTrigger:
		e.mu.Lock()
		if e.disposed {
			e.mu.Unlock()
			return
		}
		e.lastCalled = f.Path
		e.mu.Unlock()
		e.start(ev.field, ev.current, ev.prev)

	case eventExternal:
		e.start(ev.field, ev.current, ev.prev)

	case eventCompletion:
		e.mu.Lock()
		latest := e.generations[f.Path]
		disposed := e.disposed
		e.mu.Unlock()
		if disposed {
			return
		}
		if latest != ev.gen {
			e.logger.Debug("discarding superseded recalculation result",
				"field", f.Path,
				"generation", ev.gen,
				"latest", latest,
			)
			return
		}
		e.apply(f, ev.result, ev.err)
	}
}

// start runs the handler of field i, inline or on its own goroutine.
func (e *Engine) start(i int, current, prev any) {
	f := e.fields[i]
	if f.Handler == nil {
		return
	}

	if err := e.guard.Check(f.Path); err != nil {
		e.logger.Error("recalculation cascade limit exceeded",
			"field", f.Path,
			"steps", e.guard.Current(),
			"error", err,
		)
		return
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.generations[f.Path]++
	gen := e.generations[f.Path]
	scope := Scope{
		External:       valuepath.CloneMap(e.memo),
		LastCalledPath: e.lastCalled,
	}
	e.mu.Unlock()

	scope.Values = e.store.GetValues()
	scope.State = e.store.FormState()

	if !f.Async {
		result, err := e.invoke(f, current, prev, scope)
		e.apply(f, result, err)
		return
	}

	if !e.queue.hold() {
		return
	}
	go func() {
		defer e.queue.release()
		result, err := e.invoke(f, current, prev, scope)
		e.queue.Enqueue(event{
			kind:   eventCompletion,
			field:  i,
			gen:    gen,
			result: result,
			err:    err,
		})
	}()
}

// invoke calls the handler, turning a panic into an error.
func (e *Engine) invoke(f Field, current, prev any, scope Scope) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Debug("recalculation handler panic stack",
				"field", f.Path,
				"stack", string(debug.Stack()),
			)
			err = &HandlerError{Field: f.Path, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err = f.Handler(e.ctx, current, prev, scope)
	if err != nil {
		err = &HandlerError{Field: f.Path, Err: err}
	}
	return result, err
}

// apply commits a handler's result.
func (e *Engine) apply(f Field, result Result, err error) {
	if err != nil {
		e.logger.Warn("recalculation handler failed",
			"field", f.Path,
			"error", err,
		)
		return
	}
	if len(result) == 0 || e.ctx.Err() != nil {
		return
	}

	commits := Commits(result)
	ok := e.store.Commit(commits...)
	for i, landed := range ok {
		if !landed {
			e.logger.Warn("recalculation write failed",
				"field", f.Path,
				"path", commits[i].Path,
			)
		}
	}
}

// Commits converts a handler result into store commits, ordered by path.
func Commits(result Result) []form.Commit {
	keys := slices.Sorted(maps.Keys(result))
	commits := make([]form.Commit, 0, len(keys))
	for _, path := range keys {
		c := form.Commit{Path: path, Mode: form.ModeChange}
		switch v := result[path].(type) {
		case Tagged:
			c.Value = v.Value
			if v.Mode != "" {
				c.Mode = v.Mode
			}
		case *Tagged:
			if v != nil {
				c.Value = v.Value
				if v.Mode != "" {
					c.Mode = v.Mode
				}
			}
		default:
			c.Value = v
		}
		commits = append(commits, c)
	}
	return commits
}
