// Package form provides the Store: an observable container for form values,
// bookkeeping state, and field errors.
//
// Every mutation is announced through an observe.Hub as one emission whose
// tree names the affected paths, rooted at "values", "state", or "errors".
// Value writes go through Commit, which applies a whole batch before
// announcing it, so no listener ever sees half of a batch.
//
// A Store is safe for concurrent use. Its data lock is released before
// listeners run, so listeners may call back into the Store. Emissions from
// one goroutine arrive in write order. Commits racing on different
// goroutines may be delivered out of order; each emission carries the
// Version of the write it announces so listeners can discard stale ones.
package form

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/formstate/internal/observe"
	"github.com/roach88/formstate/internal/pathtree"
	"github.com/roach88/formstate/internal/valuepath"
)

// ErrInvalidArgument is returned by Select for unsupported argument types.
var ErrInvalidArgument = errors.New("invalid argument")

// Options configures a Store.
type Options struct {
	// DefaultValues seeds the value tree and is restored by Reset.
	// The Store keeps its own copy.
	DefaultValues map[string]any

	// Logger receives submit failures and listener panics.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// Store owns one value tree.
type Store struct {
	id       string
	hub      *observe.Hub[Detail]
	logger   *slog.Logger
	defaults map[string]any

	mu      sync.Mutex
	data    Data
	version uint64
}

// New creates a Store holding a copy of opts.DefaultValues.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaults := valuepath.CloneMap(opts.DefaultValues)

	s := &Store{
		id:       uuid.Must(uuid.NewV7()).String(),
		logger:   logger,
		defaults: defaults,
		data: Data{
			Values: valuepath.CloneMap(defaults),
			State:  initialState(),
			Errors: Errors{},
		},
	}
	s.hub = observe.NewHub[Detail](observe.WithLogger(logger.With("store", s.id)))
	return s
}

// Version returns the number of mutations applied so far.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// ID identifies the Store in logs and traces.
func (s *Store) ID() string {
	return s.id
}

// Listen registers a listener for every emission.
func (s *Store) Listen(fn Listener, opts ...observe.Option) observe.Unsubscribe {
	return s.hub.Listen(fn, opts...)
}

// On registers a listener for emissions touching any of paths. Paths are
// fully qualified, e.g. "values.email" or "errors.email".
func (s *Store) On(paths []string, fn Listener, opts ...observe.Option) observe.Unsubscribe {
	return s.hub.On(paths, fn, opts...)
}

// Watch is an alias for On.
func (s *Store) Watch(paths []string, fn Listener, opts ...observe.Option) observe.Unsubscribe {
	return s.hub.On(paths, fn, opts...)
}

// Commit applies a batch of writes and announces it as one emission.
//
// The result holds, in input order, whether each write landed. A failed write
// does not abort the batch. Native-mode writes mark their path as touched and
// update its dirty flag. Bracket indexes are normalized, so "items[0]" and
// "items.0" name the same touched, dirty, and mode key. An empty batch is a
// no-op and emits nothing.
//
// Detail.Curr is the tree as this batch left it, and Detail.Version orders
// it against batches committed concurrently from other goroutines.
func (s *Store) Commit(changes ...Commit) []bool {
	if len(changes) == 0 {
		return []bool{}
	}

	written := pathtree.New()
	modes := make(map[string]ChangeMode, len(changes))
	results := make([]bool, len(changes))

	s.mu.Lock()
	prev := valuepath.CloneMap(s.data.Values)
	for i, c := range changes {
		path := valuepath.Join(valuepath.Split(c.Path)...)
		mode := c.mode()
		written.Push(path)
		modes[path] = mode
		if mode == ModeNative {
			s.data.State.TouchedFields[path] = true
		}

		results[i] = valuepath.Set(s.data.Values, path, valuepath.Clone(c.Value))

		if mode == ModeNative && results[i] {
			s.markDirty(path)
		}
	}
	curr := valuepath.CloneMap(s.data.Values)
	version := s.bump()
	s.mu.Unlock()

	tree := pathtree.PushPrefix(PrefixValues, written)
	tree.Push(PathTouchedFields)
	tree.Push(PathDirtyFields)

	s.hub.Emit(Change{
		Tree: tree,
		Detail: Detail{
			Prev:   prev,
			Curr:   curr,
			Modes:   modes,
			Values:  true,
			Version: version,
		},
	})

	return results
}

// markDirty flags path while its value differs from the default.
// Caller holds s.mu.
func (s *Store) markDirty(path string) {
	def, _ := valuepath.Get(s.defaults, path)
	cur, _ := valuepath.Get(s.data.Values, path)
	if valuepath.Equal(def, cur) {
		delete(s.data.State.DirtyFields, path)
		return
	}
	s.data.State.DirtyFields[path] = true
}

// bump counts a mutation and returns its version. Caller holds s.mu.
func (s *Store) bump() uint64 {
	s.version++
	return s.version
}

// emit announces a housekeeping change.
func (s *Store) emit(version uint64, paths ...string) {
	s.hub.Emit(Change{Tree: pathtree.New(paths...), Detail: Detail{Version: version}})
}

// =============================================================================
// Reads
// =============================================================================

// GetValues returns a copy of the whole value tree.
func (s *Store) GetValues() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return valuepath.CloneMap(s.data.Values)
}

// GetValue returns a copy of the value at path, or nil if it does not resolve.
func (s *Store) GetValue(path string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := valuepath.Get(s.data.Values, path)
	return valuepath.Clone(v)
}

// Has reports whether path resolves in the value tree.
func (s *Store) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return valuepath.Has(s.data.Values, path)
}

// GetValuesAt returns the values at paths, in order.
func (s *Store) GetValuesAt(paths ...string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(paths))
	for i, p := range paths {
		v, _ := valuepath.Get(s.data.Values, p)
		out[i] = valuepath.Clone(v)
	}
	return out
}

// GetValuesMap returns an object keyed by the keys of paths, each holding the
// value at that path. The boolean flags are ignored; only key presence
// matters.
func (s *Store) GetValuesMap(paths map[string]bool) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(paths))
	for p := range paths {
		v, _ := valuepath.Get(s.data.Values, p)
		out[p] = valuepath.Clone(v)
	}
	return out
}

// Select resolves values using the shape of arg:
//
//	nil              -> the whole tree
//	string           -> the single value at that path
//	[]string         -> a positional []any
//	map[string]bool  -> a map of path to value
//
// Any other argument type fails with ErrInvalidArgument.
func (s *Store) Select(arg any) (any, error) {
	switch a := arg.(type) {
	case nil:
		return s.GetValues(), nil
	case string:
		return s.GetValue(a), nil
	case []string:
		return s.GetValuesAt(a...), nil
	case map[string]bool:
		return s.GetValuesMap(a), nil
	default:
		return nil, fmt.Errorf("%w: cannot select values with %T", ErrInvalidArgument, arg)
	}
}

// FormState returns a copy of the bookkeeping state.
func (s *Store) FormState() FormState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.State.clone()
}

// Errors returns a copy of the error map.
func (s *Store) Errors() Errors {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.data.Errors)
}

// Data returns a copy of everything the Store holds.
func (s *Store) Data() Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.clone()
}

// Defaults returns a copy of the default values.
func (s *Store) Defaults() map[string]any {
	return valuepath.CloneMap(s.defaults)
}

// =============================================================================
// Errors and reset
// =============================================================================

// SetErrors merges errs into the error map. A non-empty message sets the
// entry; an empty message removes it.
func (s *Store) SetErrors(errs Errors) {
	s.mu.Lock()
	for path, msg := range errs {
		if msg == "" {
			delete(s.data.Errors, path)
			continue
		}
		s.data.Errors[path] = msg
	}
	version := s.bump()
	s.mu.Unlock()

	s.emit(version, PrefixErrors)
}

// ResetErrors removes the errors of paths, or every error when no path is
// given.
func (s *Store) ResetErrors(paths ...string) {
	s.mu.Lock()
	if len(paths) == 0 {
		s.data.Errors = Errors{}
	}
	for _, p := range paths {
		delete(s.data.Errors, p)
	}
	version := s.bump()
	s.mu.Unlock()

	s.emit(version, PrefixErrors)
}

// ResetError is an alias for ResetErrors.
func (s *Store) ResetError(paths ...string) {
	s.ResetErrors(paths...)
}

// Reset restores a fresh copy of the default values, clears the state and
// errors, and announces all three in one emission. Subscriptions survive.
func (s *Store) Reset() {
	s.mu.Lock()
	prev := s.data.Values
	s.data = Data{
		Values: valuepath.CloneMap(s.defaults),
		State:  initialState(),
		Errors: Errors{},
	}
	curr := valuepath.CloneMap(s.data.Values)
	version := s.bump()
	s.mu.Unlock()

	s.hub.Emit(Change{
		Tree: pathtree.New(PrefixValues, PrefixState, PrefixErrors),
		Detail: Detail{
			Prev:    prev,
			Curr:    curr,
			Version: version,
		},
	})
}

// setSubmitFlags updates the submit flags. A nil flag is left alone.
func (s *Store) setSubmitFlags(submitted, submitting *bool) {
	var paths []string
	s.mu.Lock()
	if submitted != nil {
		s.data.State.IsSubmitted = *submitted
		paths = append(paths, PathIsSubmitted)
	}
	if submitting != nil {
		s.data.State.IsSubmitting = *submitting
		paths = append(paths, PathIsSubmitting)
	}
	var version uint64
	if len(paths) > 0 {
		version = s.bump()
	}
	s.mu.Unlock()

	if len(paths) > 0 {
		s.emit(version, paths...)
	}
}
