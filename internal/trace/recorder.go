// Package trace records the emissions of a form.Store and renders them as
// canonical JSON.
package trace

import (
	"maps"
	"slices"
	"sync"

	"github.com/roach88/formstate/internal/form"
	"github.com/roach88/formstate/internal/observe"
	"github.com/roach88/formstate/internal/valuepath"
)

// Emission classes.
const (
	ClassValues = "values" // produced by Commit
	ClassMeta   = "meta"   // errors, submit flags, reset
)

// Event is one recorded emission.
type Event struct {
	Seq   int64
	Class string
	Paths []string
	Modes map[string]string
	Prev  map[string]any
	Curr  map[string]any
}

// Map returns the event as a plain value tree, omitting empty parts.
func (e Event) Map() map[string]any {
	m := map[string]any{
		"seq":   e.Seq,
		"class": e.Class,
		"paths": e.Paths,
	}
	if len(e.Modes) > 0 {
		m["modes"] = e.Modes
	}
	if e.Prev != nil {
		m["prev"] = e.Prev
	}
	if e.Curr != nil {
		m["curr"] = e.Curr
	}
	return m
}

// Canonical renders the event with MarshalCanonical.
func (e Event) Canonical() ([]byte, error) {
	return MarshalCanonical(e.Map())
}

// FromChange converts a store emission into an Event with the given sequence
// number. Snapshots are copied.
func FromChange(seq int64, c form.Change) Event {
	ev := Event{
		Seq:   seq,
		Class: ClassMeta,
		Paths: c.Tree.Paths(),
	}
	if c.Detail.Values {
		ev.Class = ClassValues
	}
	if len(c.Detail.Modes) > 0 {
		ev.Modes = make(map[string]string, len(c.Detail.Modes))
		for p, m := range c.Detail.Modes {
			ev.Modes[p] = string(m)
		}
	}
	if c.Detail.Prev != nil {
		ev.Prev = valuepath.CloneMap(c.Detail.Prev)
	}
	if c.Detail.Curr != nil {
		ev.Curr = valuepath.CloneMap(c.Detail.Curr)
	}
	return ev
}

// Source is anything that announces store emissions.
type Source interface {
	Listen(fn form.Listener, opts ...observe.Option) observe.Unsubscribe
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSink forwards every recorded event to fn, in order, from the emitting
// goroutine.
func WithSink(fn func(Event)) Option {
	return func(r *Recorder) {
		r.sinks = append(r.sinks, fn)
	}
}

// Recorder captures the emissions of one Source.
type Recorder struct {
	sinks []func(Event)

	mu          sync.Mutex
	seq         int64
	events      []Event
	unsubscribe observe.Unsubscribe
}

// Attach starts recording src. The recorder listens with default priority,
// so it sees emissions in the order ordinary listeners do.
func Attach(src Source, opts ...Option) *Recorder {
	r := &Recorder{}
	for _, opt := range opts {
		opt(r)
	}
	r.unsubscribe = src.Listen(r.record)
	return r
}

func (r *Recorder) record(c form.Change) {
	r.mu.Lock()
	r.seq++
	ev := FromChange(r.seq, c)
	r.events = append(r.events, ev)
	r.mu.Unlock()

	for _, sink := range r.sinks {
		sink(ev)
	}
}

// Events returns the events recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Detach stops recording. Recorded events are kept.
func (r *Recorder) Detach() {
	r.unsubscribe()
}

// ModeCounts tallies the modes of values-class events.
func ModeCounts(events []Event) map[string]int {
	out := make(map[string]int)
	for _, ev := range events {
		for m := range maps.Values(ev.Modes) {
			out[m]++
		}
	}
	return out
}
