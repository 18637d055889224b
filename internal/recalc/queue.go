package recalc

import (
	"context"
	"sync"
)

// eventKind distinguishes the work items processed by the engine loop.
type eventKind int

const (
	// eventTrigger is a store emission that matched a field.
	eventTrigger eventKind = iota + 1
	// eventExternal is a CallExternal request.
	eventExternal
	// eventCompletion carries the result of an async handler run.
	eventCompletion
)

// event is one unit of work for the engine loop.
type event struct {
	kind    eventKind
	field   int // index into Engine.fields
	current any
	prev    any

	// Completion only.
	gen    uint64
	result Result
	err    error
}

// eventQueue is a thread-safe FIFO of events plus a count of outstanding
// work.
//
// The queue is unbounded so a cascade of commits can enqueue follow-on
// triggers from inside the loop without blocking it.
//
// pending counts queued events that have not finished processing and async
// handler runs that have not posted their completion. The engine is idle
// when pending is zero; Settle waits for that. idle counts how many times
// the queue has gone idle, whichever goroutine released the last unit.
type eventQueue struct {
	mu      sync.Mutex
	events  []event
	closed  bool
	signal  chan struct{} // buffered, size 1
	pending int
	idle    uint64
	waiters []chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue and counts it as pending.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)
	q.pending++

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking. The event stays
// pending until the caller calls release.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}

	e := q.events[0]
	q.events[0] = event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that signals when events may be available. It is
// closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// hold registers outstanding work that is not in the queue. Returns false if
// the queue is closed.
func (q *eventQueue) hold() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending++
	return true
}

// release marks one unit of work as finished and reports whether the queue
// became idle.
func (q *eventQueue) release() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.pending == 0 {
		return false
	}
	q.pending--
	if q.pending > 0 {
		return false
	}
	q.idle++
	q.wake()
	return true
}

// epoch returns the number of times the queue has gone idle. Work observed
// under a different epoch than the previous unit belongs to a new cascade.
func (q *eventQueue) epoch() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// wake releases every Settle waiter. Caller holds q.mu.
func (q *eventQueue) wake() {
	for _, w := range q.waiters {
		close(w)
	}
	q.waiters = nil
}

// Settle blocks until no work is pending, the queue is closed, or ctx is
// done.
func (q *eventQueue) Settle(ctx context.Context) error {
	q.mu.Lock()
	if q.closed || q.pending == 0 {
		q.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops queued events, releases waiters, and wakes the loop. Later
// calls to Enqueue and hold fail.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.events = nil
	q.pending = 0
	q.wake()
	close(q.signal)
}
