package form

import (
	"context"
	"fmt"
)

// Event is the part of a UI submit event the Store cares about.
type Event interface {
	PreventDefault()
}

// SubmitFunc handles a submission. It receives a snapshot of the Store.
type SubmitFunc func(ctx context.Context, data Data) error

// HandleSubmit wraps onSubmit into a submit handler.
//
// The returned function prevents the event's default behavior when an event
// is given, marks the form as submitted and submitting, and runs onSubmit.
// A failing or panicking onSubmit is logged and never reaches the caller.
// The submitting flag is cleared whatever the outcome.
func (s *Store) HandleSubmit(onSubmit SubmitFunc) func(ctx context.Context, ev Event) {
	return func(ctx context.Context, ev Event) {
		if ev != nil {
			ev.PreventDefault()
		}

		yes, no := true, false
		s.setSubmitFlags(&yes, &yes)
		defer s.setSubmitFlags(nil, &no)

		if err := s.runSubmit(ctx, onSubmit); err != nil {
			s.logger.Error("submit handler failed",
				"store", s.id,
				"error", err,
			)
		}
	}
}

func (s *Store) runSubmit(ctx context.Context, onSubmit SubmitFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("submit handler panic: %v", r)
		}
	}()
	if onSubmit == nil {
		return nil
	}
	return onSubmit(ctx, s.Data())
}
