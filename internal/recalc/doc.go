// Package recalc propagates derived values between fields of a form.Store.
//
// An Engine is built from a fixed list of fields. Each field names a value
// path, the change mode that triggers it (native by default), and a handler.
// When the Store announces a commit that touches a field's path in that mode,
// the engine calls the handler with the field's new and old values and
// commits whatever the handler returns. Those commits default to mode
// "change", so by default derived writes do not retrigger other fields.
//
// Fields may also be driven through an external channel (CallExternal):
// named inputs kept in the engine's memo rather than in the value tree.
//
// # Scheduling
//
// Handler runs are serialized on one engine goroutine. Store emissions
// enqueue triggers; the loop dequeues them in FIFO order and runs the
// matching handlers. A synchronous handler's result is committed before the
// next trigger is processed. A field marked Async runs its handler on its own
// goroutine; when it finishes, the result is committed only if no newer run
// of the same field has started in the meantime. Superseded runs are not
// interrupted, their results are just dropped.
//
// Settle blocks until the engine has no queued triggers and no async runs in
// flight.
//
// # Failures
//
// A handler that returns an error or panics produces no commit. The failure
// is logged and nothing else happens.
//
// # Cascades
//
// The engine does not detect dependency cycles. It counts handler runs
// between two idle points and drops runs beyond the limit set with
// WithMaxCascade (DefaultMaxCascade unless configured).
package recalc
