package form

import (
	"github.com/roach88/formstate/internal/observe"
	"github.com/roach88/formstate/internal/valuepath"
)

// ValidateFunc inspects the current values and errors. Returning nil clears
// every error; any other map is merged with SetErrors, so fields mapped to ""
// are cleared and the rest are set.
type ValidateFunc func(values map[string]any, errs Errors) Errors

// Validate runs validator once now and then ahead of every other listener
// whenever the value tree changes.
func Validate(s *Store, validator ValidateFunc) observe.Unsubscribe {
	run := func() {
		data := s.Data()
		result := validator(data.Values, data.Errors)
		if result == nil {
			s.ResetErrors()
			return
		}
		s.SetErrors(result)
	}

	unsubscribe := s.On([]string{PrefixValues}, func(Change) { run() },
		observe.WithPriority(observe.PriorityMax))
	run()
	return unsubscribe
}

// WatchValues calls fn with the values at paths every time one of them
// changes. With no paths, fn receives the whole tree as its only element.
func WatchValues(s *Store, paths []string, fn func(values []any)) observe.Unsubscribe {
	if len(paths) == 0 {
		return s.On([]string{PrefixValues}, func(Change) {
			fn([]any{s.GetValues()})
		})
	}

	watch := make([]string, len(paths))
	for i, p := range paths {
		watch[i] = valuepath.Join(PrefixValues, p)
	}
	return s.On(watch, func(Change) {
		fn(s.GetValuesAt(paths...))
	})
}

// FieldBinding connects one field of a Store to an input control.
type FieldBinding struct {
	store *Store
	name  string
}

// Field returns the binding for the field at name. Bracket indexes are
// normalized to dotted form.
func Field(s *Store, name string) *FieldBinding {
	return &FieldBinding{store: s, name: valuepath.Join(valuepath.Split(name)...)}
}

// Name returns the field path.
func (f *FieldBinding) Name() string {
	return f.name
}

// Value returns the current value.
func (f *FieldBinding) Value() any {
	return f.store.GetValue(f.name)
}

// Error returns the current error message, or "" when there is none.
func (f *FieldBinding) Error() string {
	return f.store.Errors()[f.name]
}

// IsTouched reports whether the user has edited the field.
func (f *FieldBinding) IsTouched() bool {
	return f.store.FormState().TouchedFields[f.name]
}

// IsDirty reports whether the user left the field different from its default.
func (f *FieldBinding) IsDirty() bool {
	return f.store.FormState().DirtyFields[f.name]
}

// Input records a value typed by the user.
func (f *FieldBinding) Input(v any) bool {
	return f.store.Commit(Commit{Path: f.name, Value: v, Mode: ModeNative})[0]
}

// Change writes a value programmatically.
func (f *FieldBinding) Change(v any) bool {
	return f.store.Commit(Commit{Path: f.name, Value: v})[0]
}

// Subscribe calls fn with the field's value and error whenever either changes.
func (f *FieldBinding) Subscribe(fn func(value any, errMsg string)) observe.Unsubscribe {
	paths := []string{
		valuepath.Join(PrefixValues, f.name),
		valuepath.Join(PrefixErrors, f.name),
	}
	return f.store.On(paths, func(Change) {
		fn(f.Value(), f.Error())
	})
}
