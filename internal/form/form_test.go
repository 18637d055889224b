package form

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formstate/internal/observe"
	"github.com/roach88/formstate/internal/testutil"
)

func newTestStore(t *testing.T, defaults map[string]any) *Store {
	t.Helper()
	return New(Options{
		DefaultValues: defaults,
		Logger:        testutil.DiscardLogger(),
	})
}

func record(s *Store) *[]Change {
	var got []Change
	s.Listen(func(c Change) { got = append(got, c) })
	return &got
}

func TestNew_CopiesDefaults(t *testing.T) {
	defaults := map[string]any{"user": map[string]any{"name": "ada"}}
	s := newTestStore(t, defaults)

	defaults["user"].(map[string]any)["name"] = "mutated"

	assert.Equal(t, "ada", s.GetValue("user.name"))
	assert.NotEmpty(t, s.ID())
}

// =============================================================================
// Commit
// =============================================================================

func TestCommit_EmptyBatch(t *testing.T) {
	s := newTestStore(t, nil)
	got := record(s)

	results := s.Commit()

	assert.Equal(t, []bool{}, results)
	assert.Empty(t, *got)
}

func TestCommit_OneEmissionPerBatch(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": 0, "b": 0})
	got := record(s)

	results := s.Commit(
		Commit{Path: "a", Value: 1},
		Commit{Path: "b", Value: 2, Mode: ModeNative},
	)

	assert.Equal(t, []bool{true, true}, results)
	require.Len(t, *got, 1)

	c := (*got)[0]
	assert.True(t, c.Detail.Values)
	assert.Equal(t, map[string]any{"a": 0, "b": 0}, c.Detail.Prev)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, c.Detail.Curr)
	assert.Equal(t, map[string]ChangeMode{"a": ModeChange, "b": ModeNative}, c.Detail.Modes)
	assert.Equal(t, []string{
		PathDirtyFields,
		PathTouchedFields,
		"values.a",
		"values.b",
	}, c.Tree.Paths())
}

func TestCommit_SnapshotsAreDetached(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": 0})
	got := record(s)

	s.Commit(Commit{Path: "a", Value: 1})
	s.Commit(Commit{Path: "a", Value: 2})

	require.Len(t, *got, 2)
	assert.Equal(t, 1, (*got)[0].Detail.Curr["a"], "later commits do not rewrite earlier snapshots")
	assert.Equal(t, 2, s.GetValue("a"))
}

func TestCommit_CopiesInput(t *testing.T) {
	s := newTestStore(t, nil)
	input := map[string]any{"x": 1}

	s.Commit(Commit{Path: "obj", Value: input})
	input["x"] = 2

	assert.Equal(t, 1, s.GetValue("obj.x"))
}

func TestCommit_NativeMarksTouched(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": 0, "b": 0})

	s.Commit(Commit{Path: "a", Value: 1, Mode: ModeNative})
	s.Commit(Commit{Path: "b", Value: 1, Mode: ModeChange})
	s.Commit(Commit{Path: "b", Value: 2})

	state := s.FormState()
	assert.True(t, state.TouchedFields["a"])
	assert.False(t, state.TouchedFields["b"])
}

func TestCommit_BracketPathsNormalize(t *testing.T) {
	s := newTestStore(t, map[string]any{"items": []any{0, 0}})
	got := record(s)

	results := s.Commit(Commit{Path: "items[0]", Value: 7, Mode: ModeNative})

	assert.Equal(t, []bool{true}, results)
	require.Len(t, *got, 1)
	assert.Equal(t, ModeNative, (*got)[0].Detail.Mode("items.0"))
	assert.Equal(t, ModeNative, (*got)[0].Detail.Mode("items[0]"))
	assert.True(t, (*got)[0].Tree.Contains("values.items.0"))

	state := s.FormState()
	assert.Equal(t, map[string]bool{"items.0": true}, state.TouchedFields)
	assert.Equal(t, map[string]bool{"items.0": true}, state.DirtyFields)
	assert.True(t, Field(s, "items.0").IsTouched())
	assert.True(t, Field(s, "items[0]").IsDirty())
}

func TestCommit_DirtyTracksDefaults(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": "x"})

	s.Commit(Commit{Path: "a", Value: "y", Mode: ModeNative})
	assert.True(t, s.FormState().DirtyFields["a"])

	s.Commit(Commit{Path: "a", Value: "x", Mode: ModeNative})
	assert.False(t, s.FormState().DirtyFields["a"])
	assert.True(t, s.FormState().TouchedFields["a"], "touched survives a return to the default")
}

func TestCommit_FailedWriteIsReported(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": 1})
	got := record(s)

	results := s.Commit(
		Commit{Path: "a.b", Value: 2},
		Commit{Path: "c", Value: 3},
		Commit{Path: "", Value: 4},
	)

	assert.Equal(t, []bool{false, true, false}, results)
	assert.Equal(t, map[string]any{"a": 1, "c": 3}, s.GetValues())
	assert.Len(t, *got, 1)
}

func TestCommit_CustomMode(t *testing.T) {
	s := newTestStore(t, nil)
	got := record(s)

	s.Commit(Commit{Path: "a", Value: 1, Mode: "import"})

	require.Len(t, *got, 1)
	assert.Equal(t, ChangeMode("import"), (*got)[0].Detail.Mode("a"))
	assert.Empty(t, s.FormState().TouchedFields)
}

func TestDetail_ModeFallsBackToAncestor(t *testing.T) {
	d := Detail{Modes: map[string]ChangeMode{"user": ModeNative}}
	assert.Equal(t, ModeNative, d.Mode("user.name"))
	assert.Equal(t, ModeChange, d.Mode("other"))
}

func TestCommit_VersionOrdersConcurrentWriters(t *testing.T) {
	s := newTestStore(t, nil)

	const writers, perWriter = 8, 50
	var (
		mu     sync.Mutex
		latest Detail
		seen   = map[uint64]bool{}
	)
	s.Listen(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		seen[c.Detail.Version] = true
		if c.Detail.Version > latest.Version {
			latest = c.Detail
		}
	})

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				s.Commit(Commit{Path: fmt.Sprintf("w%d", w), Value: i})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, writers*perWriter, "every emission has its own version")
	assert.Equal(t, uint64(writers*perWriter), s.Version())
	assert.Equal(t, s.Version(), latest.Version)
	assert.Equal(t, s.GetValues(), latest.Curr, "the newest version carries the final tree")
}

func TestVersion_CountsEveryMutation(t *testing.T) {
	s := newTestStore(t, nil)
	got := record(s)

	s.Commit(Commit{Path: "a", Value: 1})
	s.SetErrors(Errors{"a": "bad"})
	s.ResetErrors()
	s.Reset()

	require.Len(t, *got, 4)
	for i, c := range *got {
		assert.Equal(t, uint64(i+1), c.Detail.Version)
	}
	assert.Equal(t, uint64(4), s.Version())
}

// =============================================================================
// Subscriptions
// =============================================================================

func TestOn_FieldWatchers(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": 0, "b": 0})

	var a, touched, errs int
	s.On([]string{"values.a"}, func(Change) { a++ })
	s.Watch([]string{PathTouchedFields}, func(Change) { touched++ })
	s.On([]string{"errors.a"}, func(Change) { errs++ })

	s.Commit(Commit{Path: "a", Value: 1})
	s.Commit(Commit{Path: "b", Value: 1})
	s.SetErrors(Errors{"a": "bad"})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, touched)
	assert.Equal(t, 1, errs)
}

func TestListen_ReentrantCommit(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": 0, "b": 0})

	s.On([]string{"values.a"}, func(c Change) {
		s.Commit(Commit{Path: "b", Value: c.Detail.Curr["a"].(int) * 10})
	})

	s.Commit(Commit{Path: "a", Value: 5})

	assert.Equal(t, map[string]any{"a": 5, "b": 50}, s.GetValues())
}

// =============================================================================
// Reads
// =============================================================================

func TestGetValues_Overloads(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": 1, "b": map[string]any{"c": 2}})

	assert.Equal(t, 2, s.GetValue("b.c"))
	assert.Nil(t, s.GetValue("missing"))
	assert.Equal(t, []any{1, 2, nil}, s.GetValuesAt("a", "b.c", "zz"))
	assert.Equal(t, map[string]any{"a": 1, "b.c": 2}, s.GetValuesMap(map[string]bool{"a": true, "b.c": false}))
	assert.True(t, s.Has("b.c"))
	assert.False(t, s.Has("b.d"))
}

func TestSelect(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": 1, "b": 2})

	tests := []struct {
		name string
		arg  any
		want any
	}{
		{"whole tree", nil, map[string]any{"a": 1, "b": 2}},
		{"single path", "a", 1},
		{"path list", []string{"b", "a"}, []any{2, 1}},
		{"key map", map[string]bool{"b": true}, map[string]any{"b": 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Select(tt.arg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := s.Select(42)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGetValues_ReturnsCopy(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": map[string]any{"b": 1}})

	v := s.GetValues()
	v["a"].(map[string]any)["b"] = 99

	assert.Equal(t, 1, s.GetValue("a.b"))
}

// =============================================================================
// Errors
// =============================================================================

func TestSetErrors(t *testing.T) {
	s := newTestStore(t, nil)
	got := record(s)

	s.SetErrors(Errors{"field": "bad", "other": "worse"})
	s.SetErrors(Errors{"other": ""})

	assert.Equal(t, Errors{"field": "bad"}, s.Errors())
	require.Len(t, *got, 2)
	assert.False(t, (*got)[0].Detail.Values)
	assert.Equal(t, []string{PrefixErrors}, (*got)[0].Tree.Paths())
}

func TestResetErrors(t *testing.T) {
	s := newTestStore(t, nil)

	s.SetErrors(Errors{"field": "bad", "other": "worse"})
	s.ResetErrors("field")
	assert.Equal(t, Errors{"other": "worse"}, s.Errors())

	s.ResetError()
	assert.Empty(t, s.Errors())
}

func TestSetThenResetLeavesNoErrors(t *testing.T) {
	s := newTestStore(t, nil)

	s.SetErrors(Errors{"field": "bad"})
	s.ResetErrors("field")

	assert.Empty(t, s.Errors())
}

// =============================================================================
// Reset
// =============================================================================

func TestReset(t *testing.T) {
	defaults := map[string]any{"a": 1, "nested": map[string]any{"b": 2}}
	s := newTestStore(t, defaults)

	s.Commit(Commit{Path: "nested.b", Value: 3, Mode: ModeNative})
	s.SetErrors(Errors{"a": "bad"})
	got := record(s)

	s.Reset()

	values := s.GetValues()
	assert.Equal(t, defaults, values)
	values["nested"].(map[string]any)["b"] = 100
	assert.Equal(t, 2, s.GetValue("nested.b"), "reset installs a fresh copy, not the defaults themselves")

	assert.Empty(t, s.FormState().TouchedFields)
	assert.Empty(t, s.Errors())

	require.Len(t, *got, 1)
	assert.Equal(t, []string{PrefixErrors, PrefixState, PrefixValues}, (*got)[0].Tree.Paths())
	assert.False(t, (*got)[0].Detail.Values)
}

func TestReset_KeepsSubscriptions(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": 1})

	calls := 0
	s.On([]string{"values.a"}, func(Change) { calls++ })
	s.Reset()
	s.Commit(Commit{Path: "a", Value: 2})

	assert.Equal(t, 2, calls)
}

// =============================================================================
// Submit
// =============================================================================

type fakeEvent struct{ prevented bool }

func (e *fakeEvent) PreventDefault() { e.prevented = true }

func TestHandleSubmit_Success(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": 1})

	var seen Data
	var during FormState
	submit := s.HandleSubmit(func(ctx context.Context, data Data) error {
		seen = data
		during = s.FormState()
		return nil
	})

	ev := &fakeEvent{}
	submit(context.Background(), ev)

	assert.True(t, ev.prevented)
	assert.Equal(t, map[string]any{"a": 1}, seen.Values)
	assert.True(t, during.IsSubmitting)
	assert.True(t, during.IsSubmitted)

	state := s.FormState()
	assert.True(t, state.IsSubmitted)
	assert.False(t, state.IsSubmitting)
}

func TestHandleSubmit_FailureIsSwallowed(t *testing.T) {
	logger, logs := testutil.CaptureLogger()
	s := New(Options{Logger: logger})

	submit := s.HandleSubmit(func(context.Context, Data) error {
		return errors.New("network down")
	})

	assert.NotPanics(t, func() { submit(context.Background(), nil) })
	assert.False(t, s.FormState().IsSubmitting)
	assert.True(t, s.FormState().IsSubmitted)
	assert.Contains(t, logs.String(), "submit handler failed")
	assert.Contains(t, logs.String(), "network down")
}

func TestHandleSubmit_PanicIsSwallowed(t *testing.T) {
	s := newTestStore(t, nil)

	submit := s.HandleSubmit(func(context.Context, Data) error {
		panic("boom")
	})

	assert.NotPanics(t, func() { submit(context.Background(), nil) })
	assert.False(t, s.FormState().IsSubmitting)
}

func TestHandleSubmit_EmitsStateChanges(t *testing.T) {
	s := newTestStore(t, nil)

	var trees []string
	s.On([]string{PrefixState}, func(c Change) { trees = append(trees, c.Tree.String()) })

	s.HandleSubmit(func(context.Context, Data) error { return nil })(context.Background(), nil)

	assert.Equal(t, []string{
		PathIsSubmitted + "," + PathIsSubmitting,
		PathIsSubmitting,
	}, trees)
}

// =============================================================================
// Priority
// =============================================================================

func TestListen_Priority(t *testing.T) {
	s := newTestStore(t, nil)

	var order []string
	s.Listen(func(Change) { order = append(order, "plain") })
	s.Listen(func(Change) { order = append(order, "validator") }, observe.WithPriority(observe.PriorityMax))

	s.Commit(Commit{Path: "a", Value: 1})

	assert.Equal(t, []string{"validator", "plain"}, order)
}
