package scenario

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/formstate/internal/trace"
)

// Snapshot renders the parts of a trace that golden files pin down: the
// sequence, class, paths, modes and resulting values of every emission.
// Previous values are left out; each one is the prior event's curr.
func Snapshot(name string, events []trace.Event) ([]byte, error) {
	list := make([]any, len(events))
	for i, ev := range events {
		m := map[string]any{
			"seq":   ev.Seq,
			"class": ev.Class,
			"paths": ev.Paths,
		}
		if len(ev.Modes) > 0 {
			m["modes"] = ev.Modes
		}
		if ev.Curr != nil {
			m["curr"] = ev.Curr
		}
		list[i] = m
	}

	b, err := trace.MarshalCanonical(map[string]any{
		"scenario": name,
		"trace":    list,
	})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// RunWithGolden runs sc and compares its trace with
// testdata/golden/<name>.golden. Regenerate golden files with
//
//	go test ./internal/scenario -update
func RunWithGolden(t *testing.T, sc *Scenario, opts ...Option) *Result {
	t.Helper()

	result, err := Run(context.Background(), sc, opts...)
	if err != nil {
		t.Fatalf("run scenario %s: %v", sc.Name, err)
	}
	AssertGolden(t, sc.Name, result)
	return result
}

// AssertGolden compares an existing result's trace with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	snapshot, err := Snapshot(name, result.Trace)
	if err != nil {
		t.Fatalf("snapshot %s: %v", name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, snapshot)
}
