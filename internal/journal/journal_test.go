package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formstate/internal/trace"
	"github.com/roach88/formstate/internal/testutil"
)

func openTestJournal(t *testing.T, opts ...Option) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleEvents() []trace.Event {
	return []trace.Event{
		{
			Seq:   1,
			Class: trace.ClassValues,
			Paths: []string{"state.dirtyFields", "state.touchedFields", "values.first"},
			Modes: map[string]string{"first": "native"},
			Prev:  map[string]any{"first": 0, "second": 0},
			Curr:  map[string]any{"first": 5, "second": 0},
		},
		{
			Seq:   2,
			Class: trace.ClassMeta,
			Paths: []string{"errors"},
		},
	}
}

// =============================================================================
// Open
// =============================================================================

func TestOpen_Pragmas(t *testing.T) {
	j := openTestJournal(t)

	var mode string
	require.NoError(t, j.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, j.db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var version int
	require.NoError(t, j.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j1, err := Open(path)
	require.NoError(t, err)
	id, err := j1.BeginRun(ctx, "first")
	require.NoError(t, err)
	require.NoError(t, j1.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()

	runs, err := j2.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
}

// =============================================================================
// Runs and events
// =============================================================================

func TestJournal_RoundTrip(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t, WithClock(testutil.NewStepClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), time.Second).Now))

	id, err := j.BeginRun(ctx, "bidirectional")
	require.NoError(t, err)
	require.NoError(t, j.AppendAll(ctx, id, sampleEvents()))
	require.NoError(t, j.FinishRun(ctx, id, true))

	runs, err := j.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, "bidirectional", run.Scenario)
	assert.Equal(t, 2, run.Emissions)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC), run.StartedAt)
	require.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.Passed)
	assert.True(t, *run.Passed)

	events, err := j.Events(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, map[string]string{"first": "native"}, events[0].Modes)
	assert.Equal(t, map[string]any{"first": float64(5), "second": float64(0)}, events[0].Curr)

	assert.Equal(t, trace.ClassMeta, events[1].Class)
	assert.Nil(t, events[1].Modes)
	assert.Nil(t, events[1].Curr)
}

func TestJournal_CanonicalRowsAreStable(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	id, err := j.BeginRun(ctx, "stable")
	require.NoError(t, err)
	require.NoError(t, j.Append(ctx, id, sampleEvents()[0]))

	var curr string
	require.NoError(t, j.db.QueryRow(`SELECT curr FROM emissions WHERE run_id = ?`, id).Scan(&curr))
	assert.Equal(t, `{"first":5,"second":0}`, curr)
}

func TestJournal_AppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	id, err := j.BeginRun(ctx, "dup")
	require.NoError(t, err)

	ev := sampleEvents()[0]
	require.NoError(t, j.Append(ctx, id, ev))
	require.NoError(t, j.Append(ctx, id, ev))

	events, err := j.Events(ctx, id)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestJournal_AppendRequiresRun(t *testing.T) {
	j := openTestJournal(t)

	err := j.Append(context.Background(), "no-such-run", sampleEvents()[0])
	assert.Error(t, err, "foreign keys reject orphan emissions")
}

func TestJournal_UnknownRun(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	_, err := j.Events(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	assert.ErrorIs(t, j.FinishRun(ctx, "missing", false), ErrRunNotFound)

	_, err = j.LatestRun(ctx)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestJournal_LatestRun(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t, WithClock(testutil.NewStepClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second).Now))

	_, err := j.BeginRun(ctx, "older")
	require.NoError(t, err)
	newer, err := j.BeginRun(ctx, "newer")
	require.NoError(t, err)

	run, err := j.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer, run.ID)
	assert.Nil(t, run.Passed)
	assert.Nil(t, run.FinishedAt)
}
