package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/formstate/internal/journal"
	"github.com/roach88/formstate/internal/trace"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Journal string
	RunID   string
	List    bool
}

// RunInfo describes a journaled run.
type RunInfo struct {
	ID         string     `json:"id"`
	Scenario   string     `json:"scenario"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Passed     *bool      `json:"passed,omitempty"`
	Emissions  int        `json:"emissions"`
}

func runInfo(r journal.Run) RunInfo {
	return RunInfo{
		ID:         r.ID,
		Scenario:   r.Scenario,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Passed:     r.Passed,
		Emissions:  r.Emissions,
	}
}

func (r RunInfo) status() string {
	switch {
	case r.Passed == nil:
		return "unfinished"
	case *r.Passed:
		return "passed"
	default:
		return "failed"
	}
}

// RunList is the output of trace --list.
type RunList struct {
	Runs []RunInfo `json:"runs"`
}

func (l RunList) renderText(w io.Writer, _ bool) {
	if len(l.Runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	for _, r := range l.Runs {
		fmt.Fprintf(w, "%s  %-10s  %-24s  %d emissions  %s\n",
			r.ID, r.status(), r.Scenario, r.Emissions, r.StartedAt.Format(time.RFC3339))
	}
}

// TraceResult is the recorded trace of one run.
type TraceResult struct {
	Run    RunInfo          `json:"run"`
	Events []map[string]any `json:"events"`
	Modes  map[string]int   `json:"modes"`

	events []trace.Event
}

func (t TraceResult) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "run %s (%s, %s)\n", t.Run.ID, t.Run.Scenario, t.Run.status())
	for _, ev := range t.events {
		fmt.Fprintf(w, "#%-4d %-6s %s", ev.Seq, ev.Class, strings.Join(ev.Paths, ","))
		if len(ev.Modes) > 0 {
			modes := make([]string, 0, len(ev.Modes))
			for p, m := range ev.Modes {
				modes = append(modes, p+"="+m)
			}
			slices.Sort(modes)
			fmt.Fprintf(w, "  [%s]", strings.Join(modes, " "))
		}
		fmt.Fprintln(w)
		if verbose && ev.Curr != nil {
			if b, err := trace.MarshalCanonical(ev.Curr); err == nil {
				fmt.Fprintf(w, "      %s\n", b)
			}
		}
	}
	fmt.Fprintf(w, "%d emissions", len(t.events))
	if len(t.Modes) > 0 {
		keys := make([]string, 0, len(t.Modes))
		for m := range t.Modes {
			keys = append(keys, m)
		}
		slices.Sort(keys)
		parts := make([]string, len(keys))
		for i, m := range keys {
			parts[i] = fmt.Sprintf("%s=%d", m, t.Modes[m])
		}
		fmt.Fprintf(w, " (%s)", strings.Join(parts, ", "))
	}
	fmt.Fprintln(w)
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the emissions recorded for a run",
		Long: `Show the emissions a "formstate run --journal" recorded.

Without --run the most recent run is shown. --list prints every run instead.

Examples:
  formstate trace --journal runs.db
  formstate trace --journal runs.db --run 0192f7d2-...
  formstate trace --journal runs.db --list --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", rootOpts.Config.Journal, "path to the SQLite journal")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID (defaults to the latest run)")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list runs instead of showing one")

	return cmd
}

func runTrace(cmd *cobra.Command, opts *TraceOptions) error {
	out := opts.formatter(cmd)
	ctx := commandContext(cmd)

	if opts.Journal == "" {
		_ = out.Error(ErrCodeGeneric, "no journal given (use --journal or FORMSTATE_JOURNAL)", nil)
		return NewExitError(ExitCommandError, "no journal given")
	}
	if _, err := os.Stat(opts.Journal); err != nil {
		_ = out.Error(ErrCodeNotFound, fmt.Sprintf("journal not found: %s", opts.Journal), nil)
		return WrapExitError(ExitCommandError, "journal not found", err)
	}

	jr, err := journal.Open(opts.Journal)
	if err != nil {
		_ = out.Error(ErrCodeJournal, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open journal", err)
	}
	defer jr.Close()

	if opts.List {
		runs, err := jr.Runs(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "list runs", err)
		}
		list := RunList{Runs: make([]RunInfo, len(runs))}
		for i, r := range runs {
			list.Runs[i] = runInfo(r)
		}
		return out.Success(list)
	}

	run, err := findRun(ctx, jr, opts.RunID)
	if err != nil {
		if errors.Is(err, journal.ErrRunNotFound) {
			_ = out.Error(ErrCodeNotFound, err.Error(), nil)
			return WrapExitError(ExitCommandError, "run not found", err)
		}
		return WrapExitError(ExitCommandError, "find run", err)
	}

	events, err := jr.Events(ctx, run.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "read events", err)
	}

	result := TraceResult{
		Run:    runInfo(run),
		Events: make([]map[string]any, len(events)),
		Modes:  trace.ModeCounts(events),
		events: events,
	}
	for i, ev := range events {
		result.Events[i] = ev.Map()
	}
	return out.Success(result)
}

// findRun returns the run with id, or the latest run when id is empty.
func findRun(ctx context.Context, jr *journal.Journal, id string) (journal.Run, error) {
	if id == "" {
		run, err := jr.LatestRun(ctx)
		if err != nil {
			return journal.Run{}, fmt.Errorf("latest run: %w", err)
		}
		return run, nil
	}

	runs, err := jr.Runs(ctx)
	if err != nil {
		return journal.Run{}, err
	}
	for _, r := range runs {
		if r.ID == id {
			return r, nil
		}
	}
	return journal.Run{}, fmt.Errorf("%w: %s", journal.ErrRunNotFound, id)
}
