package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/formstate/internal/journal"
	"github.com/roach88/formstate/internal/scenario"
	"github.com/roach88/formstate/internal/trace"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Journal       string
	MaxCascade    int
	SettleTimeout time.Duration
}

// ScenarioReport is the outcome of one scenario file.
type ScenarioReport struct {
	File      string         `json:"file"`
	Name      string         `json:"name"`
	Pass      bool           `json:"pass"`
	Errors    []string       `json:"errors,omitempty"`
	Emissions int            `json:"emissions"`
	Modes     map[string]int `json:"modes,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
}

// RunReport is the outcome of a run command.
type RunReport struct {
	Scenarios []ScenarioReport `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (r RunReport) renderText(w io.Writer, verbose bool) {
	for _, s := range r.Scenarios {
		status := "PASS"
		if !s.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s %s (%d emissions)", status, s.Name, s.Emissions)
		if s.RunID != "" {
			fmt.Fprintf(w, " run=%s", s.RunID)
		}
		fmt.Fprintln(w)
		if verbose {
			fmt.Fprintf(w, "    file: %s\n", s.File)
		}
		for _, e := range s.Errors {
			fmt.Fprintf(w, "    %s\n", e)
		}
	}
	fmt.Fprintf(w, "%d passed, %d failed, %d total\n", r.Passed, r.Failed, r.Total)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>...",
		Short: "Run scenario files",
		Long: `Run one or more scenario files.

Every file is loaded and checked before any scenario runs. Each scenario gets
a fresh store and recalculation engine. With --journal, every emission is
appended to a SQLite journal as it happens and can be read back with
"formstate trace".

Exit codes:
  0 - all scenarios passed
  1 - one or more scenarios failed
  2 - command error (unreadable file, invalid scenario, journal problem)

Examples:
  formstate run testdata/bidirectional.yaml
  formstate run --journal runs.db scenarios/*.yaml
  formstate run --format json --max-cascade 50 loop.yaml`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", rootOpts.Config.Journal, "append emissions to this SQLite journal")
	cmd.Flags().IntVar(&opts.MaxCascade, "max-cascade", rootOpts.Config.MaxCascade, "handler runs allowed per cascade (0 disables the guard)")
	cmd.Flags().DurationVar(&opts.SettleTimeout, "settle-timeout", rootOpts.Config.SettleTimeout, "how long to wait for the engine after each step")

	return cmd
}

func runScenarios(cmd *cobra.Command, opts *RunOptions, paths []string) error {
	out := opts.formatter(cmd)
	logger := opts.logger(cmd.ErrOrStderr())

	if opts.MaxCascade < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--max-cascade must be non-negative, got %d", opts.MaxCascade))
	}

	scenarios := make([]*scenario.Scenario, len(paths))
	for i, path := range paths {
		sc, err := scenario.Load(path)
		if err != nil {
			_ = out.Error(ErrCodeInvalid, err.Error(), nil)
			return WrapExitError(ExitCommandError, "load scenario", err)
		}
		scenarios[i] = sc
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	var jr *journal.Journal
	if opts.Journal != "" {
		var err error
		jr, err = journal.Open(opts.Journal)
		if err != nil {
			_ = out.Error(ErrCodeJournal, err.Error(), nil)
			return WrapExitError(ExitCommandError, "open journal", err)
		}
		defer func() {
			if err := jr.Close(); err != nil {
				logger.Error("closing journal", "path", opts.Journal, "error", err)
			}
		}()
	}

	report := RunReport{Scenarios: make([]ScenarioReport, 0, len(scenarios))}
	for i, sc := range scenarios {
		out.VerboseLog("running %s (%s)", sc.Name, paths[i])

		entry, err := runOne(ctx, opts, jr, logger, sc)
		if err != nil {
			_ = out.Error(ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, fmt.Sprintf("run %s", paths[i]), err)
		}
		entry.File = paths[i]

		report.Scenarios = append(report.Scenarios, entry)
		report.Total++
		if entry.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
	}

	if err := out.Success(report); err != nil {
		return WrapExitError(ExitCommandError, "write output", err)
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", report.Failed, report.Total))
	}
	return nil
}

// runOne runs sc, streaming its emissions into jr when one is open.
func runOne(ctx context.Context, opts *RunOptions, jr *journal.Journal, logger *slog.Logger, sc *scenario.Scenario) (ScenarioReport, error) {
	runOpts := []scenario.Option{
		scenario.WithLogger(logger.With("scenario", sc.Name)),
		scenario.WithMaxCascade(opts.MaxCascade),
		scenario.WithSettleTimeout(opts.SettleTimeout),
	}

	var (
		runID string
		sink  *journalSink
	)
	if jr != nil {
		id, err := jr.BeginRun(ctx, sc.Name)
		if err != nil {
			return ScenarioReport{}, err
		}
		runID = id
		sink = &journalSink{ctx: ctx, journal: jr, runID: id}
		runOpts = append(runOpts, scenario.WithSink(sink.append))
	}

	res, err := scenario.Run(ctx, sc, runOpts...)
	if err != nil {
		return ScenarioReport{}, err
	}

	if jr != nil {
		if err := sink.Err(); err != nil {
			return ScenarioReport{}, err
		}
		if err := jr.FinishRun(ctx, runID, res.Pass); err != nil {
			return ScenarioReport{}, err
		}
	}

	return ScenarioReport{
		Name:      res.Name,
		Pass:      res.Pass,
		Errors:    res.Errors,
		Emissions: len(res.Trace),
		Modes:     trace.ModeCounts(res.Trace),
		RunID:     runID,
	}, nil
}

// journalSink appends events to a journal run and keeps the first failure.
type journalSink struct {
	ctx     context.Context
	journal *journal.Journal
	runID   string

	mu  sync.Mutex
	err error
}

func (s *journalSink) append(ev trace.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if err := s.journal.Append(s.ctx, s.runID, ev); err != nil {
		s.err = fmt.Errorf("journal event %d: %w", ev.Seq, err)
	}
}

// Err returns the first append failure.
func (s *journalSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// signalContext derives a context from the command's that is cancelled on
// SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
}

// commandContext returns the command's context, or Background when the
// command was not started through Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
