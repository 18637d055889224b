// Package cli implements the formstate command line: running scenario files
// against a Store and recalculation engine, checking them, and reading
// recorded traces back from a journal.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds the global flags shared by every command.
type RootOptions struct {
	Verbose bool
	Format  string // "text" | "json"

	// Config is the environment the flags took their defaults from.
	Config Config

	configErr error
}

// ValidFormats lists the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the formstate command tree with defaults taken from
// the process environment.
func NewRootCommand() *cobra.Command {
	cfg, err := LoadConfig()
	return newRootCommand(cfg, err)
}

// NewRootCommandWithConfig builds the command tree with the given defaults.
func NewRootCommandWithConfig(cfg Config) *cobra.Command {
	return newRootCommand(cfg, nil)
}

// newRootCommand reports configErr from every command instead of failing
// early, so --help keeps working with a broken environment.
func newRootCommand(cfg Config, configErr error) *cobra.Command {
	opts := &RootOptions{Config: cfg, configErr: configErr}

	cmd := &cobra.Command{
		Use:   "formstate",
		Short: "Form state and recalculation scenarios",
		Long: `formstate drives an observable form store and its recalculation engine
from declarative YAML scenarios.

Each scenario seeds default values, declares recalculation fields whose
handlers are CUE expressions, applies a list of steps, and checks the final
values, flags, errors and emission count.

Environment:
  FORMSTATE_VERBOSE         default for --verbose
  FORMSTATE_FORMAT          default for --format
  FORMSTATE_MAX_CASCADE     default for run --max-cascade
  FORMSTATE_JOURNAL         default for --journal
  FORMSTATE_SETTLE_TIMEOUT  default for run --settle-timeout`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.configErr != nil {
				return WrapExitError(ExitCommandError, "invalid environment", opts.configErr)
			}
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", cfg.Verbose, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", cfg.Format, "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))

	return cmd
}

// formatter returns an OutputFormatter writing to the command's streams.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// logger returns a text logger on w. Debug records are kept only with
// --verbose.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
