package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/formstate/internal/scenario"
)

// FileCheck is the validation outcome of one scenario file.
type FileCheck struct {
	File  string `json:"file"`
	Name  string `json:"name,omitempty"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidationResult holds the outcome of a validate command.
type ValidationResult struct {
	Valid bool        `json:"valid"`
	Files []FileCheck `json:"files"`
}

func (r ValidationResult) renderText(w io.Writer, verbose bool) {
	for _, f := range r.Files {
		if f.Valid {
			if verbose {
				fmt.Fprintf(w, "ok   %s (%s)\n", f.File, f.Name)
			}
			continue
		}
		fmt.Fprintf(w, "FAIL %s\n", f.Error)
	}
	if r.Valid {
		fmt.Fprintf(w, "✓ %d scenario file(s) valid\n", len(r.Files))
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.yaml>...",
		Short: "Check scenario files without running them",
		Long: `Check scenario files without running them.

Decodes each file, rejects unknown keys, and parses every CUE expression.
All files are checked; the command fails if any of them is invalid.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, rootOpts, args)
		},
	}
}

func runValidate(cmd *cobra.Command, opts *RootOptions, paths []string) error {
	out := opts.formatter(cmd)

	result := ValidationResult{Valid: true, Files: make([]FileCheck, 0, len(paths))}
	for _, path := range paths {
		check := FileCheck{File: path, Valid: true}
		sc, err := scenario.Load(path)
		if err != nil {
			check.Valid = false
			check.Error = err.Error()
			result.Valid = false
		} else {
			check.Name = sc.Name
		}
		result.Files = append(result.Files, check)
	}

	if !result.Valid {
		if out.Format == "json" {
			_ = out.Error(ErrCodeInvalid, "invalid scenario files", result.Files)
		} else {
			result.renderText(out.Writer, out.Verbose)
		}
		return NewExitError(ExitFailure, "validation failed")
	}
	return out.Success(result)
}
