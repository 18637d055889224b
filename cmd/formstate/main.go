// Command formstate runs form-state recalculation scenarios.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/formstate/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "formstate: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
