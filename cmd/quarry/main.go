// Command quarry compiles queries, validates configurations, and runs
// scenarios against a configured store.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/quarry/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	// Failed scenarios and replays have already printed their report.
	var exitErr *cli.ExitError
	if err != nil && !(errors.As(err, &exitErr) && exitErr.Code == cli.ExitFailure) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
