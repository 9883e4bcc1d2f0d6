package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/quarry/internal/harness"
	"github.com/roach88/quarry/internal/testutil"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// RunIDs overrides the run id generator (for testing). Defaults to
	// UUIDv7.
	RunIDs testutil.IDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario and print its trace",
		Long: `Run a scenario against the store its configuration opens and print the
trace of every step.

The scenario's own config is used unless --config is given.

Exit codes:
  0 - The scenario passed
  1 - An expectation or assertion failed
  2 - Command error (invalid scenario, store not reachable, etc.)

Example:
  quarry run ./scenarios/order_totals.yaml
  quarry run --config staging.cue ./scenarios/order_totals.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(opts, args[0], cmd)
		},
	}

	return cmd
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// runOptions returns the harness options of the global flags.
func runOptions(opts *RootOptions, ids testutil.IDGenerator, cmd *cobra.Command) ([]harness.Option, error) {
	var out []harness.Option
	if ids != nil {
		out = append(out, harness.WithRunIDs(ids))
	}
	if opts.Config != "" {
		cfg, err := loadConfig(opts, cmd.ErrOrStderr())
		if err != nil {
			return nil, err
		}
		out = append(out, harness.WithConfig(cfg))
	}
	return out, nil
}

func runScenario(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeScenario, err)
	}
	runOpts, err := runOptions(opts.RootOptions, opts.RunIDs, cmd)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	slog.Info("running scenario", "scenario", scenario.Name, "steps", len(scenario.Steps))
	result, err := harness.Run(ctx, scenario, runOpts...)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeOpen, err)
	}

	if formatter.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		outputRunText(formatter, result)
	}
	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}

func outputRunText(formatter *OutputFormatter, result *harness.Result) {
	w := formatter.Writer
	for _, ev := range result.Trace {
		b, err := ev.MarshalJSON()
		if err != nil {
			fmt.Fprintf(w, "  [%d] %s: %v\n", ev.Step, ev.Type, err)
			continue
		}
		fmt.Fprintf(w, "  %s\n", b)
	}
	fmt.Fprintln(w)
	if result.Pass {
		fmt.Fprintf(w, "✓ %s passed (%d events)\n", result.Scenario, len(result.Trace))
		return
	}
	fmt.Fprintf(w, "✗ %s failed\n", result.Scenario)
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  - %s\n", e)
	}
}
