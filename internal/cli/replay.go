package cli

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/quarry/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	After  int64  // replay changes after this sequence
	Entity string // optional - one entity only
}

// ReplayEntityResult counts the replayed changes of one entity.
type ReplayEntityResult struct {
	Entity  string `json:"entity"`
	Inserts int    `json:"inserts"`
	Updates int    `json:"updates"`
	Deletes int    `json:"deletes"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Entities []ReplayEntityResult `json:"entities"`
	Changes  int                  `json:"changes"`
	FirstSeq int64                `json:"first_seq"`
	LastSeq  int64                `json:"last_seq"`

	// Ordered is false when a sequence did not increase.
	Ordered bool `json:"ordered"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the change log and verify its order",
		Long: `Replay the change log of the configured store in sequence order and report
per-entity statistics. Every sequence must be greater than the one before.

Exit codes:
  0 - The log is ordered
  1 - A sequence did not increase
  2 - Command error (no change log, store not reachable, etc.)

Examples:
  quarry replay --config quarry.cue
  quarry replay --after 120 --entity Order
  quarry replay --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "replay changes after this sequence")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "replay one entity only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err)
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	inst, err := cfg.Open(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeOpen, err)
	}
	defer inst.Close()

	log := inst.Engine.ChangeLog()
	if log == nil {
		return formatter.Fail(ExitCommandError, ErrCodeOpen, fmt.Errorf("backend %s keeps no change log", cfg.Backend.Kind))
	}

	result := ReplayResult{Ordered: true, LastSeq: opts.After}
	counts := map[string]*ReplayEntityResult{}
	err = store.Replay(ctx, log, opts.After, func(c store.Change) error {
		if c.Seq <= result.LastSeq && result.Changes > 0 {
			formatter.VerboseLog("Sequence %d follows %d", c.Seq, result.LastSeq)
			result.Ordered = false
		}
		if result.Changes == 0 {
			result.FirstSeq = c.Seq
		}
		result.LastSeq = c.Seq
		result.Changes++

		if opts.Entity != "" && c.Entity != opts.Entity {
			return nil
		}
		r := counts[c.Entity]
		if r == nil {
			r = &ReplayEntityResult{Entity: c.Entity}
			counts[c.Entity] = r
		}
		switch {
		case c.Old == nil:
			r.Inserts++
		case c.New == nil:
			r.Deletes++
		default:
			r.Updates++
		}
		return nil
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeOpen, err)
	}

	result.Entities = []ReplayEntityResult{}
	for _, name := range slices.Sorted(maps.Keys(counts)) {
		result.Entities = append(result.Entities, *counts[name])
	}

	if formatter.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		outputReplayText(formatter, result)
	}
	if !result.Ordered {
		return NewExitError(ExitFailure, "change log is out of order")
	}
	return nil
}

func outputReplayText(formatter *OutputFormatter, result ReplayResult) {
	w := formatter.Writer
	if result.Changes == 0 {
		fmt.Fprintln(w, "No changes to replay.")
		return
	}
	fmt.Fprintf(w, "Replayed %d change(s), sequences %d to %d\n\n", result.Changes, result.FirstSeq, result.LastSeq)
	for _, e := range result.Entities {
		fmt.Fprintf(w, "  %s: %d insert(s), %d update(s), %d delete(s)\n", e.Entity, e.Inserts, e.Updates, e.Deletes)
	}
	fmt.Fprintln(w)
	if result.Ordered {
		fmt.Fprintln(w, "✓ Change log is ordered")
	} else {
		fmt.Fprintln(w, "✗ Change log is out of order")
	}
}
