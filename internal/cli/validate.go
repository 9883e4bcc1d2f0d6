package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/quarry/internal/entity"
)

// ValidationResult summarizes a valid configuration.
type ValidationResult struct {
	Valid     bool            `json:"valid"`
	Backend   string          `json:"backend"`
	ChangeLog string          `json:"changelog"`
	Relay     bool            `json:"relay"`
	Entities  []EntitySummary `json:"entities"`
}

// EntitySummary describes one declared entity.
type EntitySummary struct {
	Name       string   `json:"name"`
	Key        string   `json:"key"`
	Properties int      `json:"properties"`
	References []string `json:"references,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Validate a configuration",
		Long: `Validate a CUE configuration against the schema and check its entities.

The configuration is the argument, --config, or quarry.cue in the working
directory, in that order.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := *rootOpts
			if len(args) == 1 {
				opts.Config = args[0]
			}
			return runValidate(&opts, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts, cmd.ErrOrStderr())
	if err != nil {
		if formatter.Format != "json" {
			fmt.Fprintln(formatter.Writer, "✗ Validation failed")
		}
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err)
	}

	result := ValidationResult{
		Valid:     true,
		Backend:   cfg.Backend.Kind,
		ChangeLog: cfg.ChangeLog.Kind,
		Relay:     cfg.Relay != nil,
		Entities:  []EntitySummary{},
	}
	for _, desc := range cfg.Entities() {
		formatter.VerboseLog("Validated entity: %s", desc.Name)
		result.Entities = append(result.Entities, summarize(desc))
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintln(formatter.Writer, "✓ Configuration valid")
	fmt.Fprintf(formatter.Writer, "\nBackend: %s (change log: %s)\n", result.Backend, result.ChangeLog)
	if len(result.Entities) == 0 {
		fmt.Fprintln(formatter.Writer, "No entities declared.")
		return nil
	}
	fmt.Fprintln(formatter.Writer, "Entities:")
	for _, e := range result.Entities {
		line := fmt.Sprintf("  %s: key %s, %d properties", e.Name, e.Key, e.Properties)
		if len(e.References) > 0 {
			line += ", references " + strings.Join(e.References, ", ")
		}
		fmt.Fprintln(formatter.Writer, line)
	}
	return nil
}

func summarize(desc *entity.Descriptor) EntitySummary {
	s := EntitySummary{Name: desc.Name, Key: desc.Key, Properties: len(desc.Properties)}
	for _, p := range desc.Properties {
		if p.IsReference() {
			s.References = append(s.References, p.Ref)
		}
	}
	return s
}
