package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/harness"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/querymongo"
	"github.com/roach88/quarry/internal/querysql"
)

// TargetMongo compiles to an aggregation pipeline instead of SQL.
const TargetMongo = "mongo"

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Target    string // sqlite, postgres or mongo; default follows the backend
	Aggregate string // count, sum, min, max or avg
	Of        string // property path the aggregate reduces
	Output    string // output file path
}

// CompileResult is the compiled form of one query.
type CompileResult struct {
	Entity   string          `json:"entity"`
	Target   string          `json:"target"`
	SQL      string          `json:"sql,omitempty"`
	Params   []any           `json:"params,omitempty"`
	Pipeline json.RawMessage `json:"pipeline,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <query.yaml>",
		Short: "Compile a query to SQL or a MongoDB pipeline",
		Long: `Compile a YAML query against the entities of the configuration.

The target defaults to the configured backend: postgres and mongo compile
for themselves, every other backend compiles to SQLite.

Examples:
  quarry compile --config quarry.cue big-orders.yaml
  quarry compile --target mongo big-orders.yaml
  quarry compile --aggregate sum --of total big-orders.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // we print our own errors
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Target, "target", "t", "", "compile target (sqlite|postgres|mongo)")
	cmd.Flags().StringVar(&opts.Aggregate, "aggregate", "", "compile an aggregate instead (count|sum|min|max|avg)")
	cmd.Flags().StringVar(&opts.Of, "of", "", "numeric property the aggregate reduces")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, queryFile string, cmd *cobra.Command) error {
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
	reg, err := cfg.Registry()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err)
	}

	target := opts.Target
	if target == "" {
		target = defaultTarget(cfg.Backend.Kind)
	}
	if _, ok := querysql.Dialects[target]; !ok && target != TargetMongo {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, fmt.Errorf("unknown target %q: must be one of %v", target, targets()))
	}

	spec, err := harness.LoadQuery(queryFile)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeQuery, err)
	}
	q, err := spec.Build(reg)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeQuery, err)
	}
	formatter.VerboseLog("Compiling %s query for %s", q.Entity.Name, target)

	var agg *query.Aggregator
	if opts.Aggregate != "" {
		a, err := aggregateFlag(opts.Aggregate, opts.Of)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeQuery, err)
		}
		agg = &a
	}

	result := &CompileResult{Entity: q.Entity.Name, Target: target}
	if target == TargetMongo {
		c := querymongo.New(reg)
		var pipeline mongo.Pipeline
		if agg != nil {
			pipeline, err = c.Aggregate(q, *agg)
		} else {
			pipeline, err = c.Select(q)
		}
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeUnsupported, err)
		}
		if result.Pipeline, err = pipelineJSON(pipeline); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeUnsupported, err)
		}
	} else {
		c := querysql.New(querysql.Dialects[target], reg)
		var st querysql.Statement
		if agg != nil {
			st, err = c.Aggregate(q, *agg)
		} else {
			st, err = c.Select(q)
		}
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeUnsupported, err)
		}
		result.SQL, result.Params = st.SQL, st.Params
	}

	if opts.Output != "" {
		if err := writeResult(result, opts.Output); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Errorf("writing output file: %w", err))
		}
	}
	return outputCompileSuccess(formatter, result, opts.Output)
}

func defaultTarget(backend string) string {
	switch backend {
	case "postgres":
		return querysql.Postgres.Name
	case "mongo":
		return TargetMongo
	}
	return querysql.SQLite.Name
}

func aggregateFlag(op, of string) (query.Aggregator, error) {
	spec := &harness.AggregateSpec{Op: op}
	if of != "" {
		spec.Of = map[string]any{"prop": of, "kind": expr.KindNumeric.String()}
	}
	a, err := harness.Aggregator(spec)
	if err != nil {
		return query.Aggregator{}, fmt.Errorf("--aggregate: %w", err)
	}
	return a, nil
}

// pipelineJSON renders a pipeline as relaxed extended JSON.
func pipelineJSON(p mongo.Pipeline) (json.RawMessage, error) {
	stages := make([]string, len(p))
	for i, stage := range p {
		b, err := bson.MarshalExtJSON(stage, false, false)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		stages[i] = string(b)
	}
	return json.RawMessage("[" + strings.Join(stages, ",") + "]"), nil
}

func outputCompileSuccess(formatter *OutputFormatter, result *CompileResult, outputFile string) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Compiled %s query for %s\n\n", result.Entity, result.Target)
	if result.Pipeline != nil {
		fmt.Fprintln(formatter.Writer, string(result.Pipeline))
	} else {
		fmt.Fprintln(formatter.Writer, result.SQL)
		if len(result.Params) > 0 {
			fmt.Fprintf(formatter.Writer, "\nParams: %v\n", result.Params)
		}
	}
	if outputFile != "" {
		fmt.Fprintf(formatter.Writer, "\nWrote %s\n", outputFile)
	}
	return nil
}

func writeResult(result *CompileResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	return os.WriteFile(filename, append(data, '\n'), 0o644)
}

// targets lists the accepted --target values.
func targets() []string {
	out := []string{TargetMongo}
	for name := range querysql.Dialects {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
