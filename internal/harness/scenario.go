package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run against a configured provider: steps that
// write, read and follow live queries, and assertions over the final
// state.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Config is the CUE configuration to open, relative to the scenario
	// file. A configuration given to Run takes precedence.
	Config string `yaml:"config,omitempty"`

	// Settle bounds the wait for live queries to catch up after a step.
	// Defaults to two seconds.
	Settle string `yaml:"settle,omitempty"`

	// Setup steps run first and are not traced.
	Setup []Step `yaml:"setup,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one action. Exactly one of its action fields is set.
type Step struct {
	Upsert     *UpsertStep `yaml:"upsert,omitempty"`
	Concurrent []Step      `yaml:"concurrent,omitempty"`
	Update     *UpdateStep `yaml:"update,omitempty"`
	Delete     *DeleteStep `yaml:"delete,omitempty"`
	Query      *QueryStep  `yaml:"query,omitempty"`
	Live       *LiveStep   `yaml:"live,omitempty"`

	// Expect checks the outcome of the step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// UpsertStep runs a read-modify-write of one entity. Record fields replace
// those of the current record; Add fields are added to its numbers.
type UpsertStep struct {
	Entity string         `yaml:"entity"`
	Key    any            `yaml:"key,omitempty"`
	Record map[string]any `yaml:"record,omitempty"`
	Add    map[string]any `yaml:"add,omitempty"`
}

// UpdateStep assigns constants to every matching record.
type UpdateStep struct {
	Entity string         `yaml:"entity"`
	Where  any            `yaml:"where,omitempty"`
	Set    map[string]any `yaml:"set"`
	Limit  int            `yaml:"limit,omitempty"`
}

// DeleteStep removes the record under Key, or every record matching Where.
type DeleteStep struct {
	Entity string `yaml:"entity"`
	Key    any    `yaml:"key,omitempty"`
	Where  any    `yaml:"where,omitempty"`
	Limit  int    `yaml:"limit,omitempty"`
}

// QueryStep runs a query, or an aggregate over it when Aggregate is set.
type QueryStep struct {
	QuerySpec `yaml:",inline"`
	Aggregate *AggregateSpec `yaml:"aggregate,omitempty"`
}

// AggregateSpec names an aggregate: count, sum, min, max or avg.
type AggregateSpec struct {
	Op string `yaml:"op"`
	Of any    `yaml:"of,omitempty"`
}

// LiveStep opens a named live query. Mode "list" follows the full result,
// mode "changes" the notifications.
type LiveStep struct {
	Name      string `yaml:"name"`
	Mode      string `yaml:"mode,omitempty"`
	QuerySpec `yaml:",inline"`
}

// Expect is checked against the outcome of a step.
type Expect struct {
	// Error is the expected error code, "ERROR" for an error without one.
	Error string `yaml:"error,omitempty"`

	Version *int64 `yaml:"version,omitempty"`
	Count   *int64 `yaml:"count,omitempty"`

	// Results is the exact expected query result, or aggregate value.
	Results any `yaml:"results,omitempty"`
}

// Assertion checks the state after the last step. Exactly one of Record,
// Query and Live is set.
type Assertion struct {
	Record *RecordAssertion `yaml:"record,omitempty"`
	Query  *QueryAssertion  `yaml:"query,omitempty"`
	Live   *LiveAssertion   `yaml:"live,omitempty"`
}

// RecordAssertion compares the fields of one stored record. Absent asserts
// there is none.
type RecordAssertion struct {
	Entity string         `yaml:"entity"`
	Key    any            `yaml:"key"`
	Expect map[string]any `yaml:"expect,omitempty"`
	Absent bool           `yaml:"absent,omitempty"`
}

// QueryAssertion compares the result of a query.
type QueryAssertion struct {
	QuerySpec `yaml:",inline"`
	Expect    any    `yaml:"expect,omitempty"`
	Count     *int64 `yaml:"count,omitempty"`
}

// LiveAssertion compares the last snapshot of a live list, or the number
// of changes a changes stream delivered.
type LiveAssertion struct {
	Name   string `yaml:"name"`
	Expect any    `yaml:"expect,omitempty"`
	Count  *int64 `yaml:"count,omitempty"`
}

// Live modes.
const (
	ModeList    = "list"
	ModeChanges = "changes"
)

const defaultSettle = 2 * time.Second

// LoadScenario reads and parses a scenario YAML file. The config path is
// resolved relative to the file. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Config != "" && !filepath.IsAbs(scenario.Config) {
		scenario.Config = filepath.Join(filepath.Dir(path), scenario.Config)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the scenario files under dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ext := filepath.Ext(path); !info.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

func (s *Scenario) settle() time.Duration {
	if d, err := time.ParseDuration(s.Settle); err == nil && d > 0 {
		return d
	}
	return defaultSettle
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Settle != "" {
		if _, err := time.ParseDuration(s.Settle); err != nil {
			return fmt.Errorf("settle: %w", err)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Config != "" {
		if _, err := os.Stat(s.Config); err != nil {
			return fmt.Errorf("config not found: %s", s.Config)
		}
	}

	lives := make(map[string]bool)
	for i, step := range s.Setup {
		if err := validateStep(fmt.Sprintf("setup[%d]", i), step, lives, false); err != nil {
			return err
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(fmt.Sprintf("steps[%d]", i), step, lives, false); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, lives); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(at string, step Step, lives map[string]bool, nested bool) error {
	set := 0
	for _, on := range []bool{step.Upsert != nil, step.Concurrent != nil, step.Update != nil, step.Delete != nil, step.Query != nil, step.Live != nil} {
		if on {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%s: exactly one of upsert, concurrent, update, delete, query and live is required", at)
	}

	switch {
	case step.Upsert != nil:
		if step.Upsert.Entity == "" {
			return fmt.Errorf("%s.upsert: entity is required", at)
		}
		if step.Upsert.Record == nil && step.Upsert.Add == nil {
			return fmt.Errorf("%s.upsert: record or add is required", at)
		}
	case step.Concurrent != nil:
		if nested {
			return fmt.Errorf("%s: concurrent steps do not nest", at)
		}
		if len(step.Concurrent) == 0 {
			return fmt.Errorf("%s.concurrent: at least one step is required", at)
		}
		for i, inner := range step.Concurrent {
			if inner.Live != nil || inner.Query != nil {
				return fmt.Errorf("%s.concurrent[%d]: only writes run concurrently", at, i)
			}
			if err := validateStep(fmt.Sprintf("%s.concurrent[%d]", at, i), inner, lives, true); err != nil {
				return err
			}
		}
	case step.Update != nil:
		if step.Update.Entity == "" {
			return fmt.Errorf("%s.update: entity is required", at)
		}
		if len(step.Update.Set) == 0 {
			return fmt.Errorf("%s.update: set is required", at)
		}
	case step.Delete != nil:
		if step.Delete.Entity == "" {
			return fmt.Errorf("%s.delete: entity is required", at)
		}
		if (step.Delete.Key == nil) == (step.Delete.Where == nil) {
			return fmt.Errorf("%s.delete: exactly one of key and where is required", at)
		}
	case step.Query != nil:
		if step.Query.Entity == "" {
			return fmt.Errorf("%s.query: entity is required", at)
		}
		if a := step.Query.Aggregate; a != nil {
			if _, err := Aggregator(a); err != nil {
				return fmt.Errorf("%s.query.aggregate: %w", at, err)
			}
		}
	case step.Live != nil:
		l := step.Live
		if l.Name == "" {
			return fmt.Errorf("%s.live: name is required", at)
		}
		if lives[l.Name] {
			return fmt.Errorf("%s.live: duplicate name %q", at, l.Name)
		}
		if l.Entity == "" {
			return fmt.Errorf("%s.live: entity is required", at)
		}
		switch l.Mode {
		case "", ModeList, ModeChanges:
		default:
			return fmt.Errorf("%s.live: unknown mode %q", at, l.Mode)
		}
		lives[l.Name] = true
	}
	return nil
}

func validateAssertion(index int, a Assertion, lives map[string]bool) error {
	set := 0
	for _, on := range []bool{a.Record != nil, a.Query != nil, a.Live != nil} {
		if on {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("assertions[%d]: exactly one of record, query and live is required", index)
	}

	switch {
	case a.Record != nil:
		if a.Record.Entity == "" || a.Record.Key == nil {
			return fmt.Errorf("assertions[%d].record: entity and key are required", index)
		}
		if !a.Record.Absent && len(a.Record.Expect) == 0 {
			return fmt.Errorf("assertions[%d].record: expect or absent is required", index)
		}
	case a.Query != nil:
		if a.Query.Entity == "" {
			return fmt.Errorf("assertions[%d].query: entity is required", index)
		}
		if a.Query.Expect == nil && a.Query.Count == nil {
			return fmt.Errorf("assertions[%d].query: expect or count is required", index)
		}
	case a.Live != nil:
		if !lives[a.Live.Name] {
			return fmt.Errorf("assertions[%d].live: no live query named %q", index, a.Live.Name)
		}
		if a.Live.Expect == nil && a.Live.Count == nil {
			return fmt.Errorf("assertions[%d].live: expect or count is required", index)
		}
	}
	return nil
}
