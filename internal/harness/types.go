package harness

import (
	"github.com/roach88/quarry/internal/ir"
)

// Trace event types.
const (
	EventUpsert     = "upsert"
	EventConcurrent = "concurrent"
	EventUpdate     = "update"
	EventDelete     = "delete"
	EventQuery      = "query"
	EventLive       = "live"
	EventSnapshot   = "snapshot"
	EventChanges    = "changes"
)

// TraceEvent records the outcome of one step, or what a live query
// delivered after it.
type TraceEvent struct {
	Step   int
	Type   string
	Entity string
	Name   string
	Key    ir.Value

	// Version is the version of the record an upsert left behind.
	Version *int64

	// Count is the number of records an update or delete touched.
	Count *int64

	// Value holds query results, live snapshots and changes.
	Value ir.Value

	// Error is the error code the step failed with.
	Error string

	// Seqs lists the sequences the step's writes were stamped with.
	Seqs []int64

	// Steps holds the outcomes of the steps of a concurrent step, in
	// declaration order.
	Steps []TraceEvent
}

// Object returns the event in canonical form. Unset fields are omitted.
func (e TraceEvent) Object() ir.Object {
	out := ir.Object{
		"step": ir.Int(e.Step),
		"type": ir.String(e.Type),
	}
	if e.Entity != "" {
		out["entity"] = ir.String(e.Entity)
	}
	if e.Name != "" {
		out["name"] = ir.String(e.Name)
	}
	if e.Key != nil {
		out["key"] = e.Key
	}
	if e.Version != nil {
		out["version"] = ir.Int(*e.Version)
	}
	if e.Count != nil {
		out["count"] = ir.Int(*e.Count)
	}
	if e.Value != nil {
		out["value"] = e.Value
	}
	if e.Error != "" {
		out["error"] = ir.String(e.Error)
	}
	if len(e.Seqs) > 0 {
		seqs := make(ir.Array, len(e.Seqs))
		for i, s := range e.Seqs {
			seqs[i] = ir.Int(s)
		}
		out["seqs"] = seqs
	}
	if len(e.Steps) > 0 {
		steps := make(ir.Array, len(e.Steps))
		for i, s := range e.Steps {
			steps[i] = s.Object()
		}
		out["steps"] = steps
	}
	return out
}

// MarshalJSON writes the canonical form.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	return ir.MarshalCanonical(e.Object())
}

// Result is the outcome of a scenario run.
type Result struct {
	Scenario string `json:"scenario"`
	RunID    string `json:"run_id"`

	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult(scenario, runID string) *Result {
	return &Result{
		Scenario: scenario,
		RunID:    runID,
		Pass:     true,
		Trace:    []TraceEvent{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}

// Snapshot returns the trace in canonical form, the content of golden
// files.
func (r *Result) Snapshot() ([]byte, error) {
	trace := make(ir.Array, len(r.Trace))
	for i, e := range r.Trace {
		trace[i] = e.Object()
	}
	return ir.MarshalCanonical(ir.Object{
		"scenario": ir.String(r.Scenario),
		"trace":    trace,
	})
}
