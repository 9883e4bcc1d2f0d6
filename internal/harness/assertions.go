package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/query"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // record, query or live
	Expected string
	Actual   string

	// Diff is a readable difference of Expected and Actual, when both are
	// values.
	Diff string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s assertion failed\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	if e.Diff != "" {
		fmt.Fprintf(&buf, "\n  Diff (-expected +actual):\n%s", e.Diff)
	}
	return buf.String()
}

func canonical(v ir.Value) string {
	if v == nil {
		return "<none>"
	}
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func mismatch(typ string, want, got ir.Value) *AssertionError {
	return &AssertionError{
		Type:     typ,
		Expected: canonical(want),
		Actual:   canonical(got),
		Diff:     cmp.Diff(ir.ToGo(want), ir.ToGo(got)),
	}
}

func (r *runner) evaluate(ctx context.Context, a Assertion) error {
	switch {
	case a.Record != nil:
		return r.assertRecord(ctx, a.Record)
	case a.Query != nil:
		return r.assertQuery(ctx, a.Query)
	case a.Live != nil:
		return r.assertLive(a.Live)
	}
	return fmt.Errorf("empty assertion")
}

// assertRecord compares the listed fields of one record. Fields not listed
// are ignored.
func (r *runner) assertRecord(ctx context.Context, a *RecordAssertion) error {
	desc, err := lookup(r.reg, a.Entity)
	if err != nil {
		return err
	}
	key, err := toValue(a.Key)
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}
	q := query.From(desc).Where(expr.Eq(expr.P(desc.Key), expr.Lit(key))).Limit(1).Build()
	found, err := r.p.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("record %s %s: %w", desc.Name, canonical(key), err)
	}

	if a.Absent {
		if len(found) > 0 {
			return &AssertionError{Type: "record", Expected: "no record", Actual: canonical(found[0])}
		}
		return nil
	}
	if len(found) == 0 {
		return &AssertionError{Type: "record", Expected: fmt.Sprintf("%s %s", desc.Name, canonical(key)), Actual: "no record"}
	}
	got, ok := found[0].(ir.Object)
	if !ok {
		return &AssertionError{Type: "record", Expected: "an object", Actual: canonical(found[0])}
	}
	want, err := toObject(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}
	subset := make(ir.Object, len(want))
	for k := range want {
		if v, ok := got[k]; ok {
			subset[k] = v
		} else {
			subset[k] = ir.Null{}
		}
	}
	if !ir.Equal(want, subset) {
		return mismatch("record", want, subset)
	}
	return nil
}

func (r *runner) assertQuery(ctx context.Context, a *QueryAssertion) error {
	q, err := a.Build(r.reg)
	if err != nil {
		return err
	}
	results, err := r.p.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("query %s: %w", q.Entity.Name, err)
	}
	got := ir.Array(results)
	if a.Count != nil && int64(len(got)) != *a.Count {
		return &AssertionError{Type: "query", Expected: fmt.Sprintf("%d results", *a.Count), Actual: fmt.Sprintf("%d results", len(got))}
	}
	if a.Expect != nil {
		want, err := toValue(a.Expect)
		if err != nil {
			return fmt.Errorf("expect: %w", err)
		}
		if !sameResult(q, want, got) {
			return mismatch("query", want, got)
		}
	}
	return nil
}

func (r *runner) assertLive(a *LiveAssertion) error {
	i := slices.IndexFunc(r.lives, func(l *live) bool { return l.name == a.Name })
	if i < 0 {
		return &AssertionError{Type: "live", Expected: fmt.Sprintf("live query %s", a.Name), Actual: "never opened"}
	}
	l := r.lives[i]
	l.mu.Lock()
	last, changes := ir.Array(l.last), len(l.changes)
	l.mu.Unlock()

	if l.mode == ModeChanges {
		if a.Count != nil && int64(changes) != *a.Count {
			return &AssertionError{Type: "live", Expected: fmt.Sprintf("%d changes", *a.Count), Actual: fmt.Sprintf("%d changes", changes)}
		}
		if a.Expect != nil {
			return fmt.Errorf("live %s: expect needs mode %s", a.Name, ModeList)
		}
		return nil
	}

	if a.Count != nil && int64(len(last)) != *a.Count {
		return &AssertionError{Type: "live", Expected: fmt.Sprintf("%d results", *a.Count), Actual: fmt.Sprintf("%d results", len(last))}
	}
	if a.Expect != nil {
		want, err := toValue(a.Expect)
		if err != nil {
			return fmt.Errorf("expect: %w", err)
		}
		if !sameResult(l.q, want, last) {
			return mismatch("live", want, last)
		}
	}
	return nil
}

// checkStep compares a step's outcome with its expectation. A step without
// one must not fail.
func checkStep(at string, step Step, ev TraceEvent) []string {
	var errs []string
	x := step.Expect
	switch {
	case x == nil && ev.Error != "":
		errs = append(errs, fmt.Sprintf("%s: unexpected error %s", at, ev.Error))
	case x != nil:
		if x.Error != ev.Error {
			errs = append(errs, fmt.Sprintf("%s: expected error %q, got %q", at, x.Error, ev.Error))
		}
		if x.Version != nil && (ev.Version == nil || *ev.Version != *x.Version) {
			errs = append(errs, fmt.Sprintf("%s: expected version %d, got %s", at, *x.Version, optional(ev.Version)))
		}
		if x.Count != nil && (ev.Count == nil || *ev.Count != *x.Count) {
			errs = append(errs, fmt.Sprintf("%s: expected count %d, got %s", at, *x.Count, optional(ev.Count)))
		}
		if x.Results != nil {
			want, err := toValue(x.Results)
			switch {
			case err != nil:
				errs = append(errs, fmt.Sprintf("%s: results: %v", at, err))
			case !ir.Equal(want, ev.Value):
				errs = append(errs, fmt.Sprintf("%s: %v", at, mismatch("results", want, ev.Value)))
			}
		}
	}
	for i, inner := range step.Concurrent {
		if i < len(ev.Steps) {
			errs = append(errs, checkStep(fmt.Sprintf("%s.%d", at, i), inner, ev.Steps[i])...)
		}
	}
	return errs
}

func optional(n *int64) string {
	if n == nil {
		return "none"
	}
	return fmt.Sprint(*n)
}

// sameResult compares query results. Without a sort order the order of
// results is not defined, so they compare as multisets.
func sameResult(q *query.Info, want, got ir.Value) bool {
	if len(q.Sorting) > 0 {
		return ir.Equal(want, got)
	}
	a, aok := asArray(want)
	b, bok := asArray(got)
	if !aok || !bok {
		return ir.Equal(want, got)
	}
	return ir.Equal(sortedCopy(a), sortedCopy(b))
}

func asArray(v ir.Value) (ir.Array, bool) {
	switch a := v.(type) {
	case ir.Array:
		return a, true
	case nil:
		return ir.Array{}, true
	}
	return nil, false
}

func sortedCopy(a ir.Array) ir.Array {
	out := slices.Clone(a)
	slices.SortStableFunc(out, ir.Compare)
	return out
}

func sortBySeq(ns []provider.Notification) {
	slices.SortStableFunc(ns, func(a, b provider.Notification) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
}

// changeValue renders a notification without its sequence, which depends
// on scheduling.
func changeValue(n provider.Notification) ir.Value {
	kind := "modify"
	switch {
	case n.IsCreate():
		kind = "create"
	case n.IsDelete():
		kind = "delete"
	}
	out := ir.Object{"kind": ir.String(kind)}
	if n.Old != nil {
		out["old"] = *n.Old
	}
	if n.New != nil {
		out["new"] = *n.New
	}
	return out
}
