package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/repoerr"
)

var customer = &entity.Descriptor{
	Name: "Customer",
	Key:  "id",
	Properties: []entity.Property{
		{Name: "id", Kind: ir.KindInt},
		{Name: "name", Kind: ir.KindString},
	},
}

var order = &entity.Descriptor{
	Name: "Order",
	Key:  "id",
	Properties: []entity.Property{
		{Name: "id", Kind: ir.KindInt},
		{Name: "status", Kind: ir.KindString},
		{Name: "total", Kind: ir.KindInt},
		{Name: "customer", Kind: ir.KindInt, Ref: "Customer"},
		{Name: "address", Embedded: &entity.Descriptor{
			Name: "Address",
			Properties: []entity.Property{
				{Name: "city", Kind: ir.KindString},
				{Name: "zip", Kind: ir.KindString},
			},
		}},
	},
}

func registry(t *testing.T) *entity.Registry {
	t.Helper()
	reg, err := entity.NewRegistry(customer, order)
	require.NoError(t, err)
	return reg
}

func orders(totals ...int) []ir.Object {
	out := make([]ir.Object, len(totals))
	for i, total := range totals {
		status := "NEW"
		if i%2 == 1 {
			status = "PAID"
		}
		out[i] = ir.Object{
			"id":       ir.Int(i + 1),
			"status":   ir.String(status),
			"total":    ir.Int(total),
			"customer": ir.Int(7),
			"version":  ir.Int(1),
		}
	}
	return out
}

func totals(t *testing.T, vals []ir.Value) []int64 {
	t.Helper()
	out := make([]int64, len(vals))
	for i, v := range vals {
		obj, ok := v.(ir.Object)
		require.True(t, ok, "result %d is %T", i, v)
		out[i] = int64(obj["total"].(ir.Int))
	}
	return out
}

func TestBuilder(t *testing.T) {
	a := expr.Gt(expr.Num("total"), expr.C(5))
	b := expr.Eq(expr.Str("status"), expr.C("NEW"))

	builder := From(order).Where(a).Where(nil).Where(b).OrderBy("customer.name", true).Limit(2)
	q := builder.Build()

	assert.True(t, expr.Equal(expr.And(a, b), q.Predicate))
	require.Len(t, q.Sorting, 1)
	p, ok := expr.PathOf(q.Sorting[0].By)
	require.True(t, ok)
	assert.Equal(t, expr.Path{"customer", "name"}, p)
	assert.Equal(t, 2, q.Limit)

	// Build copies: later builder calls don't leak into q.
	builder.OrderBy("total", false).Skip(3)
	assert.Len(t, q.Sorting, 1)
	assert.Zero(t, q.Skip)

	u := Update(order).Set("status", expr.C("PAID")).Where(a).Limit(1).Build()
	assert.Equal(t, expr.Path{"status"}, u.Set[0].Path)
	assert.Equal(t, 1, u.Limit)

	d := Delete(order).Where(b).Build()
	assert.True(t, expr.Equal(b, d.Predicate))
}

func TestValidate(t *testing.T) {
	reg := registry(t)
	tests := []struct {
		name    string
		q       *Info
		wantErr bool
	}{
		{"no projection", From(order).Build(), false},
		{"entity properties", From(order).Select("status", "address.city").Build(), false},
		{"version property", From(order).Select("id", "version").Build(), false},
		{"unknown property", From(order).Select("missing").Build(), true},
		{"through reference", From(order).Map(expr.P("customer")).Select("name").Build(), false},
		{"scalar mapping", From(order).Map(expr.Num("total")).Select("x").Build(), true},
		{"computed mapping", From(order).Map(expr.Add(expr.Num("total"), expr.C(1))).Select("x").Build(), true},
		{"negative limit", From(order).Limit(-1).Build(), true},
		{"no entity", &Info{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.q, reg)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, repoerr.IsSchema(err), "got %v", err)
		})
	}
}

func TestKey(t *testing.T) {
	build := func() *Builder {
		return From(order).Where(expr.Gt(expr.Num("total"), expr.C(5))).OrderBy("total", true)
	}
	k1, err := Key(build().Limit(2).Build())
	require.NoError(t, err)
	k2, err := Key(build().Limit(2).Build())
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := Key(build().Limit(3).Build())
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	k4, err := Key(build().Limit(2).OrderBy("id", false).Build())
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)
}

func TestPlanRun(t *testing.T) {
	recs := orders(10, 3, 7, 1, 9)
	over5 := expr.Gt(expr.Num("total"), expr.C(5))

	tests := []struct {
		name string
		q    *Info
		want []int64
	}{
		{"filter sort limit", From(order).Where(over5).OrderBy("total", true).Limit(2).Build(), []int64{7, 9}},
		{"skip", From(order).Where(over5).OrderBy("total", true).Skip(1).Build(), []int64{9, 10}},
		{"descending", From(order).Where(over5).OrderBy("total", false).Limit(2).Build(), []int64{10, 9}},
		{"unsorted keeps key order", From(order).Where(over5).Build(), []int64{10, 7, 9}},
		{"skip past end", From(order).Skip(10).Build(), []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Compile(tt.q, nil)
			require.NoError(t, err)
			got, err := plan.Run(recs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, totals(t, got))
		})
	}
}

func TestPlanTieBreaksOnKey(t *testing.T) {
	recs := []ir.Object{
		{"id": ir.Int(3), "status": ir.String("NEW")},
		{"id": ir.Int(1), "status": ir.String("NEW")},
		{"id": ir.Int(2), "status": ir.String("NEW")},
	}
	plan, err := Compile(From(order).OrderBy("status", true).Build(), nil)
	require.NoError(t, err)
	plan.Sort(recs)
	assert.Equal(t, []ir.Value{ir.Int(1), ir.Int(2), ir.Int(3)}, []ir.Value{recs[0]["id"], recs[1]["id"], recs[2]["id"]})
}

func TestPlanDistinctMapping(t *testing.T) {
	plan, err := Compile(From(order).Map(expr.Str("status")).OrderBy("status", true).Distinct().Build(), nil)
	require.NoError(t, err)
	got, err := plan.Run(orders(1, 2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, []ir.Value{ir.String("NEW"), ir.String("PAID")}, got)
}

func TestPlanAggregate(t *testing.T) {
	recs := orders(10, 3, 7, 1, 9)
	plan, err := Compile(From(order).Where(expr.Gt(expr.Num("total"), expr.C(5))).Build(), nil)
	require.NoError(t, err)

	sum, err := plan.Aggregate(recs, Sum(expr.Num("total")))
	require.NoError(t, err)
	assert.Equal(t, ir.Int(26), sum)

	count, err := plan.Aggregate(recs, Count())
	require.NoError(t, err)
	assert.Equal(t, ir.Int(3), count)

	low, err := plan.Aggregate(recs, Min(expr.Num("total")))
	require.NoError(t, err)
	assert.Equal(t, ir.Int(7), low)

	avg, err := plan.Aggregate(recs, Avg(expr.Num("total")))
	require.NoError(t, err)
	assert.InDelta(t, 26.0/3.0, ir.ToFloat(avg), 1e-9)

	_, err = plan.Aggregate(recs, Aggregator{Op: expr.OpFilter})
	assert.True(t, repoerr.IsUnsupported(err))
}

func TestProject(t *testing.T) {
	rec := ir.Object{
		"id":      ir.Int(1),
		"status":  ir.String("NEW"),
		"address": ir.Object{"city": ir.String("Oslo"), "zip": ir.String("0150")},
	}
	got := Project(rec, []expr.Path{{"id"}, {"address", "city"}, {"missing"}})
	assert.Equal(t, ir.Object{
		"id":      ir.Int(1),
		"address": ir.Object{"city": ir.String("Oslo")},
	}, got)

	assert.Equal(t, ir.String("x"), Project(ir.String("x"), []expr.Path{{"id"}}))
	assert.Equal(t, rec, Project(rec, nil))
}

func TestExpandReferences(t *testing.T) {
	reg := registry(t)
	customers := map[int64]ir.Object{
		7: {"id": ir.Int(7), "name": ir.String("Ada")},
		8: {"id": ir.Int(8), "name": ir.String("Grace")},
	}
	lookup := func(d *entity.Descriptor, key ir.Value) (ir.Object, bool, error) {
		require.Equal(t, "Customer", d.Name)
		c, ok := customers[int64(key.(ir.Int))]
		return c, ok, nil
	}
	recs := orders(10, 20, 30)
	recs[1]["customer"] = ir.Int(8)
	recs[2]["customer"] = ir.Int(99)

	byName := From(order).Where(expr.Eq(expr.Str("customer", "name"), expr.C("Ada"))).Build()
	expanded := make([]ir.Object, len(recs))
	for i, rec := range recs {
		var err error
		expanded[i], err = Expand(reg, order, rec, Paths(byName), lookup)
		require.NoError(t, err)
	}
	assert.Equal(t, ir.Int(7), recs[0]["customer"], "input records are not modified")
	assert.Equal(t, ir.Int(99), expanded[2]["customer"], "dangling reference stays a key")

	t.Run("records collapse to keys", func(t *testing.T) {
		plan, err := Compile(byName, reg)
		require.NoError(t, err)
		got, err := plan.Run(expanded)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ir.Int(7), got[0].(ir.Object)["customer"])
	})

	t.Run("mapping onto reference yields key", func(t *testing.T) {
		q := byName.Clone()
		q.Mapping = expr.P("customer")
		plan, err := Compile(q, reg)
		require.NoError(t, err)
		got, err := plan.Run(expanded)
		require.NoError(t, err)
		assert.Equal(t, []ir.Value{ir.Int(7)}, got)
	})

	t.Run("mapping through reference", func(t *testing.T) {
		q := From(order).Map(expr.Str("customer", "name")).OrderBy("id", true).Build()
		all := make([]ir.Object, len(recs))
		for i, rec := range recs {
			var err error
			all[i], err = Expand(reg, order, rec, Paths(q), lookup)
			require.NoError(t, err)
		}
		plan, err := Compile(q, reg)
		require.NoError(t, err)
		got, err := plan.Run(all)
		require.NoError(t, err)
		assert.Equal(t, []ir.Value{ir.String("Ada"), ir.String("Grace"), ir.Null{}}, got)
	})
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{2, 3}, Page(items, 1, 2))
	assert.Equal(t, []int{4, 5}, Page(items, 3, 0))
	assert.Empty(t, Page(items, 5, 1))
}
