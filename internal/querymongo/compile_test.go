package querymongo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/query"
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
			},
		}},
		{Name: "tags", Kind: ir.KindString, Collection: true},
	},
}

func newCompiler(t *testing.T) *Compiler {
	t.Helper()
	reg, err := entity.NewRegistry(customer, order)
	require.NoError(t, err)
	return New(reg)
}

func lit(v any) bson.D { return bson.D{{Key: "$literal", Value: v}} }

func TestCompileExpressions(t *testing.T) {
	c := newCompiler(t)

	tests := []struct {
		name string
		e    expr.Expr
		want any
	}{
		{
			name: "comparison",
			e:    expr.Gt(expr.Num("total"), expr.C(5)),
			want: bson.D{{Key: "$gt", Value: bson.A{"$total", lit(int64(5))}}},
		},
		{
			name: "embedded path",
			e:    expr.Eq(expr.Str("address", "city"), expr.C("Oslo")),
			want: bson.D{{Key: "$eq", Value: bson.A{"$address.city", lit("Oslo")}}},
		},
		{
			name: "is null",
			e:    expr.IsNull(expr.P("status")),
			want: bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$status", nil}}}, nil}}},
		},
		{
			name: "starts with",
			e:    expr.StartsWith(expr.Str("status"), expr.C("NE")),
			want: bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$indexOfCP", Value: bson.A{"$status", lit("NE")}}}, 0}}},
		},
		{
			name: "contains over a collection tests membership",
			e:    expr.Contains(expr.Coll("tags"), expr.C("rush")),
			want: bson.D{{Key: "$in", Value: bson.A{lit("rush"), "$tags"}}},
		},
		{
			name: "contains over a string tests substrings",
			e:    expr.Contains(expr.Str("status"), expr.C("EW")),
			want: bson.D{{Key: "$gte", Value: bson.A{bson.D{{Key: "$indexOfCP", Value: bson.A{"$status", lit("EW")}}}, 0}}},
		},
		{
			name: "any over collection",
			e:    expr.Any(expr.Coll("tags"), expr.Eq(expr.Self(), expr.C("gift"))),
			want: bson.D{{Key: "$anyElementTrue", Value: bson.A{
				bson.D{{Key: "$map", Value: bson.D{
					{Key: "input", Value: "$tags"},
					{Key: "as", Value: "e0"},
					{Key: "in", Value: bson.D{{Key: "$eq", Value: bson.A{"$$e0", lit("gift")}}}},
				}}},
			}}},
		},
		{
			name: "count without predicate",
			e:    expr.Count(expr.Coll("tags"), nil),
			want: bson.D{{Key: "$size", Value: "$tags"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := c.plan(order)
			got, err := p.compile(tt.e)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Empty(t, p.stages)
		})
	}
}

func TestSelect(t *testing.T) {
	c := newCompiler(t)

	t.Run("filter sort limit", func(t *testing.T) {
		q := query.From(order).
			Where(expr.Gt(expr.Num("total"), expr.C(5))).
			OrderBy("total", true).
			Limit(2).
			Build()
		got, err := c.Select(q)
		require.NoError(t, err)
		assert.Equal(t, mongo.Pipeline{
			{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{{Key: "$gt", Value: bson.A{"$total", lit(int64(5))}}}}}}},
			{{Key: "$sort", Value: bson.D{{Key: "total", Value: 1}, {Key: "_id", Value: 1}}}},
			{{Key: "$limit", Value: int64(2)}},
		}, got)
	})

	t.Run("reference path joins", func(t *testing.T) {
		q := query.From(order).
			Where(expr.Eq(expr.Str("customer", "name"), expr.C("ada"))).
			OrderBy("status", false).
			Skip(1).
			Build()
		got, err := c.Select(q)
		require.NoError(t, err)
		assert.Equal(t, mongo.Pipeline{
			{{Key: "$lookup", Value: bson.D{
				{Key: "from", Value: "Customer"},
				{Key: "localField", Value: "customer"},
				{Key: "foreignField", Value: "_id"},
				{Key: "as", Value: "__ref_customer"},
			}}},
			{{Key: "$set", Value: bson.D{{Key: "__ref_customer", Value: bson.D{{Key: "$first", Value: "$__ref_customer"}}}}}},
			{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{{Key: "$eq", Value: bson.A{"$__ref_customer.name", lit("ada")}}}}}}},
			{{Key: "$sort", Value: bson.D{{Key: "status", Value: -1}, {Key: "_id", Value: 1}}}},
			{{Key: "$skip", Value: int64(1)}},
			{{Key: "$unset", Value: []string{"__ref_customer"}}},
		}, got)
	})

	t.Run("computed sort key", func(t *testing.T) {
		q := query.From(order).OrderByExpr(expr.Lower(expr.Str("status")), true).Build()
		got, err := c.Select(q)
		require.NoError(t, err)
		assert.Equal(t, mongo.Pipeline{
			{{Key: "$set", Value: bson.D{{Key: "__sort_0", Value: bson.D{{Key: "$toLower", Value: "$status"}}}}}},
			{{Key: "$sort", Value: bson.D{{Key: "__sort_0", Value: 1}, {Key: "_id", Value: 1}}}},
			{{Key: "$unset", Value: []string{"__sort_0"}}},
		}, got)
	})

	t.Run("unknown property", func(t *testing.T) {
		q := query.From(order).Where(expr.Eq(expr.P("nope"), expr.C(1))).Build()
		_, err := c.Select(q)
		assert.True(t, repoerr.IsSchema(err))
	})
}

func TestAggregate(t *testing.T) {
	c := newCompiler(t)
	over5 := expr.Gt(expr.Num("total"), expr.C(5))
	match := bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{{Key: "$gt", Value: bson.A{"$total", lit(int64(5))}}}}}}}
	sortByID := bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}}

	tests := []struct {
		name string
		agg  query.Aggregator
		acc  bson.D
	}{
		{"count", query.Count(), bson.D{{Key: "$sum", Value: 1}}},
		{"sum", query.Sum(expr.Num("total")), bson.D{{Key: "$sum", Value: "$total"}}},
		{"max", query.Max(expr.Num("total")), bson.D{{Key: "$max", Value: "$total"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Aggregate(query.From(order).Where(over5).Build(), tt.agg)
			require.NoError(t, err)
			assert.Equal(t, mongo.Pipeline{
				match,
				sortByID,
				{{Key: "$group", Value: bson.D{{Key: "_id", Value: nil}, {Key: "value", Value: tt.acc}}}},
			}, got)
		})
	}

	t.Run("not an aggregate", func(t *testing.T) {
		_, err := c.Aggregate(query.From(order).Build(), query.Aggregator{Op: expr.OpFilter})
		assert.True(t, repoerr.IsUnsupported(err))
	})
}

func TestBulkCommands(t *testing.T) {
	c := newCompiler(t)

	keys, err := c.Keys(order, expr.Eq(expr.Str("status"), expr.C("NEW")), 10)
	require.NoError(t, err)
	assert.Equal(t, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{{Key: "$eq", Value: bson.A{"$status", lit("NEW")}}}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
		{{Key: "$limit", Value: int64(10)}},
		{{Key: "$project", Value: bson.D{{Key: "_id", Value: 1}}}},
	}, keys)

	u := query.Update(order).
		Set("status", expr.C("PAID")).
		Set("address.city", expr.Upper(expr.Str("address", "city"))).
		Build()
	update, err := c.Update(u)
	require.NoError(t, err)
	assert.Equal(t, mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "status", Value: lit("PAID")},
			{Key: "address.city", Value: bson.D{{Key: "$toUpper", Value: "$address.city"}}},
			{Key: "version", Value: bson.D{{Key: "$add", Value: bson.A{"$version", 1}}}},
		}}},
	}, update)

	_, err = c.Update(query.Update(order).Set("version", expr.C(3)).Build())
	assert.True(t, repoerr.IsSchema(err))
}

func TestDocumentRoundTrip(t *testing.T) {
	rec := ir.Object{
		"id":      ir.Int(7),
		"status":  ir.String("NEW"),
		"total":   ir.Int(12),
		"tags":    ir.Array{ir.String("a")},
		"address": ir.Object{"city": ir.String("Oslo")},
		"version": ir.Int(1),
	}
	doc, err := Document(order, rec)
	require.NoError(t, err)
	assert.Equal(t, bson.E{Key: "_id", Value: int64(7)}, doc[0])

	back, err := Record(order, doc)
	require.NoError(t, err)
	assert.Equal(t, rec, back)
}
