package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/repoerr"
)

func compileSQL(t *testing.T, tbl *Table[string], ph Placeholder, e expr.Expr) (string, []any) {
	t.Helper()
	var params []any
	out, err := New(tbl).Compile(e, WithInterceptor(Params(&params, ph)))
	require.NoError(t, err)
	return out, params
}

func TestSQLiteRendering(t *testing.T) {
	tests := []struct {
		name   string
		e      expr.Expr
		want   string
		params []any
	}{
		{
			name:   "comparison",
			e:      expr.Gt(expr.Num("total"), expr.C(5)),
			want:   `("total" > ?)`,
			params: []any{int64(5)},
		},
		{
			name:   "embedded path",
			e:      expr.Eq(expr.Str("customer", "address", "city"), expr.C("Oslo")),
			want:   `(json_extract("customer", '$.address.city') = ?)`,
			params: []any{"Oslo"},
		},
		{
			name:   "null equality is null safe",
			e:      expr.Eq(expr.P("deleted_at"), expr.C(nil)),
			want:   `("deleted_at" IS ?)`,
			params: []any{nil},
		},
		{
			name:   "contains escapes wildcards",
			e:      expr.Contains(expr.Str("name"), expr.C("50%_off")),
			want:   `("name" LIKE '%' || REPLACE(REPLACE(REPLACE(?, '\', '\\'), '%', '\%'), '_', '\_') || '%' ESCAPE '\')`,
			params: []any{"50%_off"},
		},
		{
			name:   "contains over a collection tests membership",
			e:      expr.Contains(expr.Coll("tags"), expr.C("rush")),
			want:   `(? IN (SELECT value FROM json_each("tags")))`,
			params: []any{"rush"},
		},
		{
			name:   "search text folds case",
			e:      expr.SearchText(expr.Str("name"), expr.C("ada")),
			want:   `(lower("name") LIKE '%' || lower(REPLACE(REPLACE(REPLACE(?, '\', '\\'), '%', '\%'), '_', '\_')) || '%' ESCAPE '\')`,
			params: []any{"ada"},
		},
		{
			name:   "in binds array as json",
			e:      expr.In(expr.P("status"), expr.C([]any{"NEW", "PAID"})),
			want:   `("status" IN (SELECT value FROM json_each(?)))`,
			params: []any{`["NEW","PAID"]`},
		},
		{
			name:   "any over collection",
			e:      expr.Any(expr.Coll("items"), expr.Gt(expr.Num("qty"), expr.C(2))),
			want:   `(EXISTS (SELECT 1 FROM json_each("items") AS e0 WHERE (json_extract(e0.value, '$.qty') > ?)))`,
			params: []any{int64(2)},
		},
		{
			name: "nested lambdas get distinct aliases",
			e: expr.Any(expr.Coll("orders"),
				expr.Any(expr.Coll("items"), expr.Gt(expr.Num("qty"), expr.C(2)))),
			want:   `(EXISTS (SELECT 1 FROM json_each("orders") AS e0 WHERE (EXISTS (SELECT 1 FROM json_each(json_extract(e0.value, '$.items')) AS e1 WHERE (json_extract(e1.value, '$.qty') > ?)))))`,
			params: []any{int64(2)},
		},
		{
			name:   "count without predicate",
			e:      expr.Eq(expr.Count(expr.Coll("items"), nil), expr.C(0)),
			want:   `((SELECT COUNT(*) FROM json_each("items") AS e0) = ?)`,
			params: []any{int64(0)},
		},
		{
			name:   "compose binds the inner value",
			e:      expr.Then(expr.Obj("customer"), expr.Eq(expr.Str("name"), expr.C("ada"))),
			want:   `(json_extract("customer", '$.name') = ?)`,
			params: []any{"ada"},
		},
		{
			name:   "collection length",
			e:      expr.Gt(expr.Length(expr.Coll("items")), expr.C(1)),
			want:   `(json_array_length("items") > ?)`,
			params: []any{int64(1)},
		},
		{
			name:   "arithmetic",
			e:      expr.Ge(expr.Mod(expr.Num("total"), expr.C(3)), expr.Negate(expr.Num("credit"))),
			want:   `(("total" % ?) >= (-"credit"))`,
			params: []any{int64(3)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, params := compileSQL(t, SQLite(), QuestionMark, tt.e)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.params, params)
		})
	}
}

func TestPostgresRendering(t *testing.T) {
	tests := []struct {
		name   string
		e      expr.Expr
		want   string
		params []any
	}{
		{
			name:   "typed embedded path",
			e:      expr.Gt(expr.Num("customer", "score"), expr.C(3)),
			want:   `((("customer" #>> '{score}')::numeric) > $1)`,
			params: []any{int64(3)},
		},
		{
			name:   "null safe inequality",
			e:      expr.Ne(expr.P("deleted_at"), expr.C(nil)),
			want:   `("deleted_at" IS DISTINCT FROM $1)`,
			params: []any{nil},
		},
		{
			name:   "search text uses ilike",
			e:      expr.SearchText(expr.Str("name"), expr.C("ada")),
			want:   `("name" ILIKE '%' || REPLACE(REPLACE(REPLACE($1, '\', '\\'), '%', '\%'), '_', '\_') || '%' ESCAPE '\')`,
			params: []any{"ada"},
		},
		{
			name:   "in uses jsonb containment",
			e:      expr.In(expr.P("status"), expr.C([]any{"NEW"})),
			want:   `($1::jsonb @> to_jsonb("status"))`,
			params: []any{`["NEW"]`},
		},
		{
			name:   "contains over a collection types the element",
			e:      expr.Contains(expr.Coll("tags"), expr.C("rush")),
			want:   `("tags"::jsonb @> to_jsonb($1::text))`,
			params: []any{"rush"},
		},
		{
			name:   "sum of elements",
			e:      expr.Gt(expr.Sum(expr.Coll("prices"), nil), expr.C(10)),
			want:   `((SELECT COALESCE(SUM(((e0.value #>> '{}')::numeric)), 0) FROM jsonb_array_elements("prices") AS e0(value)) > $1)`,
			params: []any{int64(10)},
		},
		{
			name:   "lambda property is typed",
			e:      expr.Any(expr.Coll("items"), expr.Gt(expr.Num("qty"), expr.C(2))),
			want:   `(EXISTS (SELECT 1 FROM jsonb_array_elements("items") AS e0(value) WHERE (((e0.value ->> 'qty')::numeric) > $1)))`,
			params: []any{int64(2)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, params := compileSQL(t, Postgres(), Dollar, tt.e)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.params, params)
		})
	}
}

func TestInlineLiterals(t *testing.T) {
	lite, err := New(SQLite()).Compile(expr.And(
		expr.Eq(expr.Str("s"), expr.C("it's")),
		expr.Eq(expr.Bool("archived"), expr.C(false)),
	))
	require.NoError(t, err)
	assert.Equal(t, `(("s" = 'it''s') AND ("archived" = 0))`, lite)

	pg, err := New(Postgres()).Compile(expr.Eq(expr.Bool("archived"), expr.C(true)))
	require.NoError(t, err)
	assert.Equal(t, `("archived" = TRUE)`, pg)
}

func TestBareArgumentAtRootIsUnsupported(t *testing.T) {
	_, err := New(SQLite()).Compile(expr.Eq(expr.Self(), expr.C(1)))
	assert.True(t, repoerr.IsUnsupported(err))
}

func TestJSONPath(t *testing.T) {
	assert.Equal(t, "$.a.b", JSONPath(expr.Path{"a", "b"}))
	assert.Equal(t, `$."first name"`, JSONPath(expr.Path{"first name"}))
	assert.Equal(t, `$."1x"`, JSONPath(expr.Path{"1x"}))
	assert.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
}
