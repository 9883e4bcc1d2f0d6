package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/repoerr"
)

// dialect holds the SQL fragments that differ between backends.
type dialect struct {
	trueLit, falseLit      string
	nullSafeEq, nullSafeNe string
	columnPath             func(col string, rest expr.Path, k expr.ValueKind) string
	field                  func(target, name string, k expr.ValueKind) string
	each                   func(src, alias string) string
	groupArray             func(x string) string
	elemValue              func(alias string, numeric bool) string
	arrayLength            string
	in                     func(l, r string) string
	typed                  func(x string, k expr.ValueKind) string
	searchText             string
}

var sqliteDialect = &dialect{
	trueLit:    "1",
	falseLit:   "0",
	nullSafeEq: "IS",
	nullSafeNe: "IS NOT",
	columnPath: func(col string, rest expr.Path, _ expr.ValueKind) string {
		if len(rest) == 0 {
			return col
		}
		return fmt.Sprintf("json_extract(%s, %s)", col, QuoteString(JSONPath(rest)))
	},
	field: func(target, name string, _ expr.ValueKind) string {
		return fmt.Sprintf("json_extract(%s, %s)", target, QuoteString(JSONPath(expr.Path{name})))
	},
	each: func(src, alias string) string {
		return fmt.Sprintf("json_each(%s) AS %s", src, alias)
	},
	groupArray: func(x string) string {
		return fmt.Sprintf("json_group_array(%s)", x)
	},
	elemValue: func(alias string, _ bool) string {
		return alias + ".value"
	},
	arrayLength: "json_array_length(%s)",
	in: func(l, r string) string {
		return fmt.Sprintf("(%s IN (SELECT value FROM json_each(%s)))", l, r)
	},
	typed:      func(x string, _ expr.ValueKind) string { return x },
	searchText: `(lower(%s) LIKE '%%' || lower(%s) || '%%' ESCAPE '\')`,
}

var postgresDialect = &dialect{
	trueLit:    "TRUE",
	falseLit:   "FALSE",
	nullSafeEq: "IS NOT DISTINCT FROM",
	nullSafeNe: "IS DISTINCT FROM",
	columnPath: func(col string, rest expr.Path, k expr.ValueKind) string {
		if len(rest) == 0 {
			return col
		}
		keys := "'{" + strings.Join(rest, ",") + "}'"
		return pgTyped(fmt.Sprintf("%s #>> %s", col, keys), fmt.Sprintf("%s #> %s", col, keys), k)
	},
	field: func(target, name string, k expr.ValueKind) string {
		key := QuoteString(name)
		return pgTyped(fmt.Sprintf("%s ->> %s", target, key), fmt.Sprintf("%s -> %s", target, key), k)
	},
	each: func(src, alias string) string {
		return fmt.Sprintf("jsonb_array_elements(%s) AS %s(value)", src, alias)
	},
	groupArray: func(x string) string {
		return fmt.Sprintf("COALESCE(jsonb_agg(%s), '[]'::jsonb)", x)
	},
	elemValue: func(alias string, numeric bool) string {
		if numeric {
			return fmt.Sprintf("((%s.value #>> '{}')::numeric)", alias)
		}
		return fmt.Sprintf("(%s.value #>> '{}')", alias)
	},
	arrayLength: "jsonb_array_length(%s)",
	in: func(l, r string) string {
		return fmt.Sprintf("(%s::jsonb @> to_jsonb(%s))", r, l)
	},
	// to_jsonb cannot take an untyped parameter.
	typed: func(x string, k expr.ValueKind) string {
		switch k {
		case expr.KindNumeric:
			return x + "::numeric"
		case expr.KindBool:
			return x + "::boolean"
		case expr.KindString:
			return x + "::text"
		}
		return x
	},
	searchText: `(%s ILIKE '%%' || %s || '%%' ESCAPE '\')`,
}

// pgTyped casts a jsonb text extraction to the SQL type of kind k. Objects,
// collections and untyped values stay jsonb.
func pgTyped(asText, asJSON string, k expr.ValueKind) string {
	switch k {
	case expr.KindNumeric:
		return "((" + asText + ")::numeric)"
	case expr.KindBool:
		return "((" + asText + ")::boolean)"
	case expr.KindString:
		return "(" + asText + ")"
	default:
		return "(" + asJSON + ")"
	}
}

// SQLiteColumnPath renders the property path rest inside the column
// expression col: the column itself, or a JSON extraction from it.
func SQLiteColumnPath(col string, rest expr.Path, k expr.ValueKind) string {
	return sqliteDialect.columnPath(col, rest, k)
}

// PostgresColumnPath is SQLiteColumnPath for PostgreSQL jsonb columns.
func PostgresColumnPath(col string, rest expr.Path, k expr.ValueKind) string {
	return postgresDialect.columnPath(col, rest, k)
}

// SQLite returns the reducer table for SQLite text. Embedded values and
// collections are JSON text read with the json1 functions.
func SQLite() *Table[string] { return sqlTable(sqliteDialect) }

// Postgres returns the reducer table for PostgreSQL text. Embedded values
// and collections are jsonb.
func Postgres() *Table[string] { return sqlTable(postgresDialect) }

func sqlTable(d *dialect) *Table[string] {
	t := NewTable[string]()
	t.Element = func(depth int) string { return Alias(depth) + ".value" }
	t.Path = func(_ *Context[string], p expr.Path, k expr.ValueKind) (string, error) {
		return d.columnPath(QuoteIdent(p.Head()), p.Tail(), k), nil
	}

	t.SetNode(expr.NodeArg, func(c *Context[string], _ expr.Expr, _ []string) (string, error) {
		if c.AtRoot() {
			return "", repoerr.Unsupported("bare argument outside a collection lambda")
		}
		return c.Arg(), nil
	})
	t.SetNode(expr.NodeConst, func(_ *Context[string], n expr.Expr, _ []string) (string, error) {
		return d.literal(n.(expr.Const).Value)
	})
	t.SetNode(expr.NodeProp, func(_ *Context[string], n expr.Expr, args []string) (string, error) {
		p := n.(expr.Prop)
		return d.field(args[0], p.Name, p.K), nil
	})

	t.SetOp(expr.OpNot, Format("(NOT %s)"))
	t.SetOp(expr.OpNegate, Format("(-%s)"))
	t.SetOp(expr.OpIsNull, Format("(%s IS NULL)"))
	t.SetOp(expr.OpIsNotNull, Format("(%s IS NOT NULL)"))
	t.SetOp(expr.OpLower, Format("lower(%s)"))
	t.SetOp(expr.OpUpper, Format("upper(%s)"))
	t.SetOp(expr.OpLength, func(_ *Context[string], n expr.Expr, args []string) (string, error) {
		if n.(expr.Unary).X.Kind() == expr.KindCollection {
			return fmt.Sprintf(d.arrayLength, args[0]), nil
		}
		return fmt.Sprintf("length(%s)", args[0]), nil
	})

	t.SetOp(expr.OpAnd, Format("(%s AND %s)"))
	t.SetOp(expr.OpOr, Format("(%s OR %s)"))
	t.SetOp(expr.OpEq, equality("=", d.nullSafeEq))
	t.SetOp(expr.OpNe, equality("<>", d.nullSafeNe))
	t.SetOp(expr.OpLt, Format("(%s < %s)"))
	t.SetOp(expr.OpLe, Format("(%s <= %s)"))
	t.SetOp(expr.OpGt, Format("(%s > %s)"))
	t.SetOp(expr.OpGe, Format("(%s >= %s)"))
	t.SetOp(expr.OpAdd, Format("(%s + %s)"))
	t.SetOp(expr.OpSub, Format("(%s - %s)"))
	t.SetOp(expr.OpMul, Format("(%s * %s)"))
	t.SetOp(expr.OpDiv, Format("(%s / %s)"))
	t.SetOp(expr.OpMod, Format("(%s %% %s)"))
	t.SetOp(expr.OpConcat, Format("(%s || %s)"))

	substring := like(`(%s LIKE '%%' || %s || '%%' ESCAPE '\')`)
	t.SetOp(expr.OpContains, func(c *Context[string], n expr.Expr, args []string) (string, error) {
		// Over a collection, Contains tests membership like the evaluator.
		if b := n.(expr.Binary); b.L.Kind() == expr.KindCollection {
			return d.in(d.typed(args[1], b.R.Kind()), args[0]), nil
		}
		return substring(c, n, args)
	})
	t.SetOp(expr.OpStartsWith, like(`(%s LIKE %s || '%%' ESCAPE '\')`))
	t.SetOp(expr.OpEndsWith, like(`(%s LIKE '%%' || %s ESCAPE '\')`))
	t.SetOp(expr.OpSearchText, like(d.searchText))
	t.SetOp(expr.OpIn, func(_ *Context[string], _ expr.Expr, args []string) (string, error) {
		return d.in(args[0], args[1]), nil
	})

	for _, op := range []expr.Op{
		expr.OpFilter, expr.OpMap, expr.OpFlatMap, expr.OpAny, expr.OpAll,
		expr.OpCount, expr.OpSum, expr.OpMin, expr.OpMax, expr.OpAvg,
	} {
		t.SetOp(op, d.collection)
	}
	return t
}

func equality(op, nullSafe string) Reducer[string] {
	return func(_ *Context[string], n expr.Expr, args []string) (string, error) {
		b := n.(expr.Binary)
		cmp := op
		if isNullConst(b.L) || isNullConst(b.R) {
			cmp = nullSafe
		}
		return fmt.Sprintf("(%s %s %s)", args[0], cmp, args[1]), nil
	}
}

func isNullConst(e expr.Expr) bool {
	c, ok := e.(expr.Const)
	return ok && ir.IsNull(c.Value)
}

// like escapes the pattern operand so LIKE wildcards in it match literally.
func like(pattern string) Reducer[string] {
	return func(_ *Context[string], _ expr.Expr, args []string) (string, error) {
		return fmt.Sprintf(pattern, args[0], EscapeLike(args[1])), nil
	}
}

// EscapeLike wraps a SQL string expression so that backslash, percent and
// underscore are escaped for LIKE ... ESCAPE '\'.
func EscapeLike(x string) string {
	return fmt.Sprintf(`REPLACE(REPLACE(REPLACE(%s, '\', '\\'), '%%', '\%%'), '_', '\_')`, x)
}

func (d *dialect) collection(c *Context[string], n expr.Expr, args []string) (string, error) {
	col := n.(expr.Collection)
	a := Alias(c.Lambda())
	from := d.each(args[0], a)
	var fn string
	if len(args) > 1 {
		fn = args[1]
	}

	switch col.Op {
	case expr.OpFilter:
		return fmt.Sprintf("(SELECT %s FROM %s WHERE %s)", d.groupArray(a+".value"), from, fn), nil
	case expr.OpMap:
		return fmt.Sprintf("(SELECT %s FROM %s)", d.groupArray(fn), from), nil
	case expr.OpFlatMap:
		inner := a + "f"
		return fmt.Sprintf("(SELECT %s FROM %s, %s)", d.groupArray(inner+".value"), from, d.each(fn, inner)), nil
	case expr.OpAny:
		return fmt.Sprintf("(EXISTS (SELECT 1 FROM %s WHERE %s))", from, fn), nil
	case expr.OpAll:
		return fmt.Sprintf("(NOT EXISTS (SELECT 1 FROM %s WHERE NOT (%s)))", from, fn), nil
	case expr.OpCount:
		if fn == "" {
			return fmt.Sprintf("(SELECT COUNT(*) FROM %s)", from), nil
		}
		return fmt.Sprintf("(SELECT COUNT(*) FROM %s WHERE %s)", from, fn), nil
	}

	x := fn
	if x == "" {
		x = d.elemValue(a, col.Op == expr.OpSum || col.Op == expr.OpAvg || col.K == expr.KindNumeric)
	}
	switch col.Op {
	case expr.OpSum:
		return fmt.Sprintf("(SELECT COALESCE(SUM(%s), 0) FROM %s)", x, from), nil
	case expr.OpMin:
		return fmt.Sprintf("(SELECT MIN(%s) FROM %s)", x, from), nil
	case expr.OpMax:
		return fmt.Sprintf("(SELECT MAX(%s) FROM %s)", x, from), nil
	case expr.OpAvg:
		return fmt.Sprintf("(SELECT AVG(%s) FROM %s)", x, from), nil
	}
	return "", repoerr.Unsupported(describe(n))
}

// literal renders a constant inline. Used when no parameter interceptor is
// installed, e.g. for display.
func (d *dialect) literal(v ir.Value) (string, error) {
	switch val := v.(type) {
	case nil, ir.Null:
		return "NULL", nil
	case ir.Bool:
		if val {
			return d.trueLit, nil
		}
		return d.falseLit, nil
	case ir.Int:
		return strconv.FormatInt(int64(val), 10), nil
	case ir.Float:
		return strconv.FormatFloat(float64(val), 'g', -1, 64), nil
	case ir.Decimal:
		return val.String(), nil
	case ir.String:
		return QuoteString(string(val)), nil
	case ir.Array, ir.Object:
		data, err := ir.Marshal(v)
		if err != nil {
			return "", err
		}
		return QuoteString(string(data)), nil
	}
	return "", repoerr.Unsupported(fmt.Sprintf("constant of type %T", v))
}

// Alias names the element of the depth-th nested collection lambda.
func Alias(depth int) string {
	return "e" + strconv.Itoa(depth)
}

// QuoteIdent quotes a SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteString quotes a SQL string literal.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// JSONPath renders a path for json_extract, e.g. $.address.city. Segments
// that are not plain identifiers are double quoted.
func JSONPath(p expr.Path) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range p {
		b.WriteByte('.')
		if plainSegment(seg) {
			b.WriteString(seg)
		} else {
			b.WriteString(`"` + strings.ReplaceAll(seg, `"`, `\"`) + `"`)
		}
	}
	return b.String()
}

func plainSegment(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
