package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/quarry/internal/compiler"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
)

// Dialect holds what differs between SQL backends: the expression table,
// placeholders, column types and how values are read back.
type Dialect struct {
	Name string

	exprs       *compiler.Compiler[string]
	placeholder compiler.Placeholder
	columnPath  func(col string, rest expr.Path, k expr.ValueKind) string
	types       map[ir.Kind]string
	jsonType    string

	// textRead selects decimal and JSON columns as text, for drivers whose
	// native decoding of them loses precision or integer kinds.
	textRead bool

	// nullOrder is appended to ascending and descending sort terms so
	// nulls sort lowest, as they do in memory.
	nullOrder [2]string

	// jsonSet renders an assignment into an embedded JSON value.
	jsonSet func(col string, rest expr.Path, value string, isConst bool) string

	// limitAll is the LIMIT clause used when only OFFSET is wanted.
	limitAll string
}

// SQLite is the dialect of the embedded store.
var SQLite = &Dialect{
	Name:        "sqlite",
	exprs:       compiler.New(compiler.SQLite()),
	placeholder: compiler.QuestionMark,
	columnPath:  compiler.SQLiteColumnPath,
	types: map[ir.Kind]string{
		ir.KindBool:    "INTEGER",
		ir.KindInt:     "INTEGER",
		ir.KindFloat:   "REAL",
		ir.KindDecimal: "NUMERIC",
		ir.KindString:  "TEXT",
	},
	jsonType: "TEXT",
	jsonSet: func(col string, rest expr.Path, value string, isConst bool) string {
		if !isConst {
			return fmt.Sprintf("json_set(COALESCE(%s, '{}'), %s, %s)", col, compiler.QuoteString(compiler.JSONPath(rest)), value)
		}
		return fmt.Sprintf("json_set(COALESCE(%s, '{}'), %s, json(%s))", col, compiler.QuoteString(compiler.JSONPath(rest)), value)
	},
	limitAll: "LIMIT -1",
}

// Postgres is the dialect of the PostgreSQL store.
var Postgres = &Dialect{
	Name:        "postgres",
	exprs:       compiler.New(compiler.Postgres()),
	placeholder: compiler.Dollar,
	columnPath:  compiler.PostgresColumnPath,
	types: map[ir.Kind]string{
		ir.KindBool:    "BOOLEAN",
		ir.KindInt:     "BIGINT",
		ir.KindFloat:   "DOUBLE PRECISION",
		ir.KindDecimal: "NUMERIC",
		ir.KindString:  "TEXT",
	},
	jsonType:  "JSONB",
	textRead:  true,
	nullOrder: [2]string{" NULLS FIRST", " NULLS LAST"},
	jsonSet: func(col string, rest expr.Path, value string, isConst bool) string {
		keys := "'{" + strings.Join(rest, ",") + "}'"
		if isConst {
			return fmt.Sprintf("jsonb_set(COALESCE(%s, '{}'::jsonb), %s, %s::jsonb)", col, keys, value)
		}
		return fmt.Sprintf("jsonb_set(COALESCE(%s, '{}'::jsonb), %s, to_jsonb(%s))", col, keys, value)
	},
}

// Dialects lists the SQL dialects by name.
var Dialects = map[string]*Dialect{
	SQLite.Name:   SQLite,
	Postgres.Name: Postgres,
}
