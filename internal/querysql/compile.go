// Package querysql renders queries and commands to parameterized SQL.
//
// Every entity type maps to one table named after the type: one column per
// declared property plus the version column. Scalars get native column
// types; embedded values, collections and untyped properties are JSON.
//
// Every select carries an ORDER BY ending with the key column, so results
// are deterministic. Constants are never interpolated; they bind as
// parameters in the order they appear in the SQL text.
package querysql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/quarry/internal/compiler"
	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/repoerr"
)

// Statement is one SQL statement with its bound parameters.
type Statement struct {
	SQL    string
	Params []any
}

// Column is one table column.
type Column struct {
	Name string
	Kind ir.Kind
	JSON bool
	Key  bool
}

// Compiler renders statements for one dialect. Reg resolves references in
// property paths; it may be nil when no query traverses a reference.
type Compiler struct {
	Dialect  *Dialect
	Registry *entity.Registry
}

// New returns a compiler for d.
func New(d *Dialect, reg *entity.Registry) *Compiler {
	return &Compiler{Dialect: d, Registry: reg}
}

// Columns returns the columns of desc's table in declaration order, with
// the version column last.
func Columns(desc *entity.Descriptor) []Column {
	out := make([]Column, 0, len(desc.Properties)+1)
	for _, p := range desc.Properties {
		out = append(out, Column{
			Name: p.Name,
			Kind: p.Kind,
			JSON: !p.IsScalar() || p.Kind == ir.KindNull,
			Key:  p.Name == desc.Key,
		})
	}
	return append(out, Column{Name: entity.VersionProperty, Kind: ir.KindInt})
}

// CreateTable renders the DDL of desc's table.
func (c *Compiler) CreateTable(desc *entity.Descriptor) Statement {
	var defs []string
	for _, col := range Columns(desc) {
		def := compiler.QuoteIdent(col.Name) + " " + c.columnType(col)
		switch {
		case col.Key:
			def += " PRIMARY KEY"
		case col.Name == entity.VersionProperty:
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	return Statement{SQL: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		compiler.QuoteIdent(desc.Name), strings.Join(defs, ", "))}
}

func (c *Compiler) columnType(col Column) string {
	if col.JSON {
		return c.Dialect.jsonType
	}
	return c.Dialect.types[col.Kind]
}

// stmt accumulates SQL text and parameters.
type stmt struct {
	c      *Compiler
	sql    strings.Builder
	params []any
}

func (c *Compiler) stmt() *stmt { return &stmt{c: c} }

func (s *stmt) write(parts ...string) {
	for _, p := range parts {
		s.sql.WriteString(p)
	}
}

// bind appends a parameter and returns its placeholder.
func (s *stmt) bind(v any) string {
	s.params = append(s.params, v)
	return s.c.Dialect.placeholder(len(s.params))
}

// expr renders e against desc's table, qualified by qual.
func (s *stmt) expr(desc *entity.Descriptor, qual string, e expr.Expr) (string, error) {
	return s.c.Dialect.exprs.Compile(e,
		compiler.WithPath(s.c.pathFunc(desc, qual, 1)),
		compiler.WithInterceptor(compiler.Params(&s.params, s.c.Dialect.placeholder)))
}

func (s *stmt) done() Statement {
	return Statement{SQL: s.sql.String(), Params: s.params}
}

// pathFunc resolves root property paths of desc to column expressions.
// Paths through single-valued references become correlated scalar
// subqueries over the referenced table, aliased r1, r2 and so on.
func (c *Compiler) pathFunc(desc *entity.Descriptor, qual string, depth int) compiler.PathFunc[string] {
	return func(_ *compiler.Context[string], p expr.Path, k expr.ValueKind) (string, error) {
		return c.column(desc, qual, p, k, depth)
	}
}

func (c *Compiler) column(desc *entity.Descriptor, qual string, p expr.Path, k expr.ValueKind, depth int) (string, error) {
	steps, err := c.Registry.ResolvePath(desc, p)
	if err != nil {
		return "", err
	}
	col := qual + "." + compiler.QuoteIdent(p.Head())
	for i, step := range steps[:len(steps)-1] {
		if !step.Prop.IsReference() || step.Prop.Collection {
			continue
		}
		target := step.Target
		keyProp, _ := target.KeyProperty()
		ref := c.Dialect.columnPath(col, p[1:i+1], expr.KindOfValue(keyProp.Kind))
		alias := "r" + strconv.Itoa(depth)
		inner, err := c.column(target, alias, p[i+1:], k, depth+1)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(SELECT %s FROM %s AS %s WHERE %s.%s = %s)",
			inner, compiler.QuoteIdent(target.Name), alias, alias, compiler.QuoteIdent(target.Key), ref), nil
	}
	return c.Dialect.columnPath(col, p.Tail(), k), nil
}

// selectList renders the columns of desc, read back in Decode order.
func (c *Compiler) selectList(desc *entity.Descriptor) string {
	cols := Columns(desc)
	parts := make([]string, len(cols))
	for i, col := range cols {
		name := compiler.QuoteIdent(col.Name)
		if c.Dialect.textRead && (col.JSON || col.Kind == ir.KindDecimal) {
			name += "::text AS " + compiler.QuoteIdent(col.Name)
		}
		parts[i] = name
	}
	return strings.Join(parts, ", ")
}

// Select renders q: matching records of q.Entity, sorted, then paged.
// Mapping, projection and distinct are applied by the caller.
func (c *Compiler) Select(q *query.Info) (Statement, error) {
	s := c.stmt()
	s.write("SELECT ", c.selectList(q.Entity), " FROM ", compiler.QuoteIdent(q.Entity.Name))
	if err := s.filterSortPage(q, q.Predicate, q.Sorting, q.Skip, q.Limit); err != nil {
		return Statement{}, err
	}
	return s.done(), nil
}

func (s *stmt) filterSortPage(q *query.Info, pred expr.Expr, sorting []query.Sort, skip, limit int) error {
	desc := q.Entity
	qual := compiler.QuoteIdent(desc.Name)
	if pred != nil {
		where, err := s.expr(desc, qual, pred)
		if err != nil {
			return fmt.Errorf("compile predicate: %w", err)
		}
		s.write(" WHERE ", where)
	}

	terms := make([]string, 0, len(sorting)+1)
	for _, sort := range sorting {
		by, err := s.expr(desc, qual, sort.By)
		if err != nil {
			return fmt.Errorf("compile sort: %w", err)
		}
		terms = append(terms, by+s.c.direction(sort.Ascending))
	}
	terms = append(terms, qual+"."+compiler.QuoteIdent(desc.Key)+" ASC")
	s.write(" ORDER BY ", strings.Join(terms, ", "))
	s.page(skip, limit)
	return nil
}

func (c *Compiler) direction(asc bool) string {
	if asc {
		return " ASC" + c.Dialect.nullOrder[0]
	}
	return " DESC" + c.Dialect.nullOrder[1]
}

func (s *stmt) page(skip, limit int) {
	switch {
	case limit > 0:
		s.write(" LIMIT ", strconv.Itoa(limit))
	case skip > 0 && s.c.Dialect.limitAll != "":
		s.write(" ", s.c.Dialect.limitAll)
	}
	if skip > 0 {
		s.write(" OFFSET ", strconv.Itoa(skip))
	}
}

// Aggregate renders agg over the matched records of q. With paging, the
// reduction runs over the selected page.
func (c *Compiler) Aggregate(q *query.Info, agg query.Aggregator) (Statement, error) {
	if err := agg.Validate(); err != nil {
		return Statement{}, err
	}
	value := agg.Of
	switch {
	case q.Mapping != nil && value != nil:
		value = expr.Then(q.Mapping, value)
	case q.Mapping != nil:
		value = q.Mapping
	}

	s := c.stmt()
	qual := compiler.QuoteIdent(q.Entity.Name)
	x := "*"
	if value != nil {
		var err error
		if x, err = s.expr(q.Entity, qual, value); err != nil {
			return Statement{}, fmt.Errorf("compile aggregate: %w", err)
		}
	}

	var fn string
	switch agg.Op {
	case expr.OpCount:
		fn = fmt.Sprintf("COUNT(%s)", x)
	case expr.OpSum:
		fn = fmt.Sprintf("COALESCE(SUM(%s), 0)", x)
	case expr.OpMin:
		fn = fmt.Sprintf("MIN(%s)", x)
	case expr.OpMax:
		fn = fmt.Sprintf("MAX(%s)", x)
	case expr.OpAvg:
		fn = fmt.Sprintf("AVG(%s)", x)
	}
	if c.Dialect.textRead && agg.Op != expr.OpCount && value != nil && value.Kind() == expr.KindNumeric {
		fn = "(" + fn + ")::text"
	}
	s.write("SELECT ", fn, " FROM ")

	if !q.HasLimit() && q.Skip == 0 {
		s.write(qual)
		if q.Predicate != nil {
			where, err := s.expr(q.Entity, qual, q.Predicate)
			if err != nil {
				return Statement{}, fmt.Errorf("compile predicate: %w", err)
			}
			s.write(" WHERE ", where)
		}
		return s.done(), nil
	}

	s.write("(SELECT * FROM ", qual)
	if err := s.filterSortPage(q, q.Predicate, q.Sorting, q.Skip, q.Limit); err != nil {
		return Statement{}, err
	}
	s.write(") AS ", qual)
	return s.done(), nil
}

// DecodeAggregate converts an aggregate result read from the driver.
func (c *Compiler) DecodeAggregate(agg query.Aggregator, raw any) (ir.Value, error) {
	if str, ok := raw.(string); ok && c.Dialect.textRead && agg.Op != expr.OpCount {
		if d, err := ir.NewDecimal(str); err == nil {
			return d, nil
		}
	}
	return ir.FromGo(raw)
}

// Lookup renders a select of the record with the given key.
func (c *Compiler) Lookup(desc *entity.Descriptor, key ir.Value) (Statement, error) {
	s := c.stmt()
	k, err := compiler.ParamValue(key)
	if err != nil {
		return Statement{}, err
	}
	s.write("SELECT ", c.selectList(desc), " FROM ", compiler.QuoteIdent(desc.Name),
		" WHERE ", compiler.QuoteIdent(desc.Key), " = ", s.bind(k))
	return s.done(), nil
}

// Insert renders an insert of rec, including its version.
func (c *Compiler) Insert(desc *entity.Descriptor, rec ir.Object) (Statement, error) {
	s := c.stmt()
	cols := Columns(desc)
	names := make([]string, len(cols))
	values := make([]string, len(cols))
	for i, col := range cols {
		v, err := c.param(col, rec[col.Name])
		if err != nil {
			return Statement{}, repoerr.Schema(desc.Name, "property %s: %v", col.Name, err)
		}
		names[i] = compiler.QuoteIdent(col.Name)
		values[i] = s.bind(v)
	}
	s.write("INSERT INTO ", compiler.QuoteIdent(desc.Name), " (", strings.Join(names, ", "),
		") VALUES (", strings.Join(values, ", "), ")")
	return s.done(), nil
}

// UpdateVersioned renders a full overwrite of the record with the given key,
// guarded by its expected version. rec carries the new version. The
// statement affects no row when the stored version differs.
func (c *Compiler) UpdateVersioned(desc *entity.Descriptor, key ir.Value, version int64, rec ir.Object) (Statement, error) {
	s := c.stmt()
	var sets []string
	for _, col := range Columns(desc) {
		if col.Key {
			continue
		}
		v, err := c.param(col, rec[col.Name])
		if err != nil {
			return Statement{}, repoerr.Schema(desc.Name, "property %s: %v", col.Name, err)
		}
		sets = append(sets, compiler.QuoteIdent(col.Name)+" = "+s.bind(v))
	}
	k, err := compiler.ParamValue(key)
	if err != nil {
		return Statement{}, err
	}
	s.write("UPDATE ", compiler.QuoteIdent(desc.Name), " SET ", strings.Join(sets, ", "),
		" WHERE ", compiler.QuoteIdent(desc.Key), " = ", s.bind(k),
		" AND ", compiler.QuoteIdent(entity.VersionProperty), " = ", s.bind(version))
	return s.done(), nil
}

// DeleteVersioned renders a delete of the record with the given key, guarded
// by its expected version.
func (c *Compiler) DeleteVersioned(desc *entity.Descriptor, key ir.Value, version int64) (Statement, error) {
	s := c.stmt()
	k, err := compiler.ParamValue(key)
	if err != nil {
		return Statement{}, err
	}
	s.write("DELETE FROM ", compiler.QuoteIdent(desc.Name),
		" WHERE ", compiler.QuoteIdent(desc.Key), " = ", s.bind(k),
		" AND ", compiler.QuoteIdent(entity.VersionProperty), " = ", s.bind(version))
	return s.done(), nil
}

// Update renders a bulk assignment. Every affected row has its version
// incremented.
func (c *Compiler) Update(u *query.UpdateInfo) (Statement, error) {
	if len(u.Set) == 0 {
		return Statement{}, repoerr.Schema(u.Entity.Name, "update without assignments")
	}
	desc := u.Entity
	qual := compiler.QuoteIdent(desc.Name)
	s := c.stmt()
	s.write("UPDATE ", qual, " SET ")

	for i, a := range u.Set {
		if i > 0 {
			s.write(", ")
		}
		steps, err := c.Registry.ResolvePath(desc, a.Path)
		if err != nil {
			return Statement{}, err
		}
		head := steps[0].Prop
		if head.Name == desc.Key || head.Name == entity.VersionProperty {
			return Statement{}, repoerr.Schema(desc.Name, "cannot assign %s", head.Name)
		}
		col := compiler.QuoteIdent(head.Name)

		if len(a.Path) > 1 {
			if cst, ok := a.Value.(expr.Const); ok {
				data, err := ir.Marshal(cst.Value)
				if err != nil {
					return Statement{}, err
				}
				s.write(col, " = ", c.Dialect.jsonSet(col, a.Path.Tail(), s.bind(string(data)), true))
				continue
			}
			value, err := s.expr(desc, qual, a.Value)
			if err != nil {
				return Statement{}, fmt.Errorf("compile assignment %s: %w", a.Path, err)
			}
			s.write(col, " = ", c.Dialect.jsonSet(col, a.Path.Tail(), value, false))
			continue
		}

		if cst, ok := a.Value.(expr.Const); ok {
			v, err := c.param(Column{Name: head.Name, Kind: head.Kind, JSON: !head.IsScalar() || head.Kind == ir.KindNull}, cst.Value)
			if err != nil {
				return Statement{}, repoerr.Schema(desc.Name, "property %s: %v", head.Name, err)
			}
			s.write(col, " = ", s.bind(v))
			continue
		}
		value, err := s.expr(desc, qual, a.Value)
		if err != nil {
			return Statement{}, fmt.Errorf("compile assignment %s: %w", a.Path, err)
		}
		s.write(col, " = ", value)
	}
	version := compiler.QuoteIdent(entity.VersionProperty)
	s.write(", ", version, " = ", version, " + 1")

	if err := s.where(desc, u.Predicate, u.Limit); err != nil {
		return Statement{}, err
	}
	return s.done(), nil
}

// Delete renders a bulk delete.
func (c *Compiler) Delete(d *query.DeleteInfo) (Statement, error) {
	s := c.stmt()
	s.write("DELETE FROM ", compiler.QuoteIdent(d.Entity.Name))
	if err := s.where(d.Entity, d.Predicate, d.Limit); err != nil {
		return Statement{}, err
	}
	return s.done(), nil
}

// where renders the WHERE clause of a bulk command. A limit selects the
// first keys in key order through a subquery.
func (s *stmt) where(desc *entity.Descriptor, pred expr.Expr, limit int) error {
	qual := compiler.QuoteIdent(desc.Name)
	key := qual + "." + compiler.QuoteIdent(desc.Key)
	if limit <= 0 {
		if pred == nil {
			return nil
		}
		where, err := s.expr(desc, qual, pred)
		if err != nil {
			return fmt.Errorf("compile predicate: %w", err)
		}
		s.write(" WHERE ", where)
		return nil
	}
	s.write(" WHERE ", key, " IN (SELECT ", key, " FROM ", qual)
	if pred != nil {
		where, err := s.expr(desc, qual, pred)
		if err != nil {
			return fmt.Errorf("compile predicate: %w", err)
		}
		s.write(" WHERE ", where)
	}
	s.write(" ORDER BY ", key, " ASC LIMIT ", strconv.Itoa(limit), ")")
	return nil
}

// param converts a property value to a driver parameter for col.
func (c *Compiler) param(col Column, v ir.Value) (any, error) {
	if v == nil || ir.IsNull(v) {
		return nil, nil
	}
	if col.JSON {
		data, err := ir.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	if col.Kind != ir.KindNull {
		conv, err := ir.Coerce(v, col.Kind)
		if err != nil {
			return nil, err
		}
		v = conv
	}
	return compiler.ParamValue(v)
}

// Decode converts one row, scanned in Columns order, to a record. SQL NULL
// columns are left out.
func (c *Compiler) Decode(desc *entity.Descriptor, raw []any) (ir.Object, error) {
	cols := Columns(desc)
	if len(raw) != len(cols) {
		return nil, repoerr.Schema(desc.Name, "row has %d columns, want %d", len(raw), len(cols))
	}
	rec := make(ir.Object, len(cols))
	for i, col := range cols {
		if raw[i] == nil {
			continue
		}
		v, err := ir.FromGo(raw[i])
		if err != nil {
			return nil, repoerr.Schema(desc.Name, "column %s: %v", col.Name, err)
		}
		if col.JSON {
			s, ok := v.(ir.String)
			if !ok {
				return nil, repoerr.Schema(desc.Name, "column %s: JSON column holds %s", col.Name, ir.KindOf(v))
			}
			if v, err = ir.ParseJSON([]byte(s)); err != nil {
				return nil, repoerr.Schema(desc.Name, "column %s: %v", col.Name, err)
			}
		}
		rec[col.Name] = v
	}
	return desc.Coerce(rec)
}
