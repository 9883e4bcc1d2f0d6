package store

import (
	"context"
	"fmt"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/querysql"
)

// Select returns the records matched by q in query order.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) Select(ctx context.Context, q *query.Info) ([]ir.Object, error) {
	if err := s.Ensure(ctx, q.Entity); err != nil {
		return nil, err
	}
	stmt, err := s.sql.Select(q)
	if err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, q.Entity, stmt)
}

// Aggregate reduces the records matched by q to one value.
func (s *Store) Aggregate(ctx context.Context, q *query.Info, agg query.Aggregator) (ir.Value, error) {
	if err := s.Ensure(ctx, q.Entity); err != nil {
		return nil, err
	}
	stmt, err := s.sql.Aggregate(q, agg)
	if err != nil {
		return nil, err
	}
	var raw any
	if err := s.conn(ctx).QueryRowContext(ctx, stmt.SQL, stmt.Params...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", q.Entity.Name, err)
	}
	return s.sql.DecodeAggregate(agg, raw)
}

// Lookup returns the record of desc with the given key.
func (s *Store) Lookup(ctx context.Context, desc *entity.Descriptor, key ir.Value) (ir.Object, bool, error) {
	if err := s.Ensure(ctx, desc); err != nil {
		return nil, false, err
	}
	stmt, err := s.sql.Lookup(desc, key)
	if err != nil {
		return nil, false, err
	}
	recs, err := s.queryRecords(ctx, desc, stmt)
	if err != nil {
		return nil, false, err
	}
	if len(recs) == 0 {
		return nil, false, nil
	}
	return recs[0], true, nil
}

// queryRecords runs stmt and decodes every row as a record of desc.
func (s *Store) queryRecords(ctx context.Context, desc *entity.Descriptor, stmt querysql.Statement) ([]ir.Object, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", desc.Name, err)
	}
	defer rows.Close()

	width := len(querysql.Columns(desc))
	recs := []ir.Object{}
	for rows.Next() {
		raw := make([]any, width)
		dest := make([]any, width)
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", desc.Name, err)
		}
		rec, err := s.sql.Decode(desc, raw)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", desc.Name, err)
	}
	return recs, nil
}
