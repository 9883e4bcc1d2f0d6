package store

import (
	"context"
	"fmt"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/querysql"
)

// Insert stores a new record. rec must carry its version.
// A record with the same key yields ErrDuplicateKey.
func (s *Store) Insert(ctx context.Context, desc *entity.Descriptor, rec ir.Object) error {
	if err := s.Ensure(ctx, desc); err != nil {
		return err
	}
	stmt, err := s.sql.Insert(desc, rec)
	if err != nil {
		return err
	}
	if _, err := s.conn(ctx).ExecContext(ctx, stmt.SQL, stmt.Params...); err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("insert %s: %w: %v", desc.Name, ErrDuplicateKey, err)
		}
		return fmt.Errorf("insert %s: %w", desc.Name, err)
	}
	return nil
}

// UpdateVersioned overwrites the record with the given key if its stored
// version is still version. Returns the number of rows written, 0 or 1.
func (s *Store) UpdateVersioned(ctx context.Context, desc *entity.Descriptor, key ir.Value, version int64, rec ir.Object) (int64, error) {
	if err := s.Ensure(ctx, desc); err != nil {
		return 0, err
	}
	stmt, err := s.sql.UpdateVersioned(desc, key, version, rec)
	if err != nil {
		return 0, err
	}
	return s.exec(ctx, "update "+desc.Name, stmt)
}

// DeleteVersioned deletes the record with the given key if its stored
// version is still version. Returns the number of rows deleted, 0 or 1.
func (s *Store) DeleteVersioned(ctx context.Context, desc *entity.Descriptor, key ir.Value, version int64) (int64, error) {
	if err := s.Ensure(ctx, desc); err != nil {
		return 0, err
	}
	stmt, err := s.sql.DeleteVersioned(desc, key, version)
	if err != nil {
		return 0, err
	}
	return s.exec(ctx, "delete "+desc.Name, stmt)
}

// Update applies a bulk assignment and returns the number of rows changed.
func (s *Store) Update(ctx context.Context, u *query.UpdateInfo) (int64, error) {
	if err := s.Ensure(ctx, u.Entity); err != nil {
		return 0, err
	}
	stmt, err := s.sql.Update(u)
	if err != nil {
		return 0, err
	}
	return s.exec(ctx, "update "+u.Entity.Name, stmt)
}

// Delete removes the matched rows and returns how many were removed.
func (s *Store) Delete(ctx context.Context, d *query.DeleteInfo) (int64, error) {
	if err := s.Ensure(ctx, d.Entity); err != nil {
		return 0, err
	}
	stmt, err := s.sql.Delete(d)
	if err != nil {
		return 0, err
	}
	return s.exec(ctx, "delete "+d.Entity.Name, stmt)
}

func (s *Store) exec(ctx context.Context, op string, stmt querysql.Statement) (int64, error) {
	result, err := s.conn(ctx).ExecContext(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n, nil
}
