package store

import (
	"context"
	"errors"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/query"
)

// ErrDuplicateKey is returned by Insert when a record with the same key is
// already stored.
var ErrDuplicateKey = errors.New("duplicate key")

// Backend is a storage driver.
//
// Select returns source records of q.Entity, filtered, sorted and paged.
// Paths through single-valued references are resolved by the backend;
// mapping, projection and distinct are left to the caller. Records always
// carry the version property.
//
// Atomic runs fn as one unit: every call made with the context passed to fn
// joins the unit, and nothing is visible to others unless fn returns nil.
// Nested Atomic calls join the outer unit.
type Backend interface {
	Ensure(ctx context.Context, desc *entity.Descriptor) error
	Select(ctx context.Context, q *query.Info) ([]ir.Object, error)
	Aggregate(ctx context.Context, q *query.Info, agg query.Aggregator) (ir.Value, error)
	Lookup(ctx context.Context, desc *entity.Descriptor, key ir.Value) (ir.Object, bool, error)
	Insert(ctx context.Context, desc *entity.Descriptor, rec ir.Object) error
	UpdateVersioned(ctx context.Context, desc *entity.Descriptor, key ir.Value, version int64, rec ir.Object) (int64, error)
	DeleteVersioned(ctx context.Context, desc *entity.Descriptor, key ir.Value, version int64) (int64, error)
	Update(ctx context.Context, u *query.UpdateInfo) (int64, error)
	Delete(ctx context.Context, d *query.DeleteInfo) (int64, error)
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
	Close() error
}

// Change is one published write. Old is nil for an insert and New is nil
// for a delete.
type Change struct {
	Seq    int64
	Entity string
	Key    ir.Value
	Old    ir.Object
	New    ir.Object
}

// ChangeLog persists changes in sequence order.
type ChangeLog interface {
	// Append stores c. Sequences must be increasing.
	Append(ctx context.Context, c Change) error

	// Since returns up to limit changes with a sequence greater than after,
	// oldest first. A limit of 0 means no limit.
	Since(ctx context.Context, after int64, limit int) ([]Change, error)

	// LastSeq returns the greatest stored sequence, or 0 for an empty log.
	LastSeq(ctx context.Context) (int64, error)
}
