// Package provider executes queries and commands against a storage backend.
//
// Provider is the capability set the decorator pipeline wraps. Engine is the
// innermost implementation: it compiles and runs queries on a store.Backend,
// owns the optimistic-concurrency read-modify-write cycle, and publishes
// every committed write to the live queries of its notification hub.
//
// Records cross this package as ir.Object values carrying the reserved
// version property. Typed values are the concern of the repo package.
package provider

import (
	"context"
	"errors"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/query"
)

// ErrClosed ends every live stream of a closed provider and is returned by
// operations started after Close.
var ErrClosed = errors.New("provider closed")

// Notification is one change of a live query result.
type Notification = notify.Notification[ir.Value]

// Updater computes the next state of a record from its current state. The
// current state is nil when no record exists. Returning nil deletes the
// record, or leaves it absent.
//
// An updater may run more than once when a write conflicts and is retried,
// so it must not have side effects.
type Updater func(current ir.Object) (ir.Object, error)

// Upsert is one read-modify-write of InsertOrUpdateAll.
type Upsert struct {
	Key ir.Value
	Fn  Updater
}

// Provider runs queries, commands and live queries.
type Provider interface {
	// Query returns the mapped, projected results of q.
	Query(ctx context.Context, q *query.Info) ([]ir.Value, error)

	// Aggregate reduces the results of q to one value.
	Aggregate(ctx context.Context, q *query.Info, agg query.Aggregator) (ir.Value, error)

	// InsertOrUpdate applies fn to the record of desc stored under key and
	// writes the result if the record did not change in between. It returns
	// the stored record, nil when none remains.
	InsertOrUpdate(ctx context.Context, desc *entity.Descriptor, key ir.Value, fn Updater) (ir.Object, error)

	// InsertOrUpdateAll runs several upserts as one unit. A conflict in any
	// of them aborts all.
	InsertOrUpdateAll(ctx context.Context, desc *entity.Descriptor, ups []Upsert) ([]ir.Object, error)

	// Update assigns properties of every matched record without a version
	// check and returns the number of records changed.
	Update(ctx context.Context, u *query.UpdateInfo) (int64, error)

	// Delete removes every matched record and returns how many.
	Delete(ctx context.Context, d *query.DeleteInfo) (int64, error)

	// LiveQuery streams the changes to the result set of q from now on.
	LiveQuery(ctx context.Context, q *query.Info) (*notify.Stream[Notification], error)

	// LiveList streams the full result of q, then a new snapshot after
	// every batch of changes. A limit requires a sort order.
	LiveList(ctx context.Context, q *query.Info) (*notify.Stream[[]ir.Value], error)

	// QueryAndObserve streams the current result of q as creates followed
	// by every later change.
	QueryAndObserve(ctx context.Context, q *query.Info) (*notify.Stream[Notification], error)

	Close() error
}
