// Package storetest holds the behavior every store.Backend and
// store.ChangeLog must share. Each backend package runs the suites against
// its own implementation.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/store"
	"github.com/roach88/quarry/internal/testutil"
)

// Opener returns a fresh, empty backend for reg. The backend is closed by
// the suite.
type Opener func(t *testing.T, reg *entity.Registry) store.Backend

// Run exercises b's reads and writes against the fixture entities.
func Run(t *testing.T, open Opener) {
	seed := func(t *testing.T, totals ...int) store.Backend {
		t.Helper()
		b := open(t, testutil.Registry(t))
		t.Cleanup(func() { b.Close() })
		ctx := context.Background()
		for _, c := range testutil.Customers(map[int]string{7: "ada"}) {
			require.NoError(t, b.Insert(ctx, testutil.Customer, c))
		}
		for _, o := range testutil.Orders(totals...) {
			require.NoError(t, b.Insert(ctx, testutil.Order, o))
		}
		return b
	}
	over5 := expr.Gt(expr.Num("total"), expr.C(5))

	t.Run("insert and lookup", func(t *testing.T) {
		b := seed(t)
		ctx := context.Background()
		rec := ir.Object{
			"id":       ir.Int(1),
			"status":   ir.String("NEW"),
			"total":    ir.Int(12),
			"customer": ir.Int(7),
			"address":  ir.Object{"city": ir.String("Oslo"), "zip": ir.String("0150")},
			"tags":     ir.Array{ir.String("gift"), ir.String("rush")},
			"version":  ir.Int(1),
		}
		require.NoError(t, b.Insert(ctx, testutil.Order, rec))

		got, found, err := b.Lookup(ctx, testutil.Order, ir.Int(1))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, rec, got)

		_, found, err = b.Lookup(ctx, testutil.Order, ir.Int(2))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("duplicate key", func(t *testing.T) {
		b := seed(t, 10)
		err := b.Insert(context.Background(), testutil.Order, testutil.Orders(99)[0])
		require.Error(t, err)
		assert.True(t, errors.Is(err, store.ErrDuplicateKey), "got %v", err)
	})

	t.Run("versioned update", func(t *testing.T) {
		b := seed(t, 10)
		ctx := context.Background()
		next := testutil.Orders(11)[0]
		next["version"] = ir.Int(2)

		n, err := b.UpdateVersioned(ctx, testutil.Order, ir.Int(1), 5, next)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "stale version must not write")

		n, err = b.UpdateVersioned(ctx, testutil.Order, ir.Int(1), 1, next)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, _, err := b.Lookup(ctx, testutil.Order, ir.Int(1))
		require.NoError(t, err)
		assert.Equal(t, ir.Int(11), got["total"])
		assert.Equal(t, int64(2), entity.VersionOf(got))
	})

	t.Run("versioned delete", func(t *testing.T) {
		b := seed(t, 10)
		ctx := context.Background()

		n, err := b.DeleteVersioned(ctx, testutil.Order, ir.Int(1), 2)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		n, err = b.DeleteVersioned(ctx, testutil.Order, ir.Int(1), 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, found, err := b.Lookup(ctx, testutil.Order, ir.Int(1))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("select filters sorts and pages", func(t *testing.T) {
		b := seed(t, 10, 3, 7, 1, 9)
		ctx := context.Background()

		tests := []struct {
			name string
			q    *query.Info
			want []int64
		}{
			{"top two over five", query.From(testutil.Order).Where(over5).OrderBy("total", true).Limit(2).Build(), []int64{7, 9}},
			{"descending with skip", query.From(testutil.Order).OrderBy("total", false).Skip(1).Limit(3).Build(), []int64{9, 7, 3}},
			{"key order by default", query.From(testutil.Order).Build(), []int64{10, 3, 7, 1, 9}},
			{"status then total", query.From(testutil.Order).OrderBy("status", true).OrderBy("total", false).Build(), []int64{10, 9, 7, 3, 1}},
			{"embedded path", query.From(testutil.Order).Where(expr.Eq(expr.Str("address", "city"), expr.C("Oslo"))).Limit(1).Build(), []int64{10}},
			{"reference path", query.From(testutil.Order).Where(expr.Eq(expr.Str("customer", "name"), expr.C("ada"))).Skip(4).Build(), []int64{9}},
			{"no match", query.From(testutil.Order).Where(expr.Eq(expr.Str("customer", "name"), expr.C("bob"))).Build(), []int64{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				recs, err := b.Select(ctx, tt.q)
				require.NoError(t, err)
				assert.Equal(t, tt.want, testutil.Totals(t, testutil.Values(recs)))
			})
		}
	})

	t.Run("contains", func(t *testing.T) {
		b := seed(t)
		ctx := context.Background()
		orders := testutil.Orders(10, 3, 7)
		orders[0]["tags"] = ir.Array{ir.String("gift"), ir.String("rush")}
		orders[1]["tags"] = ir.Array{ir.String("rushed")}
		orders[2]["tags"] = ir.Array{}
		for _, o := range orders {
			require.NoError(t, b.Insert(ctx, testutil.Order, o))
		}

		tests := []struct {
			name string
			pred expr.Expr
			want []int64
		}{
			{"collection member", expr.Contains(expr.Coll("tags"), expr.C("rush")), []int64{10}},
			{"no partial members", expr.Contains(expr.Coll("tags"), expr.C("rus")), []int64{}},
			{"substring", expr.Contains(expr.Str("status"), expr.C("AI")), []int64{3}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				recs, err := b.Select(ctx, query.From(testutil.Order).Where(tt.pred).Build())
				require.NoError(t, err)
				assert.Equal(t, tt.want, testutil.Totals(t, testutil.Values(recs)))
			})
		}
	})

	t.Run("aggregate", func(t *testing.T) {
		b := seed(t, 10, 3, 7, 1, 9)
		ctx := context.Background()

		tests := []struct {
			name string
			q    *query.Info
			agg  query.Aggregator
			want ir.Value
		}{
			{"count", query.From(testutil.Order).Where(over5).Build(), query.Count(), ir.Int(3)},
			{"sum", query.From(testutil.Order).Where(over5).Build(), query.Sum(expr.Num("total")), ir.Int(26)},
			{"max", query.From(testutil.Order).Build(), query.Max(expr.Num("total")), ir.Int(10)},
			{"sum of paged", query.From(testutil.Order).OrderBy("total", true).Limit(2).Build(), query.Sum(expr.Num("total")), ir.Int(4)},
			{"count of nothing", query.From(testutil.Order).Where(expr.Gt(expr.Num("total"), expr.C(100))).Build(), query.Count(), ir.Int(0)},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := b.Aggregate(ctx, tt.q, tt.agg)
				require.NoError(t, err)
				assert.Zero(t, ir.Compare(tt.want, got), "got %v", got)
			})
		}
	})

	t.Run("bulk update", func(t *testing.T) {
		b := seed(t, 10, 3, 7)
		ctx := context.Background()

		n, err := b.Update(ctx, query.Update(testutil.Order).
			Set("status", expr.C("DONE")).
			Where(expr.Eq(expr.Str("status"), expr.C("NEW"))).
			Build())
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		for id, want := range map[int64]string{1: "DONE", 2: "PAID", 3: "DONE"} {
			got, _, err := b.Lookup(ctx, testutil.Order, ir.Int(id))
			require.NoError(t, err)
			assert.Equal(t, ir.String(want), got["status"], "order %d", id)
			if want == "DONE" {
				assert.Equal(t, int64(2), entity.VersionOf(got), "order %d", id)
			}
		}
	})

	t.Run("bulk delete with limit", func(t *testing.T) {
		b := seed(t, 10, 3, 7, 1, 9)
		ctx := context.Background()

		n, err := b.Delete(ctx, query.Delete(testutil.Order).Where(over5).Limit(2).Build())
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		recs, err := b.Select(ctx, query.From(testutil.Order).Build())
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 1, 9}, testutil.Totals(t, testutil.Values(recs)))
	})

	t.Run("atomic", func(t *testing.T) {
		b := seed(t)
		ctx := context.Background()
		orders := testutil.Orders(1, 2)
		boom := errors.New("boom")

		err := b.Atomic(ctx, func(ctx context.Context) error {
			require.NoError(t, b.Insert(ctx, testutil.Order, orders[0]))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, found, err := b.Lookup(ctx, testutil.Order, ir.Int(1))
		require.NoError(t, err)
		assert.False(t, found, "rolled back insert is visible")

		err = b.Atomic(ctx, func(ctx context.Context) error {
			for _, o := range orders {
				if err := b.Insert(ctx, testutil.Order, o); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
		recs, err := b.Select(ctx, query.From(testutil.Order).Build())
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})
}

// ChangeLogOpener returns a fresh, empty change log.
type ChangeLogOpener func(t *testing.T) store.ChangeLog

// RunChangeLog exercises a change log.
func RunChangeLog(t *testing.T, open ChangeLogOpener) {
	orders := testutil.Orders(10, 3)
	updated := orders[0].Clone()
	updated["total"] = ir.Int(11)
	updated["version"] = ir.Int(2)
	changes := []store.Change{
		{Seq: 1, Entity: "Order", Key: ir.Int(1), New: orders[0]},
		{Seq: 2, Entity: "Order", Key: ir.Int(2), New: orders[1]},
		{Seq: 3, Entity: "Order", Key: ir.Int(1), Old: orders[0], New: updated},
		{Seq: 4, Entity: "Order", Key: ir.Int(2), Old: orders[1]},
	}

	t.Run("empty", func(t *testing.T) {
		log := open(t)
		seq, err := log.LastSeq(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(0), seq)

		got, err := log.Since(context.Background(), 0, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("append and read", func(t *testing.T) {
		log := open(t)
		ctx := context.Background()
		for _, c := range changes {
			require.NoError(t, log.Append(ctx, c))
		}

		seq, err := log.LastSeq(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), seq)

		got, err := log.Since(ctx, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, changes[1:], got)

		got, err = log.Since(ctx, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, changes[:2], got)

		var replayed []int64
		require.NoError(t, store.Replay(ctx, log, 2, func(c store.Change) error {
			replayed = append(replayed, c.Seq)
			return nil
		}))
		assert.Equal(t, []int64{3, 4}, replayed)
	})
}
