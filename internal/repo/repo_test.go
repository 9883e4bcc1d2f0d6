package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/repoerr"
	"github.com/roach88/quarry/internal/store/memstore"
	"github.com/roach88/quarry/internal/testutil"
)

type Order struct {
	ID      int    `json:"id"`
	Status  string `json:"status"`
	Total   int    `json:"total"`
	Version int64  `json:"version"`
}

func newOrders(t *testing.T) *Repository[int, Order] {
	t.Helper()
	reg := testutil.Registry(t)
	p, err := provider.New(context.Background(), memstore.New(reg), reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return New[int, Order](p, testutil.Order, entity.JSONCodec[Order]{Desc: testutil.Order})
}

func seed(t *testing.T, r *Repository[int, Order], orders ...Order) {
	t.Helper()
	for _, o := range orders {
		_, err := r.Entities().Put(context.Background(), o)
		require.NoError(t, err)
	}
}

func recv[E any](t *testing.T, s *notify.Stream[E]) E {
	t.Helper()
	select {
	case v, ok := <-s.C():
		require.True(t, ok, "stream ended: %v", s.Err())
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the stream")
	}
	var zero E
	return zero
}

func ids(orders []Order) []int {
	out := make([]int, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

func paid() expr.Expr { return expr.Eq(expr.Str("status"), expr.C("PAID")) }

func TestRepository_Reads(t *testing.T) {
	ctx := context.Background()
	r := newOrders(t)
	seed(t, r,
		Order{ID: 1, Status: "NEW", Total: 30},
		Order{ID: 2, Status: "PAID", Total: 10},
		Order{ID: 3, Status: "PAID", Total: 20},
	)

	t.Run("get", func(t *testing.T) {
		got, ok, err := r.Get(ctx, 2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, Order{ID: 2, Status: "PAID", Total: 10}, got)

		_, ok, err = r.Get(ctx, 9)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("find", func(t *testing.T) {
		got, err := r.Find(ctx, paid())
		require.NoError(t, err)
		assert.ElementsMatch(t, []int{2, 3}, ids(got))
	})

	t.Run("query", func(t *testing.T) {
		got, err := r.Query().OrderBy("total", false).Skip(1).Limit(1).Select(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{3}, ids(got))
	})

	t.Run("projection", func(t *testing.T) {
		got, err := r.Query().Where(expr.Eq(expr.P("id"), expr.C(1))).Project("total").Values(ctx)
		require.NoError(t, err)
		assert.Equal(t, []ir.Value{ir.Object{"total": ir.Int(30)}}, got)
	})

	t.Run("count and aggregate", func(t *testing.T) {
		n, err := r.Count(ctx, paid())
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		all, err := r.Count(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(3), all)

		sum, err := r.Query().Aggregate(ctx, query.Sum(expr.Num("total")))
		require.NoError(t, err)
		assert.Equal(t, 60.0, ir.ToFloat(sum))
	})
}

func TestRepository_Commands(t *testing.T) {
	ctx := context.Background()
	r := newOrders(t)
	seed(t, r,
		Order{ID: 1, Status: "NEW", Total: 30},
		Order{ID: 2, Status: "NEW", Total: 10},
		Order{ID: 3, Status: "PAID", Total: 20},
	)

	n, err := r.Update().SetValue("status", "PAID").Where(expr.Eq(expr.Str("status"), expr.C("NEW"))).Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	count, err := r.Count(ctx, paid())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	n, err = r.Delete().Where(expr.Lt(expr.Num("total"), expr.C(25))).Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	left, err := r.Find(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ids(left))
}

func TestEntities_Update(t *testing.T) {
	ctx := context.Background()
	r := newOrders(t)

	created, err := r.Entities().Update(ctx, 1, func(cur *Order) (*Order, error) {
		require.Nil(t, cur)
		return &Order{ID: 1, Status: "NEW", Total: 5}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, &Order{ID: 1, Status: "NEW", Total: 5, Version: 0}, created)

	updated, err := r.Entities().Update(ctx, 1, func(cur *Order) (*Order, error) {
		cur.Total += 10
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 15, updated.Total)
	assert.Equal(t, int64(1), updated.Version)

	t.Run("conflict", func(t *testing.T) {
		_, err := r.Entities().Update(ctx, 1, func(cur *Order) (*Order, error) {
			if _, err := r.Entities().Update(ctx, 1, func(inner *Order) (*Order, error) {
				inner.Status = "PAID"
				return inner, nil
			}); err != nil {
				return nil, err
			}
			cur.Total = 0
			return cur, nil
		})
		assert.True(t, repoerr.IsConflict(err))
		got, _, err := r.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, Order{ID: 1, Status: "PAID", Total: 15, Version: 2}, got)
	})

	t.Run("update all", func(t *testing.T) {
		got, err := r.Entities().UpdateAll(ctx, []int{1, 2}, func(cur *Order) (*Order, error) {
			if cur == nil {
				return &Order{ID: 2, Status: "NEW", Total: 1}, nil
			}
			cur.Total++
			return cur, nil
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 16, got[0].Total)
		assert.Equal(t, 1, got[1].Total)
	})

	t.Run("remove", func(t *testing.T) {
		found, err := r.Entities().Remove(ctx, 2)
		require.NoError(t, err)
		assert.True(t, found)
		found, err = r.Entities().Remove(ctx, 2)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestLiveSelect(t *testing.T) {
	ctx := context.Background()
	r := newOrders(t)
	seed(t, r, Order{ID: 1, Status: "PAID", Total: 30}, Order{ID: 2, Status: "PAID", Total: 10})

	t.Run("as list", func(t *testing.T) {
		live, err := r.Query().Where(paid()).OrderBy("total", true).Limit(2).LiveSelect().AsList(ctx)
		require.NoError(t, err)
		defer live.Close()
		assert.Equal(t, []int{2, 1}, ids(recv(t, live)))

		seed(t, r, Order{ID: 3, Status: "PAID", Total: 20})
		assert.Equal(t, []int{2, 3}, ids(recv(t, live)))
	})

	t.Run("observe", func(t *testing.T) {
		obs, err := r.Observe(ctx, expr.Eq(expr.P("id"), expr.C(1)))
		require.NoError(t, err)
		defer obs.Close()
		first := recv(t, obs)
		require.True(t, first.IsCreate())
		assert.Equal(t, 30, first.New.Total)
		assert.True(t, recv(t, obs).IsBatchEnd())

		_, err = r.Entities().Update(ctx, 1, func(cur *Order) (*Order, error) {
			cur.Total = 31
			return cur, nil
		})
		require.NoError(t, err)
		change := recv(t, obs)
		require.True(t, change.IsModify())
		assert.Equal(t, 30, change.Old.Total)
		assert.Equal(t, 31, change.New.Total)
	})

	t.Run("changes", func(t *testing.T) {
		changes, err := r.Query().Where(paid()).LiveSelect().Changes(ctx)
		require.NoError(t, err)
		defer changes.Close()
		_, err = r.Entities().Remove(ctx, 2)
		require.NoError(t, err)
		n := recv(t, changes)
		require.True(t, n.IsDelete())
		assert.Equal(t, 2, n.Old.ID)
	})
}
