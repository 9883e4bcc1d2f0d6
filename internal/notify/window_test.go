package notify

import (
	"cmp"
	"context"
	"math/rand/v2"
	"slices"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	id, v int
}

func rowKey(r row) string     { return strconv.Itoa(r.id) }
func byValue(a, b row) int    { return cmp.Compare(a.v, b.v) }
func values(rows []row) []int { return mapRows(rows, func(r row) int { return r.v }) }
func ids(rows []row) []int    { return mapRows(rows, func(r row) int { return r.id }) }
func intKey(v int) string     { return strconv.Itoa(v) }

func mapRows(rows []row, f func(row) int) []int {
	out := make([]int, len(rows))
	for i, r := range rows {
		out[i] = f(r)
	}
	return out
}

func TestNewWindow_NeedsOrder(t *testing.T) {
	_, err := NewWindow[int](intKey, nil, 2, nil)
	assert.ErrorIs(t, err, ErrUnordered)

	_, err = NewWindow(intKey, cmp.Compare[int], 0, nil)
	assert.Error(t, err)
}

func TestWindow_FilteredInserts(t *testing.T) {
	w, err := NewWindow(intKey, cmp.Compare[int], 2, nil)
	require.NoError(t, err)
	over5 := func(v int) (bool, error) { return v > 5, nil }

	var snap []int
	for i, total := range []int{10, 3, 7, 1, 9} {
		batch, err := FilterBatch(Batch(Create(total, int64(i+1))), over5)
		require.NoError(t, err)
		snap, err = w.Apply(context.Background(), batch)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{7, 9}, snap)

	beyond, exact := w.Beyond()
	assert.Equal(t, 1, beyond)
	assert.True(t, exact)
}

func TestWindow_Steps(t *testing.T) {
	ctx := context.Background()
	a, b, c, d := row{1, 10}, row{2, 20}, row{3, 30}, row{4, 40}

	tests := []struct {
		name    string
		seed    []row
		offset  int
		batch   []Notification[row]
		want    []int
		offset2 int
	}{
		{
			name:  "create inside evicts tail",
			seed:  []row{a, c},
			batch: Batch(Create(b, 1)),
			want:  []int{10, 20},
		},
		{
			name:  "create past full tail is dropped",
			seed:  []row{a, b},
			batch: Batch(Create(d, 1)),
			want:  []int{10, 20},
		},
		{
			name:  "modify reorders",
			seed:  []row{a, b},
			batch: Batch(Modify(b, row{2, 5}, 1)),
			want:  []int{5, 10},
		},
		{
			name:  "delete shrinks without refill",
			seed:  []row{a, b},
			batch: Batch(Delete(a, 1)),
			want:  []int{20},
		},
		{
			name:    "anchored create before first moves offset",
			seed:    []row{c, d},
			offset:  2,
			batch:   Batch(Create(a, 1)),
			want:    []int{30, 40},
			offset2: 3,
		},
		{
			name:    "anchored delete before first moves offset",
			seed:    []row{c, d},
			offset:  2,
			batch:   Batch(Delete(a, 1)),
			want:    []int{30, 40},
			offset2: 1,
		},
		{
			name:    "anchored modify of first stays",
			seed:    []row{c, d},
			offset:  2,
			batch:   Batch(Modify(c, row{3, 35}, 1)),
			want:    []int{35, 40},
			offset2: 2,
		},
		{
			name:    "anchored modify moving before first leaves",
			seed:    []row{c, d},
			offset:  2,
			batch:   Batch(Modify(d, row{4, 5}, 1)),
			want:    []int{30},
			offset2: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWindow(rowKey, byValue, 2, nil)
			require.NoError(t, err)
			w.Seed(tt.seed, tt.offset)

			got, err := w.Apply(ctx, tt.batch)
			require.NoError(t, err)
			assert.Equal(t, tt.want, values(got))
			assert.Equal(t, tt.offset2, w.Offset())
		})
	}
}

func TestWindow_RefillAfterDelete(t *testing.T) {
	all := []row{{1, 10}, {2, 20}, {3, 30}, {4, 40}}
	var asked [][2]int
	refill := func(_ context.Context, skip, n int) ([]row, error) {
		asked = append(asked, [2]int{skip, n})
		rest := all[1:] // row 1 is gone
		return page(rest, skip, n), nil
	}
	w, err := NewWindow(rowKey, byValue, 2, refill)
	require.NoError(t, err)
	w.Seed(all[:2], 0)

	got, err := w.Apply(context.Background(), Batch(Delete(all[0], 1)))
	require.NoError(t, err)
	assert.Equal(t, []int{20, 30}, values(got))
	assert.Equal(t, [][2]int{{1, 1}}, asked)
}

// page returns up to n items starting at skip.
func page[E any](items []E, skip, n int) []E {
	if skip >= len(items) {
		return nil
	}
	items = items[skip:]
	if n < len(items) {
		items = items[:n]
	}
	return items
}

// TestWindow_MatchesTopN checks that after every batch of random creates,
// modifies and deletes, a refilled window equals the first N values of
// the full sorted set.
func TestWindow_MatchesTopN(t *testing.T) {
	const limit = 5
	r := rand.New(rand.NewPCG(1, 2))

	truth := map[int]row{}
	sorted := func() []row {
		out := make([]row, 0, len(truth))
		for _, v := range truth {
			out = append(out, v)
		}
		slices.SortFunc(out, func(a, b row) int {
			if c := byValue(a, b); c != 0 {
				return c
			}
			return cmp.Compare(rowKey(a), rowKey(b))
		})
		return out
	}
	refill := func(_ context.Context, skip, n int) ([]row, error) {
		return page(sorted(), skip, n), nil
	}
	w, err := NewWindow(rowKey, byValue, limit, refill)
	require.NoError(t, err)

	nextID := 1
	var seq int64
	for step := 0; step < 2000; step++ {
		var batch []Notification[row]
		for n := 1 + r.IntN(3); n > 0; n-- {
			seq++
			existing := make([]int, 0, len(truth))
			for id := range truth {
				existing = append(existing, id)
			}
			slices.Sort(existing)

			switch op := r.IntN(3); {
			case op == 0 || len(existing) == 0:
				v := row{nextID, r.IntN(50)}
				nextID++
				truth[v.id] = v
				batch = append(batch, Create(v, seq))
			case op == 1:
				old := truth[existing[r.IntN(len(existing))]]
				v := row{old.id, r.IntN(50)}
				truth[v.id] = v
				batch = append(batch, Modify(old, v, seq))
			default:
				old := truth[existing[r.IntN(len(existing))]]
				delete(truth, old.id)
				batch = append(batch, Delete(old, seq))
			}
		}

		got, err := w.Apply(context.Background(), Batch(batch...))
		require.NoError(t, err)
		want := page(sorted(), 0, limit)
		require.Equal(t, ids(want), ids(got), "step %d", step)
	}
}
