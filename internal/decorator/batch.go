package decorator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/repoerr"
)

type batcher struct {
	provider.Provider
	size  int
	delay time.Duration

	mu   sync.Mutex
	open map[string]*batch // entity name -> batch taking upserts
}

// batch is a group of upserts of one entity type. The caller that opens
// it flushes it once it is full or its delay has passed.
type batch struct {
	desc *entity.Descriptor
	ups  []provider.Upsert
	full chan struct{}
	done chan struct{}
	out  []ir.Object
	errs []error
}

// Batch collects concurrent upserts of the same entity type into groups of
// at most size, written as one InsertOrUpdateAll. A group is flushed when
// it is full or delay after its first upsert. When the group write fails
// with a conflict, every upsert of the group is written on its own so that
// each caller sees its own outcome.
func Batch(size int, delay time.Duration) Decorator {
	return func(inner provider.Provider) provider.Provider {
		return &batcher{Provider: inner, size: max(size, 1), delay: delay, open: make(map[string]*batch)}
	}
}

func (b *batcher) InsertOrUpdate(ctx context.Context, desc *entity.Descriptor, key ir.Value, fn provider.Updater) (ir.Object, error) {
	b.mu.Lock()
	g, ok := b.open[desc.Name]
	leader := !ok
	if leader {
		g = &batch{desc: desc, full: make(chan struct{}), done: make(chan struct{})}
		b.open[desc.Name] = g
	}
	i := len(g.ups)
	g.ups = append(g.ups, provider.Upsert{Key: key, Fn: fn})
	if len(g.ups) >= b.size {
		delete(b.open, desc.Name)
		close(g.full)
	}
	b.mu.Unlock()

	if leader {
		b.await(g)
		g.flush(context.WithoutCancel(ctx), b.Provider)
		close(g.done)
	}
	select {
	case <-g.done:
		return g.out[i], g.errs[i]
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// await waits until g is full or its delay has passed, then closes it to
// new upserts.
func (b *batcher) await(g *batch) {
	timer := time.NewTimer(b.delay)
	defer timer.Stop()
	select {
	case <-g.full:
	case <-timer.C:
	}
	b.mu.Lock()
	if b.open[g.desc.Name] == g {
		delete(b.open, g.desc.Name)
	}
	b.mu.Unlock()
}

func (g *batch) flush(ctx context.Context, inner provider.Provider) {
	g.out = make([]ir.Object, len(g.ups))
	g.errs = make([]error, len(g.ups))
	if len(g.ups) == 1 {
		g.out[0], g.errs[0] = inner.InsertOrUpdate(ctx, g.desc, g.ups[0].Key, g.ups[0].Fn)
		return
	}
	out, err := inner.InsertOrUpdateAll(ctx, g.desc, g.ups)
	switch {
	case err == nil:
		copy(g.out, out)
	case repoerr.IsConflict(err):
		slog.Debug("batch conflict, writing upserts one by one", "entity", g.desc.Name, "size", len(g.ups))
		for i, u := range g.ups {
			g.out[i], g.errs[i] = inner.InsertOrUpdate(ctx, g.desc, u.Key, u.Fn)
		}
	default:
		for i := range g.errs {
			g.errs[i] = err
		}
	}
	slog.Debug("batch flushed", "entity", g.desc.Name, "size", len(g.ups))
}
