package decorator

import (
	"context"
	"slices"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/query"
)

type mandatory struct {
	provider.Provider
}

// MandatoryProperties adds the key and version properties to every query
// that projects a subset of properties, so that projected results can
// still be identified and written back. Mapped queries are left alone.
func MandatoryProperties() Decorator {
	return func(inner provider.Provider) provider.Provider {
		return &mandatory{Provider: inner}
	}
}

func withMandatory(q *query.Info) *query.Info {
	if len(q.Properties) == 0 || q.Mapping != nil || q.Entity == nil || q.Entity.Key == "" {
		return q
	}
	out := q.Clone()
	for _, name := range []string{q.Entity.Key, entity.VersionProperty} {
		p := expr.Path{name}
		if !slices.ContainsFunc(out.Properties, p.Equal) {
			out.Properties = append(out.Properties, p)
		}
	}
	return out
}

func (m *mandatory) Query(ctx context.Context, q *query.Info) ([]ir.Value, error) {
	return m.Provider.Query(ctx, withMandatory(q))
}

func (m *mandatory) LiveQuery(ctx context.Context, q *query.Info) (*notify.Stream[provider.Notification], error) {
	return m.Provider.LiveQuery(ctx, withMandatory(q))
}

func (m *mandatory) LiveList(ctx context.Context, q *query.Info) (*notify.Stream[[]ir.Value], error) {
	return m.Provider.LiveList(ctx, withMandatory(q))
}

func (m *mandatory) QueryAndObserve(ctx context.Context, q *query.Info) (*notify.Stream[provider.Notification], error) {
	return m.Provider.QueryAndObserve(ctx, withMandatory(q))
}
