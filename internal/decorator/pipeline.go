package decorator

import (
	"time"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/provider"
)

// Config selects the decorators Pipeline applies. The zero value applies
// none.
type Config struct {
	Metrics  bool
	Listener *Listener

	MandatoryProperties bool

	// References enables reference refresh of live queries.
	References *entity.Registry

	Share bool

	// RetryAttempts enables Retry when above one.
	RetryAttempts int
	Retry         []RetryOption

	// BatchSize enables Batch when above one.
	BatchSize  int
	BatchDelay time.Duration

	Pools    *Pools
	Admit    int64
	Timeouts *Timeouts
	Lock     *LockMode

	TakeUntilClose bool
}

// Decorators returns the decorators cfg selects, outermost first.
func (cfg Config) Decorators() []Decorator {
	var ds []Decorator
	add := func(on bool, d func() Decorator) {
		if on {
			ds = append(ds, d())
		}
	}
	add(cfg.Metrics, Metrics)
	add(cfg.Listener != nil, func() Decorator { return Listen(*cfg.Listener) })
	add(cfg.MandatoryProperties, MandatoryProperties)
	add(cfg.References != nil, func() Decorator { return RefreshReferences(cfg.References) })
	add(cfg.Share, Share)
	add(cfg.RetryAttempts > 1, func() Decorator {
		return Retry(append([]RetryOption{RetryAttempts(cfg.RetryAttempts)}, cfg.Retry...)...)
	})
	add(cfg.BatchSize > 1, func() Decorator { return Batch(cfg.BatchSize, cfg.BatchDelay) })
	add(cfg.Pools != nil, func() Decorator { return Schedule(*cfg.Pools) })
	add(cfg.Admit > 0, func() Decorator { return Admit(cfg.Admit) })
	add(cfg.Timeouts != nil, func() Decorator { return Timeout(*cfg.Timeouts) })
	add(cfg.Lock != nil, func() Decorator { return Lock(*cfg.Lock) })
	add(cfg.TakeUntilClose, TakeUntilClose)
	return ds
}

// Pipeline wraps base with the decorators cfg selects, in this order from
// the caller inwards: metrics, listener, mandatory properties, reference
// refresh, sharing, retry, batching, scheduling, admission, timeouts,
// locking, closing of live streams.
func Pipeline(base provider.Provider, cfg Config) provider.Provider {
	return Chain(base, cfg.Decorators()...)
}
