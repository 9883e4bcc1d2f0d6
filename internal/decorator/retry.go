package decorator

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/repoerr"
)

const (
	// DefaultRetryAttempts is the default number of attempts of one upsert.
	DefaultRetryAttempts = 10

	// DefaultMinRetryPeriod is the default sleep before the first retry,
	// doubled after every retry.
	DefaultMinRetryPeriod = 5 * time.Millisecond

	// DefaultMaxRetryPeriod is the default cap of the sleep between retries.
	DefaultMaxRetryPeriod = time.Second
)

type (
	// RetryOption configures Retry.
	RetryOption func(*retrier)

	retrier struct {
		provider.Provider
		attempts  int
		minPeriod time.Duration
		maxPeriod time.Duration
		jitter    time.Duration
		sleep     func(context.Context, time.Duration)
	}
)

// RetryAttempts caps the attempts of one upsert, the first included.
func RetryAttempts(n int) RetryOption {
	return func(r *retrier) { r.attempts = max(n, 1) }
}

// RetryPeriod sets the first and the longest sleep between attempts.
func RetryPeriod(minPeriod, maxPeriod time.Duration) RetryOption {
	return func(r *retrier) {
		r.minPeriod = minPeriod
		r.maxPeriod = max(minPeriod, maxPeriod)
	}
}

// RetryJitter adds a random duration in [0, jitter) to every sleep.
func RetryJitter(jitter time.Duration) RetryOption {
	return func(r *retrier) { r.jitter = jitter }
}

// RetrySleep replaces the sleep between attempts. It must return early
// when ctx is done.
func RetrySleep(sleep func(context.Context, time.Duration)) RetryOption {
	return func(r *retrier) { r.sleep = sleep }
}

// Retry re-runs upserts that fail with a concurrency conflict, sleeping
// with exponential backoff between attempts. The updater runs again on
// every attempt, against the record as it is then. Once the attempts are
// exhausted the last conflict is returned.
func Retry(options ...RetryOption) Decorator {
	return func(inner provider.Provider) provider.Provider {
		r := &retrier{
			Provider:  inner,
			attempts:  DefaultRetryAttempts,
			minPeriod: DefaultMinRetryPeriod,
			maxPeriod: DefaultMaxRetryPeriod,
			sleep:     defaultSleep,
		}
		for _, option := range options {
			option(r)
		}
		return r
	}
}

func (r *retrier) InsertOrUpdate(ctx context.Context, desc *entity.Descriptor, key ir.Value, fn provider.Updater) (ir.Object, error) {
	var out ir.Object
	err := r.do(ctx, OpUpsert, desc.Name, func() error {
		var err error
		out, err = r.Provider.InsertOrUpdate(ctx, desc, key, fn)
		return err
	})
	return out, err
}

func (r *retrier) InsertOrUpdateAll(ctx context.Context, desc *entity.Descriptor, ups []provider.Upsert) ([]ir.Object, error) {
	var out []ir.Object
	err := r.do(ctx, OpUpsertAll, desc.Name, func() error {
		var err error
		out, err = r.Provider.InsertOrUpdateAll(ctx, desc, ups)
		return err
	})
	return out, err
}

func (r *retrier) do(ctx context.Context, op, name string, fn func() error) error {
	sleepPeriod := r.minPeriod
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if !repoerr.IsConflict(err) || attempt >= r.attempts {
			return err
		}
		slog.Debug("retrying conflicting write", "op", op, "entity", name,
			"attempt", attempt, "sleep_period", sleepPeriod.String(), "error", err)
		r.sleep(ctx, r.addJitter(sleepPeriod))
		if ctx.Err() != nil {
			return err
		}
		sleepPeriod = min(sleepPeriod*2, r.maxPeriod)
	}
}

func (r *retrier) addJitter(v time.Duration) time.Duration {
	if r.jitter <= 0 {
		return v
	}
	return v + time.Duration(rand.Int64N(int64(r.jitter)))
}

func defaultSleep(ctx context.Context, period time.Duration) {
	sleepCtx, cancel := context.WithTimeout(ctx, period)
	defer cancel()
	<-sleepCtx.Done()
}
