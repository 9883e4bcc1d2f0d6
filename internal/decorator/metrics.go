package decorator

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/repoerr"
)

// MustRegisterMetrics registers the provider metrics on registry. It
// panics when metrics with the same names are already registered.
func MustRegisterMetrics(registry *prometheus.Registry) {
	registry.MustRegister(opDuration, opCounter, liveSubscriptions, liveEvents)
}

// Metrics samples the duration and outcome of every operation, the number
// of open live streams and the values they deliver.
func Metrics() Decorator {
	return func(inner provider.Provider) provider.Provider {
		return &around{
			inner: inner,
			call: func(ctx context.Context, c Call, fn func(ctx context.Context) error) error {
				start := time.Now()
				err := fn(ctx)
				sampleOp(c, time.Since(start), err)
				return err
			},
			changes: func(c Call, s *notify.Stream[provider.Notification]) *notify.Stream[provider.Notification] {
				return observeLive(c, s)
			},
			snapshots: func(c Call, s *notify.Stream[[]ir.Value]) *notify.Stream[[]ir.Value] {
				return observeLive(c, s)
			},
		}
	}
}

func observeLive[E any](c Call, s *notify.Stream[E]) *notify.Stream[E] {
	labels := prometheus.Labels{"op": c.Op, "entity": c.Entity}
	gauge := liveSubscriptions.With(labels)
	events := liveEvents.With(labels)
	gauge.Inc()
	out := tap(s, func(E) { events.Inc() })
	go func() {
		<-out.Done()
		gauge.Dec()
	}()
	return out
}

func sampleOp(c Call, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		if code := repoerr.CodeOf(err); code != "" {
			status = string(code)
		}
	}
	labels := prometheus.Labels{
		"op":     c.Op,
		"entity": c.Entity,
		"status": status,
	}
	opDuration.With(labels).Observe(elapsed.Seconds())
	opCounter.With(labels).Inc()
}

var (
	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "quarry_operation_duration_seconds",
			Help: "Duration of repository operations, live subscriptions until the stream opens",
			Buckets: []float64{
				.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"op", "entity", "status"},
	)
	opCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_operations_total",
			Help: "Count of repository operations",
		},
		[]string{"op", "entity", "status"},
	)
	liveSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_live_subscriptions",
			Help: "Number of open live streams",
		},
		[]string{"op", "entity"},
	)
	liveEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_live_events_total",
			Help: "Count of values delivered on live streams",
		},
		[]string{"op", "entity"},
	)
)
