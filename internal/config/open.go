package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/roach88/quarry/internal/decorator"
	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/store"
	"github.com/roach88/quarry/internal/store/memstore"
	"github.com/roach88/quarry/internal/store/mongostore"
	"github.com/roach88/quarry/internal/store/pgstore"
	"github.com/roach88/quarry/internal/store/redislog"
)

// Instance is an opened configuration: the engine over the configured
// backend, wrapped in the configured decorators.
type Instance struct {
	provider.Provider

	Engine   *provider.Engine
	Registry *entity.Registry

	// Metrics holds the operation metrics when they are enabled.
	Metrics *prometheus.Registry

	closers []func() error
}

// Open opens the backend, change log and relay of c and returns the
// decorated provider over them. extra options apply to the engine after
// the configured ones.
func (c *Config) Open(ctx context.Context, extra ...provider.Option) (inst *Instance, err error) {
	reg, err := c.Registry()
	if err != nil {
		return nil, err
	}
	inst = &Instance{Registry: reg}
	defer func() {
		if err != nil {
			_ = inst.shutdown()
		}
	}()

	backend, err := c.openBackend(ctx, reg)
	if err != nil {
		return nil, err
	}

	var opts []provider.Option
	switch c.ChangeLog.Kind {
	case "redis":
		log, err := redislog.Dial(ctx, c.ChangeLog.Addr, c.ChangeLog.Prefix)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		inst.closers = append(inst.closers, log.Close)
		opts = append(opts, provider.WithChangeLog(log))
	case "none":
		opts = append(opts, provider.WithoutChangeLog())
	}

	if c.Relay != nil {
		relayOpts, err := inst.openRelay(ctx, c.Relay)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		opts = append(opts, relayOpts...)
	}

	engine, err := provider.New(ctx, backend, reg, append(opts, extra...)...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	inst.Engine = engine

	// Without a relay, a log other processes append to is the only way to
	// hear about their writes.
	if w, ok := engine.ChangeLog().(provider.Watcher); ok && c.Relay == nil {
		after, err := engine.ChangeLog().LastSeq(ctx)
		if err != nil {
			_ = engine.Close()
			return nil, err
		}
		inst.closers = append(inst.closers, engine.Follow(w, after))
	}

	if c.Features.Metrics {
		inst.Metrics = prometheus.NewRegistry()
		decorator.MustRegisterMetrics(inst.Metrics)
	}
	inst.Provider = decorator.Pipeline(engine, c.Decorator(reg))

	slog.Info("quarry opened",
		"backend", c.Backend.Kind,
		"changelog", c.ChangeLog.Kind,
		"relay", c.Relay != nil,
		"entities", len(c.entities),
	)
	return inst, nil
}

var _ provider.Watcher = (*mongostore.Store)(nil)

func (c *Config) openBackend(ctx context.Context, reg *entity.Registry) (store.Backend, error) {
	switch c.Backend.Kind {
	case "memory":
		return memstore.New(reg), nil
	case "sqlite":
		return store.Open(c.Backend.Path, reg)
	case "postgres":
		return pgstore.Open(ctx, c.Backend.DSN, reg)
	case "mongo":
		return mongostore.Open(ctx, c.Backend.URI, c.Backend.Database, reg)
	}
	return nil, &LoadError{Code: ErrCodeBackend, Message: fmt.Sprintf("unknown backend %q", c.Backend.Kind)}
}

// openRelay opens the pubsub topic and subscription of r and starts feeding
// the batches of other processes into a shared hub.
func (inst *Instance) openRelay(ctx context.Context, r *Relay) ([]provider.Option, error) {
	topic, err := pubsub.OpenTopic(ctx, r.Topic)
	if err != nil {
		return nil, fmt.Errorf("open relay topic: %w", err)
	}
	inst.closers = append(inst.closers, func() error { return topic.Shutdown(context.Background()) })

	sub, err := pubsub.OpenSubscription(ctx, r.Subscription)
	if err != nil {
		return nil, fmt.Errorf("open relay subscription: %w", err)
	}

	hub := notify.NewHub[ir.Object]()
	relay := notify.NewRelay(hub, topic, sub)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() { done <- relay.Run(runCtx) }()

	inst.closers = append(inst.closers, func() error {
		cancel()
		err := <-done
		return errors.Join(err, sub.Shutdown(context.Background()))
	})
	return []provider.Option{provider.WithHub(hub), provider.WithRelay(relay)}, nil
}

// Close closes the provider, then the change log and relay.
func (inst *Instance) Close() error {
	var err error
	if inst.Provider != nil {
		err = inst.Provider.Close()
	}
	return errors.Join(err, inst.shutdown())
}

func (inst *Instance) shutdown() error {
	var errs []error
	for i := len(inst.closers) - 1; i >= 0; i-- {
		errs = append(errs, inst.closers[i]())
	}
	inst.closers = nil
	return errors.Join(errs...)
}
