package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cuemby/ledgerlink/pkg/agent"
	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/drift"
	"github.com/cuemby/ledgerlink/pkg/events"
	"github.com/cuemby/ledgerlink/pkg/identity"
	"github.com/cuemby/ledgerlink/pkg/ledger"
	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/provider"
	"github.com/cuemby/ledgerlink/pkg/provider/accounting"
	"github.com/cuemby/ledgerlink/pkg/provider/pos"
	"github.com/cuemby/ledgerlink/pkg/provider/timetracking"
	"github.com/cuemby/ledgerlink/pkg/queue"
	"github.com/cuemby/ledgerlink/pkg/ratelimit"
	"github.com/cuemby/ledgerlink/pkg/replay"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/cuemby/ledgerlink/pkg/worker"
)

// engine holds every component built from one configuration
type engine struct {
	cfg      *config.Config
	clock    clock.Clock
	broker   *events.Broker
	store    storage.Store
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	ids      *identity.Map
	registry *provider.Registry
	source   ledger.Source
	drift    *drift.Detector
	replay   *replay.Engine
	agent    *agent.Agent

	closers []io.Closer
}

// openEngine wires the engine. Providers without a base_url are left out of
// the registry; jobs for them dead-letter as unknown provider.
func openEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	e := &engine{
		cfg:    cfg,
		clock:  clock.NewRealClock(),
		broker: events.NewBroker(),
	}
	logger := log.WithComponent("engine")

	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	e.store = store
	e.closers = append(e.closers, store)

	var window ratelimit.Window = ratelimit.NewStoreWindow(store)
	if cfg.RateLimit.Backend == "redis" {
		rw, err := ratelimit.OpenRedisWindow(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to open rate-limit backend: %w", err)
		}
		window = rw
		e.closers = append(e.closers, rw)
	}

	e.queue = queue.New(store, e.clock, cfg, e.broker)
	e.limiter = ratelimit.New(cfg, e.clock, window)
	e.ids = identity.New(store, e.clock, 0)

	e.registry, err = buildRegistry(cfg, e.clock, e.ids)
	if err != nil {
		e.Close()
		return nil, err
	}
	logger.Debug().Interface("providers", e.registry.Providers()).Msg("Provider adapters registered")

	if cfg.Ledger.DSN != "" {
		src, err := ledger.OpenSQLSource(ctx, cfg.Ledger.DSN)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.source = src
		e.closers = append(e.closers, src)
	} else {
		logger.Debug().Msg("ledger.dsn not set, drift audits disabled")
	}
	e.drift = drift.New(drift.Options{
		Config:     cfg,
		Store:      store,
		Source:     e.source,
		Registry:   e.registry,
		Identities: e.ids,
		Limiter:    e.limiter,
		Queue:      e.queue,
		Clock:      e.clock,
		Broker:     e.broker,
	})

	// Without a ledger the agent cannot re-audit, so it leaves drift alone
	var agentDrift *drift.Detector
	if e.source != nil {
		agentDrift = e.drift
	}

	e.replay = replay.New(e.queue, e.clock, e.broker)
	e.agent = agent.New(agent.Options{
		Config:  cfg,
		Store:   store,
		Queue:   e.queue,
		Replay:  e.replay,
		Drift:   agentDrift,
		Limiter: e.limiter,
		Tracker: agent.ProviderTracker(cfg),
		Clock:   e.clock,
		Broker:  e.broker,
	})

	e.broker.Start()
	return e, nil
}

func buildRegistry(cfg *config.Config, clk clock.Clock, ids *identity.Map) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	for name, pc := range cfg.Providers {
		if pc.BaseURL == "" {
			continue
		}
		client, err := provider.NewClient(name, pc, clk)
		if err != nil {
			return nil, err
		}
		switch name {
		case types.ProviderAccounting:
			registry.Register(accounting.New(client, ids, pc.TenantID))
		case types.ProviderTimeTracking:
			registry.Register(timetracking.New(client, ids))
		case types.ProviderPOS:
			registry.Register(pos.New(client))
		default:
			return nil, fmt.Errorf("no adapter for provider %q", name)
		}
	}
	return registry, nil
}

func (e *engine) newPool() (*worker.Pool, error) {
	pool, err := worker.NewPool(&worker.Config{
		Queue:     e.queue,
		Registry:  e.registry,
		Limiter:   e.limiter,
		Store:     e.store,
		Clock:     e.clock,
		Count:     e.cfg.Workers.Count,
		BatchSize: e.cfg.Workers.BatchSize,
		Idle:      e.cfg.Workers.Idle,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	return pool, nil
}

// auditor returns the detector for commands that read the ledger
func (e *engine) auditor() (*drift.Detector, error) {
	if e.source == nil {
		return nil, errors.New("drift audits need ledger.dsn")
	}
	return e.drift, nil
}

// Close stops the broker and closes backends in reverse order of opening
func (e *engine) Close() error {
	e.broker.Stop()
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i].Close())
	}
	return errors.Join(errs...)
}
