package main

import (
	"context"
	"fmt"

	"github.com/agentainer/flowplan/internal/config"
	"github.com/agentainer/flowplan/internal/datastate"
	"github.com/agentainer/flowplan/internal/logging"
	"github.com/agentainer/flowplan/internal/workflow"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// services holds the process-wide collaborators shared by server and run
type services struct {
	cfg      *config.Config
	redis    *redis.Client
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *workflow.MetricsCollector
	store    datastate.Store
}

func setupServices(ctx context.Context, cfg *config.Config) (*services, error) {
	rt := &services{cfg: cfg}

	if cfg.Redis.Enabled {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			rt.redis.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	logger, err := logging.NewLogger(logging.Options{
		Dir:     cfg.Logging.Dir,
		Level:   logging.ParseLevel(cfg.Logging.Level),
		Console: cfg.Logging.Console,
		Redis:   rt.redis,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	rt.logger = logger
	logging.SetGlobalLogger(logger)

	if cfg.Metrics.Enabled {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rt.metrics = workflow.NewMetricsCollector(rt.registry)
	}

	store, err := datastate.Open(cfg.DataState.Backend, rt.redis, cfg.DataState.KeyPrefix, cfg.DataState.TTL)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to open data state store: %w", err)
	}
	rt.store = store
	return rt, nil
}

func (rt *services) newCoordinator(opts ...workflow.CoordinatorOption) *workflow.Coordinator {
	base := []workflow.CoordinatorOption{
		workflow.WithDataStore(rt.store),
		workflow.WithMetrics(rt.metrics),
		workflow.WithPollInterval(rt.cfg.Planner.PollInterval),
		workflow.WithDefaultWaitTimeout(rt.cfg.Planner.DefaultWaitTimeout),
	}
	// nothing outside this process can read a memory store, and it never expires
	if _, ok := rt.store.(*datastate.MemoryStore); ok {
		base = append(base, workflow.WithStoreCleanup())
	}
	return workflow.NewCoordinator(append(base, opts...)...)
}

func (rt *services) Close() {
	if rt.logger != nil {
		rt.logger.Close()
	}
	if rt.redis != nil {
		rt.redis.Close()
	}
}
