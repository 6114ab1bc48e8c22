// Package app wires the store, the job runtime, the providers and the
// services into one process.
package app

import (
	"context"
	"fmt"

	"github.com/ignatij/genflow/internal/config"
	"github.com/ignatij/genflow/internal/log"
	internal_provider "github.com/ignatij/genflow/internal/provider"
	internal_queue "github.com/ignatij/genflow/internal/queue"
	internal_storage "github.com/ignatij/genflow/internal/storage"
	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/pricing"
	"github.com/ignatij/genflow/pkg/queue"
	"github.com/ignatij/genflow/pkg/service"
	"github.com/ignatij/genflow/pkg/storage"
	"github.com/pkg/errors"
)

// Options are the dependencies New assembles the services from.
type Options struct {
	Store     storage.Store
	Runtime   queue.Runtime
	Providers service.Providers
	// Handlers are added to the provider handlers, replacing any of the
	// same node type.
	Handlers service.HandlerTable
	Price    pricing.Func
	Recovery config.RecoveryConfig
	Logger   service.Logger
}

// App holds every service of a running process.
type App struct {
	Store        storage.Store
	Runtime      queue.Runtime
	Workflows    *service.WorkflowService
	Executions   *service.ExecutionService
	Queues       *service.QueueManager
	Orchestrator *service.Orchestrator
	Recovery     *service.RecoveryService

	closers []func() error
}

// New builds the services and registers the processors on the runtime. The
// runtime is not started.
func New(opts Options) (*App, error) {
	if opts.Store == nil || opts.Runtime == nil {
		return nil, errors.New("store and runtime are required")
	}
	if opts.Price == nil {
		opts.Price = pricing.Free
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.GetLogger()
	}

	executions := service.NewExecutionService(opts.Store, logger)
	queues := service.NewQueueManager(opts.Store, opts.Runtime, logger)
	handlers := service.DefaultHandlers(opts.Providers, opts.Price)
	handlers[models.WorkflowRefNodeType] = service.NewWorkflowRefHandler(executions, queues)
	for nodeType, h := range opts.Handlers {
		handlers[nodeType] = h
	}

	orchestrator := service.NewOrchestrator(opts.Store, queues, executions, handlers, logger)
	processors := service.NewNodeProcessors(queues, executions, handlers, logger)
	if err := service.RegisterProcessors(opts.Runtime, orchestrator, processors); err != nil {
		return nil, errors.Wrap(err, "failed to register processors")
	}

	return &App{
		Store:        opts.Store,
		Runtime:      opts.Runtime,
		Workflows:    service.NewWorkflowService(opts.Store, executions, queues, logger),
		Executions:   executions,
		Queues:       queues,
		Orchestrator: orchestrator,
		Recovery: service.NewRecoveryService(opts.Store, executions, queues, opts.Runtime, logger).
			WithThreshold(opts.Recovery.StallThreshold, opts.Recovery.Interval),
	}, nil
}

// FromConfig connects to Postgres and the configured queue backend and
// builds the services on top of them.
func FromConfig(ctx context.Context, cfg *config.Config) (*App, error) {
	log.Configure(cfg.Log.Level, cfg.Log.Format)

	connStr, err := cfg.DB.ConnString()
	if err != nil {
		return nil, err
	}
	store, err := internal_storage.InitStore(connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize store")
	}
	closers := []func() error{store.Close}

	runtime, closeRuntime, err := newRuntime(ctx, cfg.Queue)
	if err != nil {
		store.Close()
		return nil, err
	}
	if closeRuntime != nil {
		closers = append(closers, closeRuntime)
	}

	price := pricing.Free
	if cfg.PricingFile != "" {
		table, err := pricing.LoadTable(cfg.PricingFile)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		price = table.Func()
	}

	a, err := New(Options{
		Store:     store,
		Runtime:   runtime,
		Providers: providers(cfg.Providers),
		Price:     price,
		Recovery:  cfg.Recovery,
		Logger:    log.WithComponent("service"),
	})
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	a.closers = closers
	return a, nil
}

func newRuntime(ctx context.Context, cfg config.QueueConfig) (queue.Runtime, func() error, error) {
	configs := models.DefaultQueueConfigs(cfg.OrchestrationConcurrency)
	logger := log.WithComponent("runtime")
	switch cfg.Backend {
	case "memory":
		return queue.NewMemoryRuntime(configs, logger), nil, nil
	case "redis":
		client, err := internal_queue.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return internal_queue.NewRedisRuntime(client, cfg.Prefix, configs, logger), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// providers returns an HTTP provider for every configured family.
func providers(cfg config.ProviderConfig) service.Providers {
	build := func(name, url string) *internal_provider.HTTPProvider {
		if url == "" {
			return nil
		}
		return internal_provider.NewHTTPProvider(name, url, cfg.APIKey, cfg.Timeout)
	}
	var p service.Providers
	// typed nils must not reach the interface fields
	if h := build("image", cfg.ImageURL); h != nil {
		p.Image = h
	}
	if h := build("video", cfg.VideoURL); h != nil {
		p.Video = h
	}
	if h := build("llm", cfg.LLMURL); h != nil {
		p.LLM = h
	}
	if h := build("processing", cfg.ProcessingURL); h != nil {
		p.Processing = h
	}
	return p
}

// Start launches the runtime workers and the recovery loop.
func (a *App) Start(ctx context.Context) error {
	if err := a.Runtime.Start(ctx); err != nil {
		return err
	}
	go a.Recovery.Start(ctx)
	log.GetLogger().Info("Job runtime and recovery loop started")
	return nil
}

// Close stops the runtime and releases the connections.
func (a *App) Close() error {
	a.Runtime.Stop()
	return closeAll(a.closers)
}

func closeAll(closers []func() error) error {
	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
