package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"taskmesh/internal/config"
	"taskmesh/internal/dispatch"
	"taskmesh/internal/engine"
	"taskmesh/internal/handler"
	"taskmesh/internal/metrics"
	"taskmesh/internal/queue"
	"taskmesh/internal/registry"
	"taskmesh/internal/server"
)

// App wires the orchestrator: state store, blob store, queue, registry,
// engine, dispatch and the HTTP surface.
type App struct {
	server  *server.Server
	monitor *registry.Monitor
	closers []func()
	log     *slog.Logger
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	stores, err := initStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	q := queue.New()
	reg := registry.New()
	col := metrics.NewCollector()

	// The engine's cancel notifier is the dispatch service; break the
	// construction cycle with a late bind.
	var disp *dispatch.Service
	eng, err := engine.New(engine.Options{
		Store:      stores.state,
		Queue:      q,
		Blobs:      stores.blobs,
		Bindings:   cfg.Scheduler.ImageBindings,
		RetryLimit: cfg.Scheduler.RetryLimit,
		Metrics:    col,
		Notifier:   notifierFunc(func(executorID, taskID string) { disp.NotifyCancel(executorID, taskID) }),
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	disp = dispatch.New(stores.state, q, reg, eng, col, log)

	if err := eng.Recover(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to recover state: %w", err)
	}

	monitor := registry.NewMonitor(reg, eng,
		cfg.Scheduler.HeartbeatInterval, cfg.Scheduler.HeartbeatTimeout, log)

	api := handler.NewAPI(eng, disp, stores.blobs, q, reg, col, cfg.Scheduler.ClaimWait, log)
	mux := server.NewMux(api, log)
	srv := server.New(cfg.Port, mux, log)

	return &App{
		server:  srv,
		monitor: monitor,
		closers: stores.closers,
		log:     log,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	go a.monitor.Run(ctx)
	return a.server.Start()
}

func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	for _, closeFn := range a.closers {
		closeFn()
	}
	return err
}

type notifierFunc func(executorID, taskID string)

func (f notifierFunc) NotifyCancel(executorID, taskID string) { f(executorID, taskID) }
