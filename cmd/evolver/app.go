package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shepherd-project/evolver/internal/catalog"
	"github.com/shepherd-project/evolver/internal/config"
	"github.com/shepherd-project/evolver/internal/hub"
	"github.com/shepherd-project/evolver/internal/inference"
	"github.com/shepherd-project/evolver/internal/logger"
	"github.com/shepherd-project/evolver/internal/materialize"
	"github.com/shepherd-project/evolver/internal/monitor"
	"github.com/shepherd-project/evolver/internal/registry"
	"github.com/shepherd-project/evolver/internal/server"
	"github.com/shepherd-project/evolver/internal/service"
	"github.com/shepherd-project/evolver/internal/shutdown"
	"github.com/shepherd-project/evolver/internal/storage"
	"github.com/shepherd-project/evolver/internal/tasks"
	"github.com/shepherd-project/evolver/internal/websocket"
)

// app is the wired server process.
type app struct {
	cfg *config.Config
	log *logger.Logger

	storage  *storage.Manager
	catalog  *catalog.Catalog
	registry *registry.Registry
	queue    *tasks.Queue
	service  *service.Service
	hub      *websocket.Hub
	monitor  *monitor.ResourceMonitor
	server   *server.Server

	stopHub context.CancelFunc
}

func newCatalog(cfg *config.Config, log *logger.Logger) (*catalog.Catalog, error) {
	opts := []catalog.Option{catalog.WithLogger(log)}
	if cfg.Catalog.Fetch {
		opts = append(opts, catalog.WithFetcher(hub.NewClient(cfg.Catalog.Hub)))
	}
	return catalog.New(cfg.Catalog, opts...)
}

func newApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var err error
	if a.storage, err = storage.NewManager(&cfg.Storage); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if a.catalog, err = newCatalog(cfg, log); err != nil {
		a.storage.Close()
		return nil, fmt.Errorf("catalog: %w", err)
	}
	a.registry = registry.New(a.storage.GetStore(), a.catalog, registry.Options{
		SessionTTL: cfg.SessionTTL(),
		Logger:     log,
	})
	a.monitor = monitor.NewResourceMonitor(&monitor.ResourceMonitorConfig{Logger: log})

	matOpts := materialize.Options{Workers: cfg.Materialize.Workers, Logger: log}
	if cfg.Materialize.MemoryGuard {
		matOpts.Memory = a.monitor
	}

	a.queue = tasks.New(tasks.Options{
		Workers:   cfg.Tasks.Workers,
		QueueSize: cfg.Tasks.QueueSize,
		ResultTTL: time.Duration(cfg.Tasks.ResultTTL) * time.Second,
		Logger:    log,
	})
	a.service = service.New(a.queue, a.registry,
		materialize.New(a.catalog, matOpts),
		inference.New(a.catalog, inference.Options{Seed: cfg.Inference.Seed, Logger: log}),
		service.Options{
			MaxNewTokens: cfg.Inference.MaxNewTokens,
			Temperature:  cfg.Inference.Temperature,
			Retry: tasks.RetryPolicy{
				MaxAttempts: cfg.Tasks.RetryAttempts,
				Backoff:     time.Duration(cfg.Tasks.RetryBackoff) * time.Millisecond,
			},
			Logger: log,
		})

	a.hub = websocket.NewHub(websocket.HubConfig{AllowedOrigins: cfg.Security.AllowedOrigins, Logger: log})
	a.queue.Subscribe(func(st tasks.Status) {
		a.hub.Broadcast(websocket.NewTaskEvent(st))
	})

	a.server, err = server.NewServer(&server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		GinMode:        cfg.Server.GinMode,
		SessionTTL:     cfg.SessionTTL(),
		CookieName:     cfg.Session.CookieName,
		CookieSecure:   cfg.Session.CookieSecure,
		CORSEnabled:    cfg.Security.CORSEnabled,
		AllowedOrigins: cfg.Security.AllowedOrigins,
	}, server.Deps{
		Service:   a.service,
		Catalog:   a.catalog,
		Queue:     a.queue,
		Resources: a.monitor,
		Hub:       a.hub,
		Logger:    log,
	})
	if err != nil {
		a.storage.Close()
		return nil, err
	}
	return a, nil
}

// start brings every component up. With preload the base weights are read
// in the background right away instead of on first use.
func (a *app) start(ctx context.Context, preload bool) error {
	hubCtx, cancel := context.WithCancel(context.Background())
	a.stopHub = cancel
	go a.hub.Run(hubCtx)

	a.storage.StartJanitor(time.Duration(a.cfg.Storage.JanitorInterval)*time.Second, func(n int, err error) {
		if err != nil {
			a.log.WithError(err).Warn("session purge failed")
		} else if n > 0 {
			a.log.Infof("purged %d expired sessions", n)
		}
	})
	if err := a.monitor.Start(); err != nil {
		a.log.WithError(err).Warn("resource monitor not started")
	}
	a.queue.Start()

	n, err := a.registry.RegisterBaseModels(ctx)
	if err != nil {
		return fmt.Errorf("register base models: %w", err)
	}
	a.log.Infof("registered %d base model recipes", n)

	if preload {
		go func() {
			if err := a.catalog.Preload(ctx); err != nil {
				a.log.WithError(err).Error("catalog preload failed")
			}
			a.hub.Broadcast(websocket.NewCatalogEvent(a.catalog.Status()))
		}()
	}

	return a.server.Start()
}

// registerHooks stops the components in reverse dependency order.
func (a *app) registerHooks(m *shutdown.Manager) {
	m.Register("http-server", a.server.Shutdown, shutdown.PriorityCritical)
	m.Register("events", func(context.Context) error {
		if a.stopHub != nil {
			a.stopHub()
		}
		return nil
	}, shutdown.PriorityCritical)
	m.Register("task-queue", a.queue.Stop, shutdown.PriorityHigh)
	m.Register("resource-monitor", func(context.Context) error {
		return a.monitor.Stop()
	}, shutdown.PriorityNormal)
	m.Register("storage", func(context.Context) error {
		return a.storage.Close()
	}, shutdown.PriorityNormal)
	m.Register("logger", func(context.Context) error {
		a.log.Info("evolver stopped")
		return a.log.Close()
	}, shutdown.PriorityLow)
}
