// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/arachne-project/arachne/internal/api"
	"github.com/arachne-project/arachne/internal/clock/system"
	"github.com/arachne-project/arachne/internal/config"
	"github.com/arachne-project/arachne/internal/crawler"
	"github.com/arachne-project/arachne/internal/handler"
	filehandler "github.com/arachne-project/arachne/internal/handler/file"
	ftphandler "github.com/arachne-project/arachne/internal/handler/ftp"
	"github.com/arachne-project/arachne/internal/id/uuid"
	indexmem "github.com/arachne-project/arachne/internal/index/memory"
	indexpg "github.com/arachne-project/arachne/internal/index/postgres"
	"github.com/arachne-project/arachne/internal/logging"
	"github.com/arachne-project/arachne/internal/metrics"
	pubmem "github.com/arachne-project/arachne/internal/publisher/memory"
	pubgcp "github.com/arachne-project/arachne/internal/publisher/pubsub"
	"github.com/arachne-project/arachne/internal/ratelimit"
	"github.com/arachne-project/arachne/internal/revisit"
	"github.com/arachne-project/arachne/internal/scheduler"
	"github.com/arachne-project/arachne/internal/sites"
	"github.com/arachne-project/arachne/internal/spool"
	"github.com/arachne-project/arachne/internal/worker"
)

// App holds all the shared, long-lived services for the application.
// It is built once at startup from the loaded configuration and fails
// fast if any service cannot be initialized.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	sites *sites.Registry
	tasks crawler.TaskStore
	index crawler.IndexStore
	sched *scheduler.Scheduler
	pool  *worker.Pool

	server        *http.Server
	flushInterval time.Duration

	// closers run in reverse order during Close.
	closers []func()
}

// Logger returns the shared zap logger instance.
func (a *App) Logger() *zap.Logger { return a.logger }

// Scheduler exposes the crawl scheduler, mainly for tests.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Index exposes the configured index store.
func (a *App) Index() crawler.IndexStore { return a.index }

// New assembles the full service graph from the configuration: the site
// registry, the durable spool, the index backend, the change publisher,
// the protocol handlers, the scheduler, the worker pool and the ops HTTP
// server.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	logger.Info("initializing services")

	// Anything constructed before a later failure still gets released.
	built := false
	defer func() {
		if !built {
			a.closeAll()
		}
	}()

	siteList, err := cfg.BuildSites()
	if err != nil {
		return nil, fmt.Errorf("build sites: %w", err)
	}
	a.sites, err = sites.NewRegistry(siteList)
	if err != nil {
		return nil, fmt.Errorf("site registry: %w", err)
	}
	logger.Info("sites configured", zap.Int("count", a.sites.Len()))

	a.tasks, err = spool.New(cfg.Spool.Dir)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	a.closers = append(a.closers, func() {
		if cerr := a.tasks.Close(); cerr != nil {
			logger.Warn("closing spool", zap.Error(cerr))
		}
	})
	a.flushInterval, err = cfg.SpoolFlushInterval()
	if err != nil {
		return nil, fmt.Errorf("spool flush interval: %w", err)
	}

	a.index, err = buildIndex(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.index.Close)

	pub, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	a.sched, err = scheduler.New(scheduler.Params{
		Sites:     a.sites,
		Tasks:     a.tasks,
		Index:     a.index,
		Estimator: revisit.New(cfg.Revisit.GrowthFactor),
		Clock:     system.New(),
		IDs:       uuid.NewGenerator(),
		Publisher: pub,
		Topic:     cfg.Publisher.Topic,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	registry, err := buildHandlers(cfg)
	if err != nil {
		return nil, err
	}
	for _, site := range a.sites.All() {
		if _, rerr := registry.Resolve(site.Policy.Handler); rerr != nil {
			return nil, fmt.Errorf("site %s: %w", site.URL, rerr)
		}
	}
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.RateLimit.RPS,
		Burst: cfg.RateLimit.Burst,
	})
	fetchTimeout, err := cfg.FetchTimeout()
	if err != nil {
		return nil, fmt.Errorf("fetch timeout: %w", err)
	}
	workers := make([]*worker.Worker, 0, cfg.Workers.Count)
	for i := 0; i < cfg.Workers.Count; i++ {
		workers = append(workers, worker.New(
			a.sched,
			registry,
			limiter,
			worker.Config{FetchTimeout: fetchTimeout},
			logger.With(zap.Int("worker", i)),
		))
	}
	a.pool = worker.NewPool(workers)

	apiServer := api.NewServer(a.sched, a.index, logger)
	a.server = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("services initialized",
		zap.Int("workers", cfg.Workers.Count),
		zap.String("index", cfg.Index.Provider),
		zap.String("publisher", cfg.Publisher.Provider),
	)
	built = true
	return a, nil
}

func buildIndex(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.IndexStore, error) {
	switch cfg.Index.Provider {
	case "memory":
		logger.Info("using in-memory index; contents are lost on restart")
		return indexmem.New(), nil
	case "postgres":
		logger.Info("connecting to PostgreSQL index")
		store, err := indexpg.NewStore(ctx, indexpg.StoreConfig{
			DSN:      cfg.Index.DSN,
			MaxConns: cfg.Index.MaxConns,
			MinConns: cfg.Index.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown index provider: %s", cfg.Index.Provider)
	}
}

func (a *App) buildPublisher(ctx context.Context) (crawler.Publisher, error) {
	switch a.cfg.Publisher.Provider {
	case "none":
		return nil, nil
	case "memory":
		return pubmem.New(), nil
	case "pubsub":
		a.logger.Info("connecting to Pub/Sub",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic))
		pub, err := pubgcp.New(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		a.closers = append(a.closers, func() {
			if cerr := pub.Close(); cerr != nil {
				a.logger.Warn("closing publisher", zap.Error(cerr))
			}
		})
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publisher provider: %s", a.cfg.Publisher.Provider)
	}
}

func buildHandlers(cfg config.Config) (*handler.Registry, error) {
	connectTimeout, err := cfg.FTPConnectTimeout()
	if err != nil {
		return nil, fmt.Errorf("ftp connect timeout: %w", err)
	}
	registry := handler.NewRegistry()
	registry.Register("ftp", ftphandler.New(ftphandler.Config{
		User:     cfg.FTP.User,
		Password: cfg.FTP.Password,
		Timeout:  connectTimeout,
	}))
	registry.Register("file", filehandler.New())
	return registry, nil
}

// Run reconciles stored state with the configuration, then serves until
// the context is canceled: the worker pool crawls, the ops HTTP server
// answers, and the spool is flushed periodically. It returns after a
// graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.sched.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("ops server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	flushDone := make(chan struct{})
	go a.flushLoop(ctx, flushDone)

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		a.pool.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		a.logger.Error("ops server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("ops server shutdown", zap.Error(err))
	}
	<-poolDone
	<-flushDone
	a.logger.Info("run loop stopped")
	return runErr
}

func (a *App) flushLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	if a.flushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.tasks.Flush(); err != nil {
				a.logger.Warn("flushing spool", zap.Error(err))
			}
		}
	}
}

// Close shuts down all services in the container. Workers must already be
// stopped; the spool close below persists whatever they left pending.
func (a *App) Close() {
	a.logger.Info("shutting down services")
	a.closeAll()
	// Best effort: stderr sync fails on some platforms.
	_ = a.logger.Sync()
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
