// Package app builds the long-lived crawlgate services from configuration and
// holds them for the lifetime of a command.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlgate/internal/api"
	"github.com/JakeFAU/crawlgate/internal/audit"
	"github.com/JakeFAU/crawlgate/internal/config"
	"github.com/JakeFAU/crawlgate/internal/dispatcher"
	"github.com/JakeFAU/crawlgate/internal/handoff"
	pubsubhandoff "github.com/JakeFAU/crawlgate/internal/handoff/pubsub"
	"github.com/JakeFAU/crawlgate/internal/offload"
	"github.com/JakeFAU/crawlgate/internal/progress"
	"github.com/JakeFAU/crawlgate/internal/progress/sinks"
	"github.com/JakeFAU/crawlgate/internal/proxypool"
	"github.com/JakeFAU/crawlgate/internal/proxysource"
	"github.com/JakeFAU/crawlgate/internal/queue"
	"github.com/JakeFAU/crawlgate/internal/resolver"
	"github.com/JakeFAU/crawlgate/internal/sender"
	"github.com/JakeFAU/crawlgate/internal/store"
	"github.com/JakeFAU/crawlgate/internal/store/memory"
	redisstore "github.com/JakeFAU/crawlgate/internal/store/redis"
	"github.com/JakeFAU/crawlgate/internal/telemetry"
	"github.com/JakeFAU/crawlgate/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Option customizes New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	publisher  handoff.Publisher
	sources    []proxypool.Source
	validator  proxypool.Validator
}

// WithRegisterer registers the progress collectors against reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithPublisher hands ready requests to pub instead of the configured topic.
func WithPublisher(pub handoff.Publisher) Option {
	return func(o *options) { o.publisher = pub }
}

// WithSources replaces the configured proxy feeds.
func WithSources(sources ...proxypool.Source) Option {
	return func(o *options) { o.sources = sources }
}

// WithValidator replaces the HTTP echo validator.
func WithValidator(v proxypool.Validator) Option {
	return func(o *options) { o.validator = v }
}

// App holds the shared services. It is built once per command and closed when
// the command finishes.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      store.Store
	queue      *queue.Queue
	offload    *offload.Pool
	resolver   *resolver.Resolver
	pool       *proxypool.Pool
	hub        *progress.Hub
	audit      *audit.EventStore
	publisher  handoff.Publisher
	dispatcher *dispatcher.Dispatcher
	workers    []*worker.Worker
	api        *api.Server
	tracer     *sdktrace.TracerProvider
}

// New builds every component from cfg. Anything already opened is closed
// again if a later step fails.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			a.Close(context.Background())
		}
	}()

	logger.Info("building application",
		zap.String("store", cfg.Store.Backend),
		zap.String("queue_strategy", cfg.Queue.Strategy),
		zap.Int("workers", cfg.Dispatch.Workers),
		zap.Bool("handoff", cfg.HandoffEnabled() || o.publisher != nil),
		zap.Bool("audit", cfg.Audit.DSN != ""),
	)

	var err error
	if cfg.Tracing.Enabled {
		a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}

	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}

	strategy, err := queue.ParseStrategy(cfg.Queue.Strategy)
	if err != nil {
		return nil, fmt.Errorf("queue init failed: %w", err)
	}
	if a.queue, err = queue.New(a.store, cfg.Queue.Key, strategy); err != nil {
		return nil, fmt.Errorf("queue init failed: %w", err)
	}

	a.offload = offload.New(cfg.Offload.Size)

	if err = a.setupProgress(ctx, o.registerer); err != nil {
		return nil, err
	}

	a.resolver = resolver.New(resolver.Options{
		Servers:       cfg.DNS.Servers,
		CacheEnabled:  cfg.DNS.CacheEnabled,
		CacheTTL:      cfg.DNS.CacheTTL,
		QueryTimeout:  cfg.DNS.QueryTimeout,
		SystemTimeout: cfg.DNS.SystemTimeout,
		Pool:          a.offload,
		Logger:        logger.Named("resolver"),
	})

	if err = a.setupPool(o); err != nil {
		return nil, err
	}

	if err = a.setupHandoff(ctx, o.publisher); err != nil {
		return nil, err
	}

	a.dispatcher = dispatcher.New(a.queue, a.resolver, a.pool, dispatcher.Options{
		CycleTimeout: cfg.Dispatch.CycleTimeout,
		ProxySchemes: cfg.Dispatch.ProxySchemes,
		Events:       a.hub,
		Logger:       logger.Named("dispatcher"),
	})

	send := sender.New(sender.Config{
		UserAgent: cfg.Sender.UserAgent,
		Timeout:   cfg.Sender.Timeout,
	})
	workerCfg := worker.Config{PollInterval: cfg.Dispatch.PollInterval}
	for i := range cfg.Dispatch.Workers {
		a.workers = append(a.workers, worker.New(
			i+1,
			a.dispatcher,
			send,
			a.publisher,
			a.pool,
			a.hub,
			workerCfg,
			logger.Named("worker"),
		))
	}

	var events *api.EventsHandler
	if a.audit != nil {
		events = api.NewEventsHandler(a.audit, logger.Named("events"))
	}
	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.api = api.NewServer(
		a.queue,
		a.pool,
		a.resolver,
		a.store,
		events,
		api.Config{RequestTimeout: cfg.Server.RequestTimeout, APIKey: apiKey},
		logger.Named("api"),
	)

	built = true
	logger.Info("application built")
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "redis":
		s, err := redisstore.New(ctx, redisstore.Options{
			Address:  cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("store init failed: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	var sinkList []progress.Sink
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("progress_log")))
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if a.cfg.Audit.DSN != "" {
		a.audit, err = audit.NewEventStore(ctx, audit.Config{
			DSN:      a.cfg.Audit.DSN,
			Table:    a.cfg.Audit.Table,
			MaxConns: a.cfg.Audit.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("audit store init failed: %w", err)
		}
		if err := a.audit.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("audit schema init failed: %w", err)
		}
		sinkList = append(sinkList, sinks.NewAuditSink(a.audit))
		a.logger.Info("audit store initialized", zap.String("table", a.audit.Table()))
	}

	a.hub = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		Logger:         a.logger.Named("progress_hub"),
	}, sinkList...)
	return nil
}

func (a *App) setupPool(o options) error {
	sources := o.sources
	if sources == nil {
		cfgs := make([]proxysource.Config, 0, len(a.cfg.Proxy.Sources))
		for _, s := range a.cfg.Proxy.Sources {
			cfgs = append(cfgs, proxysource.Config{
				Name:           s.Name,
				URL:            s.URL,
				Format:         proxysource.Format(s.Format),
				Scheme:         s.Scheme,
				SkipSchemes:    s.SkipSchemes,
				RowSelector:    s.RowSelector,
				IPColumn:       s.IPColumn,
				PortColumn:     s.PortColumn,
				ProtocolColumn: s.ProtocolColumn,
			})
		}
		var err error
		sources, err = proxysource.FromConfigs(cfgs, &http.Client{Timeout: a.cfg.Proxy.FeedTimeout})
		if err != nil {
			return fmt.Errorf("proxy sources init failed: %w", err)
		}
	}
	validator := o.validator
	if validator == nil {
		validator = proxypool.NewHTTPValidator(a.cfg.Proxy.ValidationURL, a.cfg.Proxy.ValidationTimeout)
	}

	var err error
	a.pool, err = proxypool.New(a.store, proxypool.Options{
		Key:                   a.cfg.Proxy.Key,
		EvictionThreshold:     a.cfg.Proxy.EvictionThreshold,
		ScorePenalty:          a.cfg.Proxy.ScorePenalty,
		ActiveMin:             a.cfg.Proxy.ActiveMin,
		ActiveMax:             a.cfg.Proxy.ActiveMax,
		InitialScore:          a.cfg.Proxy.InitialScore,
		FailureCapacity:       a.cfg.Proxy.FailureCapacity,
		Sources:               sources,
		Validator:             validator,
		ValidationConcurrency: a.cfg.Proxy.ValidationConcurrency,
		FeedTimeout:           a.cfg.Proxy.FeedTimeout,
		RefillTimeout:         a.cfg.Proxy.RefillTimeout,
		RefillMode:            proxypool.RefillMode(a.cfg.Proxy.RefillMode),
		LowWaterMark:          a.cfg.Proxy.LowWaterMark,
		MaintenanceInterval:   a.cfg.Proxy.MaintenanceInterval,
		RefillMinInterval:     a.cfg.Proxy.RefillMinInterval,
		PruneBelowBand:        a.cfg.Proxy.PruneBelowBand,
		Offload:               a.offload,
		Events:                a.hub,
		Logger:                a.logger.Named("proxypool"),
	})
	if err != nil {
		return fmt.Errorf("proxy pool init failed: %w", err)
	}
	a.logger.Info("proxy pool initialized",
		zap.Int("sources", len(sources)),
		zap.String("refill_mode", a.cfg.Proxy.RefillMode),
	)
	return nil
}

func (a *App) setupHandoff(ctx context.Context, override handoff.Publisher) error {
	if override != nil {
		a.publisher = override
		return nil
	}
	if !a.cfg.HandoffEnabled() {
		a.logger.Info("no handoff topic configured, sending locally")
		return nil
	}
	pub, err := pubsubhandoff.New(ctx, a.cfg.Handoff.ProjectID, a.cfg.Handoff.Topic)
	if err != nil {
		return fmt.Errorf("handoff init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub handoff initialized",
		zap.String("project", a.cfg.Handoff.ProjectID),
		zap.String("topic", a.cfg.Handoff.Topic),
	)
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Handler returns the admin API handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Pool returns the proxy pool.
func (a *App) Pool() *proxypool.Pool { return a.pool }

// Push enqueues rawURL at priority.
func (a *App) Push(ctx context.Context, rawURL string, priority float64) error {
	return a.dispatcher.Enqueue(ctx, queue.WorkItem{URL: rawURL, Priority: priority}, priority)
}

// Resolve looks up host through the resolver chain.
func (a *App) Resolve(ctx context.Context, host string) (resolver.Result, error) {
	res, err := a.resolver.Resolve(ctx, host)
	if err != nil {
		return resolver.Result{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	return res, nil
}

// Refill runs one proxy refill and reports how many proxies were added.
func (a *App) Refill(ctx context.Context) (int, error) {
	n, err := a.pool.Refill(ctx)
	if err != nil {
		return n, fmt.Errorf("proxy refill: %w", err)
	}
	return n, nil
}

// Work runs the workers and pool maintenance until ctx ends.
func (a *App) Work(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	a.startBackground(gctx, g)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("work: %w", err)
	}
	return nil
}

// Serve runs the admin API alongside the workers and pool maintenance until
// ctx ends or the listener fails.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	a.startBackground(gctx, g)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (a *App) startBackground(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		a.logger.Info("proxy pool maintenance started")
		return a.pool.Run(ctx)
	})
	g.Go(func() error {
		a.logger.Info("workers started", zap.Int("count", len(a.workers)))
		worker.RunAll(ctx, a.workers)
		return nil
	})
}

// Close tears down services in reverse dependency order. Errors are logged;
// Close is safe on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("handoff publisher close failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.audit != nil {
		a.audit.Close()
	}
	if a.resolver != nil {
		a.resolver.Shutdown()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
