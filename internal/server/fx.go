// Package server builds the archive engine and runs it behind the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/api"
	"github.com/JakeFAU/listing-archiver/internal/archive"
	"github.com/JakeFAU/listing-archiver/internal/clock/system"
	githubcomments "github.com/JakeFAU/listing-archiver/internal/comments/github"
	"github.com/JakeFAU/listing-archiver/internal/config"
	"github.com/JakeFAU/listing-archiver/internal/coord"
	redisstore "github.com/JakeFAU/listing-archiver/internal/coord/redis"
	"github.com/JakeFAU/listing-archiver/internal/crawler"
	"github.com/JakeFAU/listing-archiver/internal/events"
	"github.com/JakeFAU/listing-archiver/internal/events/sinks"
	collyfetcher "github.com/JakeFAU/listing-archiver/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/listing-archiver/internal/fetcher/headless"
	"github.com/JakeFAU/listing-archiver/internal/hash/sha256"
	"github.com/JakeFAU/listing-archiver/internal/headless/detector"
	"github.com/JakeFAU/listing-archiver/internal/id/uuid"
	"github.com/JakeFAU/listing-archiver/internal/listing"
	"github.com/JakeFAU/listing-archiver/internal/logging"
	"github.com/JakeFAU/listing-archiver/internal/metrics"
	"github.com/JakeFAU/listing-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-archiver/internal/policy/simple"
	kafkapublisher "github.com/JakeFAU/listing-archiver/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/listing-archiver/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/listing-archiver/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-archiver/internal/scheduler"
	"github.com/JakeFAU/listing-archiver/internal/storage"
	pgstore "github.com/JakeFAU/listing-archiver/internal/storage/postgres"
	"github.com/JakeFAU/listing-archiver/internal/telemetry"
	"github.com/JakeFAU/listing-archiver/internal/vnc"
)

// Options adjusts Build for one-shot commands.
type Options struct {
	// Registerer receives the bus collectors; nil uses the default registry.
	Registerer prometheus.Registerer
	// DisableBrowser skips Chrome even when the config enables it.
	DisableBrowser bool
	// Browser replaces the configured browser automation.
	Browser crawler.Browser
	// Provisioner replaces the process supervisor behind interactive sessions.
	Provisioner vnc.Provisioner
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     crawler.Clock
	store     *redisstore.Store
	keys      coord.Keys
	bus       *lateBus
	hub       *events.Hub
	engine    *listing.Engine
	sched     *scheduler.Scheduler
	pipeline  *archive.Pipeline
	tierer    *archive.Tierer
	vnc       *vnc.Manager
	sweeper   *vnc.Sweeper
	blobs     storage.Provider
	memPub    *memorypublisher.Publisher
	apiServer *api.Server
	cron      *cron.Cron

	closers        []namedCloser
	tracerProvider *sdktrace.TracerProvider

	closeOnce sync.Once
	closeErr  error
}

type namedCloser struct {
	name  string
	close func() error
}

// Build creates the application's dependencies. Background workers start
// immediately; Run adds the HTTP server and periodic jobs.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	logger = logging.OrNop(logger)
	metrics.Init()
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		keys:   coord.NewKeys(cfg.Redis.Prefix),
		bus:    &lateBus{},
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("vnc_enabled", cfg.VNC.Enabled),
	)

	a.tracerProvider, err = telemetry.InitTracerProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	a.store, err = redisstore.New(ctx, redisstore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("coordination store init failed: %w", err)
	}
	a.addCloser("coordination store", a.store.Close)

	if err = a.setupStorage(ctx); err != nil {
		return nil, err
	}
	durable, err := a.setupDatabase(ctx)
	if err != nil {
		return nil, err
	}
	publishers, err := a.setupPublishers(ctx)
	if err != nil {
		return nil, err
	}

	index := archive.NewIndex(a.store, a.keys, durable)
	a.engine = listing.NewEngine(
		a.store,
		a.keys,
		a.bus,
		a.setupComments(),
		index,
		a.clock,
		logger.Named("listing"),
	).WithLookupTimeout(a.cfg.Comments.Timeout)
	a.sched = scheduler.New(
		a.store,
		a.keys,
		a.bus,
		a.setupBrowser(opts),
		a.setupLimiter(),
		a.engine,
		uuid.NewUUIDGenerator(),
		a.clock,
		scheduler.Config{
			LeaseTTL:           cfg.Scheduler.LeaseTTL,
			DefaultClientLimit: cfg.Scheduler.DefaultClientLimit,
			RecrawlInterval:    cfg.Scheduler.RecrawlInterval,
			NavTimeout:         cfg.Scheduler.NavTimeout,
			InteractiveTimeout: cfg.Scheduler.InteractiveTimeout,
			MaxRetries:         cfg.Scheduler.MaxRetries,
			SnapshotMaxAge:     cfg.Scheduler.SnapshotMaxAge,
		},
		logger,
	)

	var escalator archive.Escalator
	if cfg.VNC.Enabled {
		a.setupVNC(opts)
		escalator = a.vnc
	}

	a.pipeline = archive.New(
		index,
		a.store,
		a.keys,
		a.blobs,
		collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Browser.UserAgent,
			Timeout:   cfg.Archive.ImageTimeout,
		}),
		a.bus,
		a.sched,
		escalator,
		a.clock,
		archive.Config{
			Prefix:        cfg.Archive.Prefix,
			PublicBaseURL: cfg.Archive.PublicBaseURL,
			RecentBound:   cfg.Archive.RecentBound,
			Workers:       cfg.Archive.Workers,
			QueueDepth:    cfg.Archive.QueueDepth,
			ImageTimeout:  cfg.Archive.ImageTimeout,
		},
		logger.Named("archive"),
	)
	a.tierer = archive.NewTierer(a.store, a.keys, durable, a.clock, archive.TierConfig{
		Age:   cfg.Archive.TierAge,
		Batch: cfg.Archive.TransferBatch,
	}, logger.Named("tier"))

	routes, err := a.routes(publishers, opts.Registerer)
	if err != nil {
		return nil, err
	}
	a.hub = events.NewHub(events.Config{
		BufferSize:       cfg.Events.BufferSize,
		MaxBatchEvents:   cfg.Events.MaxBatchEvents,
		MaxBatchWait:     cfg.Events.MaxBatchWait,
		SinkTimeout:      cfg.Events.SinkTimeout,
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		BaseContext:      context.WithoutCancel(ctx),
		Logger:           logger.Named("events"),
	}, routes...)
	a.bus.attach(a.hub)
	logger.Info("event hub initialized", zap.Int("routes", len(routes)))

	deps := api.Deps{
		Crawler:  a.sched,
		Archiver: a.pipeline,
		Events:   a.hub,
		Content:  a.blobs,
		Tagger:   sha256.New(),
		Reset:    a.Reset,
		Ready:    a.store.Ping,
	}
	if a.vnc != nil {
		deps.Sessions = a.vnc
	}
	a.apiServer = api.NewServer(deps, cfg, logger)
	return a, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server and periodic jobs and blocks until ctx is
// canceled or SIGINT/SIGTERM arrives. SIGUSR2 triggers an administrative reset.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resets := make(chan os.Signal, 1)
	signal.Notify(resets, syscall.SIGUSR2)
	defer signal.Stop(resets)
	go a.resetOnSignal(ctx, resets)

	if err := a.startCron(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

func (a *App) resetOnSignal(ctx context.Context, sig <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			a.logger.Warn("reset signal received")
			if err := a.Reset(ctx); err != nil {
				a.logger.Error("signal reset failed", zap.Error(err))
			}
		}
	}
}

// Reset clears the coordination state owned by the scheduler and the
// interactive allocator.
func (a *App) Reset(ctx context.Context) error {
	var errs []error
	if err := a.sched.Reset(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.vnc != nil {
		if err := a.vnc.Reset(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.memPub != nil {
		a.memPub.Reset()
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	a.logger.Info("administrative reset completed")
	return nil
}

// Transfer runs one archive tier transfer.
func (a *App) Transfer(ctx context.Context) (int, error) {
	moved, err := a.tierer.Transfer(ctx)
	if err != nil {
		return moved, fmt.Errorf("tier transfer: %w", err)
	}
	return moved, nil
}

// Sweep removes stale interactive session files.
func (a *App) Sweep(_ context.Context) (int, error) {
	if a.sweeper == nil {
		return 0, nil
	}
	removed, err := a.sweeper.Sweep(a.clock.Now())
	if err != nil {
		return removed, fmt.Errorf("sweep: %w", err)
	}
	return removed, nil
}

// ExpireSessions releases interactive allocations whose lease lapsed.
func (a *App) ExpireSessions(ctx context.Context) (int, error) {
	if a.vnc == nil {
		return 0, nil
	}
	expired, err := a.vnc.ExpireSweep(ctx)
	if err != nil {
		return expired, fmt.Errorf("expire sessions: %w", err)
	}
	return expired, nil
}

// Close gracefully shuts down the application. Crawls stop first so the
// hub can drain their pages into the archive pipeline.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	var errs []error
	if a.sched != nil {
		errs = append(errs, a.sched.Close(ctx))
	}
	if a.hub != nil {
		errs = append(errs, a.hub.Close(ctx))
	}
	if a.pipeline != nil {
		errs = append(errs, a.pipeline.Close(ctx))
	}
	if a.vnc != nil {
		errs = append(errs, a.vnc.Close(ctx))
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerProvider = nil
	}
	if err := a.logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

func (a *App) setupStorage(ctx context.Context) error {
	blobs, closeBlobs, err := storage.Open(ctx, storage.Options{
		Backend: a.cfg.Storage.Backend,
		Bucket:  a.cfg.Storage.Bucket,
		Local:   a.cfg.Storage.Local,
	})
	if err != nil {
		return fmt.Errorf("blob store init failed: %w", err)
	}
	a.blobs = blobs
	a.addCloser("blob store", closeBlobs)
	a.logger.Info("blob store initialized", zap.String("backend", a.cfg.Storage.Backend))
	return nil
}

func (a *App) setupDatabase(ctx context.Context) (archive.DurableIndex, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no DSN specified for database, archive lookups stop at the older tier")
		return nil, nil
	}
	idx, err := pgstore.NewArchiveIndex(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.ArchiveTable,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("archive index init failed: %w", err)
	}
	a.addCloser("archive index", func() error {
		idx.Close()
		return nil
	})
	if err := idx.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("archive index schema: %w", err)
	}
	a.logger.Info("archive index initialized", zap.String("table", a.cfg.Database.ArchiveTable))
	return idx, nil
}

func (a *App) setupPublishers(ctx context.Context) ([]crawler.Publisher, error) {
	var publishers []crawler.Publisher
	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.addCloser("pubsub client", client.Close)
		topic := client.Publisher(a.cfg.PubSub.TopicName)
		a.addCloser("pubsub publisher", func() error {
			topic.Stop()
			return nil
		})
		publishers = append(publishers, gcppublisher.New(topic))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	if a.cfg.Kafka.Broker != "" && a.cfg.Kafka.Topic != "" {
		producer := kafkapublisher.NewProducer(a.cfg.Kafka.Broker, a.cfg.Kafka.Topic)
		a.addCloser("kafka producer", producer.Close)
		publishers = append(publishers, producer)
		a.logger.Info("Kafka publisher initialized",
			zap.String("broker", a.cfg.Kafka.Broker),
			zap.String("topic", a.cfg.Kafka.Topic),
		)
	}
	if len(publishers) == 0 {
		a.logger.Warn("no completion publisher configured, using in-memory publisher")
		a.memPub = memorypublisher.New()
		publishers = append(publishers, a.memPub)
	}
	return publishers, nil
}

func (a *App) setupComments() crawler.CommentSource {
	if !a.cfg.Comments.Enabled {
		return nil
	}
	a.logger.Info("comment enrichment enabled",
		zap.String("owner", a.cfg.Comments.Owner),
		zap.String("repo", a.cfg.Comments.Repo),
	)
	return githubcomments.New(githubcomments.Config{
		Endpoint: a.cfg.Comments.Endpoint,
		Token:    a.cfg.Comments.Token,
		Owner:    a.cfg.Comments.Owner,
		Repo:     a.cfg.Comments.Repo,
		Timeout:  10 * time.Second,
	}, nil)
}

func (a *App) setupBrowser(opts Options) crawler.Browser {
	if opts.Browser != nil {
		return opts.Browser
	}
	if !a.cfg.Browser.Enabled || opts.DisableBrowser {
		a.logger.Info("browser automation disabled, crawls produce empty pages")
		return headlessfetcher.NewNoop()
	}
	browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel: a.cfg.Browser.MaxParallel,
		UserAgent:   a.cfg.Browser.UserAgent,
		Headless:    a.cfg.Browser.Headless,
		ProfileDir:  a.cfg.Browser.ProfileDir,
	}, detector.NewHeuristic(0), a.logger)
	if err != nil {
		a.logger.Warn("headless browser init failed, falling back to noop", zap.Error(err))
		return headlessfetcher.NewNoop()
	}
	a.logger.Info("using chromedp browser", zap.Int("max_parallel", a.cfg.Browser.MaxParallel))
	return browser
}

func (a *App) setupLimiter() crawler.Limiter {
	if !a.cfg.RateLimit.Enabled {
		a.logger.Info("rate limiter disabled, using simple policy")
		return simple.New()
	}
	a.logger.Info("rate limiter enabled",
		zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
		zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
	)
	return ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
		DefaultBurst: a.cfg.RateLimit.DefaultBurst,
	})
}

func (a *App) setupVNC(opts Options) {
	cfg := a.cfg.VNC
	alloc := vnc.NewAllocator(a.store, a.keys, uuid.NewUUIDGenerator(), a.clock, vnc.AllocatorConfig{
		Displays: vnc.Range(cfg.Displays),
		VncPorts: vnc.Range(cfg.VncPorts),
		WebPorts: vnc.Range(cfg.WebPorts),
		LeaseTTL: cfg.LeaseTTL,
	}, a.logger)
	var prov vnc.Provisioner = vnc.NewSupervisor(vnc.SupervisorConfig{
		XvfbPath:         cfg.XvfbPath,
		X11VNCPath:       cfg.X11VNCPath,
		WebsockifyPath:   cfg.WebsockifyPath,
		SocketDir:        cfg.SocketDir,
		TempDir:          cfg.TempDir,
		ReadyAttempts:    cfg.ReadyAttempts,
		ReadyInterval:    cfg.ReadyInterval,
		RemoveOnTeardown: cfg.CleanupPolicy == config.CleanupImmediate,
	}, a.logger)
	if opts.Provisioner != nil {
		prov = opts.Provisioner
	}
	a.vnc = vnc.NewManager(alloc, prov, a.bus, a.clock, cfg.PublicBaseURL, a.logger)
	a.sweeper = vnc.NewSweeper(cfg.TempDir, cfg.SweepMaxAge, a.logger)
	a.logger.Info("interactive sessions enabled",
		zap.Int("displays", cfg.Displays.Size()),
		zap.String("cleanup_policy", cfg.CleanupPolicy),
	)
}

// routes orders the bus sinks: the diff engine, the archive pipeline, then
// the observers.
func (a *App) routes(publishers []crawler.Publisher, reg prometheus.Registerer) ([]events.Route, error) {
	routes := []events.Route{a.engine.Route(), a.pipeline.Route()}
	if a.cfg.Events.LogEnabled {
		routes = append(routes, events.Route{Name: "log", Sink: sinks.NewLogSink(a.logger.Named("bus"))})
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("event metrics init failed: %w", err)
	}
	routes = append(routes, events.Route{Name: "prometheus", Sink: promSink})

	routes = append(routes, events.Route{
		Name:   "publisher",
		Topics: []events.Topic{events.TopicArchiveCompleted},
		Sink:   sinks.NewPublisherSink(a.logger.Named("publisher"), publishers...),
	})
	return routes, nil
}
