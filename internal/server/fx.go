// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/inbox-router/internal/api"
	"github.com/JakeFAU/inbox-router/internal/clock/system"
	"github.com/JakeFAU/inbox-router/internal/config"
	"github.com/JakeFAU/inbox-router/internal/id/uuid"
	"github.com/JakeFAU/inbox-router/internal/logging"
	"github.com/JakeFAU/inbox-router/internal/metrics"
	"github.com/JakeFAU/inbox-router/internal/notify"
	"github.com/JakeFAU/inbox-router/internal/policy/ratelimit"
	"github.com/JakeFAU/inbox-router/internal/progress"
	progresssinks "github.com/JakeFAU/inbox-router/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/inbox-router/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/inbox-router/internal/publisher/pubsub"
	memorystorage "github.com/JakeFAU/inbox-router/internal/storage/memory"
	pgstore "github.com/JakeFAU/inbox-router/internal/storage/postgres"
	"github.com/JakeFAU/inbox-router/internal/store"
	"github.com/JakeFAU/inbox-router/internal/stream"
	"github.com/JakeFAU/inbox-router/internal/telemetry"
	"github.com/JakeFAU/inbox-router/internal/tracker"
)

const shutdownTimeout = 10 * time.Second

// runStore is what the app needs from a run history backend.
type runStore interface {
	store.RunRepository
	Ping(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	tracker         *tracker.Tracker
	notifier        *notify.Notifier
	progressHub     *progress.Hub
	runs            runStore
	pgRuns          *pgstore.RunStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	unsubscribe     []func()
	tracerShutdown  func(context.Context) error
}

// Option customises Build.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
	onUpdate   func(tracker.View)
}

// WithRegisterer registers tracker session metrics on reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) {
		o.registerer = reg
	}
}

// WithTrackerUpdates calls fn with a snapshot after every tracker state change.
func WithTrackerUpdates(fn func(tracker.View)) Option {
	return func(o *buildOptions) {
		o.onUpdate = fn
	}
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	// Define a struct for logging only non-sensitive config fields
	type SanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		StreamURL  string `json:"stream_url"`
		History    string `json:"history"`
		PubSub     bool   `json:"pubsub"`
	}
	history := "memory"
	if cfg.DB.DSN != "" {
		history = "postgres"
	}
	safeCfg := SanitizedConfig{
		ServerPort: cfg.Server.Port,
		StreamURL:  cfg.Stream.BaseURL + cfg.Stream.Path,
		History:    history,
		PubSub:     cfg.PubSub.Enabled(),
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := buildOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.logger.Info("building application dependencies")
	if err = setupRunStore(ctx, app); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	emitter, err := setupProgress(ctx, app, o.registerer)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	if err = setupNotifier(ctx, app); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	if err = setupTracker(ctx, app, emitter, o.onUpdate); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	startLimiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Server.StartRatePerSec,
		DefaultBurst: cfg.Server.StartBurst,
	})
	app.apiServer = api.NewServer(api.Options{
		Tracker:        app.tracker,
		Runs:           app.runs,
		Notifications:  app.notifier,
		Ready:          app.runs,
		StartLimiter:   startLimiter,
		Auth:           cfg.Auth,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger.Named("api"),
	})

	return app, nil
}

// Handler returns the HTTP handler; used by tests and embedding callers.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Tracker exposes the job tracker for the CLI watch mode.
func (a *App) Tracker() *tracker.Tracker {
	return a.tracker
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.apiServer.CloseNotifications()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Watch starts one job and blocks until it finishes or ctx is canceled. A
// canceled job is closed before returning.
func (a *App) Watch(ctx context.Context, userEmail string, maxResults int) (tracker.View, error) {
	if _, err := a.tracker.Start(ctx, userEmail, maxResults); err != nil {
		return tracker.View{}, fmt.Errorf("start job: %w", err)
	}
	view, err := a.tracker.Wait(ctx)
	if err != nil {
		if closeErr := a.tracker.Close(); closeErr != nil && !errors.Is(closeErr, tracker.ErrNoSession) {
			a.logger.Warn("tracker close failed", zap.Error(closeErr))
		}
		return tracker.View{}, err
	}
	return view, nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.tracker != nil {
		if err := a.tracker.Close(); err != nil && !errors.Is(err, tracker.ErrNoSession) {
			a.logger.Warn("tracker close failed", zap.Error(err))
		}
	}
	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.pgRuns != nil {
		a.pgRuns.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		// stdout/stderr commonly reject fsync.
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func setupRunStore(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping run history in memory",
			zap.Int("capacity", app.cfg.History.Capacity))
		app.runs = memorystorage.NewRunStore(app.cfg.History.Capacity)
		return nil
	}
	pg, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		Table:           app.cfg.DB.Table,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(app.cfg.DB.MaxConnLifetimeMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.pgRuns = pg
	app.runs = pg
	if app.cfg.DB.AutoMigrate {
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("run store migration failed: %w", err)
		}
	}
	app.logger.Info("run store initialized", zap.String("table", app.cfg.DB.Table))
	return nil
}

func setupProgress(ctx context.Context, app *App, reg prometheus.Registerer) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(app.runs, app.logger.Named("progress_store")),
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	hubCfg := progress.HubConfig{
		BufferSize:      app.cfg.Progress.BufferSize,
		MaxBatchRecords: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:    time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:     time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:     ctx,
		Logger:          app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_records", hubCfg.MaxBatchRecords),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
		zap.Int("sinks", len(sinkList)),
	)
	return app.progressHub, nil
}

func setupNotifier(ctx context.Context, app *App) error {
	app.notifier = notify.New(app.logger.Named("notify"))
	app.unsubscribe = append(app.unsubscribe, app.notifier.Subscribe(func(n notify.Notification) {
		metrics.ObserveNotification(string(n.Kind))
	}))

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return err
	}
	app.unsubscribe = append(app.unsubscribe, app.notifier.Subscribe(notify.Forward(publisher, notify.ForwardConfig{
		Topic:       app.cfg.PubSub.TopicName,
		BaseContext: ctx,
		Logger:      app.logger.Named("notify_forward"),
	})))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (notify.Publisher, error) {
	if !app.cfg.PubSub.Enabled() {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupTracker(ctx context.Context, app *App, emitter progress.Emitter, onUpdate func(tracker.View)) error {
	client, err := stream.NewClient(stream.Config{
		BaseURL:     app.cfg.Stream.BaseURL,
		Path:        app.cfg.Stream.Path,
		IdleTimeout: app.cfg.Stream.IdleTimeout(),
		HTTPClient:  &http.Client{Transport: telemetry.Transport(nil)},
		Logger:      app.logger.Named("stream"),
	})
	if err != nil {
		return fmt.Errorf("stream client init failed: %w", err)
	}
	app.tracker, err = tracker.New(tracker.Config{
		Dial:              tracker.FromClient(client),
		Emitter:           emitter,
		Notifier:          app.notifier,
		Clock:             system.New(),
		IDs:               uuid.New(),
		DefaultMaxResults: app.cfg.Stream.DefaultMaxResults,
		MaxResultsLimit:   app.cfg.Stream.MaxResultsLimit,
		BaseContext:       ctx,
		OnUpdate:          onUpdate,
		Logger:            app.logger.Named("tracker"),
	})
	if err != nil {
		return fmt.Errorf("tracker init failed: %w", err)
	}
	app.logger.Info("tracker initialized",
		zap.String("base_url", app.cfg.Stream.BaseURL),
		zap.String("path", app.cfg.Stream.Path),
		zap.Int("default_max_results", app.cfg.Stream.DefaultMaxResults),
		zap.Int("max_results_limit", app.cfg.Stream.MaxResultsLimit),
	)
	return nil
}
