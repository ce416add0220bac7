// Package server builds the application's dependency graph and runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/api"
	"github.com/JakeFAU/realtime-sound-tracker/internal/audit"
	auditsinks "github.com/JakeFAU/realtime-sound-tracker/internal/audit/sinks"
	"github.com/JakeFAU/realtime-sound-tracker/internal/clock/system"
	"github.com/JakeFAU/realtime-sound-tracker/internal/config"
	"github.com/JakeFAU/realtime-sound-tracker/internal/dedupe"
	"github.com/JakeFAU/realtime-sound-tracker/internal/dispatcher"
	"github.com/JakeFAU/realtime-sound-tracker/internal/hash/sha256"
	"github.com/JakeFAU/realtime-sound-tracker/internal/httpclient"
	"github.com/JakeFAU/realtime-sound-tracker/internal/id/uuid"
	"github.com/JakeFAU/realtime-sound-tracker/internal/ingest"
	"github.com/JakeFAU/realtime-sound-tracker/internal/lifecycle"
	"github.com/JakeFAU/realtime-sound-tracker/internal/logging"
	"github.com/JakeFAU/realtime-sound-tracker/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-sound-tracker/internal/provider"
	kafkapublisher "github.com/JakeFAU/realtime-sound-tracker/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/realtime-sound-tracker/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-sound-tracker/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-sound-tracker/internal/resolver"
	gcsstorage "github.com/JakeFAU/realtime-sound-tracker/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-sound-tracker/internal/storage/local"
	memorystorage "github.com/JakeFAU/realtime-sound-tracker/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-sound-tracker/internal/storage/postgres"
	"github.com/JakeFAU/realtime-sound-tracker/internal/telemetry"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
	"github.com/JakeFAU/realtime-sound-tracker/internal/webhook"
)

// Version is reported in traces.
var Version = "dev"

// closer is anything with a Close() error, such as a publisher.
type closer interface {
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	ingest    *ingest.Service

	items       tracker.ItemStore
	transitions tracker.TransitionStore
	blobs       tracker.BlobStore
	publisher   tracker.Publisher
	guard       tracker.DeliveryGuard
	auditHub    *audit.Hub

	registerer    prometheus.Registerer
	pgItems       *pgstore.ItemStore
	storageClient *storage.Client
	redisClient   *redis.Client
	pubCloser     closer
	ready         []api.ReadyCheck

	tracerShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive fields are logged.
	logger.Info("creating application",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("publisher_backend", cfg.Publisher.Backend),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
	)
	return &App{cfg: cfg, logger: logger}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Ingest exposes the ingestion service.
func (a *App) Ingest() *ingest.Service {
	return a.ingest
}

// Run starts the HTTP server and blocks until the context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-errCh:
		return err
	default:
		return closeErr
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.auditHub != nil {
		if err := a.auditHub.Close(ctx); err != nil {
			a.logger.Warn("audit hub close failed", zap.Error(err))
		}
	}
	if a.pubCloser != nil {
		if err := a.pubCloser.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgItems != nil {
		a.pgItems.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger, opts...)
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers the audit collectors somewhere other than the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registerer = reg
	}
}

// BuildWithLogger creates the application's dependencies using logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	for _, opt := range opts {
		opt(app)
	}

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, Version)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	app.logger.Info("building application dependencies")
	steps := []func(context.Context) error{
		app.setupDatabase,
		app.setupStorage,
		app.setupPublisher,
		app.setupAudit,
		app.setupReplayGuard,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure(ctx)
			return nil, err
		}
	}
	app.setupServices()
	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory item store")
		a.items = memorystorage.NewItemStore()
		a.transitions = memorystorage.NewTransitionStore()
		return nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres pool init failed: %w", err)
	}
	items, err := pgstore.NewItemStore(pool)
	if err != nil {
		pool.Close()
		return fmt.Errorf("item store init failed: %w", err)
	}
	transitions, err := pgstore.NewTransitionStore(pool)
	if err != nil {
		items.Close()
		return fmt.Errorf("transition store init failed: %w", err)
	}
	a.pgItems = items
	a.items = items
	a.transitions = transitions
	a.ready = append(a.ready, items.Ping)
	a.logger.Info("postgres item store initialized")
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS archive backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		a.storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.storageClient, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.BackendLocal:
		a.logger.Info("using local archive backend", zap.String("path", a.cfg.Storage.LocalDir))
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		a.logger.Info("using in-memory archive backend")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Backend {
	case config.BackendPubSub:
		client, err := gcppublisher.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		pub := gcppublisher.New(client, a.logger)
		a.publisher, a.pubCloser = pub, pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
	case config.BackendKafka:
		writer, err := kafkapublisher.NewWriter(kafkapublisher.Config{
			Brokers:      a.cfg.Kafka.Brokers,
			ClientID:     a.cfg.Kafka.ClientID,
			BatchTimeout: a.cfg.Kafka.BatchTimeout,
		})
		if err != nil {
			return fmt.Errorf("kafka writer init failed: %w", err)
		}
		pub := kafkapublisher.New(writer, a.logger)
		a.publisher, a.pubCloser = pub, pub
		a.logger.Info("Kafka publisher initialized",
			zap.Strings("brokers", a.cfg.Kafka.Brokers),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
	case config.BackendMemory:
		pub := memorypublisher.New()
		a.publisher, a.pubCloser = pub, pub
		a.logger.Info("using in-memory publisher")
	default:
		a.logger.Info("item event publishing disabled")
	}
	return nil
}

func (a *App) setupAudit(_ context.Context) error {
	sinkList := []audit.Sink{
		auditsinks.NewLogSink(a.logger.Named("audit_log")),
		auditsinks.NewStoreSink(a.transitions, a.logger.Named("audit_store")),
	}
	promSink, err := auditsinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("audit prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.publisher != nil {
		sinkList = append(sinkList, auditsinks.NewPublisherSink(a.publisher, a.cfg.Publisher.Topic, a.logger.Named("audit_publisher")))
	}
	a.auditHub = audit.NewHub(audit.Config{
		Logger: a.logger.Named("audit_hub"),
	}, sinkList...)
	a.logger.Info("audit hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func (a *App) setupReplayGuard(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		a.guard = dedupe.NewMemory()
		return nil
	}
	client, err := dedupe.NewRedisClient(ctx, dedupe.RedisConfig{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("redis init failed: %w", err)
	}
	a.redisClient = client
	a.guard = dedupe.NewRedis(client, a.cfg.Redis.KeyPrefix)
	a.ready = append(a.ready, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	a.logger.Info("redis replay guard initialized", zap.String("addr", a.cfg.Redis.Addr))
	return nil
}

func (a *App) setupServices() {
	cfg := a.cfg
	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Providers.RPS,
		DefaultBurst: cfg.Providers.Burst,
	})
	client := httpclient.New(httpclient.Config{
		MaxAttempts:      cfg.Retry.MaxAttempts,
		BaseDelay:        cfg.Retry.BaseDelay,
		MaxDelay:         cfg.Retry.MaxDelay,
		Jitter:           cfg.Retry.Jitter,
		Timeout:          cfg.Retry.Timeout,
		MaxResponseBytes: cfg.Retry.MaxResponseBytes,
	}, httpclient.WithLimiter(limiter), httpclient.WithLogger(a.logger))

	scraper := provider.NewScraper(client, provider.ScraperConfig{
		BaseURL:  cfg.Providers.BaseURL,
		APIKey:   cfg.Providers.APIKey,
		BaseURLs: platformMap(cfg.Providers.BaseURLs),
	}, a.logger)
	orchestrator := provider.NewOrchestrator(client, provider.OrchestratorConfig{
		BaseURL: cfg.Orchestrator.BaseURL,
		Token:   cfg.Orchestrator.Token,
		Actors:  platformMap(cfg.Orchestrator.Actors),
	}, a.logger)

	lc := lifecycle.New(a.items, a.auditHub, clock, a.logger)
	res := resolver.New(scraper, a.items, ids, clock, a.logger)
	disp := dispatcher.New(orchestrator, lc, dispatcher.Config{
		MaxItems:   cfg.Orchestrator.MaxItems,
		WebhookURL: cfg.Orchestrator.WebhookURL,
	}, a.logger)

	async := make([]tracker.Platform, 0, len(cfg.Platforms.Async))
	for _, p := range cfg.Platforms.Async {
		async = append(async, tracker.Platform(p))
	}
	a.ingest = ingest.NewService(a.items, res, lc, scraper, disp, clock, ingest.Config{
		AsyncPlatforms: async,
		ClipLimit:      cfg.Platforms.ClipLimit,
		StaleAfter:     cfg.Platforms.StaleAfter,
	}, a.logger)

	hookOpts := []webhook.Option{
		webhook.WithReplayGuard(a.guard),
		webhook.WithClock(clock),
		webhook.WithLogger(a.logger),
	}
	if cfg.Webhook.Archive {
		hookOpts = append(hookOpts, webhook.WithArchive(a.blobs, sha256.New()))
	}
	hooks := webhook.New(a.items, lc, scraper.Fields(), webhook.Config{ReplayTTL: cfg.Webhook.ReplayTTL}, hookOpts...)

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(a.ingest, hooks, a.transitions, api.Config{
		APIKey:           apiKey,
		WebhookSecret:    []byte(cfg.Webhook.Secret),
		InsecureWebhooks: cfg.Webhook.Insecure,
		MaxWebhookBytes:  cfg.Webhook.MaxBodyBytes,
		RequestTimeout:   cfg.Server.RequestTimeout,
	}, a.logger.Named("api"), a.ready...)
}

func platformMap(in map[string]string) map[tracker.Platform]string {
	out := make(map[tracker.Platform]string, len(in))
	for k, v := range in {
		out[tracker.Platform(k)] = v
	}
	return out
}
