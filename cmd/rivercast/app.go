package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"rivercast/internal/api"
	"rivercast/internal/chat"
	"rivercast/internal/config"
	"rivercast/internal/events"
	"rivercast/internal/ffmpeg"
	"rivercast/internal/license"
	"rivercast/internal/lifecycle"
	"rivercast/internal/observability/logging"
	"rivercast/internal/observability/metrics"
	"rivercast/internal/recording"
	"rivercast/internal/redisconn"
	"rivercast/internal/server"
	"rivercast/internal/session"
	"rivercast/internal/storage"
	"rivercast/internal/transcode"
	"rivercast/internal/viewers"
)

const (
	registryPruneInterval = time.Minute
	memoryQueueBuffer     = 1024
	memoryBusBuffer       = 256
)

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// app is the wired process. Collaborators are released in reverse order of
// construction.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Recorder

	store        storage.Repository
	redis        redis.UniversalClient
	registry     *session.Registry
	hub          *chat.Hub
	viewers      *viewers.Coordinator
	orchestrator *lifecycle.Orchestrator
	server       *server.Server

	workerCtx    context.Context
	workerCancel context.CancelFunc
	housekeeper  *housekeeper
	closers      []closer
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (_ *app, err error) {
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger = logging.OrDefault(logger)
	a := &app{cfg: cfg, logger: logger, metrics: recorder}
	a.housekeeper = newHousekeeper(logging.WithComponent(logger, "workers"), nil)
	a.workerCtx, a.workerCancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if cfg.RedisRequired() {
		client, err := redisconn.New(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.redis = client
		a.addCloser("redis", func(context.Context) error { return client.Close() })
		if err := redisconn.Ping(ctx, client); err != nil {
			return nil, err
		}
	}

	bus := a.eventBus()
	a.addCloser("event bus", func(context.Context) error { return bus.Close() })
	notifier := events.NewNotifier(bus, events.NotifierConfig{Logger: logger, Metrics: recorder})
	a.addCloser("notifier", notifier.Close)

	writer := storage.NewWriter(a.store, storage.WriterConfig{Logger: logger, Metrics: recorder})
	a.addCloser("writer", writer.Close)

	queue, err := a.chatQueue()
	if err != nil {
		return nil, err
	}
	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		storage.NewChatWorker(a.store, queue, logger).Run(workerCtx)
	}()
	a.addCloser("chat worker", func(ctx context.Context) error {
		stopWorker()
		select {
		case <-workerDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	a.hub = chat.NewHub(chat.Config{
		Queue:            queue,
		Limiter:          a.chatLimiter(),
		MaxMessageRunes:  cfg.ChatMaxRunes,
		SubscriberBuffer: cfg.ChatBuffer,
		Logger:           logger,
		Metrics:          recorder,
	})
	a.addCloser("chat hub", a.hub.Close)

	relay := chat.NewAlertRelay(a.hub, bus, logger)
	if err := relay.Start(ctx); err != nil {
		return nil, err
	}
	a.addCloser("alert relay", func(context.Context) error {
		relay.Stop()
		return nil
	})

	a.registry = session.NewRegistry(session.Options{Mirror: writer, Logger: logger})

	licenses, err := a.licenseAuthorizer()
	if err != nil {
		return nil, err
	}
	a.viewers = viewers.NewCoordinator(viewers.Config{
		Registry:          a.registry,
		Chat:              a.hub,
		Licenses:          licenses,
		Events:            notifier,
		Store:             writer,
		DefaultMaxViewers: cfg.DefaultMaxViewers,
		JoinWait:          cfg.JoinWait,
		IdleTimeout:       cfg.ViewerIdleTimeout,
		Logger:            logger,
		Metrics:           recorder,
	})

	runner := ffmpeg.Runner{Binary: cfg.FFmpegPath, StopTimeout: cfg.StopTimeout, Logger: logger}
	manager, err := transcode.NewManager(transcode.Config{
		OutputRoot:      cfg.OutputRoot,
		SegmentDuration: cfg.SegmentDuration,
		PlaylistWindow:  cfg.PlaylistWindow,
		MaxEncoders:     cfg.MaxEncoders,
		StopTimeout:     cfg.StopTimeout,
		Encoder:         &transcode.FFmpegEncoder{Runner: runner, Logger: logger, Preset: cfg.EncoderPreset},
		Logger:          logger,
		Metrics:         recorder,
	}, transcode.Hooks{})
	if err != nil {
		return nil, err
	}

	var recorderImpl recording.Recorder
	if cfg.RecordingDir != "" {
		rec, err := recording.NewFFmpegRecorder(recording.Config{
			Dir:     cfg.RecordingDir,
			Runner:  runner,
			Archive: recording.NewObjectStore(cfg.Archive),
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		recorderImpl = rec
	}

	a.orchestrator, err = lifecycle.New(lifecycle.Config{
		Registry:        a.registry,
		Transcoder:      manager,
		Recorder:        recorderImpl,
		Recordings:      writer,
		Viewers:         a.viewers,
		Chat:            a.hub,
		Events:          notifier,
		Ladder:          cfg.Ladder,
		IngestBaseURL:   cfg.IngestBaseURL,
		IngestOriginURL: cfg.IngestOriginURL,
		PlaybackBaseURL: cfg.PlaybackBaseURL,
		StopTimeout:     cfg.StopTimeout,
		Logger:          logger,
		Metrics:         recorder,
	})
	if err != nil {
		return nil, err
	}

	handlerCfg := api.Config{
		Orchestrator: a.orchestrator,
		Viewers:      a.viewers,
		Chat:         a.hub,
		Registry:     a.registry,
		Store:        a.store,
		Manifests:    manager,
		Logger:       logger,
	}
	if cfg.ServeManifests {
		handlerCfg.OutputRoot = cfg.OutputRoot
	}
	if a.redis != nil {
		client := a.redis
		handlerCfg.Probes = append(handlerCfg.Probes, api.HealthProbe{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisconn.Ping(ctx, client) },
		})
	}
	handler, err := api.NewHandler(handlerCfg)
	if err != nil {
		return nil, err
	}

	serverCfg := server.Config{
		Addr: cfg.Addr,
		TLS:  cfg.TLS,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:             cfg.GlobalRPS,
			GlobalBurst:           cfg.GlobalBurst,
			ClientLimit:           cfg.ClientLimit,
			ClientWindow:          cfg.ClientWindow,
			TrustForwardedHeaders: cfg.TrustForwardedHeaders,
			TrustedProxies:        cfg.TrustedProxies,
		},
		CORS:            server.CORSConfig{AllowedOrigins: cfg.AllowedOrigins},
		Logger:          logger,
		Metrics:         recorder,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	if cfg.RateRedis {
		serverCfg.RateLimit.Redis = a.redis
	}
	if cfg.AuditLog {
		serverCfg.AuditLogger = logging.WithComponent(logger, "audit")
	}
	a.server, err = server.New(handler, serverCfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StorageDriver {
	case config.DriverPostgres:
		repo, err := storage.NewPostgresRepository(ctx, a.cfg.Postgres)
		if err != nil {
			return fmt.Errorf("open postgres datastore: %w", err)
		}
		a.store = repo
	default:
		repo, err := storage.NewJSONRepository(a.cfg.JSONPath)
		if err != nil {
			return fmt.Errorf("open json datastore: %w", err)
		}
		a.store = repo
	}
	a.addCloser("datastore", a.store.Close)
	return nil
}

func (a *app) eventBus() events.Bus {
	if a.cfg.EventBus == config.DriverRedis {
		return events.NewRedisBus(a.redis, events.RedisBusConfig{Prefix: a.cfg.EventPrefix, Logger: a.logger})
	}
	return events.NewMemoryBus(memoryBusBuffer)
}

func (a *app) chatQueue() (chat.Queue, error) {
	if a.cfg.ChatQueue == config.DriverRedis {
		return chat.NewRedisQueue(a.redis, chat.RedisQueueConfig{
			Stream: a.cfg.ChatStream,
			Group:  a.cfg.ChatGroup,
			MaxLen: a.cfg.ChatStreamMax,
			Logger: a.logger,
		})
	}
	return chat.NewMemoryQueue(memoryQueueBuffer), nil
}

func (a *app) chatLimiter() chat.SenderLimiter {
	if a.cfg.ChatRateStore == config.DriverRedis {
		return chat.NewRedisSenderStore(a.redis, "", 1, a.cfg.ChatRateInterval)
	}
	return chat.NewMemoryLimiter(a.cfg.ChatRateInterval)
}

func (a *app) licenseAuthorizer() (license.Authorizer, error) {
	if a.cfg.LicenseURL == "" {
		return license.Noop{}, nil
	}
	client, err := license.NewHTTPClient(license.Config{
		BaseURL: a.cfg.LicenseURL,
		Token:   a.cfg.LicenseToken,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *app) addCloser(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// startWorkers launches the periodic viewer and registry housekeeping.
func (a *app) startWorkers() {
	a.housekeeper.Start(a.workerCtx,
		chore{name: "viewer-counts", every: a.cfg.CountInterval, do: func(context.Context) error {
			a.viewers.PublishCounts()
			return nil
		}},
		chore{name: "viewer-sweep", every: a.cfg.SweepInterval, do: func(context.Context) error {
			if n := a.viewers.SweepIdle(); n > 0 {
				a.logger.Info("evicted idle viewers", "count", n)
			}
			return nil
		}},
		chore{name: "registry-prune", every: registryPruneInterval, do: func(context.Context) error {
			a.registry.PruneRetired(time.Now().Add(-a.cfg.RetiredTTL))
			return nil
		}},
	)
}

// Run serves until ctx is cancelled. Live sessions are then ended while the
// listener drains, and every collaborator is closed.
func (a *app) Run(ctx context.Context, ready chan<- struct{}) error {
	a.startWorkers()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(gctx, ready)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.orchestrator.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("sessions did not shut down cleanly", "error", err)
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	a.close(closeCtx)
	return runErr
}

func (a *app) close(ctx context.Context) {
	a.housekeeper.Stop()
	a.workerCancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("failed to close collaborator", "component", c.name, "error", err)
		}
	}
	a.closers = nil
}
