package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/handlers"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/importer"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/loader"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/normalizer"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := newZapLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()
	logger := zapadapter.NewZapEctoLogger(zapLogger, appctx.LogFields)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("fern importer stopped with an error")
		os.Exit(1)
	}
	logger.Info("fern importer stopped")
}

func newZapLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = level
	return zapConfig.Build()
}

// app holds the components created while starting up.
type app struct {
	cfg    *config.Config
	logger ectologger.Logger

	traceShutdown func(context.Context) error

	db       database.DB
	redis    *redis.Client
	producer *kafka.Producer
	manager  *importer.Manager
	trigger  *scheduler.Scheduler
	checker  *health.Checker
	server   *http.Server
}

func run(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	a := &app{cfg: cfg, logger: logger}

	s := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	s.AddDependency(startup.Func{Name: "tracing", StartFunc: a.startTracing, StopFunc: a.stopTracing})
	s.AddDependency(startup.Func{Name: "database", StartFunc: a.startDatabase, StopFunc: a.stopDatabase})
	s.AddDependency(startup.Func{Name: "redis", StartFunc: a.startRedis, StopFunc: a.stopRedis})
	s.AddDependency(startup.Func{Name: "kafka", StartFunc: a.startKafka, StopFunc: a.stopKafka})
	s.AddDependency(startup.Func{
		Name:      "importer",
		Requires:  []string{"database", "redis", "kafka"},
		StartFunc: a.startImporter,
		StopFunc:  a.stopImporter,
	})
	s.AddDependency(startup.Func{
		Name:      "continuous-import",
		Requires:  []string{"importer"},
		StartFunc: a.startTrigger,
		StopFunc:  a.stopTrigger,
	})

	if err := s.Start(ctx); err != nil {
		_ = s.Stop(context.Background())
		return err
	}
	a.server = a.newServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Listening on %s", a.server.Addr)
		a.checker.SetReady(true)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		a.checker.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var stopGroup errgroup.Group
		stopGroup.Go(func() error { return a.server.Shutdown(shutdownCtx) })
		stopGroup.Go(func() error { return s.Stop(shutdownCtx) })
		return stopGroup.Wait()
	})
	return g.Wait()
}

func (a *app) startTracing(ctx context.Context) error {
	shutdown, err := tracing.Setup(ctx, a.cfg.AppName, a.cfg.Tracing())
	if err != nil {
		return err
	}
	a.traceShutdown = shutdown
	return nil
}

func (a *app) stopTracing(ctx context.Context) error {
	if a.traceShutdown == nil {
		return nil
	}
	return a.traceShutdown(ctx)
}

func (a *app) startDatabase(ctx context.Context) error {
	conn, err := sqlx.ConnectContext(ctx, "postgres", a.cfg.DatabaseDSN())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	conn.SetMaxOpenConns(a.cfg.DatabaseMaxOpenConns)
	conn.SetMaxIdleConns(a.cfg.DatabaseMaxIdleConns)
	conn.SetConnMaxLifetime(a.cfg.DatabaseConnMaxLifetime)

	if err := database.NewMigrationService(a.logger, a.cfg.Migration()).MigratePostgres(conn.DB); err != nil {
		_ = conn.Close()
		return err
	}

	a.db = database.NewDatabaseInstance(conn, a.logger)
	return nil
}

func (a *app) stopDatabase(context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *app) startRedis(context.Context) error {
	if !a.cfg.RedisEnabled() {
		a.logger.Warn("No redis configured, partition locks and the continuous import leader are local to this instance")
		return nil
	}
	client, err := redis.NewClient(a.cfg.Redis(), a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	return nil
}

func (a *app) stopRedis(context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}

func (a *app) startKafka(context.Context) error {
	a.producer = kafka.NewProducer(a.cfg.Kafka(), a.logger)
	return nil
}

func (a *app) stopKafka(context.Context) error {
	return a.producer.Close()
}

func (a *app) startImporter(ctx context.Context) error {
	datasets := repositories.NewDatasetRepository(a.db, a.logger)
	imports := repositories.NewDatasetImportRepository(a.db, a.logger)
	partitions := repositories.NewPartitionRepository(a.db, a.logger)
	entities := repositories.NewEntityRepository(a.db, a.logger, a.cfg.Importer.UserKey)

	deps := importer.Dependencies{
		Datasets:   datasets,
		Imports:    imports,
		Partitions: partitions,
		Downloader: httpclient.NewDownloader(a.cfg.Download, a.logger),
		Normalizer: normalizer.NewNormalizer(a.logger),
		Metrics:    repositories.NewImportMetricsRepository(a.db, a.logger),
		Indexer:    a.producer,
		Rematcher:  a.producer,
		Events:     a.producer,
	}

	var guard loader.Guard = &loader.MutexGuard{}
	var redisPinger health.RedisPinger
	if a.redis != nil {
		guard = redis.NewPartitionGuard(redis.NewLocker(a.redis, ""), a.cfg.PartitionLockTTL, a.cfg.PartitionLockTimeout)
		deps.SectorLocks = redis.NewSectorSyncRegistry(a.redis)
		redisPinger = a.redis
	}
	deps.Loader = loader.NewLoader(entities, entities, partitions, datasets, guard, a.cfg.Loader(), a.logger)

	a.manager = importer.NewManager(deps, a.cfg.Importer, a.logger)
	a.checker = health.NewChecker(a.db, redisPinger, a.manager, a.cfg.Version)
	return a.manager.Start(ctx)
}

func (a *app) stopImporter(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

func (a *app) startTrigger(ctx context.Context) error {
	if !a.cfg.Continuous.Enabled {
		a.logger.Info("Continuous import is disabled")
		return nil
	}

	var leader scheduler.LeaderLock
	if a.redis != nil {
		leader = redis.NewLocker(a.redis, "")
	}
	trigger, err := scheduler.NewScheduler(repositories.NewDatasetRepository(a.db, a.logger), a.manager, leader, a.cfg.Continuous, a.logger)
	if err != nil {
		return err
	}
	a.trigger = trigger
	return trigger.Start(ctx)
}

func (a *app) stopTrigger(ctx context.Context) error {
	if a.trigger == nil {
		return nil
	}
	return a.trigger.Stop(ctx)
}

func (a *app) newServer() *http.Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))

	a.checker.RegisterRoutes(e)
	handlers.NewImportHandler(a.manager, a.cfg.MaxUploadSize, a.logger).RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}
}
