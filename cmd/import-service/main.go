package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/stl-import/internal/api/handler"
	"github.com/cuongbtq/stl-import/internal/api/router"
	"github.com/cuongbtq/stl-import/internal/api/storage"
	"github.com/cuongbtq/stl-import/internal/artifact"
	"github.com/cuongbtq/stl-import/internal/config"
	"github.com/cuongbtq/stl-import/internal/fetch"
	"github.com/cuongbtq/stl-import/internal/origin"
	"github.com/cuongbtq/stl-import/internal/realtime"
	"github.com/cuongbtq/stl-import/internal/registry"
	"github.com/cuongbtq/stl-import/internal/worker"
	"github.com/cuongbtq/stl-import/shared/logger"
	"github.com/cuongbtq/stl-import/shared/postgresql"
	"github.com/cuongbtq/stl-import/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("IMPORT_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/import-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting import service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	policy := origin.NewPolicy(cfg.Import.AllowedOrigins, cfg.Import.DevMode)
	if policy.DevMode() {
		appLogger.Warn("Dev mode enabled, origin allow-list is not enforced")
	} else {
		appLogger.Info("Origin allow-list loaded",
			slog.String("origins", strings.Join(policy.Origins(), ",")),
		)
	}

	healthChecks := make(map[string]func(ctx context.Context) error)

	// Optional PostgreSQL snapshot store
	var (
		dbClient  *postgresql.Client
		jobStore  registry.Store
		snapshots handler.SnapshotStore
	)
	if cfg.Database.Enabled {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Component("postgresql"))
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		if dir := cfg.Database.MigrationsDir; dir != "" {
			migrateCtx, migrateCancel := context.WithTimeout(context.Background(), time.Minute)
			applied, err := dbClient.Migrate(migrateCtx, dir)
			migrateCancel()
			if err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			appLogger.Info("Database migrations applied",
				slog.String("dir", dir),
				slog.Int("applied", applied),
			)
		}

		st := storage.NewStorage(dbClient.GetDB())
		jobStore, snapshots = st, st
		healthChecks["database"] = dbClient.HealthCheck
		appLogger.Info("Database connection established")
	}

	// Optional RabbitMQ dispatch
	var (
		rabbitClient *rabbitmq.Client
		queue        worker.Queue
	)
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Component("rabbitmq"))
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		queue = rabbitClient
		healthChecks["rabbitmq"] = rabbitClient.HealthCheck
		appLogger.Info("RabbitMQ connection established")
	}

	artifacts, err := artifact.NewStore(cfg.Import.ArtifactsDir)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	hub := realtime.NewHub(realtime.HubOptions{
		Logger:       appLogger.Component("realtime"),
		SendBuffer:   cfg.Realtime.SendBuffer,
		WriteTimeout: cfg.Realtime.WriteTimeout,
		PingInterval: cfg.Realtime.PingInterval,
		CheckOrigin:  policy.CheckRequest,
	})

	registryLogger := appLogger.Component("registry")
	jobs := registry.New(registry.Options{
		Logger:         registryLogger,
		Broadcaster:    hub,
		Store:          jobStore,
		TTL:            cfg.Import.JobTTL,
		SweepInterval:  cfg.Import.SweepInterval,
		PersistTimeout: cfg.Database.WriteTimeout,
		OnEvict: func(job *registry.Job) {
			if err := artifacts.Remove(job.ID); err != nil {
				registryLogger.Warn("Failed to remove artifact of evicted import",
					slog.String("import_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs.Start(ctx)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Component("worker"),
		Tracker:           jobs,
		Fetcher:           fetch.New(nil, cfg.Worker.MaxDownloadBytes, cfg.Worker.FetchTimeout),
		Artifacts:         artifacts,
		Queue:             queue,
		ArtifactURL:       artifactURL(cfg.Server.PublicURL),
		Concurrency:       cfg.Worker.Concurrency,
		DecodeConcurrency: cfg.Worker.DecodeConcurrency,
		QueueSize:         cfg.Worker.QueueSize,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		DecodeTimeout:     cfg.Worker.DecodeTimeout,
	})
	if err := workerInstance.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	r := initRouter(cfg, &handler.Dependencies{
		Logger:         appLogger.Component("api"),
		Registry:       jobs,
		Worker:         workerInstance,
		Artifacts:      artifacts,
		Store:          snapshots,
		MaxUploadBytes: cfg.Import.MaxUploadBytes,
		ServiceName:    cfg.App.Name,
		HealthChecks:   healthChecks,
	}, router.Options{Policy: policy, Hub: hub})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	appLogger.Info("Import service is running", slog.String("address", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// stop accepting imports before the pipeline drains
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}
	hub.Close()

	cancel()
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	jobs.Stop()

	appLogger.Info("Import service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		ConnectTimeout:  cfg.ConnectTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies, opts router.Options) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, opts)
}

// artifactURL builds the reference stored on completed imports
func artifactURL(publicURL string) func(string) string {
	base := strings.TrimRight(publicURL, "/")
	return func(id string) string {
		return base + "/imports/" + id + "/file"
	}
}
