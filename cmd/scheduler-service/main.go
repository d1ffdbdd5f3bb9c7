package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/vidforge/renderqueue/internal/api/handler"
	"github.com/vidforge/renderqueue/internal/api/router"
	"github.com/vidforge/renderqueue/internal/config"
	"github.com/vidforge/renderqueue/internal/ingest"
	"github.com/vidforge/renderqueue/internal/monitor"
	"github.com/vidforge/renderqueue/internal/queue"
	"github.com/vidforge/renderqueue/internal/scheduler"
	"github.com/vidforge/renderqueue/internal/store"
	"github.com/vidforge/renderqueue/shared/logger"
	"github.com/vidforge/renderqueue/shared/postgresql"
	"github.com/vidforge/renderqueue/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("SCHEDULER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/scheduler-service/config.yaml"
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

	appLogger.Info("Starting scheduler service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskStore, dbClient, err := initStore(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer taskStore.Close()

	resourceMonitor := monitor.New(ctx, monitor.Config{
		PerJobMemoryEstimate: uint64(cfg.Resources.PerJobMemoryEstimateMB) << 20,
		HardWorkerCap:        cfg.Resources.HardWorkerCap,
		CPUOversubscription:  cfg.Resources.CPUOversubscription,
	}, appLogger.Logger)

	sched, err := scheduler.New(&scheduler.Config{
		Store:   taskStore,
		Budgets: resourceMonitor,
		Runner:  scheduler.RunnerFunc(renderJob),
		Logger:  appLogger.Logger,
		Retry: &scheduler.RetryPolicy{
			BaseBackoff:        cfg.Scheduler.BaseBackoff,
			Multiplier:         cfg.Scheduler.BackoffMultiplier,
			MaxBackoff:         cfg.Scheduler.MaxBackoff,
			TimeoutIsPermanent: cfg.Scheduler.TimeoutIsPermanent,
		},
		JobTimeout:         cfg.Scheduler.JobTimeout,
		DefaultMaxAttempts: cfg.Scheduler.MaxAttempts,
		KeepAlive:          cfg.Scheduler.KeepAlive,
	})
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}

	// Optional admin HTTP API, served from the same process.
	var srv *http.Server
	if cfg.Server.Enabled {
		srv = initServer(cfg, appLogger.Logger, sched)
		go func() {
			appLogger.Info("Admin API listening", slog.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				appLogger.Error("Admin API server error", slog.Any("error", err))
			}
		}()
	}

	// Optional AMQP submission bridge.
	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		consumer := ingest.NewConsumer(rabbitClient, sched, cfg.App.Name, appLogger.Logger)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLogger.Error("Ingest consumer error", slog.Any("error", err))
			}
		}()
	}

	errChan := make(chan error, 1)
	reportChan := make(chan *scheduler.Report, 1)
	go func() {
		report, err := sched.Run(ctx)
		if err != nil {
			errChan <- err
			return
		}
		reportChan <- report
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
		defer shutdownCancel()

		select {
		case report := <-reportChan:
			logReport(appLogger.Logger, report)
		case err := <-errChan:
			runErr = err
		case <-shutdownCtx.Done():
			appLogger.Warn("Scheduler shutdown timeout exceeded, forcing exit")
		}

	case report := <-reportChan:
		logReport(appLogger.Logger, report)

	case err := <-errChan:
		appLogger.Error("Scheduler error", slog.Any("error", err))
		runErr = err
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Admin API forced to shutdown", slog.Any("error", err))
		}
	}
	if rabbitClient != nil {
		rabbitClient.Close()
	}
	if dbClient != nil {
		dbClient.Close()
	}

	appLogger.Info("Scheduler service shutdown complete")
	return runErr
}

// renderJob is the placeholder job body wired in by default. Real
// deployments replace it with the artifact pipeline; the scheduler only
// sees the Runner contract.
func renderJob(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	select {
	case <-time.After(2 * time.Second):
		return json.RawMessage(`{"status":"rendered"}`), nil
	case <-ctx.Done():
		return nil, queue.Transient(ctx.Err())
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initStore opens the configured task store backend. The returned client is
// non-nil only for the postgres backend.
func initStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, *postgresql.Client, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendPostgres:
		dbClient, err := postgresql.NewClient(ctx, &postgresql.Config{
			Host:            cfg.Store.Database.Host,
			Port:            cfg.Store.Database.Port,
			User:            cfg.Store.Database.User,
			Password:        cfg.Store.Database.Password,
			Database:        cfg.Store.Database.Database,
			SSLMode:         cfg.Store.Database.SSLMode,
			MaxOpenConns:    cfg.Store.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Store.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Store.Database.ConnMaxIdleTime,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		pgStore, err := store.NewPostgresStore(ctx, dbClient.DB, log)
		if err != nil {
			dbClient.Close()
			return nil, nil, err
		}
		return pgStore, dbClient, nil

	default:
		fileStore, err := store.OpenFileStore(cfg.Store.Path, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open task store: %w", err)
		}
		return fileStore, nil, nil
	}
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		User:          cfg.User,
		Password:      cfg.Password,
		VHost:         cfg.VHost,
		QueueName:     cfg.Queue,
		QueueDurable:  cfg.QueueDurable,
		RetryAttempts: cfg.RetryAttempts,
		RetryInterval: cfg.RetryInterval,
		Heartbeat:     cfg.Heartbeat,
		PrefetchCount: cfg.PrefetchCount,
	}, log)
}

// initServer builds the admin HTTP server around the Gin router.
func initServer(cfg *config.Config, log *slog.Logger, sched *scheduler.Scheduler) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:    log,
		Scheduler: sched,
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func logReport(log *slog.Logger, report *scheduler.Report) {
	log.Info("Batch run report",
		slog.Int("total_jobs", report.TotalJobs),
		slog.Int("completed", report.Completed),
		slog.Int("failed", report.Failed),
		slog.Int("cancelled", report.Cancelled),
		slog.Duration("duration", report.Duration),
		slog.String("throughput", fmt.Sprintf("%.2f jobs/s", report.Throughput)),
		slog.Int("peak_workers", report.PeakWorkers),
	)
}
