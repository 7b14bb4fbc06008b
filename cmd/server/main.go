package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lora-orchestrator/api/rest/handlers"
	"lora-orchestrator/api/rest/routes"
	"lora-orchestrator/config"
	"lora-orchestrator/core/controller"
	"lora-orchestrator/core/events"
	"lora-orchestrator/core/executor"
	"lora-orchestrator/core/monitoring"
	"lora-orchestrator/core/progress"
	"lora-orchestrator/core/repository"
	"lora-orchestrator/core/scheduler"
	"lora-orchestrator/providers/aws"
	"lora-orchestrator/providers/rabbitmq"
	redisprovider "lora-orchestrator/providers/redis"
	"lora-orchestrator/providers/telemetry"
	"lora-orchestrator/storage"
	"lora-orchestrator/training"
	"lora-orchestrator/training/frameworks"

	"github.com/gorilla/mux"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		LogLevel:     cfg.Telemetry.LogLevel,
	})
	if err != nil {
		log.Fatalf("Failed to set up telemetry: %v", err)
	}
	logger := tel.Logger

	if err := run(ctx, cancel, cfg, tel, logger); err != nil {
		logger.Error("Server stopped with error", "error", err)
		tel.Shutdown(context.Background())
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, tel *telemetry.Telemetry, logger *slog.Logger) error {
	// Initialize storage
	var (
		jobStore     repository.JobStore
		artifactRepo repository.ArtifactRepository
	)
	if cfg.Database.Driver == "memory" {
		mem := repository.NewMemoryStore()
		jobStore, artifactRepo = mem, mem
		logger.Warn("Using in-memory job store; jobs are lost on restart")
	} else {
		db, err := repository.NewDB(cfg.Database.Driver, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		jobStore, artifactRepo = repository.NewJobRepository(db), repository.NewArtifactRepository(db)
		logger.Info("Database connected successfully", "driver", cfg.Database.Driver)
	}

	buffer, closeBuffer, err := newProgressBuffer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBuffer()

	artifactStore, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return err
	}
	checkpoints := storage.NewCheckpointManager(artifactStore, artifactRepo)

	var publisher events.Publisher = events.Nop{}
	if cfg.RabbitMQ.URL != "" {
		conn, p, err := rabbitmq.Connect(cfg.RabbitMQ.URL)
		if err != nil {
			return err
		}
		defer conn.Close()
		// broker retries run on the queue worker, never on a request path
		async := events.NewAsync(p, 256, logger)
		defer func() {
			drainCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if err := async.Close(drainCtx); err != nil {
				logger.Warn("Job event queue not drained", "error", err)
			}
		}()
		publisher = async
		logger.Info("Publishing job events to RabbitMQ")
	}

	metrics, err := monitoring.NewMetricsExporter(tel.MeterProvider, jobStore)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	datasets := &training.DirSource{Dir: cfg.Datasets.Dir}

	// Initialize training executor
	trainingExecutor := executor.NewTrainingExecutor(
		jobStore, buffer, datasets, newTrainer(cfg), checkpoints, publisher, metrics, logger, cfg.Trainer.WorkDir,
	)

	// Initialize scheduler
	sched := scheduler.NewScheduler(jobStore, trainingExecutor, logger, scheduler.Options{
		Tick:        cfg.Scheduler.Tick,
		Concurrency: cfg.Scheduler.Concurrency,
	})

	// Jobs left running by a previous process have no worker any more
	monitor := monitoring.NewJobMonitor(jobStore, buffer, publisher, metrics, logger, sched.IsActive)
	monitor.SetStallTimeout(cfg.Scheduler.StallTimeout)
	if n, err := monitor.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	} else if n > 0 {
		logger.Warn("Failed jobs orphaned by a previous run", "count", n)
	}

	go sched.Start(ctx)
	go monitor.Start(ctx)

	ctrl := controller.NewJobController(jobStore, buffer, datasets, checkpoints, sched, publisher, metrics, logger)

	// Setup routes
	r := mux.NewRouter()
	routes.SetupRoutes(r,
		handlers.NewJobHandler(ctrl, monitor, logger),
		handlers.NewDashboardHandler(metrics, sched, logger),
	)

	// Start server
	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		cancel()
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Shutting down server...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Running workers record their jobs as failed once ctx is cancelled
	sched.Stop()
	cancel()
	sched.Wait()

	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err)
	}
	logger.Info("Server exited")
	return nil
}

func newProgressBuffer(ctx context.Context, cfg *config.Config) (progress.Buffer, func(), error) {
	if cfg.Progress.Backend != "redis" {
		return progress.NewRing(cfg.Progress.Capacity), func() {}, nil
	}
	client, err := redisprovider.NewRedisClient(ctx, redisprovider.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	return progress.NewRedisBuffer(client, "", cfg.Progress.Capacity), func() { client.Close() }, nil
}

func newArtifactStore(ctx context.Context, cfg *config.Config) (storage.ArtifactStore, error) {
	a := cfg.Artifacts
	switch a.Backend {
	case "s3":
		client, err := aws.NewS3Client(ctx, aws.S3Options{
			Region:          a.Region,
			Endpoint:        a.Endpoint,
			AccessKeyID:     a.AccessKey,
			SecretAccessKey: a.SecretKey,
			UsePathStyle:    a.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		return storage.NewS3Store(client, a.Bucket), nil
	case "minio":
		return storage.NewMinioStore(ctx, a.Endpoint, a.AccessKey, a.SecretKey, a.Bucket, a.UseSSL)
	default:
		if err := os.MkdirAll(a.Dir, 0o755); err != nil {
			return nil, err
		}
		return &storage.LocalStore{Root: a.Dir}, nil
	}
}

func newTrainer(cfg *config.Config) training.Trainer {
	if cfg.Trainer.Kind == "command" {
		return &frameworks.PEFTRunner{
			Command: cfg.Trainer.Command,
			GPUs:    cfg.Trainer.GPUs,
		}
	}
	return &training.SimTrainer{StepDelay: cfg.Trainer.StepDelay}
}
