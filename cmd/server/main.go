package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"veritrain-orchestrator/api/rest/middleware"
	"veritrain-orchestrator/api/rest/routes"
	"veritrain-orchestrator/config"
	"veritrain-orchestrator/core/engine"
	"veritrain-orchestrator/core/executor"
	"veritrain-orchestrator/core/logger"
	"veritrain-orchestrator/core/monitoring"
	"veritrain-orchestrator/core/progress"
	"veritrain-orchestrator/core/repository"
	"veritrain-orchestrator/storage"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "veritrain",
		Short:        "Experiment and quality gate orchestrator",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("VERITRAIN_CONFIG"), "path to the YAML config file")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Mode)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize record store
	var store repository.Store
	switch cfg.Database.Driver {
	case "postgres":
		db, err := repository.NewDB(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		store = repository.NewPostgresStore(db)
		log.Info("database connected")
	default:
		store = repository.NewMemoryStore()
		log.Warn("using in-memory store; records are lost on exit")
	}

	// Initialize blob store
	var blobs storage.BlobStore
	switch cfg.Storage.Backend {
	case "s3":
		client, err := storage.NewS3Client(ctx, storage.S3Options{
			Bucket:         cfg.Storage.S3.Bucket,
			Prefix:         cfg.Storage.S3.Prefix,
			Region:         cfg.Storage.S3.Region,
			Endpoint:       cfg.Storage.S3.Endpoint,
			ForcePathStyle: cfg.Storage.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		if blobs, err = storage.NewS3BlobStore(client, cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix); err != nil {
			return err
		}
	default:
		if blobs, err = storage.NewFSBlobStore(cfg.Storage.Root); err != nil {
			return err
		}
	}

	// Optional redis progress push
	var sinks []progress.Sink
	if cfg.Redis.Addr != "" {
		rdb, err := progress.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		sink := progress.NewRedisSink(rdb, cfg.Redis.Buffer, log)
		sink.Start(ctx)
		defer sink.Wait()
		sinks = append(sinks, sink)
		log.Info("redis progress push enabled", "addr", cfg.Redis.Addr)
	}

	eng, err := engine.New(store, engine.Options{
		Queue:         cfg.SchedulerConfig(),
		Thresholds:    cfg.QualityGate.Thresholds,
		MetricTimeout: cfg.QualityGate.MetricTimeout,
		Blobs:         blobs,
		Trainer:       executor.NewSimulatedTrainer(cfg.Training.EpochDuration),
		Sinks:         sinks,
	}, log)
	if err != nil {
		return err
	}
	eng.Start(ctx)
	defer eng.Stop()

	monitor := monitoring.NewJobMonitor(store, eng.Scheduler(), eng.Machine(), eng.Publisher(), cfg.MonitorSettings(), log)
	go monitor.Start(ctx)
	exporter := monitoring.NewMetricsExporter(eng.Scheduler(), store, store)

	r := mux.NewRouter()
	routes.SetupRoutes(r, eng, monitor, exporter, middleware.AllowAll{}, log)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server exited")
	return nil
}
