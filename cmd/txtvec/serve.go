package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kaxap/txtvec/internal/cache"
	"github.com/kaxap/txtvec/internal/config"
	"github.com/kaxap/txtvec/internal/embeddings"
	"github.com/kaxap/txtvec/internal/metrics"
	"github.com/kaxap/txtvec/internal/server"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the model and serve embeddings over HTTP and WebSocket",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().Int("port", 0, "Override the configured port")
	cmd.Flags().Bool("lazy", false, "Load the model on the first request instead of at startup")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	log.Info("Starting txtvec",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	pipeline, state, err := embeddings.NewFactory(log.WithComponent("embeddings").Logger).
		CreatePipeline(embeddings.ServiceConfigFrom(cfg))
	if err != nil {
		return err
	}
	defer state.Close()

	var batchCache *cache.BatchCache
	if cfg.Cache.Enabled {
		batchCache, err = cache.NewBatchCache(&cache.Config{
			RedisURL:   cfg.Cache.RedisURL,
			PoolSize:   cfg.Cache.PoolSize,
			DefaultTTL: cfg.Cache.DefaultTTL,
			KeyPrefix:  cfg.Cache.KeyPrefix,
			LocalSize:  cfg.Cache.LocalSize,
		}, log.WithComponent("cache").Logger)
		if err != nil {
			return fmt.Errorf("failed to create cache: %w", err)
		}
		defer batchCache.Close()
	}

	srv, err := server.New(server.Options{
		Config:   cfg,
		Pipeline: pipeline,
		State:    state,
		Cache:    batchCache,
		Metrics:  metrics.New(),
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if lazy, _ := cmd.Flags().GetBool("lazy"); !lazy {
		log.Info("Warming up model", zap.String("model", cfg.Model.ID))
		if _, err := state.Resources(cmd.Context()); err != nil {
			return fmt.Errorf("model warm-up failed: %w", err)
		}
		info, _ := state.Info()
		srv.RecordModelLoaded(info.LoadTime)
		log.Info("Model ready",
			zap.Int("hidden_size", info.HiddenSize),
			zap.Duration("load_time", info.LoadTime))
	}

	if err := config.Watch(func(updated *config.Config) {
		if err := log.SetLevel(updated.Logging.Level); err != nil {
			log.Warn("Ignoring log level from reloaded configuration", zap.Error(err))
			return
		}
		log.Info("Configuration reloaded", zap.String("log_level", updated.Logging.Level))
	}); err != nil {
		log.Debug("Configuration hot reload disabled", zap.Error(err))
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Stop(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
		log.Info("Server shutdown complete")
	}
	return nil
}
