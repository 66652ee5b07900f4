package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brollyhub/nvr/internal/config"
	"github.com/brollyhub/nvr/internal/encoder"
	grpcserver "github.com/brollyhub/nvr/internal/grpc"
	"github.com/brollyhub/nvr/internal/httpapi"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "nvr.yaml", "Path to config file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := setupLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	svc, err := buildService(cfg, &encoder.FFmpeg{Path: cfg.Recording.FFmpegPath}, logger)
	if err != nil {
		logger.Fatal("Failed to assemble service", zap.Error(err))
	}

	logger.Info("Starting NVR",
		zap.String("service_id", svc.id),
		zap.String("storage_root", cfg.Storage.Root),
		zap.Strings("cameras", cfg.CameraNames()),
		zap.Bool("replication", cfg.Replication.Enabled),
		zap.Bool("notify", cfg.Notify.Enabled))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 3)

	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		if err := svc.manager.Start(ctx); err != nil {
			errChan <- fmt.Errorf("recording manager: %w", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Address(),
		Handler:           httpapi.NewRouter(svc.routerConfig(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server starting", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpcserver.Server
	if cfg.GRPC.Enabled {
		grpcServer = grpcserver.NewServer(grpcserver.ServerConfig{
			Config:    &cfg.GRPC,
			Status:    svc.manager,
			ServiceID: svc.id,
			Logger:    logger,
		})
		go func() {
			if err := grpcServer.Start(); err != nil {
				errChan <- fmt.Errorf("grpc server: %w", err)
			}
		}()
		go grpcServer.Run(ctx)
	}

	select {
	case err := <-errChan:
		logger.Error("Server error", zap.Error(err))
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	logger.Info("Starting graceful shutdown")

	// blocks until every recorder and the in-flight retention cycle are done
	svc.manager.Stop()
	<-managerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if grpcServer != nil {
		if err := grpcServer.Stop(shutdownCtx); err != nil {
			logger.Warn("gRPC server shutdown error", zap.Error(err))
		}
	}

	logger.Info("NVR stopped")
}

func setupLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
