package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"findpharma-edge/internal/app"
	"findpharma-edge/internal/edge"
	"findpharma-edge/internal/metrics"
	"findpharma-edge/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("findpharma-edge exited with error: %v", err)
	}
}

func run() error {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("FINDPHARMA_EDGE_CONFIG", "/findpharma-edge.yaml"), "path to findpharma-edge.yaml")
	flag.Parse()

	logger := logging.DefaultLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := edge.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("findpharma-edge listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.String("storage", cfg.Storage.Backend),
			zap.Bool("sync", cfg.Sync.Enabled),
		)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	// Install while already serving; requests before activation are
	// handled with whatever the live partitions hold.
	if err := a.Start(ctx); err != nil {
		logger.Error("startup", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
