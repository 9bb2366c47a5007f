package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seawork/trawler/internal/shared/config"
	"github.com/seawork/trawler/internal/shared/logging"
	"github.com/seawork/trawler/internal/worker/agentrpc"
	"github.com/seawork/trawler/internal/worker/capture"
	"github.com/seawork/trawler/internal/worker/driver"
	"github.com/seawork/trawler/internal/worker/executor"
	"github.com/seawork/trawler/internal/worker/streamcache"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadWorker(*configPath)
	if err != nil {
		logging.NewSlogLogger(logging.ParseLevel("info")).Fatal("Failed to load config", "error", err)
	}

	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	objects, err := capture.NewS3Store(ctx, cfg.Capture.Bucket)
	if err != nil {
		logger.Fatal("Failed to open object store", "error", err)
	}

	agent := agentrpc.New(cfg.Agent.Addr, cfg.Agent.RetryDelay, logger)
	d := driver.New(driver.Config{
		AgentAddr:         cfg.Agent.Addr,
		StdoutPath:        cfg.Capture.StdoutPath,
		StderrPath:        cfg.Capture.StderrPath,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
	},
		agent,
		executor.NewOSExecutor(),
		capture.NewUploader(objects, logger),
		streamcache.New(),
		logger,
	)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: d.Handler(),
	}
	go func() {
		logger.Info("Starting worker task surface", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", "error", err)
		}
	}()

	runDone := make(chan error, 1)
	go func() {
		runDone <- d.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Shutting down worker")
	case err := <-runDone:
		if err != nil {
			logger.Error("Driver failed", "error", err)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", "error", err)
	}

	logger.Info("Worker stopped")
}
