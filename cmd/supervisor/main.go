package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seawork/trawler/internal/jobstore"
	"github.com/seawork/trawler/internal/shared/config"
	"github.com/seawork/trawler/internal/shared/logging"
	"github.com/seawork/trawler/internal/store"
	"github.com/seawork/trawler/internal/supervisor/api"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadSupervisor(*configPath)
	if err != nil {
		logging.NewSlogLogger(logging.ParseLevel("info")).Fatal("Failed to load config", "error", err)
	}

	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level))

	gw, err := openGateway(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store gateway", "error", err)
	}

	jobs := jobstore.NewClient(gw, cfg.Images.Supported, logger)
	server := api.NewServer(cfg.Server.Addr, jobs, logger)

	go func() {
		logger.Info("Starting supervisor API server", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped")
}

func openGateway(cfg *config.SupervisorConfig, logger logging.Logger) (store.Gateway, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgres(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		logger.Warn("Using in-memory store, records will not survive restarts")
		return store.NewMemory(), nil
	}
}
