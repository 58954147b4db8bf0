package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/yrooms/relay/internal/config"
	"github.com/yrooms/relay/internal/logger"
	"github.com/yrooms/relay/internal/server"
	"github.com/yrooms/relay/internal/yroom"
	"github.com/yrooms/relay/internal/ystore"
)

func main() {
	cfg := config.Load()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := yroom.DefaultRegistryOptions()
	opts.RoomsReady = cfg.RoomsReady
	opts.AutoCleanRooms = cfg.AutoCleanRooms
	opts.AutoRestart = cfg.AutoRestart
	opts.Stores = storeFactory(cfg)

	registry := yroom.NewRegistry(opts)
	if err := registry.Start(ctx); err != nil {
		logger.Fatal("failed to start registry: %v", err)
	}
	defer registry.Stop()

	srv := server.New(registry)
	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     srv.Router(),
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("relay server starting on port %s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed: %v", err)
	}

	if err := registry.Stop(); err != nil {
		logger.Error("registry shutdown failed: %v", err)
	}
	logger.Info("server stopped")
}

// storeFactory builds the per-room update store for the configured backend.
func storeFactory(cfg *config.Config) yroom.StoreFactory {
	switch cfg.StoreBackend {
	case config.StoreFile:
		return func(name string) ystore.Store {
			return ystore.NewFileStore(filepath.Join(cfg.StorePath, name), ystore.MetadataCallback{})
		}
	case config.StoreSQLite:
		return func(name string) ystore.Store {
			return ystore.NewSQLiteStore(name, ystore.SQLiteStoreOptions{
				DBPath:      cfg.StorePath,
				DocumentTTL: cfg.DocumentTTL,
			})
		}
	case config.StorePostgres:
		return func(name string) ystore.Store {
			return ystore.NewPostgresStore(name, ystore.PostgresStoreOptions{
				DatabaseURL: cfg.DatabaseURL,
				DocumentTTL: cfg.DocumentTTL,
			})
		}
	case config.StoreRedis:
		return func(name string) ystore.Store {
			return ystore.NewRedisStore(name, ystore.RedisStoreOptions{
				URL: cfg.RedisURL,
			})
		}
	default:
		return nil
	}
}
