// Package main runs the weaver HTTP server.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"weaver/infrastructure/config"
	"weaver/interfaces/http/rest"
	"weaver/internal/graph"
	"weaver/internal/identity"
	"weaver/internal/logs"
	"weaver/internal/storage"
	"weaver/internal/walker"
	"weaver/pkg/auth"
	"weaver/pkg/observability"
)

const (
	serviceName    = "weaver"
	serviceVersion = "0.1.0"
)

func main() {
	configPath := flag.String("config", os.Getenv("WEAVER_CONFIG"), "path to YAML configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Open the document store
	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.StoreConfig())
	if err != nil {
		logger.Fatal("Failed to open storage backend",
			zap.String("backend", cfg.Storage.Backend),
			zap.Error(err),
		)
	}
	defer store.Close()

	// Graph context and walker engine
	gctx := graph.NewContext(store, logger)
	graph.SetDefault(gctx)
	graph.SetDeferredSaves(cfg.Engine.DeferredSavesEnabled)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	if _, err := gctx.EnsureRoot(startupCtx); err != nil {
		logger.Fatal("Failed to ensure root node", zap.Error(err))
	}

	engine := walker.NewEngine(logger, walker.Config{
		DefaultMaxDepth:  cfg.Engine.DefaultMaxDepth,
		DefaultMaxVisits: cfg.Engine.DefaultMaxVisits,
	})

	// Services
	identitySvc := identity.NewService(store, logger)
	if err := identitySvc.EnsureIndexes(startupCtx); err != nil {
		logger.Warn("Failed to ensure identity indexes", zap.Error(err))
	}
	logsSvc := logs.NewService(store, logger)

	jwtMgr, err := auth.NewJWTManager(auth.JWTConfig{
		Secret:        cfg.Auth.JWTSecret,
		Issuer:        serviceName,
		AccessExpiry:  time.Duration(cfg.Auth.AccessExpirySeconds) * time.Second,
		RefreshExpiry: time.Duration(cfg.Auth.RefreshExpirySeconds) * time.Second,
	})
	if err != nil {
		logger.Fatal("Failed to initialize token manager", zap.Error(err))
	}

	metrics := observability.NewCollector(serviceName)

	server := rest.NewServer(rest.ServerDeps{
		Config:   cfg,
		Store:    store,
		Graph:    gctx,
		Engine:   engine,
		Identity: identitySvc,
		Logs:     logsSvc,
		JWT:      jwtMgr,
		Metrics:  metrics,
		Log:      logger,
		Registry: rest.DefaultRegistry(),
		Service:  serviceName,
		Version:  serviceVersion,
	})

	// Reload configuration on file changes. Listener settings need a
	// restart; everything read per-request picks up the new values.
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, logger)
		if err != nil {
			logger.Warn("Configuration watcher unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
			watcher.OnChange(func(next *config.Config) {
				logger.Info("Configuration reloaded",
					zap.String("path", *configPath))
				graph.SetDeferredSaves(next.Engine.DeferredSavesEnabled)
			})
		}
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("address", cfg.Server.Addr()),
			zap.String("storage", cfg.Storage.Backend),
		)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	server.Close()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
