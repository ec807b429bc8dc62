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

	"github.com/depotd/depot/internal/adapters/auth"
	"github.com/depotd/depot/internal/adapters/metadata"
	"github.com/depotd/depot/internal/adapters/storage"
	"github.com/depotd/depot/internal/api/handlers"
	"github.com/depotd/depot/internal/cache"
	"github.com/depotd/depot/internal/config"
	"github.com/depotd/depot/internal/core/services"
	"github.com/depotd/depot/internal/util/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewFromConfig(cfg.Logging).With().Str("service", "depot").Logger()

	content, err := storage.NewDiskContentStore(cfg.Storage.Root, cfg.Storage.MaxArtifactSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize content store")
	}

	catalog, err := metadata.NewSQLiteStore(cfg.Storage.Root)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize metadata catalog")
	}
	defer catalog.Close()

	authenticator := auth.NewTokenAuth(cfg.Auth.TokenOwners())
	registry := services.NewRegistry(content, catalog, logger, cfg.Storage.MaxArtifactSize)
	fileCache := cache.New(cfg.Cache.Capacity, cfg.Cache.TTL.Std(), cfg.Cache.MaxEntrySize)

	handler := handlers.New(registry, fileCache, authenticator, logger, handlers.Options{
		MaxBodyBytes: cfg.Storage.MaxArtifactSize + (1 << 20),
		StaticDir:    cfg.Static.Dir,
		MaxInFlight:  cfg.Server.MaxInFlight,
		PublishRate:  cfg.Server.PublishRate,
		PublishBurst: cfg.Server.PublishBurst,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Addr, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown did not finish cleanly")
		}
	}()

	logger.Info().Str("addr", addr).Str("storage_root", cfg.Storage.Root).Msg("starting depot server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server error")
	}
}
