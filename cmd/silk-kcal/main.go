// cmd/silk-kcal/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"silk-kcal/internal/ai"
	"silk-kcal/internal/app"
	"silk-kcal/internal/backend"
	"silk-kcal/internal/logger"
	"silk-kcal/internal/server"
	"silk-kcal/internal/storage"
)

func main() {
	envErr := godotenv.Load()

	cfg, showVersion, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		logger.Fatal("Invalid configuration: %v", err)
	}
	if showVersion {
		fmt.Printf("silk-kcal version %s\n", server.Version)
		os.Exit(0)
	}
	logger.SetDebug(cfg.Server.Debug)
	if envErr != nil {
		logger.Debug("No .env file loaded: %v", envErr)
	}

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		logger.Fatal("Failed to create data directory: %v", err)
	}
	cache, err := storage.NewSQLiteCache(filepath.Join(cfg.Data.Dir, "device.db"))
	if err != nil {
		logger.Fatal("Failed to open device cache: %v", err)
	}
	defer cache.Close()

	var b backend.Client
	switch cfg.Backend.Driver {
	case DriverSupabase:
		logger.Info("Using Supabase backend at %s", cfg.Backend.SupabaseURL)
		b = backend.NewSupabase(cfg.Backend.SupabaseURL, cfg.Backend.AnonKey, cache)
	default:
		store, err := storage.NewSQLiteStorage(filepath.Join(cfg.Data.Dir, "silk-kcal.db"))
		if err != nil {
			logger.Fatal("Failed to initialize storage: %v", err)
		}
		defer store.Close()
		logger.Info("Using embedded backend in %s", cfg.Data.Dir)
		b = backend.NewEmbedded(store, cache)
	}

	var analyzer ai.Analyzer
	switch cfg.AI.Provider {
	case ProviderGateway:
		analyzer = ai.NewGateway(cfg.AI.ProxyURL, cfg.AI.APIKey, cfg.AI.Model)
	default:
		analyzer = ai.NewGemini(cfg.AI.APIKey,
			ai.WithGeminiModel(cfg.AI.Model),
			ai.WithGeminiTimeout(cfg.AI.Timeout))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := app.New(b, analyzer, cache, app.Options{
		Location:       cfg.Location(),
		SwipeThreshold: cfg.App.SwipeThreshold,
		NoticeTTL:      cfg.App.NoticeTTL,
	})
	a.Start(ctx)
	defer a.Stop()

	srv, err := server.NewKcalServer(&server.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		PublicURL: cfg.Server.PublicURL,
	}, a)
	if err != nil {
		logger.Fatal("Failed to create server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-sigCh:
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		logger.Error("Server error: %v", err)
	}

	logger.Info("Shutting down...")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown: %v", err)
	}
}
