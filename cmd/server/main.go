package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docshield/internal/server/api"
	"docshield/internal/server/config"
	"docshield/internal/server/database"
	"docshield/internal/server/geo"
	"docshield/internal/server/service"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"geo_endpoint", cfg.GeoAPIEndpoint,
		"geo_timeout", cfg.GeoTimeout,
		"expiry_sweep_interval", cfg.ExpirySweepInterval,
	)

	// Connect to database
	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Initialize repository and service
	repo := database.NewRepository(db)
	resolver := geo.NewResolver(cfg.GeoAPIEndpoint, cfg.GeoTimeout)
	svc := service.NewAccessService(repo, resolver, cfg.GeoTimeout)

	// Start expiry sweeper
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	sweeper := service.NewExpirySweeper(repo, cfg.ExpirySweepInterval)
	sweeper.Start(sweepCtx)

	// Setup HTTP router
	handler := api.NewHandler(svc, db)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop expiry sweeper
	sweepCancel()
	sweeper.Wait()

	slog.Info("server exited cleanly")
}
