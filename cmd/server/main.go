package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"depot/internal/server/api"
	"depot/internal/server/category"
	"depot/internal/server/config"
	"depot/internal/server/database"
	"depot/internal/server/service"
	"depot/internal/server/storage"
	"depot/internal/server/transform"
	"depot/internal/server/validation"
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
		"storage_root", cfg.StorageRoot,
		"token_expiry", cfg.TokenExpiry,
		"verify_mime", cfg.VerifyMIME,
		"scan_malware", cfg.ScanMalware,
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

	// Initialize storage with one partition per category
	table := category.DefaultTable()
	store := storage.NewFileSystemStore(cfg.StorageRoot)
	if err := store.EnsureDirs(table.Names()); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("file storage initialized", "root", cfg.StorageRoot, "categories", len(table))

	// Initialize repositories and services
	tokenRepo := database.NewTokenRepository(db)
	fileRepo := database.NewFileRepository(db)
	validator := validation.New(cfg.VerifyMIME, cfg.ScanMalware)

	tokens := service.NewTokenService(tokenRepo, table, cfg.TokenExpiry)
	uploads := service.NewUploadService(tokens, fileRepo, store, validator, table)
	processor := transform.NewProcessor(store)
	downloads := service.NewDownloadService(fileRepo, store, processor, cfg.RecordCacheSize, cfg.RecordCacheTTL)

	// Setup HTTP router
	handler := api.NewHandler(tokens, uploads, downloads, db, cfg.BaseURL)
	e := api.SetupRouter(handler, tokens, table, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
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

	slog.Info("server exited cleanly")
}
