// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mirelo/stagehand/internal/config"
	"github.com/mirelo/stagehand/internal/logging"
	"github.com/mirelo/stagehand/internal/persistence/postgres"
	"github.com/mirelo/stagehand/internal/repository"
	"github.com/mirelo/stagehand/internal/schema"
	httptransport "github.com/mirelo/stagehand/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema bootstrap failed: %v", err)
		}
	}

	registry := schema.NewRegistry()
	if cfg.SchemaDir != "" {
		loaded, err := registry.LoadDir(cfg.SchemaDir)
		if err != nil {
			log.Fatalf("load pipeline schemas failed: %v", err)
		}
		if loaded > 0 {
			logger.Info("custom pipeline schemas loaded", "dir", cfg.SchemaDir, "count", loaded)
		}
	}

	workflowRepo := repository.NewWorkflowRepository(pool, registry, logger)
	timelineRepo := repository.NewTimelineRepository(pool, logger)
	settingsRepo := repository.NewSettingsRepository(pool, logger)
	apiKeyRepo := repository.NewAPIKeyRepository(pool, logger)

	handler := httptransport.NewRouter(httptransport.Deps{
		WorkflowRepo:   workflowRepo,
		TimelineRepo:   timelineRepo,
		SettingsRepo:   settingsRepo,
		APIKeyAdmin:    apiKeyRepo,
		Health:         postgres.NewSchemaHealthChecker(pool),
		Logger:         logger,
		APIKeyResolver: apiKeyRepo,
		AdminToken:     cfg.AdminToken,
		Version:        Version,
		Commit:         Commit,
		BuildDate:      BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"pipelines", registry.Names(),
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
