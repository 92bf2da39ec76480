// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mirelo/stagehand/internal/config"
	"github.com/mirelo/stagehand/internal/logging"
	"github.com/mirelo/stagehand/internal/persistence/postgres"
	"github.com/mirelo/stagehand/internal/repository"
	"github.com/mirelo/stagehand/internal/schema"
	"github.com/mirelo/stagehand/internal/worker"
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

	registry := schema.NewRegistry()
	if cfg.SchemaDir != "" {
		if _, err := registry.LoadDir(cfg.SchemaDir); err != nil {
			log.Fatalf("load pipeline schemas failed: %v", err)
		}
	}

	workflowRepo := repository.NewWorkflowRepository(pool, registry, logger)

	d := worker.New(worker.Deps{
		Workflows:             workflowRepo,
		Pool:                  pool,
		Logger:                logger,
		FeedbackWebhookURL:    cfg.FeedbackWebhookURL,
		FeedbackWebhookSecret: cfg.FeedbackWebhookSecret,
	})

	logger.Info("stage driver started",
		"pipelines", registry.Names(),
		"feedback_webhook", cfg.FeedbackWebhookURL != "",
	)

	ticker := time.NewTicker(800 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stage driver stopping")
			return
		case <-ticker.C:
			if err := d.ProcessOnce(ctx); err != nil {
				logger.Error("stage processing failed", "error", err)
			}
			if err := d.DeliverFeedbackOnce(ctx); err != nil {
				logger.Error("feedback delivery failed", "error", err)
			}
		}
	}
}
