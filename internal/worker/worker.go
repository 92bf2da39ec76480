// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mirelo/stagehand/internal/auth"
	"github.com/mirelo/stagehand/internal/domain"
	"github.com/mirelo/stagehand/internal/metrics"
	"github.com/mirelo/stagehand/internal/repository"
	execs "github.com/mirelo/stagehand/internal/worker/executors"
)

// StageClaimer is the repository surface the driver needs: claim one
// runnable agent/auto stage and report the outcome.
type StageClaimer interface {
	ClaimNextStage(ctx context.Context) (repository.ClaimedStage, error)
	CompleteStage(ctx context.Context, workflowID uuid.UUID, stageKey string, output json.RawMessage) (domain.WorkflowSnapshot, error)
	FailStage(ctx context.Context, workflowID uuid.UUID, stageKey, errMsg string) (domain.WorkflowSnapshot, error)
}

type Deps struct {
	Workflows             StageClaimer
	Pool                  *pgxpool.Pool
	Logger                *slog.Logger
	FeedbackWebhookURL    string
	FeedbackWebhookSecret string
	HTTPClient            *http.Client
	MaxDeliveryAttempts   int
}

// Driver executes non-human stages claimed from the database and
// drains the feedback signal outbox. Human stages are never touched
// here; they move through the API.
type Driver struct {
	workflows           StageClaimer
	pool                *pgxpool.Pool
	logger              *slog.Logger
	executors           map[domain.ExecutorKind]StageExecutor
	httpClient          *http.Client
	webhookURL          string
	webhookSecret       string
	maxDeliveryAttempts int
}

func New(deps Deps) *Driver {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	maxAtt := deps.MaxDeliveryAttempts
	if maxAtt <= 0 {
		maxAtt = 5
	}

	registry := map[domain.ExecutorKind]StageExecutor{
		domain.ExecutorAgent: &execs.AgentExecutor{},
		domain.ExecutorAuto:  &execs.AutoExecutor{},
	}

	return &Driver{
		workflows:           deps.Workflows,
		pool:                deps.Pool,
		logger:              l,
		executors:           registry,
		httpClient:          client,
		webhookURL:          deps.FeedbackWebhookURL,
		webhookSecret:       deps.FeedbackWebhookSecret,
		maxDeliveryAttempts: maxAtt,
	}
}

// ProcessOnce claims one runnable stage, runs its executor, and reports
// the outcome. Returns nil when nothing is runnable.
func (d *Driver) ProcessOnce(ctx context.Context) error {
	claim, err := d.workflows.ClaimNextStage(ctx)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		d.logger.Error("claim stage failed", "error", err)
		return err
	}

	d.logger.Info("stage claimed",
		"workflow_id", claim.WorkflowID,
		"pipeline", claim.Pipeline,
		"stage", claim.StageKey,
		"executor", claim.ExecutorKind,
		"iteration", claim.Iteration,
	)

	// Repository ops are tenant-scoped; act as the workflow's owner.
	opCtx := auth.WithAPIKeyID(ctx, claim.APIKeyID)

	started := time.Now()
	out, execErr := d.executeStage(ctx, claim)
	metrics.ObserveStageExecutionDuration(time.Since(started))

	if execErr != nil {
		d.logger.Error("stage execution failed",
			"workflow_id", claim.WorkflowID,
			"stage", claim.StageKey,
			"error", execErr,
		)
		if _, err := d.workflows.FailStage(opCtx, claim.WorkflowID, claim.StageKey, execErr.Error()); err != nil {
			d.logger.Error("mark stage failed errored",
				"workflow_id", claim.WorkflowID,
				"stage", claim.StageKey,
				"error", err,
			)
			return err
		}
		return nil
	}

	if _, err := d.workflows.CompleteStage(opCtx, claim.WorkflowID, claim.StageKey, out); err != nil {
		d.logger.Error("mark stage completed errored",
			"workflow_id", claim.WorkflowID,
			"stage", claim.StageKey,
			"error", err,
		)
		return err
	}

	d.logger.Info("stage completed",
		"workflow_id", claim.WorkflowID,
		"stage", claim.StageKey,
		"iteration", claim.Iteration,
	)

	return nil
}

func (d *Driver) executeStage(ctx context.Context, claim repository.ClaimedStage) (json.RawMessage, error) {
	executor, ok := d.executors[claim.ExecutorKind]
	if !ok {
		return nil, errors.New("no executor registered for kind: " + string(claim.ExecutorKind))
	}
	return executor.Execute(ctx, claim.WorkflowID, claim.StageKey)
}

// DeliverFeedbackOnce takes one undelivered feedback signal from the
// outbox and posts it to the configured webhook. Rows that exhaust
// their attempts stay undelivered but fall out of the candidate set.
// Returns nil when the outbox is empty or no webhook is configured.
func (d *Driver) DeliverFeedbackOnce(ctx context.Context) error {
	if d.webhookURL == "" || d.pool == nil {
		return nil
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var signal domain.FeedbackSignal
	err = tx.QueryRow(ctx, `
		SELECT id, workflow_id, from_stage, to_stage, reason, created_at
		FROM feedback_signals
		WHERE NOT delivered AND delivery_attempts < $1
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, d.maxDeliveryAttempts).Scan(
		&signal.ID, &signal.WorkflowID, &signal.FromStage,
		&signal.ToStage, &signal.Reason, &signal.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}

	deliveryErr := d.deliverFeedbackWebhook(ctx, signal)

	if deliveryErr != nil {
		metrics.IncFeedbackSignal("failed")
		if _, err := tx.Exec(ctx, `
			UPDATE feedback_signals
			SET delivery_attempts = delivery_attempts + 1
			WHERE id=$1
		`, signal.ID); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		d.logger.Warn("feedback delivery failed",
			"signal_id", signal.ID,
			"workflow_id", signal.WorkflowID,
			"from", signal.FromStage,
			"to", signal.ToStage,
			"error", deliveryErr,
		)
		return deliveryErr
	}

	if _, err := tx.Exec(ctx, `
		UPDATE feedback_signals
		SET delivered=TRUE, delivery_attempts = delivery_attempts + 1
		WHERE id=$1
	`, signal.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	metrics.IncFeedbackSignal("delivered")
	d.logger.Info("feedback delivered",
		"signal_id", signal.ID,
		"workflow_id", signal.WorkflowID,
		"from", signal.FromStage,
		"to", signal.ToStage,
	)

	return nil
}
