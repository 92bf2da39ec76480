//go:build integration

// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mirelo/stagehand/internal/auth"
	"github.com/mirelo/stagehand/internal/domain"
	"github.com/mirelo/stagehand/internal/repository"
	"github.com/mirelo/stagehand/internal/schema"
)

const driverTestPipeline = "driver_loop"

// driverPipeline mixes all three executor kinds so the driver's claim
// ordering and its human-stage exclusion are both observable.
func driverPipeline() schema.Definition {
	return schema.Definition{
		Name: driverTestPipeline,
		Stages: []schema.StageDefinition{
			{Key: "draft", Label: "Draft", ExecutorKind: domain.ExecutorAgent},
			{Key: "review", Label: "Review", ExecutorKind: domain.ExecutorHuman,
				ApprovalRequired: true, RejectTarget: "draft"},
			{Key: "publish", Label: "Publish", ExecutorKind: domain.ExecutorAuto,
				FeedbackTarget: "draft"},
		},
	}
}

type quickExecutor struct {
	payload json.RawMessage
	err     error
}

func (e quickExecutor) Execute(ctx context.Context, workflowID uuid.UUID, stageKey string) (json.RawMessage, error) {
	return e.payload, e.err
}

func driverIntegrationRepo(t *testing.T, pool *pgxpool.Pool, logger *slog.Logger) *repository.WorkflowRepository {
	t.Helper()

	registry := schema.NewRegistry()
	if err := registry.Register(driverPipeline()); err != nil {
		t.Fatalf("register driver pipeline: %v", err)
	}
	return repository.NewWorkflowRepository(pool, registry, logger)
}

func TestDriverProcessesRunnableStagesIntegration(t *testing.T) {
	ctx := context.Background()
	pool := workerIntegrationPool(t, ctx)
	defer pool.Close()

	if err := workerTruncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	apiKeyID, err := workerCreateAPIKey(ctx, pool)
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	tenantCtx := auth.WithAPIKeyID(ctx, apiKeyID)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := driverIntegrationRepo(t, pool, logger)

	workflowID, err := repo.CreateWorkflow(tenantCtx, domain.CreateWorkflowParams{
		Pipeline: driverTestPipeline,
		Title:    "driver run",
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	d := New(Deps{Workflows: repo, Pool: pool, Logger: logger})
	d.executors[domain.ExecutorAgent] = quickExecutor{payload: json.RawMessage(`{"copy":"v1"}`)}
	d.executors[domain.ExecutorAuto] = quickExecutor{payload: json.RawMessage(`{"posted":3}`)}

	if err := d.ProcessOnce(ctx); err != nil {
		t.Fatalf("process draft stage: %v", err)
	}

	var (
		draftStatus domain.NodeStatus
		draftOutput []byte
	)
	if err := pool.QueryRow(ctx, `
		SELECT status, output
		FROM workflow_nodes
		WHERE workflow_id=$1 AND stage_key='draft'
	`, workflowID).Scan(&draftStatus, &draftOutput); err != nil {
		t.Fatalf("query draft node: %v", err)
	}
	if draftStatus != domain.NodeComplete {
		t.Fatalf("expected draft node %s got %s", domain.NodeComplete, draftStatus)
	}
	if !strings.Contains(string(draftOutput), `"copy"`) {
		t.Fatalf("expected executor output persisted, got %s", draftOutput)
	}

	// The next stage is human; the driver must leave it alone.
	if err := d.ProcessOnce(ctx); err != nil {
		t.Fatalf("process with only human stage runnable: %v", err)
	}
	var reviewStatus domain.NodeStatus
	if err := pool.QueryRow(ctx, `
		SELECT status FROM workflow_nodes
		WHERE workflow_id=$1 AND stage_key='review'
	`, workflowID).Scan(&reviewStatus); err != nil {
		t.Fatalf("query review node: %v", err)
	}
	if reviewStatus != domain.NodePending {
		t.Fatalf("expected human stage untouched at %s got %s", domain.NodePending, reviewStatus)
	}

	// Resolve the gate through the API path, then let the driver finish.
	if _, err := repo.StartStage(tenantCtx, workflowID, "review", nil); err != nil {
		t.Fatalf("start review: %v", err)
	}
	if _, err := repo.CompleteStage(tenantCtx, workflowID, "review", nil); err != nil {
		t.Fatalf("complete review: %v", err)
	}
	if _, err := repo.Approve(tenantCtx, workflowID, "review", "reviewer-1", "ship it"); err != nil {
		t.Fatalf("approve review: %v", err)
	}

	if err := d.ProcessOnce(ctx); err != nil {
		t.Fatalf("process publish stage: %v", err)
	}

	snap, err := repo.GetWorkflow(tenantCtx, workflowID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if snap.Status != domain.WorkflowComplete {
		t.Fatalf("expected workflow %s got %s", domain.WorkflowComplete, snap.Status)
	}

	var signals int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM feedback_signals
		WHERE workflow_id=$1 AND from_stage='publish' AND NOT delivered
	`, workflowID).Scan(&signals); err != nil {
		t.Fatalf("count feedback signals: %v", err)
	}
	if signals != 1 {
		t.Fatalf("expected 1 feedback signal from publish got %d", signals)
	}
}

func TestDriverRecordsExecutorFailureIntegration(t *testing.T) {
	ctx := context.Background()
	pool := workerIntegrationPool(t, ctx)
	defer pool.Close()

	if err := workerTruncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	apiKeyID, err := workerCreateAPIKey(ctx, pool)
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	tenantCtx := auth.WithAPIKeyID(ctx, apiKeyID)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := driverIntegrationRepo(t, pool, logger)

	workflowID, err := repo.CreateWorkflow(tenantCtx, domain.CreateWorkflowParams{
		Pipeline: driverTestPipeline,
		Title:    "failing run",
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	d := New(Deps{Workflows: repo, Pool: pool, Logger: logger})
	d.executors[domain.ExecutorAgent] = quickExecutor{err: errors.New("agent unavailable")}

	if err := d.ProcessOnce(ctx); err != nil {
		t.Fatalf("process failing stage: %v", err)
	}

	var (
		status  domain.NodeStatus
		nodeErr string
	)
	if err := pool.QueryRow(ctx, `
		SELECT status, error
		FROM workflow_nodes
		WHERE workflow_id=$1 AND stage_key='draft'
	`, workflowID).Scan(&status, &nodeErr); err != nil {
		t.Fatalf("query draft node: %v", err)
	}
	if status != domain.NodeFailed {
		t.Fatalf("expected draft node %s got %s", domain.NodeFailed, status)
	}
	if !strings.Contains(nodeErr, "agent unavailable") {
		t.Fatalf("expected executor error recorded, got %q", nodeErr)
	}

	snap, err := repo.GetWorkflow(tenantCtx, workflowID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if snap.Status != domain.WorkflowFailed {
		t.Fatalf("expected workflow %s got %s", domain.WorkflowFailed, snap.Status)
	}

	// Failed stages are retried only through an explicit start; the
	// driver must not pick them up again by itself.
	if err := d.ProcessOnce(ctx); err != nil {
		t.Fatalf("process with failed stage: %v", err)
	}
	var iteration int
	if err := pool.QueryRow(ctx, `
		SELECT iteration FROM workflow_nodes
		WHERE workflow_id=$1 AND stage_key='draft'
	`, workflowID).Scan(&iteration); err != nil {
		t.Fatalf("query draft iteration: %v", err)
	}
	if iteration != 0 {
		t.Fatalf("expected no automatic retry, iteration=%d", iteration)
	}
}

func TestDriverSkipsPausedWorkflowsIntegration(t *testing.T) {
	ctx := context.Background()
	pool := workerIntegrationPool(t, ctx)
	defer pool.Close()

	if err := workerTruncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	apiKeyID, err := workerCreateAPIKey(ctx, pool)
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	tenantCtx := auth.WithAPIKeyID(ctx, apiKeyID)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := driverIntegrationRepo(t, pool, logger)

	workflowID, err := repo.CreateWorkflow(tenantCtx, domain.CreateWorkflowParams{
		Pipeline: driverTestPipeline,
		Title:    "paused run",
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if _, err := repo.Pause(tenantCtx, workflowID); err != nil {
		t.Fatalf("pause workflow: %v", err)
	}

	d := New(Deps{Workflows: repo, Pool: pool, Logger: logger})
	d.executors[domain.ExecutorAgent] = quickExecutor{payload: json.RawMessage(`{}`)}

	if err := d.ProcessOnce(ctx); err != nil {
		t.Fatalf("process paused workflow: %v", err)
	}

	var status domain.NodeStatus
	if err := pool.QueryRow(ctx, `
		SELECT status FROM workflow_nodes
		WHERE workflow_id=$1 AND stage_key='draft'
	`, workflowID).Scan(&status); err != nil {
		t.Fatalf("query draft node: %v", err)
	}
	if status != domain.NodePending {
		t.Fatalf("expected paused workflow untouched, draft is %s", status)
	}

	if _, err := repo.Resume(tenantCtx, workflowID); err != nil {
		t.Fatalf("resume workflow: %v", err)
	}
	if err := d.ProcessOnce(ctx); err != nil {
		t.Fatalf("process resumed workflow: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		SELECT status FROM workflow_nodes
		WHERE workflow_id=$1 AND stage_key='draft'
	`, workflowID).Scan(&status); err != nil {
		t.Fatalf("query draft node after resume: %v", err)
	}
	if status != domain.NodeComplete {
		t.Fatalf("expected draft completed after resume, got %s", status)
	}
}

func TestDeliverFeedbackOnceIntegration(t *testing.T) {
	ctx := context.Background()
	pool := workerIntegrationPool(t, ctx)
	defer pool.Close()

	if err := workerTruncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	apiKeyID, err := workerCreateAPIKey(ctx, pool)
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	tenantCtx := auth.WithAPIKeyID(ctx, apiKeyID)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := driverIntegrationRepo(t, pool, logger)

	workflowID, err := repo.CreateWorkflow(tenantCtx, domain.CreateWorkflowParams{
		Pipeline: driverTestPipeline,
		Title:    "feedback run",
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	signalID := uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO feedback_signals (id, workflow_id, from_stage, to_stage, reason)
		VALUES ($1, $2, 'publish', 'draft', 'engagement below target')
	`, signalID, workflowID); err != nil {
		t.Fatalf("insert feedback signal: %v", err)
	}

	okClient := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("ok")),
			Header:     make(http.Header),
		}, nil
	})}

	d := New(Deps{
		Workflows:          repo,
		Pool:               pool,
		Logger:             logger,
		FeedbackWebhookURL: "http://webhook.local/feedback",
		HTTPClient:         okClient,
	})

	if err := d.DeliverFeedbackOnce(ctx); err != nil {
		t.Fatalf("deliver feedback: %v", err)
	}

	var (
		delivered bool
		attempts  int
	)
	if err := pool.QueryRow(ctx, `
		SELECT delivered, delivery_attempts
		FROM feedback_signals
		WHERE id=$1
	`, signalID).Scan(&delivered, &attempts); err != nil {
		t.Fatalf("query signal: %v", err)
	}
	if !delivered || attempts != 1 {
		t.Fatalf("expected delivered signal with 1 attempt, got delivered=%v attempts=%d", delivered, attempts)
	}

	// Once the outbox is drained the call is a no-op.
	if err := d.DeliverFeedbackOnce(ctx); err != nil {
		t.Fatalf("deliver on empty outbox: %v", err)
	}
}

func TestDeliverFeedbackOnceExhaustsAttemptsIntegration(t *testing.T) {
	ctx := context.Background()
	pool := workerIntegrationPool(t, ctx)
	defer pool.Close()

	if err := workerTruncateAll(ctx, pool); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	apiKeyID, err := workerCreateAPIKey(ctx, pool)
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	tenantCtx := auth.WithAPIKeyID(ctx, apiKeyID)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := driverIntegrationRepo(t, pool, logger)

	workflowID, err := repo.CreateWorkflow(tenantCtx, domain.CreateWorkflowParams{
		Pipeline: driverTestPipeline,
		Title:    "dead letter run",
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	signalID := uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO feedback_signals (id, workflow_id, from_stage, to_stage, reason)
		VALUES ($1, $2, 'publish', 'draft', 'never arrives')
	`, signalID, workflowID); err != nil {
		t.Fatalf("insert feedback signal: %v", err)
	}

	failClient := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(strings.NewReader("fail")),
			Header:     make(http.Header),
		}, nil
	})}

	d := New(Deps{
		Workflows:           repo,
		Pool:                pool,
		Logger:              logger,
		FeedbackWebhookURL:  "http://webhook.local/feedback",
		HTTPClient:          failClient,
		MaxDeliveryAttempts: 2,
	})

	for i := 0; i < 2; i++ {
		if err := d.DeliverFeedbackOnce(ctx); err == nil {
			t.Fatalf("expected delivery failure on attempt %d", i+1)
		}
	}

	var (
		delivered bool
		attempts  int
	)
	if err := pool.QueryRow(ctx, `
		SELECT delivered, delivery_attempts
		FROM feedback_signals
		WHERE id=$1
	`, signalID).Scan(&delivered, &attempts); err != nil {
		t.Fatalf("query signal: %v", err)
	}
	if delivered || attempts != 2 {
		t.Fatalf("expected undelivered signal with 2 attempts, got delivered=%v attempts=%d", delivered, attempts)
	}

	// The exhausted row drops out of the candidate set.
	if err := d.DeliverFeedbackOnce(ctx); err != nil {
		t.Fatalf("expected exhausted signal to be skipped, got %v", err)
	}
}

func workerTruncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE TABLE feedback_signals, timeline_entries, approvals, workflow_nodes, workflows, api_keys RESTART IDENTITY CASCADE`)
	return err
}

func workerCreateAPIKey(ctx context.Context, pool *pgxpool.Pool) (uuid.UUID, error) {
	id := uuid.New()
	token := uuid.NewString()
	sum := sha256.Sum256([]byte(token))
	tokenHash := hex.EncodeToString(sum[:])
	_, err := pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, token_hash)
		VALUES ($1, $2, $3)
	`, id, "driver-"+id.String()[:8], tokenHash)
	return id, err
}

func workerIntegrationPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Skipf("skip integration test: cannot create pgx pool (%v)", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}

	return pool
}
