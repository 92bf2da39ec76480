// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mirelo/stagehand/internal/auth"
	"github.com/mirelo/stagehand/internal/domain"
	"github.com/mirelo/stagehand/internal/repository"
)

type fakeExecutor struct {
	output     json.RawMessage
	err        error
	called     bool
	workflowID uuid.UUID
	stageKey   string
}

func (f *fakeExecutor) Execute(ctx context.Context, workflowID uuid.UUID, stageKey string) (json.RawMessage, error) {
	f.called = true
	f.workflowID = workflowID
	f.stageKey = stageKey
	return f.output, f.err
}

type fakeClaimer struct {
	claim    repository.ClaimedStage
	claimErr error

	completedStage string
	completedCtx   context.Context
	completedOut   json.RawMessage
	failedStage    string
	failedMsg      string
}

func (f *fakeClaimer) ClaimNextStage(ctx context.Context) (repository.ClaimedStage, error) {
	if f.claimErr != nil {
		return repository.ClaimedStage{}, f.claimErr
	}
	return f.claim, nil
}

func (f *fakeClaimer) CompleteStage(ctx context.Context, workflowID uuid.UUID, stageKey string, output json.RawMessage) (domain.WorkflowSnapshot, error) {
	f.completedStage = stageKey
	f.completedCtx = ctx
	f.completedOut = output
	return domain.WorkflowSnapshot{}, nil
}

func (f *fakeClaimer) FailStage(ctx context.Context, workflowID uuid.UUID, stageKey, errMsg string) (domain.WorkflowSnapshot, error) {
	f.failedStage = stageKey
	f.failedMsg = errMsg
	return domain.WorkflowSnapshot{}, nil
}

func TestNewDefaults(t *testing.T) {
	d := New(Deps{})

	if d.logger == nil {
		t.Fatal("expected default logger to be set")
	}
	if d.httpClient == nil {
		t.Fatal("expected default http client to be set")
	}
	if d.maxDeliveryAttempts != 5 {
		t.Fatalf("expected default maxDeliveryAttempts=5, got %d", d.maxDeliveryAttempts)
	}

	if _, ok := d.executors[domain.ExecutorAgent]; !ok {
		t.Fatal("expected AGENT executor to be registered")
	}
	if _, ok := d.executors[domain.ExecutorAuto]; !ok {
		t.Fatal("expected AUTO executor to be registered")
	}
	if _, ok := d.executors[domain.ExecutorHuman]; ok {
		t.Fatal("expected no executor for HUMAN stages")
	}
}

func TestProcessOnceNothingRunnable(t *testing.T) {
	claimer := &fakeClaimer{claimErr: pgx.ErrNoRows}
	d := New(Deps{Workflows: claimer, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	if err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("expected empty claim to be a no-op, got %v", err)
	}
}

func TestProcessOnceCompletesStage(t *testing.T) {
	apiKeyID := uuid.New()
	workflowID := uuid.New()
	want := json.RawMessage(`{"ok":true}`)
	exec := &fakeExecutor{output: want}

	claimer := &fakeClaimer{claim: repository.ClaimedStage{
		WorkflowID:   workflowID,
		APIKeyID:     apiKeyID,
		Pipeline:     "content",
		StageKey:     "content_generation",
		ExecutorKind: domain.ExecutorAgent,
	}}

	d := New(Deps{Workflows: claimer, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	d.executors[domain.ExecutorAgent] = exec

	if err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !exec.called || exec.workflowID != workflowID || exec.stageKey != "content_generation" {
		t.Fatalf("executor called with wrong claim: %+v", exec)
	}
	if claimer.completedStage != "content_generation" {
		t.Fatalf("expected stage completion, got %q", claimer.completedStage)
	}
	if string(claimer.completedOut) != string(want) {
		t.Fatalf("expected output %s got %s", want, claimer.completedOut)
	}

	// The repository call must act as the workflow's tenant.
	gotAPIKeyID, ok := auth.APIKeyIDFromContext(claimer.completedCtx)
	if !ok || gotAPIKeyID != apiKeyID {
		t.Fatalf("expected tenant id %s on completion context, got %s", apiKeyID, gotAPIKeyID)
	}
}

func TestProcessOnceFailsStageOnExecutorError(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("agent unavailable")}
	claimer := &fakeClaimer{claim: repository.ClaimedStage{
		WorkflowID:   uuid.New(),
		APIKeyID:     uuid.New(),
		StageKey:     "research",
		ExecutorKind: domain.ExecutorAgent,
	}}

	d := New(Deps{Workflows: claimer, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	d.executors[domain.ExecutorAgent] = exec

	if err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("executor failure should be reported, not returned: %v", err)
	}
	if claimer.failedStage != "research" {
		t.Fatalf("expected stage failure recorded, got %q", claimer.failedStage)
	}
	if !strings.Contains(claimer.failedMsg, "agent unavailable") {
		t.Fatalf("expected executor error message, got %q", claimer.failedMsg)
	}
	if claimer.completedStage != "" {
		t.Fatal("expected no completion after executor failure")
	}
}

func TestExecuteStageMissingExecutor(t *testing.T) {
	d := &Driver{executors: map[domain.ExecutorKind]StageExecutor{}}

	_, err := d.executeStage(context.Background(), repository.ClaimedStage{
		WorkflowID:   uuid.New(),
		StageKey:     "client_review",
		ExecutorKind: domain.ExecutorHuman,
	})
	if err == nil {
		t.Fatal("expected missing executor error")
	}
	if !strings.Contains(err.Error(), "no executor registered") {
		t.Fatalf("unexpected error: %v", err)
	}
}
