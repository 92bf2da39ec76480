// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mirelo/stagehand/internal/auth"
	"github.com/mirelo/stagehand/internal/domain"
	"github.com/mirelo/stagehand/internal/repository"
)

type WorkflowManager interface {
	CreateWorkflow(ctx context.Context, params domain.CreateWorkflowParams) (uuid.UUID, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (domain.WorkflowSnapshot, error)
	ListNodes(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowNode, error)
	ListApprovals(ctx context.Context, workflowID uuid.UUID) ([]domain.ApprovalRecord, error)
	StartStage(ctx context.Context, workflowID uuid.UUID, stageKey string, input json.RawMessage) (domain.WorkflowSnapshot, error)
	CompleteStage(ctx context.Context, workflowID uuid.UUID, stageKey string, output json.RawMessage) (domain.WorkflowSnapshot, error)
	FailStage(ctx context.Context, workflowID uuid.UUID, stageKey, errMsg string) (domain.WorkflowSnapshot, error)
	Approve(ctx context.Context, workflowID uuid.UUID, stageKey, actorID, note string) (domain.WorkflowSnapshot, error)
	Reject(ctx context.Context, workflowID uuid.UUID, stageKey, actorID, note string) (domain.WorkflowSnapshot, error)
	Cancel(ctx context.Context, workflowID uuid.UUID) (domain.WorkflowSnapshot, error)
	Pause(ctx context.Context, workflowID uuid.UUID) (domain.WorkflowSnapshot, error)
	Resume(ctx context.Context, workflowID uuid.UUID) (domain.WorkflowSnapshot, error)
	ToggleAsset(ctx context.Context, workflowID uuid.UUID, assetID string) (bool, error)
}

type TimelineManager interface {
	Append(ctx context.Context, params repository.AppendEntryParams) (domain.TimelineEntry, error)
	Edit(ctx context.Context, entryID uuid.UUID, content, editedBy string) (domain.TimelineEntry, error)
	SoftDelete(ctx context.Context, entryID uuid.UUID) error
	Publish(ctx context.Context, entryID uuid.UUID) (domain.TimelineEntry, error)
	ToggleTodo(ctx context.Context, entryID uuid.UUID, todoID string, completed bool) (domain.TimelineEntry, error)
	List(ctx context.Context, workflowID uuid.UUID, visibility *domain.Visibility) ([]domain.TimelineEntry, error)
	ListAfter(ctx context.Context, workflowID uuid.UUID, visibility *domain.Visibility, afterSeq int64) ([]domain.TimelineEntry, error)
}

type SettingsManager interface {
	GetStageSettings(ctx context.Context, workflowID uuid.UUID, stageKey string) (map[string]any, int64, error)
	MergeStageSettings(ctx context.Context, workflowID uuid.UUID, stageKey string, values map[string]any, baseVersion int64) (int64, error)
}

type APIKeyResolver interface {
	ResolveAPIKey(ctx context.Context, bearerToken string) (auth.APIKey, bool, error)
}

type APIKeyManager interface {
	CreateAPIKey(ctx context.Context, params domain.CreateAPIKeyParams) (domain.CreatedAPIKey, error)
	ListAPIKeys(ctx context.Context) ([]domain.APIKeyRecord, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
