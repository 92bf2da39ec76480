package domain

import (
	"time"

	"github.com/google/uuid"
)

type WorkflowStatus string

const (
	WorkflowPending  WorkflowStatus = "PENDING"
	WorkflowRunning  WorkflowStatus = "RUNNING"
	WorkflowWaiting  WorkflowStatus = "WAITING_APPROVAL"
	WorkflowComplete WorkflowStatus = "COMPLETED"
	WorkflowFailed   WorkflowStatus = "FAILED"
	WorkflowCanceled WorkflowStatus = "CANCELED"
	WorkflowPaused   WorkflowStatus = "PAUSED"
)

// Terminal reports whether s is an end state for reporting purposes.
// FAILED is terminal in this sense but not final: the failed stage can
// still be retried, which moves the workflow back to RUNNING.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowComplete || s == WorkflowFailed || s == WorkflowCanceled
}

// Workflow is one unit of work moving through a pipeline schema.
// Status and current stage are never stored: they are derived from the
// node set on every read. OverrideStatus short-circuits the derivation
// for explicit external actions (cancel, pause).
type Workflow struct {
	ID              uuid.UUID       `json:"id"`
	APIKeyID        uuid.UUID       `json:"-"`
	Pipeline        string          `json:"pipeline"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	BrandID         string          `json:"brand_id,omitempty"`
	CampaignID      string          `json:"campaign_id,omitempty"`
	AssetIDs        StringSet       `json:"asset_ids"`
	Config          map[string]any  `json:"config,omitempty"`
	SettingsVersion int64           `json:"settings_version"`
	OverrideStatus  *WorkflowStatus `json:"override_status,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type CreateWorkflowParams struct {
	Pipeline    string
	Title       string
	Description string
	BrandID     string
	CampaignID  string
}

// WorkflowSnapshot is a read of one workflow with its derived state.
type WorkflowSnapshot struct {
	Workflow     Workflow       `json:"workflow"`
	Nodes        []WorkflowNode `json:"nodes"`
	Status       WorkflowStatus `json:"status"`
	CurrentStage string         `json:"current_stage,omitempty"`
}
