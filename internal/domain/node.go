// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type NodeStatus string

const (
	NodePending  NodeStatus = "PENDING"
	NodeRunning  NodeStatus = "RUNNING"
	NodeWaiting  NodeStatus = "WAITING_APPROVAL"
	NodeComplete NodeStatus = "COMPLETED"
	NodeFailed   NodeStatus = "FAILED"
)

// Active reports whether the node holds the workflow's attention:
// it is either executing or parked at an approval gate.
func (s NodeStatus) Active() bool {
	return s == NodeRunning || s == NodeWaiting
}

type ExecutorKind string

const (
	ExecutorHuman ExecutorKind = "HUMAN"
	ExecutorAgent ExecutorKind = "AGENT"
	ExecutorAuto  ExecutorKind = "AUTO"
)

// WorkflowNode is the per-instance execution record for one stage.
// Iteration counts how many times the stage has been re-entered after
// a rollback.
type WorkflowNode struct {
	ID           uuid.UUID       `json:"id"`
	WorkflowID   uuid.UUID       `json:"workflow_id"`
	StageKey     string          `json:"stage_key"`
	StageIndex   int             `json:"stage_index"`
	ExecutorKind ExecutorKind    `json:"executor_kind"`
	Status       NodeStatus      `json:"status"`
	Iteration    int             `json:"iteration"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}
