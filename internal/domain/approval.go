// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalRecord is one human decision at an approval gate.
// Records are append-only: never mutated or deleted after creation.
type ApprovalRecord struct {
	ID         uuid.UUID `json:"id"`
	WorkflowID uuid.UUID `json:"workflow_id"`
	StageKey   string    `json:"stage_key"`
	Approved   bool      `json:"approved"`
	ActorID    string    `json:"actor_id"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
