// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackSignal is an advisory edge emitted when a stage with a
// feedback target completes. It never resets the target node and never
// blocks forward progress; delivery failure is non-fatal.
type FeedbackSignal struct {
	ID         uuid.UUID `json:"id"`
	WorkflowID uuid.UUID `json:"workflow_id"`
	FromStage  string    `json:"from_stage"`
	ToStage    string    `json:"to_stage"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}
