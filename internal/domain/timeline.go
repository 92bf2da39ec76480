// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CardType string

const (
	CardUserMessage  CardType = "USER_MESSAGE"
	CardAIMessage    CardType = "AI_MESSAGE"
	CardTeamMessage  CardType = "TEAM_MESSAGE"
	CardTask         CardType = "TASK_CARD"
	CardApproval     CardType = "APPROVAL_CARD"
	CardStatusUpdate CardType = "STATUS_UPDATE"
)

func (c CardType) Valid() bool {
	switch c {
	case CardUserMessage, CardAIMessage, CardTeamMessage, CardTask, CardApproval, CardStatusUpdate:
		return true
	}
	return false
}

type Visibility string

const (
	VisibilityPublic   Visibility = "PUBLIC"
	VisibilityInternal Visibility = "INTERNAL"
)

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleTeam   Role = "TEAM"
	RoleClient Role = "CLIENT"
)

type TodoItem struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TimelineEntry is one message or event on a workflow's audit timeline.
// Entries are soft-deleted only; Seq preserves creation order for replay.
type TimelineEntry struct {
	ID            uuid.UUID       `json:"id"`
	Seq           int64           `json:"seq"`
	WorkflowID    uuid.UUID       `json:"workflow_id"`
	CardType      CardType        `json:"card_type"`
	Content       string          `json:"content"`
	AuthorID      string          `json:"author_id"`
	AuthorRole    Role            `json:"author_role"`
	Visibility    Visibility      `json:"visibility"`
	Todos         []TodoItem      `json:"todos,omitempty"`
	ApprovalData  json.RawMessage `json:"approval_data,omitempty"`
	StatusData    json.RawMessage `json:"status_data,omitempty"`
	ParentEntryID *uuid.UUID      `json:"parent_entry_id,omitempty"`
	IsDeleted     bool            `json:"is_deleted"`
	EditedBy      string          `json:"edited_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// StatusChange is the status_data payload recorded on STATUS_UPDATE
// entries that the engine appends automatically on node transitions.
type StatusChange struct {
	StageKey  string     `json:"stage_key"`
	From      NodeStatus `json:"from"`
	To        NodeStatus `json:"to"`
	Iteration int        `json:"iteration"`
	Error     string     `json:"error,omitempty"`
}
