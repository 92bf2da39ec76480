// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mirelo/stagehand/internal/domain"
)

// TimelineRepository is the append-only workflow timeline. Entries are
// edited in place (content only) and soft-deleted, never removed, so
// the audit trail replays in creation order.
type TimelineRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewTimelineRepository(pool *pgxpool.Pool, logger *slog.Logger) *TimelineRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &TimelineRepository{
		pool:   pool,
		logger: logger,
	}
}

type AppendEntryParams struct {
	ID            uuid.UUID
	WorkflowID    uuid.UUID
	CardType      domain.CardType
	Content       string
	AuthorID      string
	AuthorRole    domain.Role
	Visibility    domain.Visibility
	Todos         []domain.TodoItem
	ParentEntryID *uuid.UUID
}

// Append inserts one entry. The id is caller-supplied so a retried
// call lands on the same row: ON CONFLICT DO NOTHING makes the append
// idempotent.
func (r *TimelineRepository) Append(ctx context.Context, params AppendEntryParams) (domain.TimelineEntry, error) {
	apiKeyID, err := apiKeyIDFromContext(ctx)
	if err != nil {
		return domain.TimelineEntry{}, err
	}

	if err := r.checkWorkflow(ctx, params.WorkflowID, apiKeyID); err != nil {
		return domain.TimelineEntry{}, err
	}

	id := params.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	visibility := params.Visibility
	if visibility == "" {
		visibility = domain.VisibilityPublic
	}

	var todosRaw []byte
	if len(params.Todos) > 0 {
		todosRaw, err = json.Marshal(params.Todos)
		if err != nil {
			return domain.TimelineEntry{}, err
		}
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO timeline_entries
			(id, workflow_id, card_type, content, author_id, author_role, visibility, todos, parent_entry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`,
		id, params.WorkflowID, params.CardType, params.Content,
		params.AuthorID, params.AuthorRole, visibility, todosRaw, params.ParentEntryID,
	)
	if err != nil {
		r.logger.Error("append timeline entry failed",
			"workflow_id", params.WorkflowID,
			"entry_id", id,
			"error", err,
		)
		return domain.TimelineEntry{}, err
	}

	return r.getEntry(ctx, id, apiKeyID)
}

// Edit replaces an entry's content and records who edited it. Editing
// with identical content is a no-op apart from edited_by, so a retried
// edit converges on the same final state.
func (r *TimelineRepository) Edit(ctx context.Context, entryID uuid.UUID, content, editedBy string) (domain.TimelineEntry, error) {
	apiKeyID, err := apiKeyIDFromContext(ctx)
	if err != nil {
		return domain.TimelineEntry{}, err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE timeline_entries e
		SET content=$2, edited_by=$3, updated_at=NOW()
		FROM workflows w
		WHERE e.id=$1 AND e.workflow_id = w.id AND w.api_key_id=$4
		  AND NOT e.is_deleted
	`, entryID, content, editedBy, apiKeyID)
	if err != nil {
		r.logger.Error("edit timeline entry failed", "entry_id", entryID, "error", err)
		return domain.TimelineEntry{}, err
	}
	if tag.RowsAffected() == 0 {
		return domain.TimelineEntry{}, domain.ErrNotFound
	}

	return r.getEntry(ctx, entryID, apiKeyID)
}

// SoftDelete hides an entry without removing it. Idempotent: deleting
// an already deleted entry succeeds.
func (r *TimelineRepository) SoftDelete(ctx context.Context, entryID uuid.UUID) error {
	apiKeyID, err := apiKeyIDFromContext(ctx)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE timeline_entries e
		SET is_deleted=TRUE, updated_at=NOW()
		FROM workflows w
		WHERE e.id=$1 AND e.workflow_id = w.id AND w.api_key_id=$2
	`, entryID, apiKeyID)
	if err != nil {
		r.logger.Error("soft delete timeline entry failed", "entry_id", entryID, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Publish flips a restricted entry to PUBLIC visibility. Idempotent.
func (r *TimelineRepository) Publish(ctx context.Context, entryID uuid.UUID) (domain.TimelineEntry, error) {
	apiKeyID, err := apiKeyIDFromContext(ctx)
	if err != nil {
		return domain.TimelineEntry{}, err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE timeline_entries e
		SET visibility=$2, updated_at=NOW()
		FROM workflows w
		WHERE e.id=$1 AND e.workflow_id = w.id AND w.api_key_id=$3
		  AND NOT e.is_deleted
	`, entryID, domain.VisibilityPublic, apiKeyID)
	if err != nil {
		r.logger.Error("publish timeline entry failed", "entry_id", entryID, "error", err)
		return domain.TimelineEntry{}, err
	}
	if tag.RowsAffected() == 0 {
		return domain.TimelineEntry{}, domain.ErrNotFound
	}

	return r.getEntry(ctx, entryID, apiKeyID)
}

// ToggleTodo sets the completion state of one todo on a task card.
func (r *TimelineRepository) ToggleTodo(ctx context.Context, entryID uuid.UUID, todoID string, completed bool) (domain.TimelineEntry, error) {
	apiKeyID, err := apiKeyIDFromContext(ctx)
	if err != nil {
		return domain.TimelineEntry{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.TimelineEntry{}, err
	}
	defer tx.Rollback(ctx)

	var todosRaw []byte
	err = tx.QueryRow(ctx, `
		SELECT e.todos
		FROM timeline_entries e
		JOIN workflows w ON e.workflow_id = w.id
		WHERE e.id=$1 AND w.api_key_id=$2 AND NOT e.is_deleted
		FOR UPDATE OF e
	`, entryID, apiKeyID).Scan(&todosRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TimelineEntry{}, domain.ErrNotFound
		}
		return domain.TimelineEntry{}, err
	}

	var todos []domain.TodoItem
	if len(todosRaw) > 0 {
		if err := json.Unmarshal(todosRaw, &todos); err != nil {
			return domain.TimelineEntry{}, err
		}
	}

	found := false
	now := time.Now().UTC()
	for i := range todos {
		if todos[i].ID != todoID {
			continue
		}
		found = true
		todos[i].Completed = completed
		if completed {
			todos[i].CompletedAt = &now
		} else {
			todos[i].CompletedAt = nil
		}
	}
	if !found {
		return domain.TimelineEntry{}, domain.ErrNotFound
	}

	encoded, err := json.Marshal(todos)
	if err != nil {
		return domain.TimelineEntry{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE timeline_entries SET todos=$2::jsonb, updated_at=NOW() WHERE id=$1
	`, entryID, encoded); err != nil {
		return domain.TimelineEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.TimelineEntry{}, err
	}

	return r.getEntry(ctx, entryID, apiKeyID)
}

// List returns a workflow's visible entries in creation order.
// maxVisibility caps what the caller may see: a CLIENT reader is
// always capped to PUBLIC regardless of the requested filter.
func (r *TimelineRepository) List(ctx context.Context, workflowID uuid.UUID, visibility *domain.Visibility) ([]domain.TimelineEntry, error) {
	return r.list(ctx, workflowID, visibility, 0)
}

// ListAfter returns visible entries with seq greater than afterSeq,
// for the event stream.
func (r *TimelineRepository) ListAfter(ctx context.Context, workflowID uuid.UUID, visibility *domain.Visibility, afterSeq int64) ([]domain.TimelineEntry, error) {
	return r.list(ctx, workflowID, visibility, afterSeq)
}

func (r *TimelineRepository) list(ctx context.Context, workflowID uuid.UUID, visibility *domain.Visibility, afterSeq int64) ([]domain.TimelineEntry, error) {
	apiKeyID, err := apiKeyIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var visFilter *string
	if visibility != nil {
		v := string(*visibility)
		visFilter = &v
	}

	rows, err := r.pool.Query(ctx, `
		SELECT e.id, e.seq, e.workflow_id, e.card_type, e.content, e.author_id, e.author_role,
		       e.visibility, e.todos, e.approval_data, e.status_data, e.parent_entry_id,
		       e.is_deleted, e.edited_by, e.created_at, e.updated_at
		FROM timeline_entries e
		JOIN workflows w ON e.workflow_id = w.id
		WHERE e.workflow_id=$1
		  AND w.api_key_id=$2
		  AND NOT e.is_deleted
		  AND ($3::text IS NULL OR e.visibility=$3)
		  AND e.seq > $4
		ORDER BY e.seq ASC
	`, workflowID, apiKeyID, visFilter, afterSeq)
	if err != nil {
		r.logger.Error("list timeline query failed", "workflow_id", workflowID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.TimelineEntry, 0, 16)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (r *TimelineRepository) checkWorkflow(ctx context.Context, workflowID, apiKeyID uuid.UUID) error {
	var exists int
	err := r.pool.QueryRow(ctx,
		`SELECT 1 FROM workflows WHERE id=$1 AND api_key_id=$2`,
		workflowID, apiKeyID,
	).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func (r *TimelineRepository) getEntry(ctx context.Context, entryID, apiKeyID uuid.UUID) (domain.TimelineEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT e.id, e.seq, e.workflow_id, e.card_type, e.content, e.author_id, e.author_role,
		       e.visibility, e.todos, e.approval_data, e.status_data, e.parent_entry_id,
		       e.is_deleted, e.edited_by, e.created_at, e.updated_at
		FROM timeline_entries e
		JOIN workflows w ON e.workflow_id = w.id
		WHERE e.id=$1 AND w.api_key_id=$2
	`, entryID, apiKeyID)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TimelineEntry{}, domain.ErrNotFound
		}
		return domain.TimelineEntry{}, err
	}
	return entry, nil
}

func scanEntry(row pgx.Row) (domain.TimelineEntry, error) {
	var (
		entry    domain.TimelineEntry
		todosRaw []byte
	)
	err := row.Scan(
		&entry.ID, &entry.Seq, &entry.WorkflowID, &entry.CardType, &entry.Content,
		&entry.AuthorID, &entry.AuthorRole, &entry.Visibility, &todosRaw,
		&entry.ApprovalData, &entry.StatusData, &entry.ParentEntryID,
		&entry.IsDeleted, &entry.EditedBy, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return domain.TimelineEntry{}, err
	}
	if len(todosRaw) > 0 {
		if err := json.Unmarshal(todosRaw, &entry.Todos); err != nil {
			return domain.TimelineEntry{}, err
		}
	}
	return entry, nil
}
