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
	"github.com/mirelo/stagehand/internal/engine"
	"github.com/mirelo/stagehand/internal/metrics"
	"github.com/mirelo/stagehand/internal/schema"
)

// WorkflowRepository persists workflows and applies engine operations.
// Every transition runs inside one transaction with the workflow row
// locked, so readers never observe a node mid-rollback and transitions
// for one workflow are serialized.
type WorkflowRepository struct {
	pool     *pgxpool.Pool
	registry *schema.Registry
	logger   *slog.Logger
}

func NewWorkflowRepository(pool *pgxpool.Pool, registry *schema.Registry, logger *slog.Logger) *WorkflowRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &WorkflowRepository{
		pool:     pool,
		registry: registry,
		logger:   logger,
	}
}

// CreateWorkflow inserts the workflow row and eagerly creates one node
// per stage of its pipeline schema, all PENDING.
func (r *WorkflowRepository) CreateWorkflow(ctx context.Context, params domain.CreateWorkflowParams) (uuid.UUID, error) {
	apiKeyID, err := apiKeyIDFromContext(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	def, err := r.registry.Get(params.Pipeline)
	if err != nil {
		return uuid.Nil, err
	}

	workflowID := uuid.New()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO workflows (id, api_key_id, pipeline, title, description, brand_id, campaign_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		workflowID,
		apiKeyID,
		def.Name,
		params.Title,
		params.Description,
		params.BrandID,
		params.CampaignID,
	)
	if err != nil {
		r.logger.Error("insert workflow failed", "workflow_id", workflowID, "error", err)
		return uuid.Nil, err
	}

	for i, stage := range def.Stages {
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_nodes (id, workflow_id, stage_key, stage_index, executor_kind, status)
			VALUES ($1, $2, $3, $4, $5, $6)
		`,
			uuid.New(),
			workflowID,
			stage.Key,
			i,
			stage.ExecutorKind,
			domain.NodePending,
		); err != nil {
			r.logger.Error("insert node failed",
				"workflow_id", workflowID,
				"stage", stage.Key,
				"error", err,
			)
			return uuid.Nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit failed", "workflow_id", workflowID, "error", err)
		return uuid.Nil, err
	}

	metrics.IncWorkflowStatus(string(domain.WorkflowPending))
	r.logger.Info("workflow created",
		"workflow_id", workflowID,
		"pipeline", def.Name,
		"stages", def.Len(),
	)

	return workflowID, nil
}

// GetWorkflow reads one workflow with its nodes and derives status and
// current stage. Derived fields are computed on every read and never
// stored.
func (r *WorkflowRepository) GetWorkflow(ctx context.Context, id uuid.UUID) (domain.WorkflowSnapshot, error) {
	apiKeyID, err := apiKeyIDFromContext(ctx)
	if err != nil {
		return domain.WorkflowSnapshot{}, err
	}

	in, err := r.load(ctx, r.pool, id, apiKeyID, false)
	if err != nil {
		return domain.WorkflowSnapshot{}, err
	}
	return in.Snapshot(), nil
}

func (r *WorkflowRepository) ListNodes(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowNode, error) {
	snap, err := r.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return snap.Nodes, nil
}

func (r *WorkflowRepository) ListApprovals(ctx context.Context, workflowID uuid.UUID) ([]domain.ApprovalRecord, error) {
	apiKeyID, err := apiKeyIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.workflow_id, a.stage_key, a.approved, a.actor_id, a.note, a.created_at
		FROM approvals a
		JOIN workflows w ON a.workflow_id = w.id
		WHERE a.workflow_id=$1 AND w.api_key_id=$2
		ORDER BY a.created_at ASC, a.id ASC
	`, workflowID, apiKeyID)
	if err != nil {
		r.logger.Error("list approvals query failed", "workflow_id", workflowID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ApprovalRecord, 0, 8)
	for rows.Next() {
		var rec domain.ApprovalRecord
		if err := rows.Scan(
			&rec.ID, &rec.WorkflowID, &rec.StageKey,
			&rec.Approved, &rec.ActorID, &rec.Note, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StartStage is the driver boundary: an external job system reports
// that stage work began.
func (r *WorkflowRepository) StartStage(ctx context.Context, workflowID uuid.UUID, stageKey string, input json.RawMessage) (domain.WorkflowSnapshot, error) {
	return r.apply(ctx, workflowID, func(in *engine.Instance, now time.Time) (engine.Result, error) {
		return in.StartStage(stageKey, input, now)
	})
}

func (r *WorkflowRepository) CompleteStage(ctx context.Context, workflowID uuid.UUID, stageKey string, output json.RawMessage) (domain.WorkflowSnapshot, error) {
	return r.apply(ctx, workflowID, func(in *engine.Instance, now time.Time) (engine.Result, error) {
		return in.CompleteStage(stageKey, output, now)
	})
}

func (r *WorkflowRepository) FailStage(ctx context.Context, workflowID uuid.UUID, stageKey, errMsg string) (domain.WorkflowSnapshot, error) {
	return r.apply(ctx, workflowID, func(in *engine.Instance, now time.Time) (engine.Result, error) {
		return in.FailStage(stageKey, errMsg, now)
	})
}

func (r *WorkflowRepository) Approve(ctx context.Context, workflowID uuid.UUID, stageKey, actorID, note string) (domain.WorkflowSnapshot, error) {
	snap, err := r.apply(ctx, workflowID, func(in *engine.Instance, now time.Time) (engine.Result, error) {
		return in.Approve(stageKey, actorID, note, now)
	})
	if err == nil {
		metrics.IncApproval(true)
	}
	return snap, err
}

func (r *WorkflowRepository) Reject(ctx context.Context, workflowID uuid.UUID, stageKey, actorID, note string) (domain.WorkflowSnapshot, error) {
	snap, err := r.apply(ctx, workflowID, func(in *engine.Instance, now time.Time) (engine.Result, error) {
		return in.Reject(stageKey, actorID, note, now)
	})
	if err == nil {
		metrics.IncApproval(false)
		metrics.IncRollback()
	}
	return snap, err
}

func (r *WorkflowRepository) Cancel(ctx context.Context, workflowID uuid.UUID) (domain.WorkflowSnapshot, error) {
	return r.apply(ctx, workflowID, func(in *engine.Instance, now time.Time) (engine.Result, error) {
		in.Cancel()
		return engine.Result{}, nil
	})
}

func (r *WorkflowRepository) Pause(ctx context.Context, workflowID uuid.UUID) (domain.WorkflowSnapshot, error) {
	return r.apply(ctx, workflowID, func(in *engine.Instance, now time.Time) (engine.Result, error) {
		return engine.Result{}, in.Pause()
	})
}

func (r *WorkflowRepository) Resume(ctx context.Context, workflowID uuid.UUID) (domain.WorkflowSnapshot, error) {
	return r.apply(ctx, workflowID, func(in *engine.Instance, now time.Time) (engine.Result, error) {
		return engine.Result{}, in.Resume()
	})
}

// ToggleAsset flips asset membership on the workflow's asset set and
// reports whether the asset is attached afterwards.
func (r *WorkflowRepository) ToggleAsset(ctx context.Context, workflowID uuid.UUID, assetID string) (bool, error) {
	apiKeyID, err := apiKeyIDFromContext(ctx)
	if err != nil {
		return false, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var raw []byte
	if err := tx.QueryRow(ctx, `
		SELECT asset_ids FROM workflows
		WHERE id=$1 AND api_key_id=$2
		FOR UPDATE
	`, workflowID, apiKeyID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrNotFound
		}
		return false, err
	}

	var set domain.StringSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return false, err
	}
	attached := set.Toggle(assetID)

	encoded, err := json.Marshal(set)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workflows SET asset_ids=$2::jsonb, updated_at=NOW() WHERE id=$1
	`, workflowID, encoded); err != nil {
		return false, err
	}

	return attached, tx.Commit(ctx)
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// load reads workflow + nodes and binds them to the pipeline schema.
// With forUpdate set, the workflow row is locked for the caller's
// transaction, serializing transitions per workflow. A nil apiKeyID
// skips the tenant filter; only the driver uses that.
func (r *WorkflowRepository) load(ctx context.Context, q queryer, id, apiKeyID uuid.UUID, forUpdate bool) (*engine.Instance, error) {
	query := `
		SELECT id, api_key_id, pipeline, title, description, brand_id, campaign_id,
		       asset_ids, config, settings_version, override_status, created_at, updated_at
		FROM workflows
		WHERE id=$1 AND ($2::uuid IS NULL OR api_key_id=$2)
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var tenant *uuid.UUID
	if apiKeyID != uuid.Nil {
		tenant = &apiKeyID
	}

	var (
		wf          domain.Workflow
		assetsRaw   []byte
		configRaw   []byte
		overrideRaw *string
	)
	err := q.QueryRow(ctx, query, id, tenant).Scan(
		&wf.ID, &wf.APIKeyID, &wf.Pipeline, &wf.Title, &wf.Description,
		&wf.BrandID, &wf.CampaignID, &assetsRaw, &configRaw,
		&wf.SettingsVersion, &overrideRaw, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.Error("load workflow failed", "workflow_id", id, "error", err)
		return nil, err
	}

	if err := json.Unmarshal(assetsRaw, &wf.AssetIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configRaw, &wf.Config); err != nil {
		return nil, err
	}
	if overrideRaw != nil {
		status := domain.WorkflowStatus(*overrideRaw)
		wf.OverrideStatus = &status
	}

	rows, err := q.Query(ctx, `
		SELECT id, workflow_id, stage_key, stage_index, executor_kind, status,
		       iteration, input, output, error, started_at, finished_at
		FROM workflow_nodes
		WHERE workflow_id=$1
		ORDER BY stage_index ASC
	`, id)
	if err != nil {
		r.logger.Error("load nodes failed", "workflow_id", id, "error", err)
		return nil, err
	}
	defer rows.Close()

	nodes := make([]domain.WorkflowNode, 0, 16)
	for rows.Next() {
		var n domain.WorkflowNode
		if err := rows.Scan(
			&n.ID, &n.WorkflowID, &n.StageKey, &n.StageIndex, &n.ExecutorKind,
			&n.Status, &n.Iteration, &n.Input, &n.Output, &n.Error,
			&n.StartedAt, &n.FinishedAt,
		); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	def, err := r.registry.Get(wf.Pipeline)
	if err != nil {
		return nil, err
	}

	return engine.NewInstance(def, wf, nodes)
}

type operation func(in *engine.Instance, now time.Time) (engine.Result, error)

// apply runs one engine operation atomically: lock, mutate in memory,
// write back nodes, approval history, automatic timeline entries, and
// feedback signals, then commit. A failed operation writes nothing.
func (r *WorkflowRepository) apply(ctx context.Context, workflowID uuid.UUID, op operation) (domain.WorkflowSnapshot, error) {
	apiKeyID, err := apiKeyIDFromContext(ctx)
	if err != nil {
		return domain.WorkflowSnapshot{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.WorkflowSnapshot{}, err
	}
	defer tx.Rollback(ctx)

	in, err := r.load(ctx, tx, workflowID, apiKeyID, true)
	if err != nil {
		return domain.WorkflowSnapshot{}, err
	}
	before := in.Status()

	result, err := op(in, time.Now().UTC())
	if err != nil {
		return domain.WorkflowSnapshot{}, err
	}

	if err := r.persist(ctx, tx, in, result); err != nil {
		r.logger.Error("persist transition failed", "workflow_id", workflowID, "error", err)
		return domain.WorkflowSnapshot{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit transition failed", "workflow_id", workflowID, "error", err)
		return domain.WorkflowSnapshot{}, err
	}

	snap := in.Snapshot()
	for _, c := range result.Changes {
		metrics.IncNodeStatus(string(c.To))
	}
	if snap.Status != before {
		metrics.IncWorkflowStatus(string(snap.Status))
	}

	r.logger.Info("workflow transition applied",
		"workflow_id", workflowID,
		"status", snap.Status,
		"current_stage", snap.CurrentStage,
		"changes", len(result.Changes),
	)

	return snap, nil
}

func (r *WorkflowRepository) persist(ctx context.Context, tx pgx.Tx, in *engine.Instance, result engine.Result) error {
	changed := make(map[string]struct{}, len(result.Changes))
	for _, c := range result.Changes {
		changed[c.StageKey] = struct{}{}
	}

	for _, n := range in.Nodes {
		if _, ok := changed[n.StageKey]; !ok {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE workflow_nodes
			SET status=$3, iteration=$4, input=$5, output=$6, error=$7,
			    started_at=$8, finished_at=$9
			WHERE workflow_id=$1 AND stage_key=$2
		`,
			in.Workflow.ID, n.StageKey,
			n.Status, n.Iteration, n.Input, n.Output, n.Error,
			n.StartedAt, n.FinishedAt,
		); err != nil {
			return err
		}
	}

	var override *string
	if in.Workflow.OverrideStatus != nil {
		s := string(*in.Workflow.OverrideStatus)
		override = &s
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workflows SET override_status=$2, updated_at=NOW() WHERE id=$1
	`, in.Workflow.ID, override); err != nil {
		return err
	}

	if result.Approval != nil {
		a := result.Approval
		if _, err := tx.Exec(ctx, `
			INSERT INTO approvals (id, workflow_id, stage_key, approved, actor_id, note, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, a.ID, a.WorkflowID, a.StageKey, a.Approved, a.ActorID, a.Note, a.CreatedAt); err != nil {
			return err
		}

		approvalData, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := r.appendCard(ctx, tx, in.Workflow.ID, domain.CardApproval, approvalData, nil, a.ActorID); err != nil {
			return err
		}
	}

	for _, c := range result.Changes {
		statusData, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := r.appendCard(ctx, tx, in.Workflow.ID, domain.CardStatusUpdate, nil, statusData, "system"); err != nil {
			return err
		}
	}

	if result.Feedback != nil {
		f := result.Feedback
		if _, err := tx.Exec(ctx, `
			INSERT INTO feedback_signals (id, workflow_id, from_stage, to_stage, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, f.ID, f.WorkflowID, f.FromStage, f.ToStage, f.Reason, f.CreatedAt); err != nil {
			return err
		}
		metrics.IncFeedbackSignal("emitted")
	}

	return nil
}

// appendCard writes the automatic timeline entries the engine emits on
// approval decisions and node status changes. They are INTERNAL; a
// human publishes what clients should see.
func (r *WorkflowRepository) appendCard(
	ctx context.Context,
	tx pgx.Tx,
	workflowID uuid.UUID,
	cardType domain.CardType,
	approvalData, statusData json.RawMessage,
	authorID string,
) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO timeline_entries
			(id, workflow_id, card_type, author_id, author_role, visibility, approval_data, status_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		uuid.New(), workflowID, cardType, authorID, domain.RoleTeam,
		domain.VisibilityInternal, approvalData, statusData,
	)
	return err
}
