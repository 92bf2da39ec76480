// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mirelo/stagehand/internal/domain"
	"github.com/mirelo/stagehand/internal/metrics"
)

// ClaimedStage identifies one runnable stage handed to the driver.
type ClaimedStage struct {
	WorkflowID   uuid.UUID
	APIKeyID     uuid.UUID
	Pipeline     string
	StageKey     string
	ExecutorKind domain.ExecutorKind
	Iteration    int
}

// ClaimNextStage picks one workflow with a runnable agent/auto stage,
// locks it (SKIP LOCKED keeps concurrent drivers off the same
// workflow), marks the stage RUNNING, and returns the claim. Human
// stages are never claimed; they are driven through the API. Returns
// pgx.ErrNoRows when nothing is runnable.
func (r *WorkflowRepository) ClaimNextStage(ctx context.Context) (ClaimedStage, error) {
	started := time.Now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ClaimedStage{}, err
	}
	defer tx.Rollback(ctx)

	var workflowID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT w.id
		FROM workflows w
		WHERE w.override_status IS NULL
		  AND EXISTS (
			SELECT 1 FROM workflow_nodes n
			WHERE n.workflow_id = w.id
			  AND n.status = $1
			  AND n.executor_kind <> $2
			  AND NOT EXISTS (
				SELECT 1 FROM workflow_nodes p
				WHERE p.workflow_id = w.id
				  AND p.stage_index < n.stage_index
				  AND p.status <> $3
			  )
		  )
		ORDER BY w.created_at ASC
		FOR UPDATE OF w SKIP LOCKED
		LIMIT 1
	`,
		domain.NodePending,
		domain.ExecutorHuman,
		domain.NodeComplete,
	).Scan(&workflowID)
	if err != nil {
		return ClaimedStage{}, err
	}

	in, err := r.load(ctx, tx, workflowID, uuid.Nil, false)
	if err != nil {
		return ClaimedStage{}, err
	}

	// Re-derive the runnable stage under the lock.
	claim := ClaimedStage{WorkflowID: workflowID, APIKeyID: in.Workflow.APIKeyID, Pipeline: in.Workflow.Pipeline}
	found := false
	for i, n := range in.Nodes {
		if n.Status != domain.NodePending || n.ExecutorKind == domain.ExecutorHuman {
			continue
		}
		ready := true
		for _, p := range in.Nodes[:i] {
			if p.Status != domain.NodeComplete {
				ready = false
				break
			}
		}
		if ready {
			claim.StageKey = n.StageKey
			claim.ExecutorKind = n.ExecutorKind
			found = true
			break
		}
	}
	if !found {
		return ClaimedStage{}, pgx.ErrNoRows
	}

	input, _ := json.Marshal(map[string]any{
		"claimed_at": time.Now().UTC(),
	})

	result, err := in.StartStage(claim.StageKey, input, time.Now().UTC())
	if err != nil {
		return ClaimedStage{}, err
	}
	if err := r.persist(ctx, tx, in, result); err != nil {
		return ClaimedStage{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ClaimedStage{}, err
	}

	for _, n := range in.Nodes {
		if n.StageKey == claim.StageKey {
			claim.Iteration = n.Iteration
		}
	}

	metrics.ObserveClaimLatency(time.Since(started))
	metrics.IncNodeStatus(string(domain.NodeRunning))

	r.logger.Info("stage claimed",
		"workflow_id", claim.WorkflowID,
		"stage", claim.StageKey,
		"executor", claim.ExecutorKind,
		"iteration", claim.Iteration,
	)

	return claim, nil
}
