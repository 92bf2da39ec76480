// SPDX-License-Identifier: Apache-2.0

// Package engine is the pipeline workflow state machine. It is pure
// bookkeeping over in-memory state: callers load a workflow and its
// nodes, apply one operation, and persist the result atomically. The
// engine never performs stage work, authorization, or I/O.
package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mirelo/stagehand/internal/domain"
	"github.com/mirelo/stagehand/internal/schema"
)

// Instance binds one workflow and its node set to the schema it runs
// under. Operations mutate the instance only after every precondition
// has passed, so a failed call leaves it untouched.
type Instance struct {
	Def      schema.Definition
	Workflow domain.Workflow
	Nodes    []domain.WorkflowNode
}

// Result describes what one operation changed: node transitions to
// record on the timeline, an approval decision to append, and an
// advisory feedback signal to emit.
type Result struct {
	Changes  []domain.StatusChange
	Approval *domain.ApprovalRecord
	Feedback *domain.FeedbackSignal
}

func NewInstance(def schema.Definition, wf domain.Workflow, nodes []domain.WorkflowNode) (*Instance, error) {
	if len(nodes) != len(def.Stages) {
		return nil, fmt.Errorf("%w: workflow %s has %d nodes, schema %q has %d stages",
			domain.ErrConfiguration, wf.ID, len(nodes), def.Name, len(def.Stages))
	}

	ordered := inSchemaOrder(def, nodes)
	if len(ordered) != len(def.Stages) {
		return nil, fmt.Errorf("%w: workflow %s nodes do not match schema %q stage keys",
			domain.ErrConfiguration, wf.ID, def.Name)
	}

	return &Instance{Def: def, Workflow: wf, Nodes: ordered}, nil
}

func (in *Instance) Status() domain.WorkflowStatus {
	return DeriveStatus(in.Workflow, in.Def, in.Nodes)
}

func (in *Instance) CurrentStage() (string, bool) {
	return CurrentStage(in.Def, in.Nodes)
}

func (in *Instance) Snapshot() domain.WorkflowSnapshot {
	current, _ := in.CurrentStage()
	return domain.WorkflowSnapshot{
		Workflow:     in.Workflow,
		Nodes:        in.Nodes,
		Status:       in.Status(),
		CurrentStage: current,
	}
}

func (in *Instance) node(stageKey string) (*domain.WorkflowNode, error) {
	for i := range in.Nodes {
		if in.Nodes[i].StageKey == stageKey {
			return &in.Nodes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: stage %q in workflow %s", domain.ErrNotFound, stageKey, in.Workflow.ID)
}

// guard rejects node transitions on canceled, completed, or paused
// workflows. A derived FAILED status never blocks: the failed node is
// retried through StartStage, and a rejected gate is re-run the same
// way. Approval suspension is not pause either: WAITING_APPROVAL nodes
// are resolved through Approve/Reject, which call guard too and pass.
func (in *Instance) guard(op, stageKey string) error {
	status := in.Status()
	switch status {
	case domain.WorkflowComplete, domain.WorkflowCanceled, domain.WorkflowPaused:
		return fmt.Errorf("%w: %s %s: workflow is %s", domain.ErrInvalidTransition, op, stageKey, status)
	}
	return nil
}

// StartStage moves a PENDING node to RUNNING. Starting a FAILED node
// is permitted as an explicit retry: it clears the recorded error and
// output and counts one more iteration.
func (in *Instance) StartStage(stageKey string, input json.RawMessage, now time.Time) (Result, error) {
	if err := in.guard("start", stageKey); err != nil {
		return Result{}, err
	}

	n, err := in.node(stageKey)
	if err != nil {
		return Result{}, err
	}

	from := n.Status
	switch from {
	case domain.NodePending:
	case domain.NodeFailed:
		n.Iteration++
		n.Error = ""
		n.Output = nil
		n.FinishedAt = nil
	default:
		return Result{}, domain.NewTransitionError("start", stageKey, from,
			domain.NodePending, domain.NodeFailed)
	}

	n.Status = domain.NodeRunning
	n.Input = input
	started := now
	n.StartedAt = &started

	return Result{Changes: []domain.StatusChange{{
		StageKey: stageKey, From: from, To: domain.NodeRunning, Iteration: n.Iteration,
	}}}, nil
}

// CompleteStage records the outcome of a RUNNING node. Completing the
// work and completing the gate are distinct: a stage that requires
// approval parks at WAITING_APPROVAL and only an approval decision can
// move it to COMPLETED.
func (in *Instance) CompleteStage(stageKey string, output json.RawMessage, now time.Time) (Result, error) {
	if err := in.guard("complete", stageKey); err != nil {
		return Result{}, err
	}

	n, err := in.node(stageKey)
	if err != nil {
		return Result{}, err
	}
	stage, _ := in.Def.Stage(stageKey)

	if n.Status != domain.NodeRunning {
		return Result{}, domain.NewTransitionError("complete", stageKey, n.Status, domain.NodeRunning)
	}

	from := n.Status
	n.Output = output

	if stage.ApprovalRequired {
		n.Status = domain.NodeWaiting
		return Result{Changes: []domain.StatusChange{{
			StageKey: stageKey, From: from, To: domain.NodeWaiting, Iteration: n.Iteration,
		}}}, nil
	}

	n.Status = domain.NodeComplete
	finished := now
	n.FinishedAt = &finished

	return Result{
		Changes: []domain.StatusChange{{
			StageKey: stageKey, From: from, To: domain.NodeComplete, Iteration: n.Iteration,
		}},
		Feedback: in.feedbackFor(stage, now),
	}, nil
}

// FailStage records an execution failure on a RUNNING node. The node
// stays FAILED until explicitly retried via StartStage.
func (in *Instance) FailStage(stageKey, errMsg string, now time.Time) (Result, error) {
	if err := in.guard("fail", stageKey); err != nil {
		return Result{}, err
	}

	n, err := in.node(stageKey)
	if err != nil {
		return Result{}, err
	}

	if n.Status != domain.NodeRunning {
		return Result{}, domain.NewTransitionError("fail", stageKey, n.Status, domain.NodeRunning)
	}

	from := n.Status
	n.Status = domain.NodeFailed
	n.Error = errMsg
	finished := now
	n.FinishedAt = &finished

	return Result{Changes: []domain.StatusChange{{
		StageKey: stageKey, From: from, To: domain.NodeFailed, Iteration: n.Iteration, Error: errMsg,
	}}}, nil
}

// Approve resolves an approval gate positively: the WAITING_APPROVAL
// node becomes COMPLETED and the decision is appended to the approval
// history.
func (in *Instance) Approve(stageKey, actorID, note string, now time.Time) (Result, error) {
	n, stage, err := in.gatedNode("approve", stageKey)
	if err != nil {
		return Result{}, err
	}

	from := n.Status
	n.Status = domain.NodeComplete
	finished := now
	n.FinishedAt = &finished

	return Result{
		Changes: []domain.StatusChange{{
			StageKey: stageKey, From: from, To: domain.NodeComplete, Iteration: n.Iteration,
		}},
		Approval: &domain.ApprovalRecord{
			ID:         uuid.New(),
			WorkflowID: in.Workflow.ID,
			StageKey:   stageKey,
			Approved:   true,
			ActorID:    actorID,
			Note:       note,
			CreatedAt:  now,
		},
		Feedback: in.feedbackFor(stage, now),
	}, nil
}

// Reject resolves an approval gate negatively and rolls the workflow
// back. The rejected node is marked FAILED with the rejection note as
// its error; every stage from the reject target through the rejected
// stage is reset to PENDING with cleared output and timestamps; the
// reject target counts one more rework iteration. The whole rollback
// is one atomic result: callers persist it in a single transaction.
func (in *Instance) Reject(stageKey, actorID, note string, now time.Time) (Result, error) {
	n, stage, err := in.gatedNode("reject", stageKey)
	if err != nil {
		return Result{}, err
	}

	if stage.RejectTarget == "" {
		return Result{}, fmt.Errorf("%w: stage %q has no reject_target", domain.ErrConfiguration, stageKey)
	}
	targetIndex, _ := in.Def.Index(stage.RejectTarget)
	rejectedIndex, _ := in.Def.Index(stageKey)

	changes := make([]domain.StatusChange, 0, rejectedIndex-targetIndex+1)

	// The rejected node keeps FAILED for audit but its run state is
	// cleared like the rest of the rollback span: a FAILED node with no
	// started_at is a gate awaiting re-run, not an execution failure.
	from := n.Status
	n.Status = domain.NodeFailed
	n.Error = note
	n.Output = nil
	n.StartedAt = nil
	n.FinishedAt = nil
	changes = append(changes, domain.StatusChange{
		StageKey: stageKey, From: from, To: domain.NodeFailed, Iteration: n.Iteration, Error: note,
	})

	for i := targetIndex; i < rejectedIndex; i++ {
		reset := &in.Nodes[i]
		resetFrom := reset.Status
		reset.Status = domain.NodePending
		reset.Output = nil
		reset.Error = ""
		reset.StartedAt = nil
		reset.FinishedAt = nil
		if i == targetIndex {
			reset.Iteration++
		}
		changes = append(changes, domain.StatusChange{
			StageKey: reset.StageKey, From: resetFrom, To: domain.NodePending, Iteration: reset.Iteration,
		})
	}

	return Result{
		Changes: changes,
		Approval: &domain.ApprovalRecord{
			ID:         uuid.New(),
			WorkflowID: in.Workflow.ID,
			StageKey:   stageKey,
			Approved:   false,
			ActorID:    actorID,
			Note:       note,
			CreatedAt:  now,
		},
	}, nil
}

func (in *Instance) gatedNode(op, stageKey string) (*domain.WorkflowNode, schema.StageDefinition, error) {
	if err := in.guard(op, stageKey); err != nil {
		return nil, schema.StageDefinition{}, err
	}

	n, err := in.node(stageKey)
	if err != nil {
		return nil, schema.StageDefinition{}, err
	}
	stage, _ := in.Def.Stage(stageKey)

	if !stage.ApprovalRequired {
		return nil, schema.StageDefinition{}, fmt.Errorf("%w: stage %q does not require approval",
			domain.ErrConfiguration, stageKey)
	}
	if n.Status != domain.NodeWaiting {
		return nil, schema.StageDefinition{}, domain.NewTransitionError(op, stageKey, n.Status, domain.NodeWaiting)
	}

	return n, stage, nil
}

func (in *Instance) feedbackFor(stage schema.StageDefinition, now time.Time) *domain.FeedbackSignal {
	if stage.FeedbackTarget == "" {
		return nil
	}
	return &domain.FeedbackSignal{
		ID:         uuid.New(),
		WorkflowID: in.Workflow.ID,
		FromStage:  stage.Key,
		ToStage:    stage.FeedbackTarget,
		Reason:     "stage completed",
		CreatedAt:  now,
	}
}

// Cancel is terminal and idempotent: canceling an already canceled or
// completed workflow is a no-op. A FAILED workflow can still be
// canceled, which closes its retry path for good.
func (in *Instance) Cancel() {
	switch in.Status() {
	case domain.WorkflowComplete, domain.WorkflowCanceled:
		return
	}
	canceled := domain.WorkflowCanceled
	in.Workflow.OverrideStatus = &canceled
}

func (in *Instance) Pause() error {
	switch status := in.Status(); status {
	case domain.WorkflowComplete, domain.WorkflowCanceled:
		return fmt.Errorf("%w: pause: workflow is %s", domain.ErrInvalidTransition, status)
	case domain.WorkflowPaused:
		return nil
	}
	paused := domain.WorkflowPaused
	in.Workflow.OverrideStatus = &paused
	return nil
}

func (in *Instance) Resume() error {
	if in.Status() != domain.WorkflowPaused {
		return fmt.Errorf("%w: resume: workflow is %s", domain.ErrInvalidTransition, in.Status())
	}
	in.Workflow.OverrideStatus = nil
	return nil
}
