// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/mirelo/stagehand/internal/domain"
	"github.com/mirelo/stagehand/internal/schema"
)

// CurrentStage derives the active frontier of a workflow from its node
// states. It is a pure function: nodes are read in schema order and the
// result is never stored.
//
// Priority: an active node (RUNNING or WAITING_APPROVAL) wins over the
// frontier rule; among active nodes the earliest in schema order wins.
// With no active node the current stage is the earliest node that is
// not COMPLETED. When every node is COMPLETED there is no current
// stage and ok is false.
func CurrentStage(def schema.Definition, nodes []domain.WorkflowNode) (string, bool) {
	ordered := inSchemaOrder(def, nodes)

	for _, n := range ordered {
		if n.Status.Active() {
			return n.StageKey, true
		}
	}
	for _, n := range ordered {
		if n.Status != domain.NodeComplete {
			return n.StageKey, true
		}
	}
	return "", false
}

// DeriveStatus computes the workflow-level status from node states.
// An explicit override (CANCELED or PAUSED) is authoritative and
// short-circuits the derivation until cleared.
func DeriveStatus(wf domain.Workflow, def schema.Definition, nodes []domain.WorkflowNode) domain.WorkflowStatus {
	if wf.OverrideStatus != nil {
		return *wf.OverrideStatus
	}

	ordered := inSchemaOrder(def, nodes)

	allComplete := true
	anyLeftPending := false
	anyRunning := false
	anyWaiting := false
	for _, n := range ordered {
		switch n.Status {
		case domain.NodeRunning:
			anyRunning = true
		case domain.NodeWaiting:
			anyWaiting = true
		}
		if n.Status != domain.NodeComplete {
			allComplete = false
		}
		if n.Status != domain.NodePending {
			anyLeftPending = true
		}
	}

	switch {
	case allComplete:
		return domain.WorkflowComplete
	case anyRunning:
		return domain.WorkflowRunning
	case anyWaiting:
		return domain.WorkflowWaiting
	}

	// FAILED only when the current node failed an actual run. A FAILED
	// node whose started_at was cleared is a rejected gate with its
	// retry still in flight; the workflow stays in progress until the
	// gate is re-run.
	if current, ok := CurrentStage(def, ordered); ok {
		for _, n := range ordered {
			if n.StageKey == current && n.Status == domain.NodeFailed && n.StartedAt != nil {
				return domain.WorkflowFailed
			}
		}
	}

	if !anyLeftPending {
		return domain.WorkflowPending
	}

	// Some stages are done, nothing is executing, nothing has failed:
	// the workflow is between stages and still in flight.
	return domain.WorkflowRunning
}

func inSchemaOrder(def schema.Definition, nodes []domain.WorkflowNode) []domain.WorkflowNode {
	ordered := make([]domain.WorkflowNode, 0, len(nodes))
	for _, s := range def.Stages {
		for _, n := range nodes {
			if n.StageKey == s.Key {
				ordered = append(ordered, n)
				break
			}
		}
	}
	return ordered
}
