// SPDX-License-Identifier: Apache-2.0

// Package schema holds the static, ordered description of a pipeline's
// stages. Definitions are validated once at registration and immutable
// afterwards; the engine is parameterized by a Definition and has no
// knowledge of any concrete pipeline.
package schema

import (
	"fmt"

	"github.com/mirelo/stagehand/internal/domain"
)

// StageDefinition describes one step of a pipeline: who executes it,
// whether a human must sign off, and where rejection or advisory
// feedback routes to. A reject target points strictly before the stage
// in schema order; a feedback target points at-or-before it.
type StageDefinition struct {
	Key              string              `json:"key" yaml:"key"`
	Label            string              `json:"label" yaml:"label"`
	ExecutorKind     domain.ExecutorKind `json:"executor_kind" yaml:"executor_kind"`
	Description      string              `json:"description,omitempty" yaml:"description,omitempty"`
	ApprovalRequired bool                `json:"approval_required" yaml:"approval_required"`
	RejectTarget     string              `json:"reject_target,omitempty" yaml:"reject_target,omitempty"`
	FeedbackTarget   string              `json:"feedback_target,omitempty" yaml:"feedback_target,omitempty"`
}

type Definition struct {
	Name   string            `json:"name" yaml:"name"`
	Stages []StageDefinition `json:"stages" yaml:"stages"`
}

func (d Definition) Len() int {
	return len(d.Stages)
}

// Index returns the position of a stage key in schema order.
func (d Definition) Index(key string) (int, bool) {
	for i, s := range d.Stages {
		if s.Key == key {
			return i, true
		}
	}
	return 0, false
}

func (d Definition) Stage(key string) (StageDefinition, bool) {
	i, ok := d.Index(key)
	if !ok {
		return StageDefinition{}, false
	}
	return d.Stages[i], true
}

// Validate enforces the schema invariants at load time so they cannot
// surface mid-workflow: unique non-empty keys, known executor kinds,
// targets that exist and do not point forward, a reject target on
// every approval gate, and no gate rejecting to itself (a rollback
// must have an earlier stage to rework).
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: schema has no name", domain.ErrConfiguration)
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("%w: schema %q has no stages", domain.ErrConfiguration, d.Name)
	}

	seen := make(map[string]struct{}, len(d.Stages))
	for i, s := range d.Stages {
		if s.Key == "" {
			return fmt.Errorf("%w: schema %q stage %d has empty key", domain.ErrConfiguration, d.Name, i)
		}
		if _, dup := seen[s.Key]; dup {
			return fmt.Errorf("%w: schema %q has duplicate stage key %q", domain.ErrConfiguration, d.Name, s.Key)
		}
		seen[s.Key] = struct{}{}

		switch s.ExecutorKind {
		case domain.ExecutorHuman, domain.ExecutorAgent, domain.ExecutorAuto:
		default:
			return fmt.Errorf("%w: schema %q stage %q has unknown executor kind %q",
				domain.ErrConfiguration, d.Name, s.Key, s.ExecutorKind)
		}

		if err := d.checkTarget(i, s.Key, "reject_target", s.RejectTarget); err != nil {
			return err
		}
		if s.RejectTarget == s.Key {
			return fmt.Errorf("%w: schema %q stage %q reject_target refers to itself",
				domain.ErrConfiguration, d.Name, s.Key)
		}
		if err := d.checkTarget(i, s.Key, "feedback_target", s.FeedbackTarget); err != nil {
			return err
		}

		if s.ApprovalRequired && s.RejectTarget == "" {
			return fmt.Errorf("%w: schema %q stage %q requires approval but declares no reject_target",
				domain.ErrConfiguration, d.Name, s.Key)
		}
	}

	return nil
}

func (d Definition) checkTarget(stageIndex int, stageKey, kind, target string) error {
	if target == "" {
		return nil
	}
	targetIndex, ok := d.Index(target)
	if !ok {
		return fmt.Errorf("%w: schema %q stage %q %s %q does not exist",
			domain.ErrConfiguration, d.Name, stageKey, kind, target)
	}
	if targetIndex > stageIndex {
		return fmt.Errorf("%w: schema %q stage %q %s %q is a forward reference",
			domain.ErrConfiguration, d.Name, stageKey, kind, target)
	}
	return nil
}
