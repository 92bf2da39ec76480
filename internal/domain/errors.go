// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidTransition = errors.New("invalid transition")
var ErrConfiguration = errors.New("schema configuration error")
var ErrNotFound = errors.New("not found")
var ErrStaleWrite = errors.New("stale settings write")
var ErrUnknownPipeline = errors.New("unknown pipeline schema")
var ErrInvalidAPIKeyName = errors.New("invalid api key name")

// TransitionError reports which precondition a rejected operation
// failed: the node's current status versus the statuses the operation
// requires. It unwraps to ErrInvalidTransition.
type TransitionError struct {
	Op       string
	StageKey string
	Current  NodeStatus
	Required []NodeStatus
}

func (e *TransitionError) Error() string {
	req := make([]string, 0, len(e.Required))
	for _, s := range e.Required {
		req = append(req, string(s))
	}
	return fmt.Sprintf("%s %s: node is %s, requires %s",
		e.Op, e.StageKey, e.Current, strings.Join(req, " or "))
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func NewTransitionError(op, stageKey string, current NodeStatus, required ...NodeStatus) error {
	return &TransitionError{Op: op, StageKey: stageKey, Current: current, Required: required}
}
