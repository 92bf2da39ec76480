// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowStatusTerminal(t *testing.T) {
	terminal := []WorkflowStatus{WorkflowComplete, WorkflowFailed, WorkflowCanceled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s", s)
	}

	open := []WorkflowStatus{WorkflowPending, WorkflowRunning, WorkflowWaiting, WorkflowPaused}
	for _, s := range open {
		assert.False(t, s.Terminal(), "%s", s)
	}
}
