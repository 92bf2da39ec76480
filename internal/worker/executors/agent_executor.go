// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentExecutor is a placeholder for LLM-agent stage work. It simulates
// latency and returns a canned payload; a real deployment swaps this
// for a client of the agent service.
type AgentExecutor struct{}

func (e *AgentExecutor) Execute(
	ctx context.Context,
	workflowID uuid.UUID,
	stageKey string,
) (json.RawMessage, error) {

	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return json.RawMessage(`{
		"type":"agent",
		"text":"agent stage output"
	}`), nil
}
