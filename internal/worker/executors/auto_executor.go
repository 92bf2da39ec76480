// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AutoExecutor handles mechanical stages (scheduling, publishing,
// reporting) that need no model call.
type AutoExecutor struct{}

func (e *AutoExecutor) Execute(
	ctx context.Context,
	workflowID uuid.UUID,
	stageKey string,
) (json.RawMessage, error) {

	timer := time.NewTimer(200 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return json.RawMessage(`{
		"type":"auto",
		"text":"automatic stage ok"
	}`), nil
}
