// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// StageExecutor performs the work of one claimed stage and returns the
// output payload to record on the node.
type StageExecutor interface {
	Execute(ctx context.Context, workflowID uuid.UUID, stageKey string) (json.RawMessage, error)
}
