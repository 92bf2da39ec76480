// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mirelo/stagehand/internal/auth"
)

var ErrMissingAPIKeyID = errors.New("missing api key id in context")

// apiKeyIDFromContext reads the tenant for row scoping. Every workflow
// and timeline query filters on it; a context without a key is a
// programming error surfaced as ErrMissingAPIKeyID, never a fallback
// to an unscoped query.
func apiKeyIDFromContext(ctx context.Context) (uuid.UUID, error) {
	id, ok := auth.APIKeyIDFromContext(ctx)
	if !ok {
		return uuid.Nil, ErrMissingAPIKeyID
	}
	return id, nil
}
