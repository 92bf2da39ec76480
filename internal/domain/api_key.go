// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxConcurrentWorkflows = 5
	DefaultMaxRequestsPerMin      = 60
)

type CreateAPIKeyParams struct {
	Name                   string
	Role                   Role
	MaxConcurrentWorkflows int
	MaxRequestsPerMin      int
}

type CreatedAPIKey struct {
	ID    uuid.UUID
	Token string
}

type APIKeyRecord struct {
	ID                     uuid.UUID `json:"id"`
	Name                   string    `json:"name"`
	Role                   Role      `json:"role"`
	MaxConcurrentWorkflows int       `json:"max_concurrent_workflows"`
	MaxRequestsPerMin      int       `json:"max_requests_per_min"`
	CreatedAt              time.Time `json:"created_at"`
}
