// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mirelo/stagehand/internal/domain"
	"github.com/mirelo/stagehand/internal/metrics"
)

// SettingsRepository stores per-stage configuration under
// config->stages-><stage> on the workflow row. Writes merge by key
// rather than replacing the document, so concurrent edits to different
// keys cannot clobber each other.
type SettingsRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewSettingsRepository(pool *pgxpool.Pool, logger *slog.Logger) *SettingsRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &SettingsRepository{
		pool:   pool,
		logger: logger,
	}
}

// GetStageSettings returns the stored values for one stage plus the
// workflow's settings version for stale-write detection.
func (r *SettingsRepository) GetStageSettings(ctx context.Context, workflowID uuid.UUID, stageKey string) (map[string]any, int64, error) {
	apiKeyID, err := apiKeyIDFromContext(ctx)
	if err != nil {
		return nil, 0, err
	}

	var (
		raw     []byte
		version int64
	)
	err = r.pool.QueryRow(ctx, `
		SELECT COALESCE(config->'stages'->$3, '{}'::jsonb), settings_version
		FROM workflows
		WHERE id=$1 AND api_key_id=$2
	`, workflowID, apiKeyID, stageKey).Scan(&raw, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, domain.ErrNotFound
		}
		r.logger.Error("get stage settings failed", "workflow_id", workflowID, "stage", stageKey, "error", err)
		return nil, 0, err
	}

	values := make(map[string]any)
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, 0, err
	}
	return values, version, nil
}

// MergeStageSettings merges values into one stage's settings. With
// baseVersion >= 0 the write is rejected as stale when the stored
// version has moved past it; a negative baseVersion skips the check
// (the debounced synchronizer path, which merges by key and is safe
// without it).
func (r *SettingsRepository) MergeStageSettings(ctx context.Context, workflowID uuid.UUID, stageKey string, values map[string]any, baseVersion int64) (int64, error) {
	apiKeyID, err := apiKeyIDFromContext(ctx)
	if err != nil {
		return 0, err
	}
	return r.merge(ctx, workflowID, &apiKeyID, stageKey, values, baseVersion)
}

// WriteStageSettings implements settings.Writer for the debounced
// synchronizer. The synchronizer runs inside the service, so it is not
// tenant-scoped.
func (r *SettingsRepository) WriteStageSettings(ctx context.Context, workflowID uuid.UUID, stageKey string, values map[string]any) error {
	_, err := r.merge(ctx, workflowID, nil, stageKey, values, -1)
	return err
}

func (r *SettingsRepository) merge(ctx context.Context, workflowID uuid.UUID, apiKeyID *uuid.UUID, stageKey string, values map[string]any, baseVersion int64) (int64, error) {
	encoded, err := json.Marshal(values)
	if err != nil {
		return 0, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx, `
		SELECT settings_version FROM workflows
		WHERE id=$1 AND ($2::uuid IS NULL OR api_key_id=$2)
		FOR UPDATE
	`, workflowID, apiKeyID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}

	if baseVersion >= 0 && version != baseVersion {
		return version, domain.ErrStaleWrite
	}

	_, err = tx.Exec(ctx, `
		UPDATE workflows
		SET config = jsonb_set(
			jsonb_set(config, '{stages}', COALESCE(config->'stages', '{}'::jsonb)),
			ARRAY['stages', $2],
			COALESCE(config->'stages'->$2, '{}'::jsonb) || $3::jsonb
		),
		settings_version = settings_version + 1,
		updated_at = NOW()
		WHERE id=$1
	`, workflowID, stageKey, encoded)
	if err != nil {
		r.logger.Error("merge stage settings failed", "workflow_id", workflowID, "stage", stageKey, "error", err)
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	metrics.IncSettingsFlush()
	r.logger.Debug("stage settings merged",
		"workflow_id", workflowID,
		"stage", stageKey,
		"keys", len(values),
		"version", version+1,
	)

	return version + 1, nil
}
