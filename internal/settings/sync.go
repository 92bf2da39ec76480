// SPDX-License-Identifier: Apache-2.0

// Package settings buffers per-stage configuration edits and persists
// them with debounced writes. A burst of edits produces exactly one
// write carrying the final merged value; server snapshots never
// overwrite a stage that has local edits pending or in flight.
package settings

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultDebounce = 500 * time.Millisecond

// Writer persists the merged settings for one stage of one workflow.
type Writer interface {
	WriteStageSettings(ctx context.Context, workflowID uuid.UUID, stageKey string, values map[string]any) error
}

type stageBuffer struct {
	values   map[string]any
	dirty    bool
	inFlight bool
	timer    *time.Timer
}

// Synchronizer coalesces edits per workflow/stage. It assumes a single
// authoring user per workflow; concurrent editors are out of contract.
type Synchronizer struct {
	writer   Writer
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	buffers map[uuid.UUID]map[string]*stageBuffer
}

func New(writer Writer, debounce time.Duration, logger *slog.Logger) *Synchronizer {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Synchronizer{
		writer:   writer,
		debounce: debounce,
		logger:   logger,
		buffers:  make(map[uuid.UUID]map[string]*stageBuffer, 8),
	}
}

// Set merges one key into the stage's local buffer and restarts the
// quiescence timer. Only the final merged value of a burst is written.
func (s *Synchronizer) Set(workflowID uuid.UUID, stageKey, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffer(workflowID, stageKey)
	buf.values[key] = value
	buf.dirty = true

	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(s.debounce, func() {
		s.flushStage(context.Background(), workflowID, stageKey)
	})
}

// Get returns a copy of the locally buffered values for a stage.
func (s *Synchronizer) Get(workflowID uuid.UUID, stageKey string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	stages, ok := s.buffers[workflowID]
	if !ok {
		return nil
	}
	buf, ok := stages[stageKey]
	if !ok {
		return nil
	}

	out := make(map[string]any, len(buf.values))
	maps.Copy(out, buf.values)
	return out
}

// ApplySnapshot reconciles a fetched server snapshot into local state.
// The local buffer stays authoritative for any stage with pending or
// in-flight edits; for those, server values merge in only where the
// key has no local edit.
func (s *Synchronizer) ApplySnapshot(workflowID uuid.UUID, snapshot map[string]map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for stageKey, serverValues := range snapshot {
		buf := s.buffer(workflowID, stageKey)
		if buf.dirty || buf.inFlight {
			for k, v := range serverValues {
				if _, edited := buf.values[k]; !edited {
					buf.values[k] = v
				}
			}
			continue
		}
		buf.values = make(map[string]any, len(serverValues))
		maps.Copy(buf.values, serverValues)
	}
}

// Flush forces every pending buffer out immediately, for shutdown.
func (s *Synchronizer) Flush(ctx context.Context) {
	s.mu.Lock()
	type target struct {
		workflowID uuid.UUID
		stageKey   string
	}
	pending := make([]target, 0, 4)
	for workflowID, stages := range s.buffers {
		for stageKey, buf := range stages {
			if buf.dirty {
				if buf.timer != nil {
					buf.timer.Stop()
				}
				pending = append(pending, target{workflowID, stageKey})
			}
		}
	}
	s.mu.Unlock()

	for _, t := range pending {
		s.flushStage(ctx, t.workflowID, t.stageKey)
	}
}

func (s *Synchronizer) buffer(workflowID uuid.UUID, stageKey string) *stageBuffer {
	stages, ok := s.buffers[workflowID]
	if !ok {
		stages = make(map[string]*stageBuffer, 4)
		s.buffers[workflowID] = stages
	}
	buf, ok := stages[stageKey]
	if !ok {
		buf = &stageBuffer{values: make(map[string]any, 8)}
		stages[stageKey] = buf
	}
	return buf
}

func (s *Synchronizer) flushStage(ctx context.Context, workflowID uuid.UUID, stageKey string) {
	s.mu.Lock()
	stages, ok := s.buffers[workflowID]
	if !ok {
		s.mu.Unlock()
		return
	}
	buf, ok := stages[stageKey]
	if !ok || !buf.dirty || buf.inFlight {
		s.mu.Unlock()
		return
	}

	values := make(map[string]any, len(buf.values))
	maps.Copy(values, buf.values)
	buf.dirty = false
	buf.inFlight = true
	s.mu.Unlock()

	err := s.writer.WriteStageSettings(ctx, workflowID, stageKey, values)

	s.mu.Lock()
	buf.inFlight = false
	if err != nil {
		// Keep the buffer authoritative; the next edit or Flush retries.
		buf.dirty = true
		s.mu.Unlock()
		s.logger.Error("stage settings write failed",
			"workflow_id", workflowID,
			"stage", stageKey,
			"error", err,
		)
		return
	}
	s.mu.Unlock()

	s.logger.Debug("stage settings written",
		"workflow_id", workflowID,
		"stage", stageKey,
		"keys", len(values),
	)
}
