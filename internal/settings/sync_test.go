// SPDX-License-Identifier: Apache-2.0

package settings

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes []map[string]any
	stages []string
	err    error
}

func (w *recordingWriter) WriteStageSettings(ctx context.Context, workflowID uuid.UUID, stageKey string, values map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	w.writes = append(w.writes, copied)
	w.stages = append(w.stages, stageKey)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func (w *recordingWriter) last() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.writes) == 0 {
		return nil
	}
	return w.writes[len(w.writes)-1]
}

func waitForWrites(t *testing.T, w *recordingWriter, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d writes, got %d", want, w.count())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// A burst of edits inside the debounce window produces exactly one
// write carrying the final merged value.
func TestBurstOfEditsCoalescesIntoOneWrite(t *testing.T) {
	writer := &recordingWriter{}
	s := New(writer, 30*time.Millisecond, testLogger())
	workflowID := uuid.New()

	s.Set(workflowID, "draft", "tone", "casual")
	s.Set(workflowID, "draft", "tone", "formal")
	s.Set(workflowID, "draft", "length", "short")
	s.Set(workflowID, "draft", "tone", "bold")

	waitForWrites(t, writer, 1)

	// Give a stray second flush a chance to fire before asserting.
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, writer.count())

	got := writer.last()
	assert.Equal(t, "bold", got["tone"])
	assert.Equal(t, "short", got["length"])
}

func TestEditsAfterQuiescenceWriteAgain(t *testing.T) {
	writer := &recordingWriter{}
	s := New(writer, 20*time.Millisecond, testLogger())
	workflowID := uuid.New()

	s.Set(workflowID, "draft", "tone", "casual")
	waitForWrites(t, writer, 1)

	s.Set(workflowID, "draft", "tone", "formal")
	waitForWrites(t, writer, 2)

	assert.Equal(t, "formal", writer.last()["tone"])
}

func TestStagesFlushIndependently(t *testing.T) {
	writer := &recordingWriter{}
	s := New(writer, 20*time.Millisecond, testLogger())
	workflowID := uuid.New()

	s.Set(workflowID, "draft", "tone", "casual")
	s.Set(workflowID, "publish", "channel", "blog")

	waitForWrites(t, writer, 2)

	writer.mu.Lock()
	stages := append([]string(nil), writer.stages...)
	writer.mu.Unlock()
	assert.ElementsMatch(t, []string{"draft", "publish"}, stages)
}

func TestFlushForcesPendingWrites(t *testing.T) {
	writer := &recordingWriter{}
	s := New(writer, time.Hour, testLogger())
	workflowID := uuid.New()

	s.Set(workflowID, "draft", "tone", "casual")
	require.Zero(t, writer.count(), "debounce window has not elapsed")

	s.Flush(context.Background())
	require.Equal(t, 1, writer.count())
	assert.Equal(t, "casual", writer.last()["tone"])

	// Nothing dirty left; a second flush writes nothing.
	s.Flush(context.Background())
	assert.Equal(t, 1, writer.count())
}

func TestFailedWriteKeepsBufferDirty(t *testing.T) {
	writer := &recordingWriter{err: errors.New("db down")}
	s := New(writer, time.Hour, testLogger())
	workflowID := uuid.New()

	s.Set(workflowID, "draft", "tone", "casual")
	s.Flush(context.Background())
	require.Zero(t, writer.count())

	// The writer recovers; the buffered value goes out on the next flush.
	writer.mu.Lock()
	writer.err = nil
	writer.mu.Unlock()

	s.Flush(context.Background())
	require.Equal(t, 1, writer.count())
	assert.Equal(t, "casual", writer.last()["tone"])
}

func TestGetReturnsBufferedCopy(t *testing.T) {
	s := New(&recordingWriter{}, time.Hour, testLogger())
	workflowID := uuid.New()

	assert.Nil(t, s.Get(workflowID, "draft"))

	s.Set(workflowID, "draft", "tone", "casual")
	got := s.Get(workflowID, "draft")
	require.Equal(t, map[string]any{"tone": "casual"}, got)

	// Mutating the copy must not leak into the buffer.
	got["tone"] = "clobbered"
	assert.Equal(t, map[string]any{"tone": "casual"}, s.Get(workflowID, "draft"))
}

func TestApplySnapshotRespectsLocalEdits(t *testing.T) {
	s := New(&recordingWriter{}, time.Hour, testLogger())
	workflowID := uuid.New()

	s.Set(workflowID, "draft", "tone", "casual")

	s.ApplySnapshot(workflowID, map[string]map[string]any{
		"draft":   {"tone": "server", "length": "long"},
		"publish": {"channel": "blog"},
	})

	// Dirty stage: local edit wins, unedited server keys merge in.
	draft := s.Get(workflowID, "draft")
	assert.Equal(t, "casual", draft["tone"])
	assert.Equal(t, "long", draft["length"])

	// Clean stage: server state replaces the buffer wholesale.
	publish := s.Get(workflowID, "publish")
	assert.Equal(t, map[string]any{"channel": "blog"}, publish)
}

func TestApplySnapshotReplacesCleanStage(t *testing.T) {
	writer := &recordingWriter{}
	s := New(writer, 15*time.Millisecond, testLogger())
	workflowID := uuid.New()

	s.Set(workflowID, "draft", "tone", "casual")
	waitForWrites(t, writer, 1)

	// After the flush the buffer is clean; the snapshot wins.
	s.ApplySnapshot(workflowID, map[string]map[string]any{
		"draft": {"tone": "server"},
	})
	assert.Equal(t, map[string]any{"tone": "server"}, s.Get(workflowID, "draft"))
}
