package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/looper/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testDescriptor() Descriptor {
	return Descriptor{
		RequestID:        "req-1",
		Instruction:      "fix the failing tests",
		Subagent:         models.SubagentClaude,
		Backend:          models.BackendScript,
		WorkingDirectory: "/work",
		MaxIterations:    5,
	}
}

func TestNewStore(t *testing.T) {
	tests := []struct {
		name    string
		dbPath  string
		wantErr bool
	}{
		{
			name:   "creates database successfully",
			dbPath: filepath.Join(t.TempDir(), "test.db"),
		},
		{
			name:   "handles in-memory database",
			dbPath: ":memory:",
		},
		{
			name:   "creates parent directories if needed",
			dbPath: filepath.Join(t.TempDir(), "nested", "dir", "test.db"),
		},
		{
			name:    "returns error for invalid path",
			dbPath:  "/proc/looper-invalid/db.db",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.dbPath)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer store.Close()

			version, err := store.GetLatestVersion()
			require.NoError(t, err)
			assert.Equal(t, len(migrations), version)
			assert.Equal(t, tt.dbPath, store.dbPath)
		})
	}
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ApplyMigrations(ctx))
	require.NoError(t, store.ApplyMigrations(ctx))

	version, err := store.GetLatestVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestCreateAndGetSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := testDescriptor()
	d.Model = "sonnet"
	sess, err := store.CreateSession(ctx, d)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, d, got.Descriptor)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Outcome)
	assert.WithinDuration(t, sess.CreatedAt, got.CreatedAt, time.Second)
}

func TestGetSession_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testDescriptor())
	require.NoError(t, err)

	stats := models.Statistics{
		TotalIterations:      3,
		SuccessfulIterations: 2,
		FailedIterations:     1,
		RateLimitWaitTime:    90 * time.Second,
		ErrorBreakdown:       map[string]int{"transient:timeout": 1},
	}
	require.NoError(t, store.CompleteSession(ctx, sess.ID, Outcome{
		Success:    true,
		Output:     "all done",
		FinalState: models.StatusCompleted,
		Statistics: &stats,
	}))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Outcome)
	assert.True(t, got.Outcome.Success)
	assert.Equal(t, "all done", got.Outcome.Output)
	assert.Equal(t, models.StatusCompleted, got.Outcome.FinalState)
	require.NotNil(t, got.Outcome.Statistics)
	assert.Equal(t, stats, *got.Outcome.Statistics)

	err = store.CompleteSession(ctx, "missing", Outcome{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, testDescriptor())
	require.NoError(t, err)

	require.NoError(t, store.AddHistoryEntry(ctx, sess.ID, Entry{Type: EntryProgress, Content: "reading", Iteration: 1}))
	require.NoError(t, store.AddHistoryEntry(ctx, sess.ID, Entry{
		Type:      EntryIteration,
		Content:   "done",
		Iteration: 1,
		Data:      map[string]any{"success": true},
	}))

	entries, err := store.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryProgress, entries[0].Type)
	assert.Nil(t, entries[0].Data)
	assert.Equal(t, EntryIteration, entries[1].Type)
	assert.Equal(t, map[string]any{"success": true}, entries[1].Data)
	assert.Less(t, entries[0].ID, entries[1].ID)

	err = store.AddHistoryEntry(ctx, "missing", Entry{Type: EntryError})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := store.CreateSession(ctx, testDescriptor())
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}

	all, err := store.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)

	limited, err := store.ListSessions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestOutcomeFor(t *testing.T) {
	result := &models.ExecutionResult{
		Status: models.StatusFailed,
		Iterations: []models.IterationResult{
			{IterationNumber: 1, Success: true, ToolResult: &models.ToolResult{Content: "first"}},
			{IterationNumber: 2, Error: &models.IterationError{Message: "exit status 2"}},
		},
		Error:      &models.IterationError{Message: "exit status 2"},
		Statistics: models.Statistics{TotalIterations: 2},
	}

	o := OutcomeFor(result)
	assert.False(t, o.Success)
	assert.Equal(t, models.StatusFailed, o.FinalState)
	assert.Equal(t, "first", o.Output)
	assert.Equal(t, "exit status 2", o.Error)
	require.NotNil(t, o.Statistics)
	assert.NotNil(t, o.Statistics.ErrorBreakdown)
}
