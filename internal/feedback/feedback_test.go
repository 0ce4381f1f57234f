package feedback

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "feedback.md"))
	s.now = func() time.Time { return time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC) }
	return s
}

func TestAddAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Add(ctx, "  Stop touching the generated files.  ")
	require.NoError(t, err)
	second, err := s.Add(ctx, "Prefer table-driven tests.\n\nKeep them short.")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# Looper Feedback\n"))
	assert.Contains(t, string(data), "## [open] "+first.ID+" 2026-10-17T09:30:00Z\n")

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, "Stop touching the generated files.", entries[0].Body)
	assert.Equal(t, StatusOpen, entries[0].Status)
	assert.Equal(t, "Prefer table-driven tests.\n\nKeep them short.", entries[1].Body)
	assert.True(t, entries[1].CreatedAt.Equal(s.now()))
}

func TestAdd_EmptyBody(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(context.Background(), "   ")
	assert.Error(t, err)
}

func TestList_MissingFile(t *testing.T) {
	s := newTestStore(t)
	entries, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestList_CodeBlockDoesNotSplitEntries(t *testing.T) {
	s := newTestStore(t)
	content := "# Looper Feedback\n\n" +
		"## [open] aaaa1111 2026-10-17T09:30:00Z\n" +
		"Use this template:\n\n" +
		"```\n## [open] fake 2026-01-01T00:00:00Z\n```\n\n" +
		"## Notes\n" +
		"free-form section\n\n" +
		"## [resolved] bbbb2222 2026-10-16T08:00:00Z\n" +
		"Old note.\n"
	require.NoError(t, os.WriteFile(s.Path(), []byte(content), 0644))

	entries, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "aaaa1111", entries[0].ID)
	assert.Contains(t, entries[0].Body, "## [open] fake")
	assert.NotContains(t, entries[0].Body, "free-form")
	assert.Equal(t, StatusResolved, entries[1].Status)
	assert.Equal(t, "Old note.", entries[1].Body)
}

func TestList_InvalidTimestamp(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("## [open] abc yesterday\nbody\n"), 0644))

	_, err := s.List(context.Background())
	assert.ErrorContains(t, err, "invalid timestamp")
}

func TestResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Add(ctx, "first")
	require.NoError(t, err)
	second, err := s.Add(ctx, "second")
	require.NoError(t, err)

	resolved, err := s.Resolve(ctx, first.ID[:4])
	require.NoError(t, err)
	assert.Equal(t, first.ID, resolved.ID)
	assert.Equal(t, StatusResolved, resolved.Status)

	open, err := s.Open(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "first", all[0].Body)

	_, err = s.Resolve(ctx, "zzzzzzzz")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdd_Concurrent(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "feedback.md"))
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Add(ctx, "note")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, writers)
}
