package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_StartFinish(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.Start(ctx, TaskRun{Name: "001-setup.md", Source: SourceQueue})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, StatusRunning, run.Status)

	require.NoError(t, s.Finish(ctx, run.ID, StatusFailed, 2, "/q/results/001-setup.log", "exit 2"))

	runs, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	got := runs[0]
	assert.Equal(t, "001-setup.md", got.Name)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.ExitCode)
	assert.Equal(t, "/q/results/001-setup.log", got.ResultPath)
	assert.False(t, got.FinishedAt.IsZero())
	assert.GreaterOrEqual(t, got.Duration(), time.Duration(0))

	assert.Error(t, s.Finish(ctx, "missing", StatusCompleted, 0, "", ""))
}

func TestStore_FinishStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Start(ctx, TaskRun{Name: "003-a.md", Source: SourceQueue})
	require.NoError(t, err)
	_, err = s.Start(ctx, TaskRun{Name: "003-a.md", Source: SourcePool})
	require.NoError(t, err)
	done, err := s.Start(ctx, TaskRun{Name: "003-a.md", Source: SourceQueue})
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, done.ID, StatusCompleted, 0, "", ""))

	n, err := s.FinishStale(ctx, SourceQueue, "003-a.md", StatusFailed, -1, "/q/results/003-a.log", "interrupted")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	running, err := s.List(ctx, Filter{Status: StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, SourcePool, running[0].Source)

	n, err = s.FinishStale(ctx, SourceQueue, "003-a.md", StatusFailed, -1, "", "interrupted")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_ListFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := []TaskRun{
		{Name: "a.md", Source: SourceQueue, Status: StatusCompleted, StartedAt: base, FinishedAt: base.Add(time.Minute)},
		{Name: "b.md", Source: SourceQueue, Status: StatusFailed, ExitCode: 1, StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour + 30*time.Second)},
		{Name: "#42", Source: SourcePool, Worker: "w1", Status: StatusCompleted, StartedAt: base.Add(2 * time.Hour), FinishedAt: base.Add(3 * time.Hour)},
	}
	for _, r := range seed {
		_, err := s.Record(ctx, r)
		require.NoError(t, err)
	}

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a.md", "b.md", "#42"}, []string{all[0].Name, all[1].Name, all[2].Name})
	assert.Equal(t, time.Minute, all[0].Duration())
	assert.Equal(t, "w1", all[2].Worker)

	failed, err := s.List(ctx, Filter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b.md", failed[0].Name)

	pool, err := s.List(ctx, Filter{Source: SourcePool})
	require.NoError(t, err)
	assert.Len(t, pool, 1)

	recent, err := s.List(ctx, Filter{Since: base.Add(30 * time.Minute), Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "b.md", recent[0].Name)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Record(context.Background(), TaskRun{Name: "x", Source: SourceQueue, Status: StatusCompleted, StartedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}
