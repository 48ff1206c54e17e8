package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeanhaley32/sapphire-bee/internal/history"
)

type staticLister []history.TaskRun

func (s staticLister) List(_ context.Context, f history.Filter) ([]history.TaskRun, error) {
	var out []history.TaskRun
	for _, r := range s {
		if f.Source != "" && r.Source != f.Source {
			continue
		}
		if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func TestBuildAndRender(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "002-broken.log")
	var log strings.Builder
	for i := 1; i <= 30; i++ {
		fmt.Fprintf(&log, "line %d\n", i)
	}
	require.NoError(t, os.WriteFile(logPath, []byte(log.String()), 0644))

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	runs := staticLister{
		{Name: "001-setup.md", Source: history.SourceQueue, Status: history.StatusCompleted, StartedAt: base, FinishedAt: base.Add(2 * time.Minute)},
		{Name: "002-broken.md", Source: history.SourceQueue, Status: history.StatusFailed, ExitCode: 1, StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour + 4*time.Minute), ResultPath: logPath, Detail: "exit code 1"},
		{Name: "#12 Add menu", Source: history.SourcePool, Worker: "bee-1", Status: history.StatusRunning, StartedAt: base.Add(2 * time.Hour)},
	}

	r, err := Build(context.Background(), runs, Options{TailLines: 5, Now: func() time.Time { return base.Add(3 * time.Hour) }})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 1, r.Completed)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Running)
	assert.Equal(t, 3*time.Minute, r.MeanDuration)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, "line 26\nline 27\nline 28\nline 29\nline 30", r.Failures[0].Tail)

	var out bytes.Buffer
	require.NoError(t, WriteMarkdown(&out, r))
	md := out.String()
	assert.Contains(t, md, "# bee task report")
	assert.Contains(t, md, "| failed | 1 |")
	assert.Contains(t, md, "| **total** | **3** |")
	assert.Contains(t, md, "Success rate: 33%. Mean duration: 3m0s.")
	assert.Contains(t, md, "### 002-broken.md")
	assert.Contains(t, md, "- detail: exit code 1")
	assert.Contains(t, md, "line 30\n```")
	assert.NotContains(t, md, "line 25\n")
	assert.Contains(t, md, "| 2026-04-01 11:00:00Z | #12 Add menu | pool | running | 0 | 0s |")

	pool, err := Build(context.Background(), runs, Options{Source: history.SourcePool})
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Total)
	assert.Empty(t, pool.Failures)
}

func TestRender_Empty(t *testing.T) {
	r, err := Build(context.Background(), staticLister{}, Options{})
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, WriteMarkdown(&out, r))
	assert.Contains(t, out.String(), "Success rate: 0%.")
	assert.NotContains(t, out.String(), "## Failures")
	assert.NotContains(t, out.String(), "## Runs")
}
