package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeanhaley32/sapphire-bee/internal/agent"
	"github.com/jeanhaley32/sapphire-bee/internal/history"
	"github.com/jeanhaley32/sapphire-bee/internal/lock"
	"github.com/jeanhaley32/sapphire-bee/internal/logging"
)

// fakeRunner exits 1 for prompts containing "fail", blocks until the context
// ends for prompts containing "hang", and records prompts in call order.
type fakeRunner struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, req agent.Request) (agent.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()

	if f.err != nil {
		return agent.Result{ExitCode: -1}, f.err
	}
	if strings.Contains(req.Prompt, "hang") {
		<-ctx.Done()
		return agent.Result{ExitCode: -1, TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded)}, ctx.Err()
	}
	fmt.Fprintf(req.Output, "agent saw: %s\n", req.Prompt)
	if strings.Contains(req.Prompt, "fail") {
		return agent.Result{ExitCode: 1}, nil
	}
	return agent.Result{ExitCode: 0, Duration: time.Millisecond}, nil
}

func (f *fakeRunner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func newTestWatcher(t *testing.T, r agent.Runner) *Watcher {
	t.Helper()
	root := t.TempDir()
	store, err := history.Open(filepath.Join(root, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &Watcher{
		Layout:  Layout{Root: root},
		Runner:  r,
		History: store,
		Logger:  logging.Discard(),
	}
}

func writeTask(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLayout_EnqueueListRetry(t *testing.T) {
	l := Layout{Root: t.TempDir()}

	path, err := l.Enqueue("001-setup.md", []byte("set things up"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.Queue(), "001-setup.md"), path)

	_, err = l.Enqueue("001-setup.md", []byte("again"))
	assert.Error(t, err)

	for _, bad := range []string{"", "../escape.md", "sub/dir.md", ".hidden", "draft.tmp"} {
		_, err := l.Enqueue(bad, []byte("x"))
		assert.Error(t, err, bad)
	}

	writeTask(t, l.Failed(), "000-old.md", "old")
	snap, err := l.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"001-setup.md"}, snap.Queued)
	assert.Equal(t, []string{"000-old.md"}, snap.Failed)
	assert.Empty(t, snap.Completed)

	require.NoError(t, l.Retry("000-old.md"))
	snap, err = l.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"000-old.md", "001-setup.md"}, snap.Queued)
	assert.Empty(t, snap.Failed)

	assert.Error(t, l.Retry("000-old.md"))
}

func TestStem(t *testing.T) {
	assert.Equal(t, "001-setup", Stem("001-setup.md"))
	assert.Equal(t, "task", Stem("task"))
	assert.Equal(t, "a.b", Stem("a.b.txt"))
}

func TestWatcher_RunOnceProcessesInOrder(t *testing.T) {
	r := &fakeRunner{}
	w := newTestWatcher(t, r)
	require.NoError(t, w.Layout.EnsureLayout())

	writeTask(t, w.Layout.Queue(), "002-build.md", "build it")
	writeTask(t, w.Layout.Queue(), "001-setup.md", "set up")
	writeTask(t, w.Layout.Queue(), "003-broken.md", "this will fail")
	writeTask(t, w.Layout.Queue(), ".hidden.md", "ignored")
	writeTask(t, w.Layout.Queue(), "notes.tmp", "ignored")

	outcomes, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, []string{"set up", "build it", "this will fail"}, r.calls())
	assert.Equal(t, history.StatusCompleted, outcomes[0].Status)
	assert.Equal(t, history.StatusFailed, outcomes[2].Status)
	assert.Equal(t, 1, outcomes[2].ExitCode)

	snap, err := w.Layout.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"001-setup.md", "002-build.md"}, snap.Completed)
	assert.Equal(t, []string{"003-broken.md"}, snap.Failed)
	assert.Empty(t, snap.Processing)
	assert.Empty(t, snap.Queued)

	log, err := os.ReadFile(w.Layout.ResultLog("003-broken.md"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "=== task 003-broken.md started")
	assert.Contains(t, string(log), "agent saw: this will fail")
	assert.Contains(t, string(log), "status=failed exit_code=1")

	runs, err := w.History.List(context.Background(), history.Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, run := range runs {
		assert.Equal(t, history.SourceQueue, run.Source)
		assert.NotEqual(t, history.StatusRunning, run.Status)
	}
}

func TestWatcher_RecoversInterruptedTasks(t *testing.T) {
	r := &fakeRunner{}
	w := newTestWatcher(t, r)
	writeTask(t, w.Layout.Processing(), "001-crashed.md", "half done")

	outcomes, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Empty(t, r.calls())

	snap, err := w.Layout.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"001-crashed.md"}, snap.Failed)
	assert.Empty(t, snap.Processing)

	log, err := os.ReadFile(w.Layout.ResultLog("001-crashed.md"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "interrupted")

	runs, err := w.History.List(context.Background(), history.Filter{Status: history.StatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "interrupted", runs[0].Detail)
}

func TestWatcher_RecoveryClosesStaleRunningRow(t *testing.T) {
	r := &fakeRunner{}
	w := newTestWatcher(t, r)
	ctx := context.Background()

	// The previous watcher started the task and died before finishing it.
	_, err := w.History.Start(ctx, history.TaskRun{Name: "002-crashed.md", Source: history.SourceQueue})
	require.NoError(t, err)
	writeTask(t, w.Layout.Processing(), "002-crashed.md", "half done")

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	runs, err := w.History.List(ctx, history.Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, history.StatusFailed, runs[0].Status)
	assert.Equal(t, -1, runs[0].ExitCode)
	assert.Equal(t, "interrupted", runs[0].Detail)
	assert.Equal(t, w.Layout.ResultLog("002-crashed.md"), runs[0].ResultPath)
}

func TestWatcher_SecondConsumerIsLocked(t *testing.T) {
	w := newTestWatcher(t, &fakeRunner{})
	require.NoError(t, w.Layout.EnsureLayout())

	held := lock.NewFileLock(filepath.Join(w.Layout.Root, LockFile))
	require.NoError(t, held.TryLock())
	defer held.Unlock()

	_, err := w.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrLocked)
}

func TestWatcher_TimeoutAndStartFailureGoToFailed(t *testing.T) {
	w := newTestWatcher(t, &fakeRunner{})
	w.TaskTimeout = 50 * time.Millisecond
	writeTask(t, w.Layout.Queue(), "001-slow.md", "hang forever")

	outcomes, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, history.StatusFailed, outcomes[0].Status)
	assert.Equal(t, -1, outcomes[0].ExitCode)
	log, err := os.ReadFile(outcomes[0].ResultLog)
	require.NoError(t, err)
	assert.Contains(t, string(log), "timed out")

	w2 := newTestWatcher(t, &fakeRunner{err: errors.New("claude: executable not found")})
	writeTask(t, w2.Layout.Queue(), "001-a.md", "anything")
	writeTask(t, w2.Layout.Queue(), "002-empty.md", "")
	outcomes, err = w2.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, history.StatusFailed, o.Status)
	}
	snap, err := w2.Layout.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"001-a.md", "002-empty.md"}, snap.Failed)
}

func TestWatcher_RunPicksUpNewFiles(t *testing.T) {
	r := &fakeRunner{}
	w := newTestWatcher(t, r)
	w.PollInterval = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(w.Layout.Root, LockFile))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err := w.Layout.Enqueue("001-late.md", []byte("late arrival"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		snap, err := w.Layout.List()
		return err == nil && len(snap.Completed) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.Equal(t, []string{"late arrival"}, r.calls())
}
