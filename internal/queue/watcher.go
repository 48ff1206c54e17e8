package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeanhaley32/sapphire-bee/internal/agent"
	"github.com/jeanhaley32/sapphire-bee/internal/constants"
	"github.com/jeanhaley32/sapphire-bee/internal/history"
	"github.com/jeanhaley32/sapphire-bee/internal/lock"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultTaskTimeout  = 30 * time.Minute
)

// Watcher consumes a queue root one task at a time.
type Watcher struct {
	Layout Layout
	Runner agent.Runner
	// History is optional; when set every finished task is recorded.
	History      *history.Store
	Logger       *slog.Logger
	WorkDir      string
	PollInterval time.Duration
	TaskTimeout  time.Duration

	now func() time.Time
}

// Outcome is the final state of one processed task.
type Outcome struct {
	Name      string
	Status    history.Status
	ExitCode  int
	ResultLog string
}

func (w *Watcher) defaults() {
	if w.PollInterval <= 0 {
		w.PollInterval = DefaultPollInterval
	}
	if w.TaskTimeout <= 0 {
		w.TaskTimeout = DefaultTaskTimeout
	}
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
}

// Run processes tasks until ctx is cancelled. Wake-ups come from the poll
// interval and from fsnotify events on queue/; either way tasks run sequentially.
func (w *Watcher) Run(ctx context.Context) error {
	release, err := w.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	nudge := make(chan struct{}, 1)
	if fw, err := fsnotify.NewWatcher(); err != nil {
		w.Logger.Warn("fsnotify unavailable, polling only", "error", err)
	} else {
		defer fw.Close()
		if err := fw.Add(w.Layout.Queue()); err != nil {
			w.Logger.Warn("cannot watch queue directory, polling only", "dir", w.Layout.Queue(), "error", err)
		} else {
			go w.forwardEvents(ctx, fw, nudge)
		}
	}

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	w.Logger.Info("queue watcher started", "root", w.Layout.Root, "poll_interval", w.PollInterval)
	for {
		if _, err := w.drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			w.Logger.Info("queue watcher stopped")
			return nil
		case <-ticker.C:
		case <-nudge:
		}
	}
}

// RunOnce processes the tasks queued right now and returns their outcomes.
func (w *Watcher) RunOnce(ctx context.Context) ([]Outcome, error) {
	release, err := w.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return w.drain(ctx)
}

// acquire takes the single-consumer lock, creates the layout and recovers
// tasks a previous watcher left in processing/.
func (w *Watcher) acquire(ctx context.Context) (func(), error) {
	w.defaults()
	if w.Runner == nil {
		return nil, fmt.Errorf("queue watcher has no agent runner")
	}
	if err := w.Layout.EnsureLayout(); err != nil {
		return nil, err
	}

	fl := lock.NewFileLock(filepath.Join(w.Layout.Root, LockFile))
	if err := fl.TryLock(); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, fmt.Errorf("%s: %w", w.Layout.Root, ErrLocked)
		}
		return nil, err
	}
	release := func() {
		if err := fl.Unlock(); err != nil {
			w.Logger.Warn("failed to release queue lock", "error", err)
		}
	}

	if err := w.recoverInterrupted(ctx); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (w *Watcher) forwardEvents(ctx context.Context, fw *fsnotify.Watcher, nudge chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if ignored(filepath.Base(event.Name)) {
				continue
			}
			w.Logger.Debug("queue event", "op", event.Op.String(), "file", event.Name)
			select {
			case nudge <- struct{}{}:
			default:
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.Logger.Warn("fsnotify error", "error", err)
		}
	}
}

// recoverInterrupted moves files stranded in processing/ to failed/. They are
// never retried automatically.
func (w *Watcher) recoverInterrupted(ctx context.Context) error {
	names, err := taskFiles(w.Layout.Processing())
	if err != nil {
		return err
	}
	for _, name := range names {
		now := w.now()
		logPath := w.Layout.ResultLog(name)
		if err := appendResultLog(logPath, name, now, func(f io.Writer) {
			fmt.Fprintf(f, "interrupted: found in %s at startup; the previous watcher stopped mid-task\n", constants.ProcessingDir)
		}, footer{Status: history.StatusFailed, ExitCode: -1, Finished: now}); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(w.Layout.Processing(), name), filepath.Join(w.Layout.Failed(), name)); err != nil {
			return fmt.Errorf("failed to recover %s: %w", name, err)
		}
		w.recordInterrupted(ctx, name, now, logPath)
		w.Logger.Warn("recovered interrupted task", "task", name, "moved_to", constants.FailedDir)
	}
	return nil
}

// drain processes every task currently in queue/, in name order.
func (w *Watcher) drain(ctx context.Context) ([]Outcome, error) {
	names, err := taskFiles(w.Layout.Queue())
	if err != nil {
		return nil, err
	}
	var outcomes []Outcome
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		out, ok, err := w.process(ctx, name)
		if err != nil {
			return outcomes, err
		}
		if ok {
			outcomes = append(outcomes, out)
		}
	}
	return outcomes, nil
}

// process claims one task by renaming it into processing/ and runs it. ok is
// false when another consumer got there first.
func (w *Watcher) process(ctx context.Context, name string) (Outcome, bool, error) {
	processing := filepath.Join(w.Layout.Processing(), name)
	if err := os.Rename(filepath.Join(w.Layout.Queue(), name), processing); err != nil {
		if os.IsNotExist(err) {
			w.Logger.Debug("task vanished before pickup", "task", name)
			return Outcome{}, false, nil
		}
		return Outcome{}, false, fmt.Errorf("failed to claim %s: %w", name, err)
	}

	started := w.now()
	logPath := w.Layout.ResultLog(name)
	run := history.TaskRun{Name: name, Source: history.SourceQueue, StartedAt: started, ResultPath: logPath}
	if w.History != nil {
		var err error
		if run, err = w.History.Start(ctx, run); err != nil {
			w.Logger.Warn("history start failed", "task", name, "error", err)
			run.ID = ""
		}
	}
	w.Logger.Info("task started", "task", name)

	res, detail := w.invoke(ctx, processing, logPath, started)

	status := history.StatusCompleted
	dest := w.Layout.Completed()
	if res.ExitCode != 0 {
		status = history.StatusFailed
		dest = w.Layout.Failed()
	}
	finished := w.now()
	if err := appendFooter(logPath, footer{Status: status, ExitCode: res.ExitCode, Finished: finished, Duration: res.Duration, Detail: detail}); err != nil {
		w.Logger.Warn("failed to finish result log", "task", name, "error", err)
	}
	if err := os.Rename(processing, filepath.Join(dest, name)); err != nil {
		return Outcome{}, false, fmt.Errorf("failed to move %s to %s: %w", name, filepath.Base(dest), err)
	}

	if w.History != nil && run.ID != "" {
		if err := w.History.Finish(context.WithoutCancel(ctx), run.ID, status, res.ExitCode, logPath, detail); err != nil {
			w.Logger.Warn("history finish failed", "task", name, "error", err)
		}
	}

	attrs := []any{"task", name, "status", status, "exit_code", res.ExitCode, "duration", res.Duration.Round(time.Millisecond)}
	if status == history.StatusFailed {
		w.Logger.Warn("task failed", append(attrs, "detail", detail)...)
	} else {
		w.Logger.Info("task completed", attrs...)
	}
	return Outcome{Name: name, Status: status, ExitCode: res.ExitCode, ResultLog: logPath}, true, nil
}

// invoke runs the agent for the task at path, streaming its output into the
// result log. Any failure to produce a clean exit yields a non-zero ExitCode.
func (w *Watcher) invoke(ctx context.Context, path, logPath string, started time.Time) (agent.Result, string) {
	f, err := openResultLog(logPath, filepath.Base(path), started)
	if err != nil {
		return agent.Result{ExitCode: -1}, err.Error()
	}
	defer f.Close()

	prompt, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(f, "error: %v\n", err)
		return agent.Result{ExitCode: -1}, fmt.Sprintf("read task: %v", err)
	}
	if len(prompt) == 0 {
		fmt.Fprintln(f, "task file is empty")
		return agent.Result{ExitCode: -1}, "empty task"
	}

	tctx, cancel := context.WithTimeout(ctx, w.TaskTimeout)
	defer cancel()

	res, err := w.Runner.Run(tctx, agent.Request{Prompt: string(prompt), Dir: w.WorkDir, Output: f})
	switch {
	case res.TimedOut:
		return res, fmt.Sprintf("timed out after %s", w.TaskTimeout)
	case err != nil:
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
		fmt.Fprintf(f, "\nerror: %v\n", err)
		return res, err.Error()
	case res.ExitCode != 0 && ctx.Err() != nil:
		return res, "interrupted by shutdown"
	case res.ExitCode != 0:
		return res, fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return res, ""
}

// recordInterrupted closes the running row the previous watcher left for name,
// or records a failed run when there is none.
func (w *Watcher) recordInterrupted(ctx context.Context, name string, now time.Time, logPath string) {
	if w.History == nil {
		return
	}
	n, err := w.History.FinishStale(ctx, history.SourceQueue, name, history.StatusFailed, -1, logPath, "interrupted")
	if err != nil {
		w.Logger.Warn("history finish failed", "task", name, "error", err)
		return
	}
	if n > 0 {
		return
	}
	_, err = w.History.Record(ctx, history.TaskRun{
		Name:       name,
		Source:     history.SourceQueue,
		Status:     history.StatusFailed,
		ExitCode:   -1,
		StartedAt:  now,
		FinishedAt: now,
		ResultPath: logPath,
		Detail:     "interrupted",
	})
	if err != nil {
		w.Logger.Warn("history record failed", "task", name, "error", err)
	}
}
