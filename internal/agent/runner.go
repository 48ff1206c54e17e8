// Package agent runs the Claude CLI for a task and prepares the agent
// container's home directory.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultTailSize bounds Result.Output when output is streamed elsewhere.
const DefaultTailSize = 64 * 1024

// Request is one agent invocation.
type Request struct {
	Prompt string
	Dir    string
	Env    []string

	// Output receives stdout and stderr as they are produced. Result.Output then
	// holds only the last DefaultTailSize bytes.
	Output io.Writer
}

// Result describes a finished invocation. ExitCode is -1 when the process
// could not be started or was killed.
type Result struct {
	ExitCode  int
	Output    []byte
	StartedAt time.Time
	Duration  time.Duration
	TimedOut  bool
}

// Succeeded reports a zero exit.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Runner executes an agent for a prompt. A non-zero exit is reported through
// Result.ExitCode; the error is reserved for start failures and timeouts.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// CLIRunner runs the Claude CLI in print mode.
type CLIRunner struct {
	// Command is the executable, usually "claude" or "docker" when the CLI runs
	// inside the agent container.
	Command string
	// Args come before the prompt flags, e.g. "compose ... exec -T agent claude".
	Args      []string
	Model     string
	ExtraArgs []string
}

// Argv returns the full command line for prompt.
func (r *CLIRunner) Argv(prompt string) []string {
	argv := append([]string{r.Command}, r.Args...)
	argv = append(argv, "-p", prompt, "--output-format", "text")
	if r.Model != "" {
		argv = append(argv, "--model", r.Model)
	}
	return append(argv, r.ExtraArgs...)
}

func (r *CLIRunner) Run(ctx context.Context, req Request) (Result, error) {
	if r.Command == "" {
		return Result{ExitCode: -1}, fmt.Errorf("agent command is not configured")
	}
	argv := r.Argv(req.Prompt)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.Dir
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.WaitDelay = 5 * time.Second

	tail := newTailBuffer(DefaultTailSize)
	var out io.Writer = tail
	if req.Output != nil {
		out = &lockedWriter{w: io.MultiWriter(req.Output, tail)}
	} else {
		tail.limit = 0
	}
	cmd.Stdout = out
	cmd.Stderr = out

	res := Result{StartedAt: time.Now()}
	err := cmd.Run()
	res.Duration = time.Since(res.StartedAt)
	res.Output = tail.Bytes()

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		res.TimedOut = true
		return res, fmt.Errorf("agent timed out after %s", res.Duration.Round(time.Second))
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		return res, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	return res, nil
}

// tailBuffer keeps the last limit bytes written. A zero limit keeps everything.
type tailBuffer struct {
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if t.limit > 0 && len(t.buf) > t.limit {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.limit:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	return t.buf
}

// lockedWriter serialises writes from the stdout and stderr copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
