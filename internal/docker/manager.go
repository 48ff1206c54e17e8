package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeanhaley32/sapphire-bee/internal/compose"
)

// Default timeout for short docker commands
const defaultCommandTimeout = 30 * time.Second

// Timeout for compose up/down and image builds
const lifecycleTimeout = 10 * time.Minute

// BaseSettleDelay is how long Up waits after starting the base file so the
// networks and the DNS filter exist before the agent joins them.
const BaseSettleDelay = 3 * time.Second

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, "docker", c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var output []byte
	var err error
	if c.Stdout != nil || c.Stderr != nil {
		cmd.Stdout = orDiscard(c.Stdout)
		cmd.Stderr = orDiscard(c.Stderr)
		err = cmd.Run()
	} else {
		output, err = cmd.CombinedOutput()
	}

	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("docker %s timed out", c.Args[0])
	}
	return output, err
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// Client wraps the plain docker commands used outside a compose project.
type Client struct {
	Runner Runner
}

// NewClient returns a client backed by the docker CLI.
func NewClient() *Client {
	return &Client{Runner: ExecRunner{}}
}

func (c *Client) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Runner.Run(ctx, Command{Args: args})
}

// CheckDockerRunning verifies the daemon answers.
func (c *Client) CheckDockerRunning(ctx context.Context) error {
	if out, err := c.run(ctx, defaultCommandTimeout, "info", "--format", "{{.ServerVersion}}"); err != nil {
		return fmt.Errorf("docker is not running: %w\n%s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ComposeVersion returns the compose plugin version.
func (c *Client) ComposeVersion(ctx context.Context) (string, error) {
	out, err := c.run(ctx, defaultCommandTimeout, "compose", "version", "--short")
	if err != nil {
		return "", fmt.Errorf("docker compose plugin not available: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ImageExists checks if an image exists locally.
func (c *Client) ImageExists(ctx context.Context, image string) bool {
	_, err := c.run(ctx, defaultCommandTimeout, "image", "inspect", image)
	return err == nil
}

// BuildImage builds image from contextDir, streaming build output to out.
func (c *Client) BuildImage(ctx context.Context, image, contextDir string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, lifecycleTimeout)
	defer cancel()
	_, err := c.Runner.Run(ctx, Command{
		Args:   []string{"build", "-t", image, contextDir},
		Stdout: out,
		Stderr: out,
	})
	if err != nil {
		return fmt.Errorf("failed to build image %s: %w", image, err)
	}
	return nil
}

// Inspect returns the state of a container, or an error when it does not exist.
func (c *Client) Inspect(ctx context.Context, container string) (*ContainerInfo, error) {
	out, err := c.run(ctx, defaultCommandTimeout, "inspect", "--type", "container", container)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", container, err)
	}
	var infos []ContainerInfo
	if err := json.Unmarshal(out, &infos); err != nil {
		return nil, fmt.Errorf("decode inspect output for %s: %w", container, err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("container %s not found", container)
	}
	info := infos[0]
	info.Name = strings.TrimPrefix(info.Name, "/")
	return &info, nil
}

// IsRunning checks if a container with the given name is running.
func (c *Client) IsRunning(ctx context.Context, container string) bool {
	info, err := c.Inspect(ctx, container)
	return err == nil && info.State.Running
}

// Stack is a compose project made of one or more files.
type Stack struct {
	ProjectName string
	Files       []string
	Env         []string
	WorkDir     string

	Runner      Runner
	Logger      *slog.Logger
	Stdout      io.Writer
	Stderr      io.Writer
	SettleDelay time.Duration
}

// NewStack creates a stack using the docker CLI.
func NewStack(project string, files []string, logger *slog.Logger) *Stack {
	return &Stack{
		ProjectName: project,
		Files:       files,
		Runner:      ExecRunner{},
		Logger:      logger,
		Stdout:      os.Stderr,
		Stderr:      os.Stderr,
		SettleDelay: BaseSettleDelay,
	}
}

// ComposeArgs prefixes args with the project and file flags.
func (s *Stack) ComposeArgs(args ...string) []string {
	return composeArgs(s.ProjectName, s.Files, args...)
}

func composeArgs(project string, files []string, args ...string) []string {
	out := []string{"compose"}
	if project != "" {
		out = append(out, "-p", project)
	}
	for _, f := range files {
		out = append(out, "-f", f)
	}
	return append(out, args...)
}

func (s *Stack) command(args []string, stream bool) Command {
	c := Command{Args: args, Dir: s.WorkDir, Env: s.Env}
	if stream {
		c.Stdout = s.Stdout
		c.Stderr = s.Stderr
	}
	return c
}

func (s *Stack) hasBase() bool {
	return len(s.Files) > 1 && filepath.Base(s.Files[0]) == compose.BaseFile
}

// Up starts the stack detached. With a multi-file stack whose first file is the
// base file, the base services start first so the networks exist.
func (s *Stack) Up(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, lifecycleTimeout)
	defer cancel()

	if s.hasBase() {
		s.log().Info("starting base services", "file", s.Files[0])
		args := composeArgs(s.ProjectName, s.Files[:1], "up", "-d")
		if _, err := s.Runner.Run(ctx, s.command(args, true)); err != nil {
			return fmt.Errorf("base compose up failed: %w", err)
		}
		if err := sleepCtx(ctx, s.SettleDelay); err != nil {
			return err
		}
	}

	s.log().Info("starting stack", "project", s.ProjectName, "files", len(s.Files))
	if _, err := s.Runner.Run(ctx, s.command(s.ComposeArgs("up", "-d"), true)); err != nil {
		return fmt.Errorf("compose up failed: %w", err)
	}
	return nil
}

// Down stops the stack and removes its containers, networks and anonymous volumes.
func (s *Stack) Down(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, lifecycleTimeout)
	defer cancel()

	out, err := s.Runner.Run(ctx, s.command(s.ComposeArgs("down", "-v", "--remove-orphans"), false))
	if err != nil {
		msg := strings.ToLower(string(out))
		if strings.Contains(msg, "no such") || strings.Contains(msg, "not found") {
			return nil
		}
		return fmt.Errorf("compose down failed: %w\n%s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Exec runs a command in a service without a TTY and returns its combined output.
func (s *Stack) Exec(ctx context.Context, service string, command ...string) ([]byte, error) {
	out, err := s.Runner.Run(ctx, s.command(s.ExecArgs(service, command...), false))
	if err != nil {
		return out, fmt.Errorf("exec in %s: %w", service, err)
	}
	return out, nil
}

// ExecArgs is the docker argv (without "docker") for a non-interactive exec.
func (s *Stack) ExecArgs(service string, command ...string) []string {
	return s.ComposeArgs(append([]string{"exec", "-T", service}, command...)...)
}

// Attach replaces the current process with an interactive exec into service.
// It does not return on success.
func (s *Stack) Attach(service string, command ...string) error {
	dockerPath, err := exec.LookPath("docker")
	if err != nil {
		return fmt.Errorf("docker not found in PATH: %w", err)
	}
	if s.WorkDir != "" {
		if err := os.Chdir(s.WorkDir); err != nil {
			return fmt.Errorf("chdir %s: %w", s.WorkDir, err)
		}
	}
	args := append([]string{"docker"}, s.ComposeArgs(append([]string{"exec", service}, command...)...)...)
	return execSyscall(dockerPath, args, append(os.Environ(), s.Env...))
}

// PS lists the stack's containers by service.
func (s *Stack) PS(ctx context.Context) ([]ServiceStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
	defer cancel()

	out, err := s.Runner.Run(ctx, s.command(s.ComposeArgs("ps", "--all", "--format", "json"), false))
	if err != nil {
		return nil, fmt.Errorf("compose ps failed: %w", err)
	}
	return parsePS(out)
}

// ServiceStatus is one row of `docker compose ps`.
type ServiceStatus struct {
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Status  string `json:"Status"`
}

// parsePS accepts both the JSON array and the one-object-per-line formats
// printed by different compose versions.
func parsePS(out []byte) ([]ServiceStatus, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	if out[0] == '[' {
		var rows []ServiceStatus
		if err := json.Unmarshal(out, &rows); err != nil {
			return nil, fmt.Errorf("decode compose ps: %w", err)
		}
		return rows, nil
	}

	var rows []ServiceStatus
	dec := json.NewDecoder(bytes.NewReader(out))
	for {
		var row ServiceStatus
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode compose ps: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Stack) log() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
