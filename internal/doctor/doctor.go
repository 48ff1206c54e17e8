// Package doctor verifies the host can run the sandbox stack.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/jeanhaley32/sapphire-bee/internal/allowlist"
	"github.com/jeanhaley32/sapphire-bee/internal/compose"
	"github.com/jeanhaley32/sapphire-bee/internal/config"
	"github.com/jeanhaley32/sapphire-bee/internal/docker"
	"github.com/jeanhaley32/sapphire-bee/internal/githubapp"
	"github.com/jeanhaley32/sapphire-bee/internal/platform"
)

type Level int

const (
	OK Level = iota
	Warn
	Fail
)

func (l Level) String() string {
	switch l {
	case OK:
		return "ok"
	case Warn:
		return "warn"
	default:
		return "fail"
	}
}

// Check is one doctor line.
type Check struct {
	Name   string
	Level  Level
	Detail string
}

func (c Check) String() string {
	return fmt.Sprintf("[%s] %s: %s", c.Level, c.Name, c.Detail)
}

// Host reports the machine's capacity.
type Host interface {
	TotalMemory(ctx context.Context) (uint64, error)
	LogicalCPUs(ctx context.Context) (int, error)
}

// SystemHost reads capacity through gopsutil.
type SystemHost struct{}

func (SystemHost) TotalMemory(ctx context.Context) (uint64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return v.Total, nil
}

func (SystemHost) LogicalCPUs(ctx context.Context) (int, error) {
	return cpu.CountsWithContext(ctx, true)
}

// Doctor runs the checks against a resolved configuration.
type Doctor struct {
	Config  *config.Config
	Docker  *docker.Client
	Host    Host
	EnvFile string

	LookPath func(string) (string, error)
}

// New returns a doctor wired to the real docker CLI and host.
func New(cfg *config.Config, envFile string) *Doctor {
	return &Doctor{
		Config:   cfg,
		Docker:   docker.NewClient(),
		Host:     SystemHost{},
		EnvFile:  envFile,
		LookPath: exec.LookPath,
	}
}

// Run executes every check in order. Docker checks after a missing CLI or
// daemon are skipped.
func (d *Doctor) Run(ctx context.Context) []Check {
	var checks []Check
	add := func(c Check) { checks = append(checks, c) }

	add(checkPlatform())
	dockerOK := d.checkDocker(ctx, add)
	if dockerOK {
		add(d.checkImage(ctx))
	}
	add(d.checkEnv())
	add(d.checkProject())
	add(d.checkGitHub())
	add(d.checkMemory(ctx))
	add(d.checkCPUs(ctx))
	add(d.checkAllowlist())
	checks = append(checks, d.checkCompose()...)
	return checks
}

func (d *Doctor) checkDocker(ctx context.Context, add func(Check)) bool {
	lookPath := d.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath("docker")
	if err != nil {
		add(Check{"docker cli", Fail, "docker not found in PATH"})
		return false
	}
	add(Check{"docker cli", OK, path})

	if err := d.Docker.CheckDockerRunning(ctx); err != nil {
		detail := "not reachable; " + platform.DockerHint()
		if sock := existingSocket(); sock != "" {
			detail += " (socket " + sock + " exists)"
		}
		add(Check{"docker daemon", Fail, detail})
		return false
	}
	add(Check{"docker daemon", OK, "running"})

	v, err := d.Docker.ComposeVersion(ctx)
	if err != nil {
		add(Check{"docker compose", Fail, "compose plugin not available"})
		return false
	}
	add(Check{"docker compose", OK, "v" + strings.TrimPrefix(v, "v")})
	return true
}

func checkPlatform() Check {
	if !platform.IsSupported() {
		return Check{"platform", Warn, fmt.Sprintf("%s is untested; only macOS and Linux are supported", platform.Detect())}
	}
	return Check{"platform", OK, string(platform.Detect())}
}

func existingSocket() string {
	for _, p := range platform.DockerSocketCandidates() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (d *Doctor) checkImage(ctx context.Context) Check {
	if d.Docker.ImageExists(ctx, d.Config.Image) {
		return Check{"agent image", OK, d.Config.Image}
	}
	return Check{"agent image", Fail, fmt.Sprintf("%s not built; run 'bee build'", d.Config.Image)}
}

func (d *Doctor) checkEnv() Check {
	_, statErr := os.Stat(d.EnvFile)
	switch {
	case d.Config.AnthropicAPIKey == "" && statErr != nil:
		return Check{"api key", Fail, fmt.Sprintf("%s missing and ANTHROPIC_API_KEY not set", d.EnvFile)}
	case d.Config.AnthropicAPIKey == "":
		return Check{"api key", Fail, fmt.Sprintf("ANTHROPIC_API_KEY not set in %s", d.EnvFile)}
	case statErr != nil:
		return Check{"api key", Warn, fmt.Sprintf("ANTHROPIC_API_KEY taken from the environment; %s not found", d.EnvFile)}
	default:
		return Check{"api key", OK, "ANTHROPIC_API_KEY set"}
	}
}

func (d *Doctor) checkProject() Check {
	p := d.Config.ProjectPath
	if p == "" {
		return Check{"project path", Fail, "PROJECT_PATH not set"}
	}
	info, err := os.Stat(p)
	if err != nil || !info.IsDir() {
		return Check{"project path", Fail, fmt.Sprintf("%s is not a directory", p)}
	}
	return Check{"project path", OK, p}
}

func (d *Doctor) checkGitHub() Check {
	gh := d.Config.GitHub
	if !gh.AppConfigured() {
		if gh.Token != "" {
			return Check{"github", OK, "personal access token set"}
		}
		return Check{"github", Warn, "GitHub App not configured; GitHub MCP server stays disabled"}
	}
	if _, err := githubapp.New(gh.AppID, gh.PrivateKeyPath, gh.InstallationID, githubapp.Options{}); err != nil {
		return Check{"github", Warn, err.Error()}
	}
	return Check{"github", OK, fmt.Sprintf("app %s, installation %s", gh.AppID, gh.InstallationID)}
}

func (d *Doctor) checkMemory(ctx context.Context) Check {
	limit, err := config.ParseByteSize(d.Config.Sandbox.Memory)
	if err != nil {
		return Check{"host memory", Fail, fmt.Sprintf("sandbox memory: %v", err)}
	}
	total, err := d.Host.TotalMemory(ctx)
	if err != nil {
		return Check{"host memory", Warn, fmt.Sprintf("cannot read host memory: %v", err)}
	}
	detail := fmt.Sprintf("limit %s of %.1f GiB", d.Config.Sandbox.Memory, float64(total)/(1<<30))
	if uint64(limit) > total {
		return Check{"host memory", Fail, detail}
	}
	return Check{"host memory", OK, detail}
}

func (d *Doctor) checkCPUs(ctx context.Context) Check {
	n, err := d.Host.LogicalCPUs(ctx)
	if err != nil {
		return Check{"host cpus", Warn, fmt.Sprintf("cannot read cpu count: %v", err)}
	}
	detail := fmt.Sprintf("limit %g of %d", d.Config.Sandbox.CPUs, n)
	if d.Config.Sandbox.CPUs > float64(n) {
		return Check{"host cpus", Fail, detail}
	}
	return Check{"host cpus", OK, detail}
}

func (d *Doctor) checkAllowlist() Check {
	name := d.Config.AllowlistFile
	if name == "" {
		name = "built-in"
	}
	a, err := allowlist.Load(d.Config.AllowlistFile)
	if err != nil {
		return Check{"allowlist", Fail, err.Error()}
	}
	return Check{"allowlist", OK, fmt.Sprintf("%s, %d hosts via %d proxies", name, len(a.Hosts()), len(a.Upstreams))}
}

func (d *Doctor) checkCompose() []Check {
	dir := d.Config.RenderedDir()
	names := []string{compose.BaseFile, compose.DirectFile, compose.StagingFile, compose.OfflineFile}

	var checks []Check
	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		violations, err := compose.Audit(path)
		switch {
		case err != nil:
			checks = append(checks, Check{name, Fail, err.Error()})
		case len(violations) > 0:
			for _, v := range violations {
				checks = append(checks, Check{name, Fail, v.String()})
			}
		default:
			checks = append(checks, Check{name, OK, "hardening audit passed"})
		}
	}
	if len(checks) == 0 {
		return []Check{{"compose", Warn, fmt.Sprintf("nothing rendered in %s; run 'bee render'", dir)}}
	}
	return checks
}

// Write prints checks and reports whether any failed.
func Write(w io.Writer, checks []Check) (failed bool) {
	for _, c := range checks {
		fmt.Fprintln(w, c.String())
		if c.Level == Fail {
			failed = true
		}
	}
	return failed
}
