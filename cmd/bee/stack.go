package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeanhaley32/sapphire-bee/internal/allowlist"
	"github.com/jeanhaley32/sapphire-bee/internal/compose"
	"github.com/jeanhaley32/sapphire-bee/internal/config"
	"github.com/jeanhaley32/sapphire-bee/internal/constants"
	"github.com/jeanhaley32/sapphire-bee/internal/dnsprobe"
	"github.com/jeanhaley32/sapphire-bee/internal/docker"
	"github.com/jeanhaley32/sapphire-bee/internal/doctor"
	"github.com/jeanhaley32/sapphire-bee/internal/embedded"
	"github.com/jeanhaley32/sapphire-bee/internal/queue"
	"github.com/jeanhaley32/sapphire-bee/internal/state"
	"github.com/jeanhaley32/sapphire-bee/internal/terminal"
)

func composeOptions(cfg *config.Config, a *allowlist.Allowlist) compose.Options {
	opts := compose.Options{
		Allowlist:   a,
		RenderedDir: cfg.RenderedDir(),
		Image:       cfg.Image,
		ProjectPath: cfg.ProjectPath,
		StagingPath: cfg.StagingPath,
		Memory:      cfg.Sandbox.Memory,
		CPUs:        cfg.Sandbox.CPUs,
		PidsLimit:   cfg.Sandbox.PidsLimit,
	}
	if cfg.GitHub.AppConfigured() {
		opts.GitHubKeyPath = cfg.GitHub.PrivateKeyPath
	}
	return opts
}

// renderAll writes the DNS filter, proxy and compose configuration.
func renderAll(env *runtimeEnv) ([]string, error) {
	cfg := env.cfg
	a, err := allowlist.Load(cfg.AllowlistFile)
	if err != nil {
		return nil, err
	}
	dir := cfg.RenderedDir()
	if err := os.MkdirAll(dir, constants.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	written, err := a.WriteAll(dir)
	if err != nil {
		return written, err
	}
	files, err := compose.WriteAll(dir, composeOptions(cfg, a))
	written = append(written, files...)
	if err != nil {
		return written, err
	}
	env.logger.Debug("rendered configuration", "dir", dir, "files", len(written))
	return written, nil
}

// stackEnv passes secrets to compose by reference so they never land in rendered files.
func stackEnv(cfg *config.Config) []string {
	vars := map[string]string{
		"ANTHROPIC_API_KEY":          cfg.AnthropicAPIKey,
		"GITHUB_TOKEN":               cfg.GitHub.Token,
		"GITHUB_APP_ID":              cfg.GitHub.AppID,
		"GITHUB_APP_INSTALLATION_ID": cfg.GitHub.InstallationID,
		"PROJECT_PATH":               cfg.ProjectPath,
	}
	var env []string
	for k, v := range vars {
		if v != "" {
			env = append(env, k+"="+v)
		}
	}
	sort.Strings(env)
	return env
}

// newStack returns the compose stack for mode from the rendered files.
func newStack(env *runtimeEnv, mode compose.Mode) (*docker.Stack, error) {
	dir := env.cfg.RenderedDir()
	var files []string
	for _, name := range mode.Files() {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			hint := "run 'bee render'"
			switch name {
			case compose.DirectFile:
				hint = "set PROJECT_PATH and run 'bee render'"
			case compose.StagingFile:
				hint = "set STAGING_PATH and run 'bee render'"
			}
			return nil, fmt.Errorf("%s not found in %s; %s", name, dir, hint)
		}
		files = append(files, path)
	}
	s := docker.NewStack(mode.Project(), files, env.logger)
	s.Env = stackEnv(env.cfg)
	s.WorkDir = dir
	return s, nil
}

// auditMode fails when any compose file of mode breaks a hardening rule.
func auditMode(env *runtimeEnv, mode compose.Mode) error {
	for _, name := range mode.Files() {
		path := filepath.Join(env.cfg.RenderedDir(), name)
		violations, err := compose.Audit(path)
		if err != nil {
			return err
		}
		if len(violations) > 0 {
			lines := make([]string, len(violations))
			for i, v := range violations {
				lines[i] = "  - " + v.String()
			}
			return fmt.Errorf("%s fails the hardening audit:\n%s", name, strings.Join(lines, "\n"))
		}
	}
	return nil
}

func modeFlag(cmd *cobra.Command) (compose.Mode, error) {
	s, err := cmd.Flags().GetString("mode")
	if err != nil {
		return "", fmt.Errorf("invalid mode flag: %w", err)
	}
	return compose.ParseMode(s)
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the host can run the sandbox",
		RunE:  runDoctor,
	}
}

func runDoctor(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd, envOptions{})
	if err != nil {
		return err
	}
	defer env.Close()

	checks := doctor.New(env.cfg, env.envFile).Run(cmd.Context())
	if doctor.Write(os.Stdout, checks) {
		return &exitError{code: 1}
	}
	return nil
}

func newRenderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Render the DNS filter, proxy and compose configuration",
		RunE:  runRender,
	}
}

func runRender(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd, envOptions{fileLog: true})
	if err != nil {
		return err
	}
	defer env.Close()

	written, err := renderAll(env)
	if err != nil {
		return err
	}
	for _, p := range written {
		fmt.Println(p)
	}
	return nil
}

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the agent image",
		Long:  "Build the agent image from the embedded Dockerfile.",
		RunE:  runBuild,
	}

	cmd.Flags().Bool("force", false, "Rebuild even if image already exists")

	return cmd
}

func runBuild(cmd *cobra.Command, args []string) error {
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return fmt.Errorf("invalid force flag: %w", err)
	}
	env, err := loadEnv(cmd, envOptions{fileLog: true})
	if err != nil {
		return err
	}
	defer env.Close()

	client := docker.NewClient()
	if !force && client.ImageExists(cmd.Context(), env.cfg.Image) {
		fmt.Fprintf(os.Stderr, "Image '%s' already exists. Use --force to rebuild.\n", env.cfg.Image)
		return nil
	}

	env.logger.Info("building agent image", "image", env.cfg.Image)
	if err := embedded.BuildImage(cmd.Context(), client, env.cfg.Image, os.Stderr); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Image '%s' built.\n", env.cfg.Image)
	return nil
}

func newUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Render, audit and start the sandbox",
		RunE:  runUp,
	}

	cmd.Flags().String("mode", string(compose.ModeDirect), "direct, staging or offline")

	return cmd
}

func runUp(cmd *cobra.Command, args []string) error {
	mode, err := modeFlag(cmd)
	if err != nil {
		return err
	}
	env, err := loadEnv(cmd, envOptions{fileLog: true})
	if err != nil {
		return err
	}
	defer env.Close()

	if _, err := startStack(cmd.Context(), env, mode); err != nil {
		return err
	}

	fmt.Printf("MODE=%s\n", mode)
	fmt.Printf("PROJECT=%s\n", mode.Project())
	fmt.Printf("AGENT_CONTAINER=%s\n", mode.AgentContainer())
	return nil
}

// startStack renders, audits and brings up mode, building the image if needed.
func startStack(ctx context.Context, env *runtimeEnv, mode compose.Mode) (*docker.Stack, error) {
	cfg := env.cfg
	switch mode {
	case compose.ModeStaging:
		if cfg.StagingPath == "" {
			return nil, fmt.Errorf("staging mode needs STAGING_PATH")
		}
	default:
		if cfg.ProjectPath == "" {
			return nil, fmt.Errorf("PROJECT_PATH is not set")
		}
	}
	if cfg.AnthropicAPIKey == "" {
		env.logger.Warn("ANTHROPIC_API_KEY is not set; the agent will ask for a login")
	}

	if _, err := renderAll(env); err != nil {
		return nil, err
	}
	if err := auditMode(env, mode); err != nil {
		return nil, err
	}

	client := docker.NewClient()
	if err := client.CheckDockerRunning(ctx); err != nil {
		return nil, err
	}
	if !client.ImageExists(ctx, cfg.Image) {
		env.logger.Info("agent image not found, building", "image", cfg.Image)
		if err := embedded.BuildImage(ctx, client, cfg.Image, os.Stderr); err != nil {
			return nil, err
		}
	}

	stack, err := newStack(env, mode)
	if err != nil {
		return nil, err
	}
	if err := stack.Up(ctx); err != nil {
		return nil, err
	}
	env.logger.Info("sandbox started", "mode", mode, "project", mode.Project())
	return stack, nil
}

func newDownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the sandbox and remove its containers and networks",
		RunE:  runDown,
	}

	cmd.Flags().String("mode", "", "Only stop this mode (default: sandbox and offline)")

	return cmd
}

func runDown(cmd *cobra.Command, args []string) error {
	modeName, err := cmd.Flags().GetString("mode")
	if err != nil {
		return fmt.Errorf("invalid mode flag: %w", err)
	}
	env, err := loadEnv(cmd, envOptions{fileLog: true})
	if err != nil {
		return err
	}
	defer env.Close()

	projects := []string{compose.SandboxProject, compose.OfflineProject}
	if modeName != "" {
		mode, err := compose.ParseMode(modeName)
		if err != nil {
			return err
		}
		projects = []string{mode.Project()}
	}

	for _, project := range projects {
		// compose resolves the containers from the project name alone
		stack := docker.NewStack(project, nil, env.logger)
		if err := stack.Down(cmd.Context()); err != nil {
			return err
		}
		env.logger.Info("stopped", "project", project)
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show container and queue status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd, envOptions{})
	if err != nil {
		return err
	}
	defer env.Close()

	a, err := allowlist.Load(env.cfg.AllowlistFile)
	if err != nil {
		return err
	}

	client := docker.NewClient()
	if err := client.CheckDockerRunning(cmd.Context()); err != nil {
		fmt.Println("Warning: Docker is not running!")
		return nil
	}

	stack := docker.NewStack(compose.SandboxProject, nil, env.logger)
	detector := state.NewDetector(stack, a, queue.Layout{Root: env.cfg.Queue.Root})
	st, err := detector.Detect(cmd.Context())
	if err != nil {
		return err
	}
	state.Write(os.Stdout, st)

	if client.IsRunning(cmd.Context(), compose.OfflineContainer) {
		fmt.Printf("\nOffline agent: running (%s)\n", compose.OfflineContainer)
	}
	if !client.ImageExists(cmd.Context(), env.cfg.Image) {
		fmt.Printf("\nWarning: image '%s' not found. Build it with: bee build\n", env.cfg.Image)
	}
	return nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [-- claude args...]",
		Short: "Start the sandbox if needed and attach an interactive agent session",
		RunE:  runRun,
	}

	cmd.Flags().String("mode", string(compose.ModeDirect), "direct, staging or offline")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	mode, err := modeFlag(cmd)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("mode") {
		modes := []compose.Mode{compose.ModeDirect, compose.ModeStaging, compose.ModeOffline}
		options := []string{
			"direct: live project, allowlisted network",
			"staging: staging copy, allowlisted network",
			"offline: live project, no network",
		}
		idx, err := terminal.Stdio().PromptChoice("Sandbox mode:", options, 0)
		if err != nil {
			return err
		}
		mode = modes[idx]
	}

	env, err := loadEnv(cmd, envOptions{fileLog: true})
	if err != nil {
		return err
	}
	defer env.Close()

	var stack *docker.Stack
	if docker.NewClient().IsRunning(cmd.Context(), mode.AgentContainer()) {
		if stack, err = newStack(env, mode); err != nil {
			return err
		}
	} else if stack, err = startStack(cmd.Context(), env, mode); err != nil {
		return err
	}

	// the entrypoint refreshes CLAUDE.md, settings and the GitHub token per session
	command := append([]string{"bee", "entrypoint", "--", env.cfg.Agent.Command}, args...)
	env.logger.Info("attaching", "mode", mode, "container", mode.AgentContainer())
	env.Close()
	return stack.Attach(constants.AgentService, command...)
}

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit [compose files...]",
		Short: "Check compose files against the agent hardening rules",
		Long:  "Check compose files against the agent hardening rules. Without arguments the rendered files are audited.",
		RunE:  runAudit,
	}
}

func runAudit(cmd *cobra.Command, args []string) error {
	files := args
	if len(files) == 0 {
		env, err := loadEnv(cmd, envOptions{})
		if err != nil {
			return err
		}
		defer env.Close()
		for _, name := range []string{compose.BaseFile, compose.DirectFile, compose.StagingFile, compose.OfflineFile} {
			path := filepath.Join(env.cfg.RenderedDir(), name)
			if _, err := os.Stat(path); err == nil {
				files = append(files, path)
			}
		}
		if len(files) == 0 {
			return fmt.Errorf("no compose files in %s; run 'bee render'", env.cfg.RenderedDir())
		}
	}

	failed := false
	for _, path := range files {
		violations, err := compose.Audit(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if len(violations) == 0 {
			fmt.Printf("[ok] %s\n", path)
			continue
		}
		failed = true
		for _, v := range violations {
			fmt.Printf("[fail] %s: %s\n", path, v)
		}
	}
	if failed {
		return &exitError{code: 1}
	}
	return nil
}

func newDNSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dns",
		Short: "DNS filter diagnostics",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Query the DNS filter for allowlisted and blocked names",
		Long:  "Query the DNS filter for allowlisted and blocked names. By default the probe runs inside the agent container, which is the only place sandbox_net is reachable from.",
		RunE:  runDNSCheck,
	}
	check.Flags().Bool("local", false, "Send queries from this process instead of the agent container")
	check.Flags().String("server", "", "DNS server address (default: the allowlist DNS IP, port 53)")
	check.Flags().String("mode", string(compose.ModeDirect), "Sandbox mode whose agent runs the probe")
	check.Flags().StringSlice("blocked", dnsprobe.DefaultBlocked, "Names that must get NXDOMAIN")
	check.Flags().StringArray("expect", nil, "host=ip pairs to check instead of the allowlist")
	check.Flags().Duration("timeout", dnsprobe.DefaultTimeout, "Per-query timeout")

	cmd.AddCommand(check)
	return cmd
}

func runDNSCheck(cmd *cobra.Command, args []string) error {
	local, err := cmd.Flags().GetBool("local")
	if err != nil {
		return fmt.Errorf("invalid local flag: %w", err)
	}
	server, err := cmd.Flags().GetString("server")
	if err != nil {
		return fmt.Errorf("invalid server flag: %w", err)
	}
	blocked, err := cmd.Flags().GetStringSlice("blocked")
	if err != nil {
		return fmt.Errorf("invalid blocked flag: %w", err)
	}
	expect, err := cmd.Flags().GetStringArray("expect")
	if err != nil {
		return fmt.Errorf("invalid expect flag: %w", err)
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return fmt.Errorf("invalid timeout flag: %w", err)
	}

	env, err := loadEnv(cmd, envOptions{})
	if err != nil {
		return err
	}
	defer env.Close()

	var exps []dnsprobe.Expectation
	if len(expect) > 0 {
		if exps, err = parseExpectations(expect); err != nil {
			return err
		}
		for _, host := range blocked {
			exps = append(exps, dnsprobe.Expectation{Host: host})
		}
	} else {
		a, err := allowlist.Load(env.cfg.AllowlistFile)
		if err != nil {
			return err
		}
		exps = dnsprobe.Expectations(a, blocked)
		if server == "" {
			server = net.JoinHostPort(a.Network.DNSIP, "53")
		}
	}
	if server == "" {
		server = net.JoinHostPort(constants.DefaultDNSIP, "53")
	}

	if !local {
		mode, err := modeFlag(cmd)
		if err != nil {
			return err
		}
		return dnsCheckInContainer(cmd.Context(), env, mode, server, exps, timeout)
	}

	prober := &dnsprobe.Prober{Server: server, Timeout: timeout}
	failed := false
	for _, r := range prober.Check(cmd.Context(), exps) {
		fmt.Println(r.String())
		if !r.Pass {
			failed = true
		}
	}
	if failed {
		return &exitError{code: 1}
	}
	return nil
}

func parseExpectations(pairs []string) ([]dnsprobe.Expectation, error) {
	var exps []dnsprobe.Expectation
	for _, p := range pairs {
		host, ipStr, ok := strings.Cut(p, "=")
		ip := net.ParseIP(ipStr)
		if !ok || host == "" || ip == nil {
			return nil, fmt.Errorf("invalid --expect %q (want host=ip)", p)
		}
		exps = append(exps, dnsprobe.Expectation{Host: host, Want: ip})
	}
	return exps, nil
}

// dnsCheckInContainer reruns the check with --local inside the agent, passing
// the expectations explicitly since the allowlist file lives on the host.
func dnsCheckInContainer(ctx context.Context, env *runtimeEnv, mode compose.Mode, server string, exps []dnsprobe.Expectation, timeout time.Duration) error {
	if mode == compose.ModeOffline {
		return fmt.Errorf("the offline agent has no network; use --mode direct or staging")
	}
	stack, err := newStack(env, mode)
	if err != nil {
		return err
	}

	command := []string{"bee", "dns", "check", "--local", "--server", server, "--timeout", timeout.String()}
	var blocked []string
	for _, e := range exps {
		if e.Want == nil {
			blocked = append(blocked, e.Host)
			continue
		}
		command = append(command, "--expect", e.Host+"="+e.Want.String())
	}
	command = append(command, "--blocked", strings.Join(blocked, ","))

	out, err := stack.Exec(ctx, constants.AgentService, command...)
	fmt.Print(string(out))
	if err != nil {
		return &exitError{code: 1, msg: fmt.Sprintf("dns check failed in %s", mode.AgentContainer())}
	}
	return nil
}
