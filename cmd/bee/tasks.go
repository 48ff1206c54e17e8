package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeanhaley32/sapphire-bee/internal/agent"
	"github.com/jeanhaley32/sapphire-bee/internal/compose"
	"github.com/jeanhaley32/sapphire-bee/internal/config"
	"github.com/jeanhaley32/sapphire-bee/internal/constants"
	"github.com/jeanhaley32/sapphire-bee/internal/docker"
	"github.com/jeanhaley32/sapphire-bee/internal/fsutil"
	"github.com/jeanhaley32/sapphire-bee/internal/githubapp"
	"github.com/jeanhaley32/sapphire-bee/internal/history"
	"github.com/jeanhaley32/sapphire-bee/internal/issues"
	"github.com/jeanhaley32/sapphire-bee/internal/queue"
	"github.com/jeanhaley32/sapphire-bee/internal/repo"
	"github.com/jeanhaley32/sapphire-bee/internal/report"
)

// agentRunner returns the runner for queue and pool tasks and its working
// directory. Unless onHost is set the CLI runs inside mode's agent container.
func agentRunner(ctx context.Context, env *runtimeEnv, mode compose.Mode, onHost bool) (agent.Runner, string, error) {
	cfg := env.cfg
	r := &agent.CLIRunner{Command: cfg.Agent.Command, Model: cfg.Agent.Model, ExtraArgs: cfg.Agent.ExtraArgs}
	if onHost {
		dir := cfg.Agent.WorkDir
		if dir == "" {
			dir = cfg.ProjectPath
		}
		return r, dir, nil
	}

	if !docker.NewClient().IsRunning(ctx, mode.AgentContainer()) {
		return nil, "", fmt.Errorf("agent container %s is not running; start it with 'bee up --mode %s'", mode.AgentContainer(), mode)
	}
	stack, err := newStack(env, mode)
	if err != nil {
		return nil, "", err
	}
	r.Args = stack.ExecArgs(constants.AgentService, "bee", "entrypoint", "--", cfg.Agent.Command)
	r.Command = "docker"
	return r, "", nil
}

func addRunnerFlags(cmd *cobra.Command) {
	cmd.Flags().String("mode", string(compose.ModeDirect), "Sandbox mode whose agent container runs the tasks")
	cmd.Flags().Bool("host", false, "Run the agent CLI on this host instead of inside the container")
}

func runnerFlags(cmd *cobra.Command) (compose.Mode, bool, error) {
	mode, err := modeFlag(cmd)
	if err != nil {
		return "", false, err
	}
	onHost, err := cmd.Flags().GetBool("host")
	if err != nil {
		return "", false, fmt.Errorf("invalid host flag: %w", err)
	}
	return mode, onHost, nil
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "File-based task queue",
	}

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Process queued tasks one at a time",
		RunE:  runQueueWatch,
	}
	watch.Flags().Bool("once", false, "Process the current backlog and exit")
	watch.Flags().Duration("poll-interval", 0, "Queue poll interval")
	watch.Flags().Duration("timeout", 0, "Per-task timeout")
	addRunnerFlags(watch)

	add := &cobra.Command{
		Use:   "add NAME [FILE|-]",
		Short: "Queue a task from a file, stdin or --prompt",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runQueueAdd,
	}
	add.Flags().String("prompt", "", "Task text")

	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks by state",
		RunE:  runQueueList,
	}

	retry := &cobra.Command{
		Use:   "retry NAME",
		Short: "Move a failed task back into the queue",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueRetry,
	}

	cmd.AddCommand(watch, add, list, retry)
	return cmd
}

func queueLayout(cfg *config.Config) queue.Layout {
	return queue.Layout{Root: cfg.Queue.Root}
}

func runQueueWatch(cmd *cobra.Command, args []string) error {
	once, err := cmd.Flags().GetBool("once")
	if err != nil {
		return fmt.Errorf("invalid once flag: %w", err)
	}
	mode, onHost, err := runnerFlags(cmd)
	if err != nil {
		return err
	}
	env, err := loadEnv(cmd, envOptions{
		fileLog: true,
		flags:   map[string]string{"queue.poll_interval": "poll-interval", "queue.task_timeout": "timeout"},
	})
	if err != nil {
		return err
	}
	defer env.Close()
	cfg := env.cfg

	runner, workDir, err := agentRunner(cmd.Context(), env, mode, onHost)
	if err != nil {
		return err
	}
	store, err := history.Open(cfg.HistoryDB())
	if err != nil {
		return err
	}
	defer store.Close()

	w := &queue.Watcher{
		Layout:       queueLayout(cfg),
		Runner:       runner,
		History:      store,
		Logger:       env.logger,
		WorkDir:      workDir,
		PollInterval: cfg.Queue.PollInterval,
		TaskTimeout:  cfg.Queue.TaskTimeout,
	}
	if !once {
		return w.Run(cmd.Context())
	}

	outcomes, err := w.RunOnce(cmd.Context())
	for _, o := range outcomes {
		fmt.Printf("%s: %s (exit %d) %s\n", o.Name, o.Status, o.ExitCode, o.ResultLog)
	}
	return err
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	prompt, err := cmd.Flags().GetString("prompt")
	if err != nil {
		return fmt.Errorf("invalid prompt flag: %w", err)
	}

	var content []byte
	switch {
	case len(args) == 2 && args[1] == "-":
		if content, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
	case len(args) == 2:
		if content, err = os.ReadFile(args[1]); err != nil {
			return fmt.Errorf("failed to read task file: %w", err)
		}
	case prompt != "":
		content = []byte(prompt + "\n")
	default:
		return fmt.Errorf("give the task as a file, '-' for stdin, or --prompt")
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return fmt.Errorf("task %s is empty", args[0])
	}

	env, err := loadEnv(cmd, envOptions{})
	if err != nil {
		return err
	}
	defer env.Close()

	path, err := queueLayout(env.cfg).Enqueue(args[0], content)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd, envOptions{})
	if err != nil {
		return err
	}
	defer env.Close()

	snap, err := queueLayout(env.cfg).List()
	if err != nil {
		return err
	}
	sections := []struct {
		name  string
		names []string
	}{
		{constants.QueueDir, snap.Queued},
		{constants.ProcessingDir, snap.Processing},
		{constants.CompletedDir, snap.Completed},
		{constants.FailedDir, snap.Failed},
	}
	for _, s := range sections {
		fmt.Printf("%s (%d)\n", s.name, len(s.names))
		for _, n := range s.names {
			fmt.Printf("  %s\n", n)
		}
	}
	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd, envOptions{})
	if err != nil {
		return err
	}
	defer env.Close()

	if err := queueLayout(env.cfg).Retry(args[0]); err != nil {
		return err
	}
	fmt.Printf("requeued %s\n", args[0])
	return nil
}

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise task runs as Markdown",
		RunE:  runReport,
	}

	cmd.Flags().String("out", "", "Write the report to this file instead of stdout")
	cmd.Flags().Duration("since", 0, "Only include runs started within this window (e.g. 24h)")
	cmd.Flags().String("source", "", "Only include queue or pool runs")
	cmd.Flags().Int("tail", report.DefaultTailLines, "Result log lines quoted per failure")

	return cmd
}

func runReport(cmd *cobra.Command, args []string) error {
	out, err := cmd.Flags().GetString("out")
	if err != nil {
		return fmt.Errorf("invalid out flag: %w", err)
	}
	since, err := cmd.Flags().GetDuration("since")
	if err != nil {
		return fmt.Errorf("invalid since flag: %w", err)
	}
	source, err := cmd.Flags().GetString("source")
	if err != nil {
		return fmt.Errorf("invalid source flag: %w", err)
	}
	tail, err := cmd.Flags().GetInt("tail")
	if err != nil {
		return fmt.Errorf("invalid tail flag: %w", err)
	}
	switch history.Source(source) {
	case "", history.SourceQueue, history.SourcePool:
	default:
		return fmt.Errorf("unknown source %q (want queue or pool)", source)
	}

	env, err := loadEnv(cmd, envOptions{})
	if err != nil {
		return err
	}
	defer env.Close()

	store, err := history.Open(env.cfg.HistoryDB())
	if err != nil {
		return err
	}
	defer store.Close()

	opts := report.Options{Source: history.Source(source), TailLines: tail}
	if since > 0 {
		opts.Since = time.Now().Add(-since)
	}
	r, err := report.Build(cmd.Context(), store, opts)
	if err != nil {
		return err
	}

	if out == "" {
		return report.WriteMarkdown(os.Stdout, r)
	}
	var buf bytes.Buffer
	if err := report.WriteMarkdown(&buf, r); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(out), constants.DirPermissions); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(out), err)
	}
	if err := fsutil.WriteFileAtomic(out, buf.Bytes(), constants.PublicFilePermissions); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "report written to %s\n", out)
	return nil
}

func newPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Work agent-ready GitHub issues with one or more workers",
		RunE:  runPool,
	}

	cmd.Flags().Int("workers", 1, "Number of worker loops")
	cmd.Flags().Bool("once", false, "Exit when no agent-ready issue is left")
	cmd.Flags().String("repo", "", "Repository as owner/name (default: origin remote of PROJECT_PATH)")
	cmd.Flags().String("worker-id", "", "Worker ID prefix (default: project-hostname)")
	addRunnerFlags(cmd)

	return cmd
}

func runPool(cmd *cobra.Command, args []string) error {
	once, err := cmd.Flags().GetBool("once")
	if err != nil {
		return fmt.Errorf("invalid once flag: %w", err)
	}
	mode, onHost, err := runnerFlags(cmd)
	if err != nil {
		return err
	}
	env, err := loadEnv(cmd, envOptions{
		fileLog: true,
		flags: map[string]string{
			"pool.workers":   "workers",
			"github.repo":    "repo",
			"pool.worker_id": "worker-id",
		},
	})
	if err != nil {
		return err
	}
	defer env.Close()
	cfg := env.cfg

	repoName, err := githubRepo(cfg)
	if err != nil {
		return err
	}
	tokens, err := tokenSource(cfg, repoName)
	if err != nil {
		return err
	}
	client, err := issues.NewClient(cfg.GitHub.APIURL, repoName, tokens)
	if err != nil {
		return err
	}

	runner, workDir, err := agentRunner(cmd.Context(), env, mode, onHost)
	if err != nil {
		return err
	}
	store, err := history.Open(cfg.HistoryDB())
	if err != nil {
		return err
	}
	defer store.Close()

	workerID := cfg.Pool.WorkerID
	if workerID == "" {
		workerID = defaultWorkerID(cfg)
	}

	p := &issues.Pool{
		Client:       client,
		Runner:       runner,
		History:      store,
		Logger:       env.logger,
		Workers:      cfg.Pool.Workers,
		WorkerID:     workerID,
		WorkDir:      workDir,
		PollInterval: cfg.Pool.PollInterval,
		TaskTimeout:  cfg.Queue.TaskTimeout,
		LeaseTTL:     cfg.Pool.LeaseTTL,
		Once:         once,
	}
	results, err := p.Run(cmd.Context())
	for _, r := range results {
		fmt.Printf("#%d: %s (exit %d, worker %s)\n", r.Issue, r.Status, r.ExitCode, r.Worker)
	}
	return err
}

func githubRepo(cfg *config.Config) (string, error) {
	if cfg.GitHub.Repo != "" {
		return cfg.GitHub.Repo, nil
	}
	if cfg.ProjectPath == "" {
		return "", fmt.Errorf("set GITHUB_REPOSITORY or --repo (no PROJECT_PATH to read a remote from)")
	}
	name, err := repo.NewIdentifier().GitHubRepo(cfg.ProjectPath)
	if err != nil {
		return "", fmt.Errorf("cannot infer repository, set GITHUB_REPOSITORY or --repo: %w", err)
	}
	return name, nil
}

func defaultWorkerID(cfg *config.Config) string {
	project := cfg.ProjectName
	if project == "" && cfg.ProjectPath != "" {
		project = repo.NewIdentifier().ProjectName(cfg.ProjectPath)
	}
	if project == "" {
		project = constants.DefaultProjectName
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return project
	}
	return project + "-" + strings.Split(host, ".")[0]
}

// tokenSource prefers GitHub App installation tokens scoped to repoName and
// falls back to a static token.
func tokenSource(cfg *config.Config, repoName string) (issues.TokenSource, error) {
	gh := cfg.GitHub
	if gh.AppConfigured() {
		app, err := githubapp.New(gh.AppID, gh.PrivateKeyPath, gh.InstallationID, githubapp.Options{APIURL: gh.APIURL})
		if err != nil {
			return nil, err
		}
		var repos []string
		if _, name, ok := strings.Cut(repoName, "/"); ok {
			repos = []string{name}
		}
		return githubapp.NewTokenSource(app, repos, nil), nil
	}
	if gh.Token != "" {
		return githubapp.StaticToken(gh.Token), nil
	}
	return nil, fmt.Errorf("no GitHub credentials: set GITHUB_APP_ID, GITHUB_APP_INSTALLATION_ID and GITHUB_APP_PRIVATE_KEY_PATH, or GITHUB_TOKEN")
}

func newGitHubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "github",
		Short: "GitHub App credentials",
	}

	token := &cobra.Command{
		Use:   "token",
		Short: "Mint an installation access token",
		Long:  "Mint an installation access token and print it as KEY=VALUE lines suitable for eval or an env file.",
		RunE:  runGitHubToken,
	}
	token.Flags().StringSlice("repo", nil, "Limit the token to these repository names")
	token.Flags().StringToString("permission", nil, "Limit the token to these permissions (e.g. issues=write)")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the App ID and private key against the GitHub API",
		RunE:  runGitHubValidate,
	}

	cmd.AddCommand(token, validate)
	return cmd
}

func githubApp(cfg *config.Config) (*githubapp.App, error) {
	gh := cfg.GitHub
	if !gh.AppConfigured() {
		return nil, fmt.Errorf("GitHub App not configured: set GITHUB_APP_ID, GITHUB_APP_INSTALLATION_ID and GITHUB_APP_PRIVATE_KEY_PATH")
	}
	return githubapp.New(gh.AppID, gh.PrivateKeyPath, gh.InstallationID, githubapp.Options{APIURL: gh.APIURL})
}

func runGitHubToken(cmd *cobra.Command, args []string) error {
	repos, err := cmd.Flags().GetStringSlice("repo")
	if err != nil {
		return fmt.Errorf("invalid repo flag: %w", err)
	}
	perms, err := cmd.Flags().GetStringToString("permission")
	if err != nil {
		return fmt.Errorf("invalid permission flag: %w", err)
	}
	env, err := loadEnv(cmd, envOptions{})
	if err != nil {
		return err
	}
	defer env.Close()

	app, err := githubApp(env.cfg)
	if err != nil {
		return err
	}
	tok, err := app.InstallationToken(cmd.Context(), repos, perms)
	if err != nil {
		return err
	}

	fmt.Printf("GITHUB_TOKEN=%s\n", tok.Token)
	fmt.Printf("GITHUB_TOKEN_EXPIRES_AT=%s\n", tok.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Printf("GITHUB_TOKEN_EXPIRES_IN=%d\n", githubapp.ExpirySeconds(tok.ExpiresAt))
	if tok.Repositories != nil {
		fmt.Printf("GITHUB_TOKEN_REPOSITORIES=%s\n", strings.Join(tok.Repositories, ","))
	}
	return nil
}

func runGitHubValidate(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd, envOptions{})
	if err != nil {
		return err
	}
	defer env.Close()

	app, err := githubApp(env.cfg)
	if err != nil {
		return err
	}
	info, err := app.ValidateCredentials(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("APP_ID=%d\n", info.ID)
	fmt.Printf("APP_SLUG=%s\n", info.Slug)
	fmt.Printf("APP_NAME=%s\n", info.Name)
	fmt.Printf("APP_OWNER=%s\n", info.Owner.Login)
	return nil
}
