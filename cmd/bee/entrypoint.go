package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeanhaley32/sapphire-bee/internal/agent"
	"github.com/jeanhaley32/sapphire-bee/internal/allowlist"
	"github.com/jeanhaley32/sapphire-bee/internal/compose"
	"github.com/jeanhaley32/sapphire-bee/internal/config"
	"github.com/jeanhaley32/sapphire-bee/internal/constants"
	"github.com/jeanhaley32/sapphire-bee/internal/githubapp"
)

func newEntrypointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "entrypoint [flags] -- command [args...]",
		Short:  "Agent container entrypoint",
		Long:   "Prepare the agent's CLAUDE.md and settings.json, mint a GitHub token when the App is configured, then exec the command (default: claude).",
		Hidden: true,
		RunE:   runEntrypoint,
	}

	cmd.Flags().SetInterspersed(false)
	cmd.Flags().String("mode", "", "Sandbox mode (default: $BEE_MODE, else direct)")
	cmd.Flags().StringArray("context", nil, "Markdown files appended to CLAUDE.md")

	return cmd
}

func runEntrypoint(cmd *cobra.Command, args []string) error {
	modeName, err := cmd.Flags().GetString("mode")
	if err != nil {
		return fmt.Errorf("invalid mode flag: %w", err)
	}
	contextFiles, err := cmd.Flags().GetStringArray("context")
	if err != nil {
		return fmt.Errorf("invalid context flag: %w", err)
	}
	if modeName == "" {
		modeName = os.Getenv(compose.ModeEnv)
	}
	if modeName == "" {
		modeName = string(compose.ModeDirect)
	}
	mode, err := compose.ParseMode(modeName)
	if err != nil {
		return err
	}

	env, err := loadEnv(cmd, envOptions{})
	if err != nil {
		return err
	}
	cfg := env.cfg

	var hosts []string
	if mode != compose.ModeOffline {
		a, err := allowlist.Load(cfg.AllowlistFile)
		if err != nil {
			env.logger.Warn("allowlist unavailable, using the built-in one", "error", err)
			a, err = allowlist.Default()
			if err != nil {
				return err
			}
		}
		hosts = a.Hosts()
	}

	procEnv := os.Environ()
	token := ""
	if mode != compose.ModeOffline {
		token = githubToken(cmd.Context(), cfg, env.logger)
	}
	if token != "" {
		procEnv = setEnv(procEnv, "GITHUB_PERSONAL_ACCESS_TOKEN", token)
		procEnv = setEnv(procEnv, "GITHUB_TOKEN", token)
	}

	home := os.Getenv("HOME")
	if home == "" {
		home = constants.AgentHome
	}
	err = agent.PrepareHome(agent.HomeOptions{
		Home:         home,
		Mode:         string(mode),
		AllowedHosts: hosts,
		ContextFiles: contextFiles,
		GitHub:       token != "",
	}, env.logger)
	if err != nil {
		return err
	}

	argv := args
	if len(argv) == 0 {
		argv = []string{cfg.Agent.Command}
	}
	env.Close()
	return agent.Exec(argv, procEnv)
}

// githubToken mints an installation token, or passes a static token through.
// Failures only disable the GitHub integration.
func githubToken(ctx context.Context, cfg *config.Config, logger *slog.Logger) string {
	gh := cfg.GitHub
	if !gh.AppConfigured() {
		return gh.Token
	}
	app, err := githubapp.New(gh.AppID, gh.PrivateKeyPath, gh.InstallationID, githubapp.Options{APIURL: gh.APIURL})
	if err != nil {
		logger.Warn("GitHub App key unusable, GitHub MCP disabled", "error", err)
		return gh.Token
	}
	tok, err := githubapp.NewTokenSource(app, nil, nil).Token(ctx)
	if err != nil {
		logger.Warn("failed to mint GitHub installation token, GitHub MCP disabled", "error", err)
		return gh.Token
	}
	return tok
}

func setEnv(env []string, key, value string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, key+"=") {
			out = append(out, kv)
		}
	}
	return append(out, key+"="+value)
}
