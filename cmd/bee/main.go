package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeanhaley32/sapphire-bee/internal/config"
	"github.com/jeanhaley32/sapphire-bee/internal/logging"
	"github.com/jeanhaley32/sapphire-bee/internal/platform"
)

var version = "0.1.0"

// Global flags
var (
	configFile string
	envFile    string
	logLevel   string
)

// exitError ends the process with code after printing msg, if any.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.msg
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "bee",
		Short:         "Sandboxed Claude Code environment",
		Long:          "Renders and drives a hardened Docker sandbox for Claude Code: DNS allowlist, per-host proxies, a locked-down agent container, a file task queue and a GitHub issue pool.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to bee.yaml (default ./bee.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to the .env file (default ./.env when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(
		newDoctorCmd(),
		newRenderCmd(),
		newBuildCmd(),
		newUpCmd(),
		newDownCmd(),
		newStatusCmd(),
		newRunCmd(),
		newAuditCmd(),
		newDNSCmd(),
		newQueueCmd(),
		newReportCmd(),
		newPoolCmd(),
		newGitHubCmd(),
		newScanCmd(),
		newDiffCmd(),
		newPromoteCmd(),
		newEntrypointCmd(),
		newVersionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtimeEnv is what every command gets after config and logging are set up.
type runtimeEnv struct {
	cfg     *config.Config
	logger  *slog.Logger
	closer  io.Closer
	workDir string
	envFile string
}

func (e *runtimeEnv) Close() {
	if e.closer != nil {
		_ = e.closer.Close()
		e.closer = nil
	}
}

type envOptions struct {
	// flags maps config keys to flag names that override them.
	flags map[string]string
	// fileLog also writes JSON logs under the state dir.
	fileLog bool
}

// loadEnv resolves configuration from defaults, bee.yaml, .env, the
// environment and command flags, then builds the logger.
func loadEnv(cmd *cobra.Command, opts envOptions) (*runtimeEnv, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	cfg, v, err := config.Load(config.LoadOptions{ConfigFile: configFile, EnvFile: envFile, WorkDir: wd})
	if err != nil {
		return nil, err
	}
	if len(opts.flags) > 0 {
		for key, name := range opts.flags {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
		if cfg, err = config.Decode(v, wd); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logOpts := logging.Options{Level: level, Stderr: os.Stderr, Journal: true}
	if opts.fileLog && cfg.Log.File {
		logOpts.LogFile = cfg.LogFile()
	}
	logger, closer, err := logging.New(logOpts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	env := &runtimeEnv{cfg: cfg, logger: logger, closer: closer, workDir: wd, envFile: envFile}
	if env.envFile == "" {
		env.envFile = filepath.Join(wd, ".env")
	}
	return env, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bee version %s\n", version)
			fmt.Printf("Platform: %s\n", platform.Detect())
		},
	}
}
