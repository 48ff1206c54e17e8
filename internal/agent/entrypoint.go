package agent

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/jeanhaley32/sapphire-bee/internal/constants"
	"github.com/jeanhaley32/sapphire-bee/internal/embedded"
	"github.com/jeanhaley32/sapphire-bee/internal/fsutil"
)

// HomeOptions configures PrepareHome.
type HomeOptions struct {
	Home         string
	Mode         string
	AllowedHosts []string
	ContextFiles []string
	GitHub       bool
}

// PrepareHome writes ~/.claude/CLAUDE.md and merges ~/.claude/settings.json.
func PrepareHome(opts HomeOptions, logger *slog.Logger) error {
	if opts.Home == "" {
		opts.Home = constants.AgentHome
	}

	contextFiles, err := embedded.LoadContextFiles(opts.ContextFiles)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	err = embedded.RenderClaudeMD(&buf, embedded.Identity{
		Mode:         opts.Mode,
		ProjectMount: constants.ProjectMount,
		AllowedHosts: opts.AllowedHosts,
		GitHub:       opts.GitHub,
		Context:      contextFiles,
	})
	if err != nil {
		return fmt.Errorf("render CLAUDE.md: %w", err)
	}

	claudeDir := filepath.Join(opts.Home, ".claude")
	if err := os.MkdirAll(claudeDir, constants.DirPermissions); err != nil {
		return fmt.Errorf("failed to create %s: %w", claudeDir, err)
	}
	mdPath := filepath.Join(claudeDir, "CLAUDE.md")
	if err := fsutil.WriteFileAtomic(mdPath, buf.Bytes(), constants.PublicFilePermissions); err != nil {
		return fmt.Errorf("failed to write CLAUDE.md: %w", err)
	}

	settingsPath, err := embedded.WriteSettingsJSON(opts.Home, opts.GitHub)
	if err != nil {
		return err
	}

	logger.Info("agent home prepared", "claude_md", mdPath, "settings", settingsPath, "github", opts.GitHub)
	return nil
}

// Exec replaces the current process with argv. It only returns on failure.
func Exec(argv []string, env []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("no command to exec")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("%s not found in PATH: %w", argv[0], err)
	}
	return execSyscall(path, argv, env)
}
