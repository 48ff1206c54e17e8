package repo

import (
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// Pre-compiled regexes for sanitization (compiled once at package init)
var (
	pathSepRegex     = regexp.MustCompile(`[/:\\@\s]+`)
	unsafeCharRegex  = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	multiHyphenRegex = regexp.MustCompile(`-+`)
	ownerNameRegex   = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// Maximum length for project identifiers
const maxIdentifierLength = 63

// ErrNotGitHub is returned when the origin remote does not point at github.com.
var ErrNotGitHub = errors.New("origin remote is not a GitHub repository")

// Identifier derives names from a project checkout.
type Identifier interface {
	// ProjectName returns a short, filesystem- and compose-safe name. For GitHub
	// checkouts it is the repository name, otherwise the directory name.
	ProjectName(workspacePath string) string

	// GitHubRepo returns "owner/name" from the origin remote.
	GitHubRepo(workspacePath string) (string, error)
}

// GitIdentifier implements Identifier using git commands.
type GitIdentifier struct {
	// RemoteURL returns the origin URL of dir. Defaults to `git remote get-url origin`.
	RemoteURL func(dir string) (string, error)
}

// NewIdentifier creates a new repository identifier.
func NewIdentifier() *GitIdentifier {
	return &GitIdentifier{RemoteURL: gitRemoteURL}
}

func gitRemoteURL(dir string) (string, error) {
	output, err := exec.Command("git", "-C", dir, "remote", "get-url", "origin").Output()
	if err != nil {
		return "", fmt.Errorf("no origin remote in %s: %w", dir, err)
	}
	return strings.TrimSpace(string(output)), nil
}

func (g *GitIdentifier) remote(dir string) (string, error) {
	if g.RemoteURL == nil {
		return gitRemoteURL(dir)
	}
	return g.RemoteURL(dir)
}

func (g *GitIdentifier) ProjectName(workspacePath string) string {
	if remote, err := g.remote(workspacePath); err == nil {
		if _, name, ok := ParseGitHubRemote(remote); ok {
			return sanitizeName(name)
		}
	}
	absPath, err := filepath.Abs(workspacePath)
	if err != nil {
		absPath = workspacePath
	}
	return sanitizeName(filepath.Base(absPath))
}

func (g *GitIdentifier) GitHubRepo(workspacePath string) (string, error) {
	remote, err := g.remote(workspacePath)
	if err != nil {
		return "", err
	}
	owner, name, ok := ParseGitHubRemote(remote)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotGitHub, remote)
	}
	return owner + "/" + name, nil
}

// ParseGitHubRemote extracts owner and name from a github.com remote URL.
// Examples:
//   - https://github.com/user/repo.git
//   - git@github.com:user/repo.git
//   - ssh://git@github.com/user/repo
func ParseGitHubRemote(remote string) (owner, name string, ok bool) {
	remote = strings.TrimSpace(remote)

	var path string
	switch {
	case strings.HasPrefix(remote, "git@github.com:"):
		path = strings.TrimPrefix(remote, "git@github.com:")
	case strings.Contains(remote, "://"):
		u, err := url.Parse(remote)
		if err != nil || !strings.EqualFold(u.Hostname(), "github.com") {
			return "", "", false
		}
		path = u.Path
	default:
		return "", "", false
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || !ownerNameRegex.MatchString(parts[0]) || !ownerNameRegex.MatchString(parts[1]) {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// sanitizeName converts a string to a filesystem-safe name.
func sanitizeName(name string) string {
	// Replace path separators and special characters with hyphens
	name = pathSepRegex.ReplaceAllString(name, "-")

	// Remove any remaining unsafe characters
	name = unsafeCharRegex.ReplaceAllString(name, "")

	// Collapse multiple hyphens
	name = multiHyphenRegex.ReplaceAllString(name, "-")

	// compose project names are lowercase
	name = strings.ToLower(strings.Trim(name, "-."))

	if len(name) > maxIdentifierLength {
		name = strings.TrimRight(name[:maxIdentifierLength], "-.")
	}

	if name == "" {
		name = "project"
	}

	return name
}
