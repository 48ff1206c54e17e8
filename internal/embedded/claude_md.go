package embedded

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Identity is the data rendered into the agent's CLAUDE.md.
type Identity struct {
	Mode         string
	ProjectMount string
	AllowedHosts []string
	GitHub       bool
	Context      []ContextFile
}

// ContextFile is an extra markdown file appended to CLAUDE.md.
type ContextFile struct {
	Name    string
	Content string
}

var claudeMDTemplate = template.Must(template.New("CLAUDE.md").Parse(`# Sandboxed Agent Environment

You are running inside a hardened container. Your access is intentionally restricted.

## Environment Boundaries

**You CAN access:**
- {{.ProjectMount}}/ - the project you were asked to work on ({{.Mode}} mode)
- /tmp and your home directory (both in-memory, wiped when the container stops)

**You CANNOT access:**
- The host filesystem outside {{.ProjectMount}}/
- The root filesystem for writing (it is read-only)
- Privileged operations (all capabilities are dropped, no sudo)

## Network
{{if eq .Mode "offline"}}
There is no network in this mode. Do not attempt downloads or API calls; work only
with what is already in {{.ProjectMount}}/.
{{else}}
DNS only resolves these hosts; every other name returns NXDOMAIN:
{{range .AllowedHosts}}
- {{.}}
{{- end}}

A failed lookup is the sandbox working as intended, not a bug to route around.
{{end}}
{{- if .GitHub}}
## GitHub

The github MCP server is configured with a short-lived token scoped to this
installation. Use it for issues, comments and pull requests instead of the web UI.
{{end}}
## Working Rules

1. Keep changes inside {{.ProjectMount}}/.
2. Prefer small, reviewable edits; a human promotes staging changes to the live project.
3. When a task comes from a queue file or an issue, finish by summarising what changed.
{{range .Context}}
---

<!-- {{.Name}} -->
{{.Content}}
{{end}}`))

// RenderClaudeMD writes the agent identity document.
func RenderClaudeMD(w io.Writer, id Identity) error {
	if id.ProjectMount == "" {
		id.ProjectMount = "/project"
	}
	if id.Mode == "" {
		id.Mode = "direct"
	}
	return claudeMDTemplate.Execute(w, id)
}

// LoadContextFiles reads markdown files to append to CLAUDE.md.
func LoadContextFiles(paths []string) ([]ContextFile, error) {
	var files []ContextFile
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read context file: %w", err)
		}
		files = append(files, ContextFile{
			Name:    filepath.Base(p),
			Content: strings.TrimSpace(string(data)),
		})
	}
	return files, nil
}
