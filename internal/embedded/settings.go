package embedded

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jeanhaley32/sapphire-bee/internal/constants"
	"github.com/jeanhaley32/sapphire-bee/internal/fsutil"
)

// SettingsJSON is the baseline Claude Code settings.json for the agent.
const SettingsJSON = `{
  "permissions": {
    "deny": [
      "Read(/run/secrets/**)",
      "Bash(sudo:*)",
      "Bash(docker:*)"
    ]
  },
  "mcpServers": {}
}
`

// GitHubMCPServer is the mcpServers entry for the GitHub MCP server. The server
// inherits GITHUB_PERSONAL_ACCESS_TOKEN from the entrypoint's environment, so
// the token is never written to disk.
func GitHubMCPServer() map[string]interface{} {
	return map[string]interface{}{
		"command": "github-mcp-server",
		"args":    []interface{}{"stdio"},
	}
}

// WriteSettingsJSON writes ~/.claude/settings.json under homeDir. Existing keys
// are preserved; the github MCP server is added when withGitHub is set.
func WriteSettingsJSON(homeDir string, withGitHub bool) (string, error) {
	claudeDir := filepath.Join(homeDir, ".claude")
	if err := os.MkdirAll(claudeDir, constants.DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create .claude directory: %w", err)
	}
	settingsPath := filepath.Join(claudeDir, "settings.json")

	var settings map[string]interface{}
	if err := json.Unmarshal([]byte(SettingsJSON), &settings); err != nil {
		return "", fmt.Errorf("failed to parse default settings: %w", err)
	}
	if withGitHub {
		settings["mcpServers"] = map[string]interface{}{"github": GitHubMCPServer()}
	}

	if existingData, err := os.ReadFile(settingsPath); err == nil {
		var existing map[string]interface{}
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return "", fmt.Errorf("failed to parse existing settings.json: %w", err)
		}
		settings = MergeSettings(existing, settings)
	}

	output, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := fsutil.WriteFileAtomic(settingsPath, append(output, '\n'), constants.PublicFilePermissions); err != nil {
		return "", fmt.Errorf("failed to write settings.json: %w", err)
	}
	return settingsPath, nil
}

// MergeSettings merges ours into existing. Keys the user already set win, except
// that mcpServers and permissions.deny are unioned.
func MergeSettings(existing, ours map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(existing)+len(ours))
	for k, v := range existing {
		result[k] = v
	}

	for k, v := range ours {
		switch k {
		case "mcpServers":
			result[k] = mergeMaps(toStringMap(existing[k]), toStringMap(v))
		case "permissions":
			result[k] = mergePermissions(toStringMap(existing[k]), toStringMap(v))
		default:
			if _, ok := result[k]; !ok {
				result[k] = v
			}
		}
	}
	return result
}

// mergeMaps adds src entries missing from dst.
func mergeMaps(dst, src map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range src {
		result[k] = v
	}
	for k, v := range dst {
		result[k] = v
	}
	return result
}

func mergePermissions(dst, src map[string]interface{}) map[string]interface{} {
	result := mergeMaps(dst, src)

	seen := make(map[string]bool)
	var deny []interface{}
	for _, list := range []interface{}{dst["deny"], src["deny"]} {
		items, _ := list.([]interface{})
		for _, item := range items {
			s, ok := item.(string)
			if !ok || seen[s] {
				continue
			}
			seen[s] = true
			deny = append(deny, s)
		}
	}
	if len(deny) > 0 {
		result["deny"] = deny
	}
	return result
}

// toStringMap safely converts interface{} to map[string]interface{}.
func toStringMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return make(map[string]interface{})
}
