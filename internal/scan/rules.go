// Package scan greps a project tree for risky calls an agent may have introduced.
package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is one named pattern. Extensions, when set, limits the rule to files
// with those suffixes (".gd", ".sh").
type Rule struct {
	Name        string   `yaml:"name" json:"name"`
	Pattern     string   `yaml:"pattern" json:"pattern"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Extensions  []string `yaml:"extensions,omitempty" json:"extensions,omitempty"`

	re *regexp.Regexp
}

func (r *Rule) compile() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule with pattern %q has no name", r.Pattern)
	}
	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("rule %s has no pattern", r.Name)
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.Name, err)
	}
	r.re = re
	for i, ext := range r.Extensions {
		if !strings.HasPrefix(ext, ".") {
			r.Extensions[i] = "." + ext
		}
	}
	return nil
}

func (r *Rule) appliesTo(path string) bool {
	if len(r.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range r.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

var builtinRules = []Rule{
	{Name: "shell_eval", Pattern: "(?:^|[\\s;&|(`])eval\\s+[\"'$\\w]", Description: "shell eval of a constructed string"},
	{Name: "js_eval", Pattern: `(?:^|[^.\w])eval\s*\(`, Description: "JavaScript eval"},
	{Name: "os_execute", Pattern: `\bOS\.execute(?:_with_pipe)?\s*\(`, Description: "runs a host process"},
	{Name: "os_shell_open", Pattern: `\bOS\.shell_open\s*\(`, Description: "opens a URL or path with the host shell"},
	{Name: "os_create_process", Pattern: `\bOS\.create_(?:process|instance)\s*\(`, Description: "spawns a host process"},
	{Name: "os_kill", Pattern: `\bOS\.kill\s*\(`, Description: "kills a host process"},
	{Name: "file_access_open", Pattern: `\bFileAccess\.open(?:_encrypted(?:_with_pass)?|_compressed)?\s*\(`, Description: "raw file access"},
	{Name: "dir_access_open", Pattern: `\bDirAccess\.(?:open|make_dir_recursive_absolute|rename_absolute|copy_absolute)\s*\(`, Description: "raw directory access"},
	{Name: "file_remove", Pattern: `\bDirAccess\.remove_absolute\s*\(|\bOS\.move_to_trash\s*\(`, Description: "deletes files"},
	{Name: "expression_eval", Pattern: `\bExpression\.new\s*\(`, Description: "evaluates expressions at runtime"},
	{Name: "dynamic_load", Pattern: `(?:^|[^\w.])load\s*\(\s*[^"'\s)]|\bResourceLoader\.load\s*\(\s*[^"'\s)]`, Description: "loads a resource from a non-literal path"},
	{Name: "http_request", Pattern: `\bHTTP(?:Request|Client)\b`, Description: "network access from game code"},
	{Name: "javascript_bridge_eval", Pattern: `\bJavaScriptBridge\.eval\s*\(`, Description: "evaluates JavaScript in the web export"},
	{Name: "curl_pipe_sh", Pattern: `\b(?:curl|wget)\b[^|\n]*\|\s*(?:sudo\s+)?(?:ba|z)?sh\b`, Description: "pipes a download into a shell"},
	{Name: "rm_rf_root", Pattern: `\brm\s+-[a-zA-Z]*(?:[rR]f|f[rR])[a-zA-Z]*\s+(?:--no-preserve-root\s+)?/(?:\s|\*|$)`, Description: "recursive delete of /"},
	{Name: "private_key", Pattern: `-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----`, Description: "embedded private key"},
}

// BuiltinRules returns compiled copies of the built-in rule set.
func BuiltinRules() []Rule {
	rules := make([]Rule, len(builtinRules))
	copy(rules, builtinRules)
	for i := range rules {
		if err := rules[i].compile(); err != nil {
			panic(err)
		}
	}
	return rules
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads extra rules from a YAML file:
//
//	rules:
//	  - name: todo_hack
//	    pattern: 'HACK\('
//	    extensions: [.gd]
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	for i := range f.Rules {
		if err := f.Rules[i].compile(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return f.Rules, nil
}

// MergeRules appends extra to base, rejecting duplicate names.
func MergeRules(base, extra []Rule) ([]Rule, error) {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]Rule, 0, len(base)+len(extra))
	for _, r := range append(append([]Rule(nil), base...), extra...) {
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule name %s", r.Name)
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	return out, nil
}
