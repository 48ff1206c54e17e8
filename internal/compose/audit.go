package compose

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jeanhaley32/sapphire-bee/internal/config"
	"github.com/jeanhaley32/sapphire-bee/internal/constants"
)

// Violation is one broken hardening rule.
type Violation struct {
	Service string
	Rule    string
	Detail  string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: [%s] %s", v.Service, v.Rule, v.Detail)
}

// auditService decodes loosely so hand-written compose files with long-form
// volumes or string-typed limits can still be audited.
type auditService struct {
	ContainerName string   `yaml:"container_name"`
	User          string   `yaml:"user"`
	ReadOnly      bool     `yaml:"read_only"`
	Privileged    bool     `yaml:"privileged"`
	CapDrop       []string `yaml:"cap_drop"`
	SecurityOpt   []string `yaml:"security_opt"`
	PidsLimit     any      `yaml:"pids_limit"`
	MemLimit      any      `yaml:"mem_limit"`
	CPUs          any      `yaml:"cpus"`
	Tmpfs         any      `yaml:"tmpfs"`
	Volumes       []any    `yaml:"volumes"`
	Deploy        struct {
		Resources struct {
			Limits struct {
				CPUs   any `yaml:"cpus"`
				Memory any `yaml:"memory"`
				Pids   any `yaml:"pids"`
			} `yaml:"limits"`
		} `yaml:"resources"`
	} `yaml:"deploy"`
}

// Audit reads a compose file and reports hardening violations.
func Audit(path string) ([]Violation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	return AuditBytes(data)
}

// AuditBytes checks every agent service against the hardening rules and every
// service for privileged mode and docker socket mounts.
func AuditBytes(data []byte) ([]Violation, error) {
	var f struct {
		Services map[string]auditService `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}

	var out []Violation
	for name, svc := range f.Services {
		add := func(rule, format string, args ...any) {
			out = append(out, Violation{Service: name, Rule: rule, Detail: fmt.Sprintf(format, args...)})
		}

		if svc.Privileged {
			add("privileged", "privileged mode is enabled")
		}
		for _, vol := range svc.Volumes {
			if src := volumeSource(vol); strings.Contains(src, "docker.sock") {
				add("docker_socket", "mounts the docker socket (%s)", src)
			}
		}

		if !isAgent(name, svc) {
			continue
		}

		if !svc.ReadOnly {
			add("read_only", "root filesystem is writable")
		}
		if !containsFold(svc.CapDrop, "ALL") {
			add("cap_drop", "capabilities are not dropped with cap_drop: [ALL]")
		}
		if !hasNoNewPrivileges(svc.SecurityOpt) {
			add("no_new_privileges", "security_opt lacks no-new-privileges:true")
		}
		if isRootUser(svc.User) {
			add("user", "runs as root (user %q)", svc.User)
		}

		pids, ok := firstInt(svc.PidsLimit, svc.Deploy.Resources.Limits.Pids)
		switch {
		case !ok:
			add("pids_limit", "no pids limit")
		case pids <= 0 || pids > constants.MaxPidsLimit:
			add("pids_limit", "pids limit %d is outside 1..%d", pids, constants.MaxPidsLimit)
		}

		mem, ok, err := memoryLimit(svc.MemLimit, svc.Deploy.Resources.Limits.Memory)
		switch {
		case err != nil:
			add("memory", "%v", err)
		case !ok:
			add("memory", "no memory limit")
		case mem > constants.MaxMemoryBytes:
			add("memory", "memory limit %d bytes exceeds %d", mem, int64(constants.MaxMemoryBytes))
		}

		cpus, ok := firstFloat(svc.CPUs, svc.Deploy.Resources.Limits.CPUs)
		switch {
		case !ok:
			add("cpus", "no cpu limit")
		case cpus <= 0 || cpus > constants.MaxCPUs:
			add("cpus", "cpu limit %g is outside (0, %g]", cpus, constants.MaxCPUs)
		}

		for _, mount := range tmpfsEntries(svc.Tmpfs) {
			if !strings.Contains(mount, "size=") {
				add("tmpfs", "tmpfs %s has no size limit", mount)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].Detail < out[j].Detail
	})
	return out, nil
}

func isAgent(name string, svc auditService) bool {
	return strings.HasPrefix(name, constants.AgentService) || strings.HasPrefix(svc.ContainerName, constants.AgentService)
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

func hasNoNewPrivileges(opts []string) bool {
	for _, o := range opts {
		o = strings.ReplaceAll(strings.TrimSpace(o), "=", ":")
		if o == "no-new-privileges" || o == "no-new-privileges:true" {
			return true
		}
	}
	return false
}

func isRootUser(user string) bool {
	uid, _, _ := strings.Cut(strings.TrimSpace(user), ":")
	return uid == "" || uid == "root" || uid == "0"
}

// volumeSource returns the host side of a short ("src:dst[:mode]") or long form volume.
func volumeSource(v any) string {
	switch vol := v.(type) {
	case string:
		src, _, _ := strings.Cut(vol, ":")
		return src
	case map[string]any:
		if s, ok := vol["source"].(string); ok {
			return s
		}
	}
	return ""
}

func tmpfsEntries(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func firstInt(values ...any) (int, bool) {
	for _, v := range values {
		switch n := v.(type) {
		case int:
			return n, true
		case float64:
			return int(n), true
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}

func firstFloat(values ...any) (float64, bool) {
	for _, v := range values {
		switch n := v.(type) {
		case int:
			return float64(n), true
		case float64:
			return n, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func memoryLimit(values ...any) (int64, bool, error) {
	for _, v := range values {
		switch n := v.(type) {
		case int:
			return int64(n), true, nil
		case string:
			size, err := config.ParseByteSize(n)
			if err != nil {
				return 0, false, fmt.Errorf("memory limit: %w", err)
			}
			return size, true, nil
		}
	}
	return 0, false, nil
}
