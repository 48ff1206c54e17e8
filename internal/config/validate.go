package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationError lists every invalid field found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// Validate checks values that every command depends on. Command-specific
// requirements (project path for `up`, GitHub settings for `pool`) are checked
// by the commands themselves.
func (c *Config) Validate() error {
	var problems []string

	if _, err := ParseByteSize(c.Sandbox.Memory); err != nil {
		problems = append(problems, fmt.Sprintf("sandbox.memory: %v", err))
	}
	if c.Sandbox.CPUs <= 0 {
		problems = append(problems, "sandbox.cpus must be positive")
	}
	if c.Sandbox.PidsLimit <= 0 {
		problems = append(problems, "sandbox.pids_limit must be positive")
	}
	if strings.TrimSpace(c.Agent.Command) == "" {
		problems = append(problems, "agent.command is empty")
	}
	if c.Queue.PollInterval <= 0 {
		problems = append(problems, "queue.poll_interval must be positive")
	}
	if c.Queue.TaskTimeout <= 0 {
		problems = append(problems, "queue.task_timeout must be positive")
	}
	if c.Pool.Workers < 1 {
		problems = append(problems, "pool.workers must be at least 1")
	}
	if c.Pool.PollInterval <= 0 {
		problems = append(problems, "pool.poll_interval must be positive")
	}
	if c.GitHub.Repo != "" && strings.Count(c.GitHub.Repo, "/") != 1 {
		problems = append(problems, fmt.Sprintf("github.repo %q must be owner/name", c.GitHub.Repo))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ParseByteSize parses docker-style sizes such as "512m", "2g" or "1073741824".
func ParseByteSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	s = strings.TrimSuffix(s, "b")
	switch {
	case strings.HasSuffix(s, "k"):
		multiplier = 1 << 10
	case strings.HasSuffix(s, "m"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "g"):
		multiplier = 1 << 30
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(n * float64(multiplier)), nil
}
