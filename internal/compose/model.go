// Package compose renders the docker compose topology for the sandbox and
// audits compose files against the agent hardening rules.
package compose

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the subset of the compose file format bee renders.
type File struct {
	Name     string              `yaml:"name,omitempty"`
	Services map[string]*Service `yaml:"services"`
	Networks map[string]*Network `yaml:"networks,omitempty"`
}

type Service struct {
	Image         string                     `yaml:"image,omitempty"`
	ContainerName string                     `yaml:"container_name,omitempty"`
	Hostname      string                     `yaml:"hostname,omitempty"`
	User          string                     `yaml:"user,omitempty"`
	WorkingDir    string                     `yaml:"working_dir,omitempty"`
	Entrypoint    []string                   `yaml:"entrypoint,omitempty"`
	Command       []string                   `yaml:"command,omitempty"`
	Environment   map[string]string          `yaml:"environment,omitempty"`
	Volumes       []string                   `yaml:"volumes,omitempty"`
	Tmpfs         []string                   `yaml:"tmpfs,omitempty"`
	Networks      map[string]*ServiceNetwork `yaml:"networks,omitempty"`
	NetworkMode   string                     `yaml:"network_mode,omitempty"`
	DNS           []string                   `yaml:"dns,omitempty"`
	DependsOn     []string                   `yaml:"depends_on,omitempty"`
	ReadOnly      bool                       `yaml:"read_only,omitempty"`
	CapDrop       []string                   `yaml:"cap_drop,omitempty"`
	CapAdd        []string                   `yaml:"cap_add,omitempty"`
	SecurityOpt   []string                   `yaml:"security_opt,omitempty"`
	PidsLimit     int                        `yaml:"pids_limit,omitempty"`
	MemLimit      string                     `yaml:"mem_limit,omitempty"`
	CPUs          float64                    `yaml:"cpus,omitempty"`
	Restart       string                     `yaml:"restart,omitempty"`
	StdinOpen     bool                       `yaml:"stdin_open,omitempty"`
	Tty           bool                       `yaml:"tty,omitempty"`
}

// ServiceNetwork pins a service to a fixed address on a network.
type ServiceNetwork struct {
	IPv4Address string `yaml:"ipv4_address,omitempty"`
}

type Network struct {
	Name     string `yaml:"name,omitempty"`
	Driver   string `yaml:"driver,omitempty"`
	Internal bool   `yaml:"internal,omitempty"`
	IPAM     *IPAM  `yaml:"ipam,omitempty"`
}

type IPAM struct {
	Config []IPAMConfig `yaml:"config"`
}

type IPAMConfig struct {
	Subnet string `yaml:"subnet"`
}

const generatedHeader = "# Generated by bee render. Do not edit; change bee.yaml or allowlist.yaml instead.\n"

// Marshal encodes f with two-space indentation and the generated-file header.
func Marshal(f *File) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(generatedHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("encode compose file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read decodes a compose file from disk.
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}
