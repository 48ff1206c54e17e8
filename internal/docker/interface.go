package docker

import (
	"context"
	"io"
)

// Command is one docker CLI invocation.
type Command struct {
	Args []string
	Dir  string
	Env  []string

	// Stdout and Stderr stream output when set; otherwise combined output is returned.
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes docker commands. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ContainerInfo is the part of `docker inspect` output bee reads.
type ContainerInfo struct {
	Name  string `json:"Name"`
	State struct {
		Status   string `json:"Status"`
		Running  bool   `json:"Running"`
		ExitCode int    `json:"ExitCode"`
	} `json:"State"`
	HostConfig struct {
		ReadonlyRootfs bool     `json:"ReadonlyRootfs"`
		CapDrop        []string `json:"CapDrop"`
		SecurityOpt    []string `json:"SecurityOpt"`
		PidsLimit      *int64   `json:"PidsLimit"`
		Memory         int64    `json:"Memory"`
		NanoCpus       int64    `json:"NanoCpus"`
		NetworkMode    string   `json:"NetworkMode"`
	} `json:"HostConfig"`
	NetworkSettings struct {
		Networks map[string]struct {
			IPAddress string `json:"IPAddress"`
		} `json:"Networks"`
	} `json:"NetworkSettings"`
}
