package platform

import (
	"os"
	"path/filepath"
	"runtime"
)

// OS represents a supported operating system.
type OS string

const (
	MacOS   OS = "darwin"
	Linux   OS = "linux"
	Unknown OS = "unknown"
)

// Detect returns the current operating system.
func Detect() OS {
	switch runtime.GOOS {
	case "darwin":
		return MacOS
	case "linux":
		return Linux
	default:
		return Unknown
	}
}

// IsMacOS returns true if running on macOS.
func IsMacOS() bool {
	return Detect() == MacOS
}

// IsSupported returns true if the current OS can host the sandbox stack.
func IsSupported() bool {
	os := Detect()
	return os == MacOS || os == Linux
}

// DockerHint returns the platform-specific advice shown when the daemon is unreachable.
func DockerHint() string {
	switch Detect() {
	case MacOS:
		return "start Docker Desktop and wait for the whale icon to settle"
	case Linux:
		return "start the daemon with 'sudo systemctl start docker' and check your user is in the docker group"
	default:
		return "install Docker and make sure the daemon is running"
	}
}

// DockerSocketCandidates lists the socket paths checked by the doctor, most specific first.
func DockerSocketCandidates() []string {
	candidates := []string{"/var/run/docker.sock"}
	if home, err := os.UserHomeDir(); err == nil && IsMacOS() {
		candidates = append([]string{filepath.Join(home, ".docker", "run", "docker.sock")}, candidates...)
	}
	return candidates
}
