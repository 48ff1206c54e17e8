//go:build darwin || linux

package docker

import "syscall"

// execSyscall hands the terminal to path. It only returns on failure.
func execSyscall(path string, args []string, env []string) error {
	return syscall.Exec(path, args, env)
}
