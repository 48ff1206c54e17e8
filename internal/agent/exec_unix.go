//go:build darwin || linux

package agent

import "syscall"

func execSyscall(path string, args []string, env []string) error {
	return syscall.Exec(path, args, env)
}
