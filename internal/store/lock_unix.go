//go:build !windows

package store

import (
	"os"
	"syscall"
)

// processAlive checks whether a process with the given pid exists by sending
// signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
