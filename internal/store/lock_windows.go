//go:build windows

package store

import "os"

// processAlive checks whether a process with the given pid exists. On
// Windows, FindProcess fails for dead pids.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}
