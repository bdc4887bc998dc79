//go:build !windows

package lock

import "golang.org/x/sys/unix"

// processAlive reports whether pid exists on this host. EPERM means it exists
// but belongs to another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return true
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
