//go:build linux

package supervisor

import (
	"golang.org/x/sys/unix"
)

// awaitExit blocks until the process has exited without reaping it, so
// the PID stays reserved while signalling is switched off. Returns false
// if the kernel refused the wait; the caller then relies on cmd.Wait alone.
func awaitExit(pid int) bool {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err == unix.EINTR {
			continue
		}
		return err == nil
	}
}
