//go:build !linux

package supervisor

// awaitExit has no non-reaping wait to offer here; signalling stops as
// soon as cmd.Wait returns.
func awaitExit(pid int) bool {
	return false
}
