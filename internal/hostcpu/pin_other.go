//go:build !linux

package hostcpu

import "runtime"

// Pin locks the calling goroutine to an OS thread. CPU affinity is not
// available on this platform.
func Pin(int) bool {
	runtime.LockOSThread()
	return false
}
