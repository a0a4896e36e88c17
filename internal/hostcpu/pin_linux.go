//go:build linux

// Package hostcpu pins simulated CPU goroutines to host processors so
// cross-CPU timing in the simulator resembles a real machine.
package hostcpu

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to an OS thread and binds that thread
// to host CPU cpu (modulo the host CPU count). Returns false if the
// affinity call failed; the goroutine stays locked either way.
func Pin(cpu int) bool {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Set(cpu % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set) == nil
}
