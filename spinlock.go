package irqpipe

import (
	"runtime"
	"sync/atomic"
)

// spinlock is a raw test-and-set lock. It is only ever taken with
// hardware interrupts off, so holders cannot be preempted by the
// pipeline itself; Gosched keeps simulated CPUs sharing an OS thread
// honest.
type spinlock struct {
	v atomic.Uint32
}

func (l *spinlock) lock() {
	for !l.v.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (l *spinlock) unlock() {
	l.v.Store(0)
}

// Spinlock is a stall-aware spinlock for pipeline clients: acquisition
// disables hardware interrupts and stalls the current stage, so code
// under the lock observes the same virtual masking it would under a
// local interrupt disable.
type Spinlock struct {
	bare spinlock
}

// IRQState packs the hardware interrupt state and the previous stall bit
// across a SpinLockIRQSave/SpinUnlockIRQRestore pair.
type IRQState uint8

const (
	irqStateHWOn  IRQState = 1 << iota
	irqStateStall
)

// SpinLockIRQ takes l with hardware interrupts off and stalls the
// current stage.
func (pp *Pipeline) SpinLockIRQ(l *Spinlock) {
	pp.platform.DisableIRQs()
	l.bare.lock()
	bitSet(&pp.currentStage().status, stallFlag)
}

// SpinUnlockIRQ releases l, unstalls the current stage and re-enables
// hardware interrupts.
func (pp *Pipeline) SpinUnlockIRQ(l *Spinlock) {
	l.bare.unlock()
	bitClear(&pp.currentStage().status, stallFlag)
	pp.platform.EnableIRQs()
}

// SpinLockIRQSave takes l and returns the combined hardware and stall
// state to hand back to SpinUnlockIRQRestore.
func (pp *Pipeline) SpinLockIRQSave(l *Spinlock) IRQState {
	var x IRQState
	if pp.platform.DisableIRQs() {
		x |= irqStateHWOn
	}
	l.bare.lock()
	if bitTestAndSet(&pp.currentStage().status, stallFlag) {
		x |= irqStateStall
	}
	return x
}

// SpinUnlockIRQRestore releases l and restores the state captured by
// SpinLockIRQSave.
func (pp *Pipeline) SpinUnlockIRQRestore(l *Spinlock, x IRQState) {
	l.bare.unlock()
	if x&irqStateStall == 0 {
		bitClear(&pp.currentStage().status, stallFlag)
	}
	pp.platform.RestoreIRQs(x&irqStateHWOn != 0)
}
