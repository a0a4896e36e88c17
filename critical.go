package irqpipe

import (
	"runtime"
	"sync/atomic"
)

// criticalState implements the cross-CPU superlock: one CPU runs a
// critical section while every other online CPU spins in the critical
// IPI handler with hardware interrupts off, rendezvoused through the
// barrier lock.
type criticalState struct {
	syncMap atomic.Uint64 // CPUs currently parked in doCriticalSync
	lockMap atomic.Uint64 // CPUs owning or requesting the superlock
	lock    atomic.Uint32 // global critical lock bit
	barrier spinlock
	count   atomic.Int32
	syncFn  atomic.Pointer[func()]
}

// CriticalEnter excludes all CPUs but the current one from a global
// critical section, whatever context they are running: the other CPUs
// take the critical IPI and spin with hardware interrupts off until
// CriticalExit. If syncFn is non-nil, every other CPU runs it exactly
// once before leaving the rendezvous. Reentrant on the owning CPU.
// Returns the hardware interrupt state to pass back to CriticalExit.
func (pp *Pipeline) CriticalEnter(syncFn func()) bool {
	on := pp.platform.DisableIRQs()

	if !pp.cfg.SMP || pp.ncpus == 1 {
		return on
	}

	cpu := pp.cpu()

	if !bitTestAndSet(&pp.crit.lockMap, uint(cpu)) {
		for !pp.crit.lock.CompareAndSwap(0, 1) {
			// Tie-break contending requestors by CPU index.
			for n := 0; n < cpu+1; n++ {
				runtime.Gosched()
			}
		}

		pp.crit.barrier.lock()

		if syncFn != nil {
			pp.crit.syncFn.Store(&syncFn)
		} else {
			pp.crit.syncFn.Store(nil)
		}

		// Kick every other processor and wait until all of them have
		// entered the rendezvous.
		pp.platform.IPIAllButSelf(CriticalIPI)

		// CPUs that are themselves requesting the superlock spin with
		// hardware IRQs off and cannot join the rendezvous; leave them
		// out, re-sampling since more may arrive while we wait.
		for {
			want := uint64(MaskAll(pp.ncpus)) &^ pp.crit.lockMap.Load()
			if pp.crit.syncMap.Load() == want {
				break
			}
			runtime.Gosched()
		}
	}

	pp.crit.count.Add(1)

	return on
}

// CriticalExit releases the superlock taken by CriticalEnter and
// restores the hardware interrupt state it returned.
func (pp *Pipeline) CriticalExit(on bool) {
	if pp.cfg.SMP && pp.ncpus > 1 {
		if pp.crit.count.Add(-1) == 0 {
			pp.crit.barrier.unlock()

			for pp.crit.syncMap.Load() != 0 {
				runtime.Gosched()
			}

			bitClear(&pp.crit.lockMap, uint(pp.cpu()))
			pp.crit.lock.Store(0)
		}
	}

	pp.platform.RestoreIRQs(on)
}

// doCriticalSync is the critical IPI handler. Always entered with
// hardware IRQs off.
func (pp *Pipeline) doCriticalSync(int, any) {
	cpu := pp.cpu()

	bitSet(&pp.crit.syncMap, uint(cpu))

	// Now in sync with the lock requestor running on another CPU; spin
	// until it releases the barrier.
	pp.crit.barrier.lock()

	if fn := pp.crit.syncFn.Load(); fn != nil {
		(*fn)()
	}

	pp.crit.barrier.unlock()

	bitClear(&pp.crit.syncMap, uint(cpu))
}

// hookCriticalIPI wires the critical IPI on ipd: handled immediately in
// whatever domain is current, never passed down.
func (pp *Pipeline) hookCriticalIPI(ipd *Domain) {
	ipd.irqs[CriticalIPI].action.Store(&irqAction{
		handler:     pp.doCriticalSync,
		acknowledge: pp.platform.AckVector,
	})
	ipd.irqs[CriticalIPI].control.Store(uint32(Handle | Sticky | System))
}
