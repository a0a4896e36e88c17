package irqpipe

import "sync/atomic"

// Per-stage status bits.
const (
	stallFlag   = 0 // virtualized interrupt flag -- guaranteed at bit #0
	syncFlag    = 1 // the log syncer is running for the stage
	nostackFlag = 2 // stage currently runs on a foreign stack
)

const (
	lomapSize = NrIRQs / 64
	mdmapSize = (lomapSize + 63) / 64
)

// stage is the per-(cpu, domain) state. Its own CPU mutates it with
// hardware interrupts off; the cross-CPU writers are UnlockIRQ, which
// re-logs held vectors on every CPU, and LockIRQ and ClearSyncOnSwitch
// when handed another CPU's index, which is why every word is atomic. The status
// word is the first field so the stall bit sits in the low-order bit of
// the first word of the record.
type stage struct {
	status atomic.Uint64

	// Pending log: a vector is pending iff its lomap bit and the
	// summary bits above it are all set.
	himap atomic.Uint64
	mdmap [mdmapSize]atomic.Uint64
	lomap [lomapSize]atomic.Uint64

	// held parks vectors whose source is locked.
	held [lomapSize]atomic.Uint64

	// irqall counts every arrival per vector, pending or held.
	irqall [NrIRQs]atomic.Uint64

	// evsync tracks events whose handler is running on this stage.
	evsync atomic.Uint64
}

func (p *stage) pending() bool { return p.himap.Load() != 0 }

func (p *stage) stalled() bool { return p.status.Load()&(1<<stallFlag) != 0 }

// reset clears everything but the status word, which must survive domain
// re-initialization to keep the stall invariants consistent across boot.
func (p *stage) reset() {
	p.himap.Store(0)
	for i := range p.mdmap {
		p.mdmap[i].Store(0)
	}
	for i := range p.lomap {
		p.lomap[i].Store(0)
		p.held[i].Store(0)
	}
	for i := range p.irqall {
		p.irqall[i].Store(0)
	}
	p.evsync.Store(0)
}

// Atomic single-bit helpers over status and map words.

func bitSet(w *atomic.Uint64, n uint) {
	for {
		old := w.Load()
		if old&(1<<n) != 0 {
			return
		}
		if w.CompareAndSwap(old, old|1<<n) {
			return
		}
	}
}

func bitClear(w *atomic.Uint64, n uint) {
	for {
		old := w.Load()
		if old&(1<<n) == 0 {
			return
		}
		if w.CompareAndSwap(old, old&^(1<<n)) {
			return
		}
	}
}

func bitTest(w *atomic.Uint64, n uint) bool {
	return w.Load()&(1<<n) != 0
}

func bitTestAndSet(w *atomic.Uint64, n uint) bool {
	for {
		old := w.Load()
		if old&(1<<n) != 0 {
			return true
		}
		if w.CompareAndSwap(old, old|1<<n) {
			return false
		}
	}
}

func bitTestAndClear(w *atomic.Uint64, n uint) bool {
	for {
		old := w.Load()
		if old&(1<<n) == 0 {
			return false
		}
		if w.CompareAndSwap(old, old&^(1<<n)) {
			return true
		}
	}
}
