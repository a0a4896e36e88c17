package irqpipe

// The dispatcher implements deferred delivery: an arriving interrupt is
// acknowledged once, logged on every handling domain, and then the
// pipeline is walked so the highest-priority unstalled stage with
// pending work runs first. See "Optimistic interrupt protection"
// (Stodolsky et al.) for the deferral scheme syncStage implements.

// HandleIRQ is the generic interrupt entry point, called by the platform
// stub with hardware IRQs off once the incoming vector has been decoded.
// acked tells whether the stub already acknowledged the vector at the
// controller (self-triggered vectors come in acknowledged). The return
// value tells the root stub whether to continue into the root domain's
// native interrupt path: true iff the CPU ends up over an unstalled root
// stage.
func (pp *Pipeline) HandleIRQ(irq int, frame *Frame, acked bool) bool {
	if pp.cfg.DebugInternal {
		if irq < 0 || irq >= NrIRQs {
			panic("irqpipe: vector out of range")
		}
		if pp.platform.IRQsEnabled() {
			panic("irqpipe: HandleIRQ entered with hardware IRQs on")
		}
	}

	this := pp.Current()
	doms := pp.list()

	start := 0
	if this.irqs[irq].has(Sticky) {
		start = indexOf(doms, this)
	} else if next := doms[0]; next.irqs[irq].has(Wired) {
		if !acked {
			if ack := next.irqs[irq].act().acknowledge; ack != nil {
				ack(irq)
			}
		}
		pp.dispatchWired(next, irq)
		pp.finalizeIRQ(irq, frame)
		return pp.rootReentry()
	}

	// Log the interrupt on every handling domain from the start
	// position, acknowledging on behalf of the first one; stop at the
	// first domain that does not pass it further down.
	for pos := start; pos < len(doms); pos++ {
		next := doms[pos]
		if next.irqs[irq].has(Handle) {
			pp.setIRQPending(next, irq)
			if !acked {
				if ack := next.irqs[irq].act().acknowledge; ack != nil {
					ack(irq)
					acked = true
				}
			}
		}
		if !next.irqs[irq].has(Pass) {
			break
		}
	}

	// If the interrupt preempted the head, do not even try to walk the
	// pipeline unless the head itself has work pending.
	if !this.Ahead() || pp.stageOf(doms[0]).pending() {
		pp.walkPipeline(doms, start)
	}

	pp.finalizeIRQ(irq, frame)
	return pp.rootReentry()
}

// finalizeIRQ records the interrupted frame of the tick vector so the
// timer handler can charge CPU time to the right context.
func (pp *Pipeline) finalizeIRQ(irq int, frame *Frame) {
	if frame == nil || irq != pp.platform.Clock().TickIRQ {
		return
	}
	snap := *frame
	if pp.Current() != pp.root {
		snap.IRQsOn = false
	}
	pp.cpus[pp.cpu()].tickFrame.Store(&snap)
}

func (pp *Pipeline) rootReentry() bool {
	return pp.Current() == pp.root && !pp.rootStage().stalled()
}

// dispatchWired delivers irq straight to the invariant head: no log
// walk, a single indirect call after the acknowledge. The head must not
// be stalled or have the vector locked; otherwise the occurrence is
// parked for the normal sync path.
func (pp *Pipeline) dispatchWired(head *Domain, irq int) {
	p := pp.stageOf(head)

	if head.irqs[irq].has(Locked) {
		// Cannot process now; it will get played during a log sync
		// when the source is unlocked.
		setIRQHeld(p, irq)
		return
	}

	if p.stalled() {
		pp.setIRQPending(head, irq)
		return
	}

	pp.dispatchWiredNocheck(head, irq)
}

func (pp *Pipeline) dispatchWiredNocheck(head *Domain, irq int) {
	p := pp.stageOf(head)

	old := pp.Current()
	pp.setCurrent(head)

	p.irqall[irq].Add(1)
	bitSet(&p.status, stallFlag)
	if act := head.irqs[irq].act(); act.handler != nil {
		act.handler(irq, act.cookie)
	}
	bitClear(&p.status, stallFlag)

	if pp.Current() == head {
		pp.setCurrent(old)
		if old == head {
			if p.pending() {
				pp.syncStage(false)
			}
			return
		}
	}

	doms := pp.list()
	pp.walkPipeline(doms, indexOf(doms, head))
}

// walkPipeline plays interrupts pending in the log, from position pos of
// the dispatch snapshot down to the current domain. Must be called with
// hardware IRQs off.
func (pp *Pipeline) walkPipeline(doms []*Domain, pos int) {
	this := pp.Current()
	p := pp.stageOf(this)

	for pos >= 0 && pos < len(doms) {
		next := doms[pos]
		np := pp.stageOf(next)

		if np.stalled() {
			break // Stalled stage -- do not go further.
		}

		if np.pending() {
			if next == this {
				pp.syncStage(false)
			} else {
				p.evsync.Store(0)
				pp.setCurrent(next)
				pp.SuspendDomain() // Sync stage and propagate interrupts.

				if pp.Current() == next {
					pp.setCurrent(this)
				}
				// Otherwise something migrated the current domain
				// under our feet; do not override the new one.

				if p.pending() && !p.stalled() {
					pp.syncStage(false)
				}
			}
			break
		} else if next == this {
			break
		}

		pos++
	}
}

// SuspendDomain yields the current stage: its log is flushed, then
// control moves down the pipeline to the next stage with pending work
// until everything deliverable has run.
func (pp *Pipeline) SuspendDomain() {
	on := pp.platform.DisableIRQs()

	this := pp.Current()
	next := this
	p := pp.stageOf(this)
	for {
		old := p.status.Load()
		if p.status.CompareAndSwap(old, old&^(1<<stallFlag|1<<syncFlag)) {
			break
		}
	}

	doms := pp.list()
	idx := indexOf(doms, next)

	if p.pending() {
		pp.syncStage(false)
		if cur := pp.Current(); cur != next {
			// Something changed the current domain under our feet;
			// take note.
			this = cur
		}
	}

	for {
		idx++
		if idx < 0 || idx >= len(doms) {
			break
		}
		next = doms[idx]
		p = pp.stageOf(next)

		if p.stalled() {
			break
		}
		if !p.pending() {
			continue
		}

		pp.setCurrent(next)
		pp.syncStage(false)
		if cur := pp.Current(); cur != next {
			this = cur
		}
	}

	pp.setCurrent(this)

	pp.platform.RestoreIRQs(on)
}

// syncStage flushes the pending log of the current stage, running ISRs
// in ascending vector order; with dovirt set only the virtual range is
// flushed. Every interrupt logged while the stage was stalled gets
// played. Must be called with hardware IRQs off; SMP callers should
// check for CPU migration on return.
func (pp *Pipeline) syncStage(dovirt bool) {
	ipd := pp.Current()
	p := pp.stageOf(ipd)

	if bitTestAndSet(&p.status, syncFlag) {
		// The root stage is allowed to pile up interrupts over busy
		// waits in interrupt context; non-root stages are not.
		if ipd != pp.root {
			return
		}
	}

	cpu := pp.cpu()

	for {
		irq := pp.nextIRQ(p, dovirt)
		if irq < 0 {
			break
		}

		if ipd.irqs[irq].has(Locked) {
			continue
		}

		bitSet(&p.status, stallFlag)
		// The atomic status update orders the map updates above
		// before the handler call.

		pp.runISR(ipd, irq)

		p = pp.currentStage()
		if pp.cfg.SMP {
			if newcpu := pp.cpu(); newcpu != cpu {
				// CPU migration inside the loop: the source CPU's
				// SYNC bit stays set, its scheduler clears it on the
				// next context switch (ClearSyncOnSwitch). Keep
				// syncing from the new CPU.
				bitSet(&p.status, syncFlag)
				cpu = newcpu
			}
		}
		bitClear(&p.status, stallFlag)
	}

	bitClear(&p.status, syncFlag)
}

// runISR invokes the installed handler for irq over ipd. Hardware IRQs
// are re-enabled around the call unless ipd heads the pipeline, so the
// head is never starved while a lower stage handles its backlog; they
// are off again on return.
func (pp *Pipeline) runISR(ipd *Domain, irq int) {
	if !pp.isHead(ipd) {
		pp.platform.EnableIRQs()
	}

	act := ipd.irqs[irq].act()
	if act.handler != nil {
		if ipd == pp.root {
			act.handler(irq, act.cookie)
		} else {
			p := pp.stageOf(ipd)
			bitClear(&p.status, syncFlag)
			act.handler(irq, act.cookie)
			bitSet(&p.status, syncFlag)
		}
	}

	pp.platform.DisableIRQs()
}
