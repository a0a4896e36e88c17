package irqpipe

// The stall bit is the virtualized interrupt flag: while a domain is
// stalled on a CPU, interrupts destined to it accumulate in its log
// instead of running. All status manipulation happens with hardware
// IRQs off, because the status word is per-CPU and a migration in the
// middle would corrupt a foreign CPU's state. One asymmetry runs through
// the whole family: when the target domain heads the pipeline, hardware
// IRQs are left in the state the head owns (off after a stall, on after
// an unstall) instead of being restored, since the head's virtual flag
// is the machine's real one.

// StallFrom stalls ipd on the calling CPU.
func (pp *Pipeline) StallFrom(ipd *Domain) {
	on := pp.platform.DisableIRQs()

	bitSet(&pp.stageOf(ipd).status, stallFlag)

	if !pp.isHead(ipd) {
		pp.platform.RestoreIRQs(on)
	}
}

// TestAndStallFrom stalls ipd on the calling CPU and returns the
// previous stall state.
func (pp *Pipeline) TestAndStallFrom(ipd *Domain) bool {
	on := pp.platform.DisableIRQs()

	x := bitTestAndSet(&pp.stageOf(ipd).status, stallFlag)

	if !pp.isHead(ipd) {
		pp.platform.RestoreIRQs(on)
	}
	return x
}

// TestFrom reports the stall state of ipd on the calling CPU.
func (pp *Pipeline) TestFrom(ipd *Domain) bool {
	return pp.stageOf(ipd).stalled()
}

// UnstallFrom clears the stall bit of ipd on the calling CPU and plays
// whatever became deliverable downstream.
func (pp *Pipeline) UnstallFrom(ipd *Domain) {
	pp.TestAndUnstallFrom(ipd)
}

// TestAndUnstallFrom is UnstallFrom returning the previous stall state.
func (pp *Pipeline) TestAndUnstallFrom(ipd *Domain) bool {
	on := pp.platform.DisableIRQs()

	x := bitTestAndClear(&pp.stageOf(ipd).status, stallFlag)

	doms := pp.list()
	pos := 0
	if ipd == pp.Current() {
		pos = indexOf(doms, ipd)
	}
	pp.walkPipeline(doms, pos)

	if pp.isHead(ipd) {
		pp.platform.EnableIRQs()
	} else {
		pp.platform.RestoreIRQs(on)
	}
	return x
}

// RestoreFrom re-establishes a stall state previously sampled with
// TestAndStallFrom or TestAndUnstallFrom.
func (pp *Pipeline) RestoreFrom(ipd *Domain, x bool) {
	if x {
		pp.StallFrom(ipd)
	} else {
		pp.UnstallFrom(ipd)
	}
}

// Head specializations. The head stage owns the CPU while unstalled, so
// these leave hardware IRQs in the state implied by the new stall bit.

// StallHead stalls the head stage and leaves hardware IRQs off.
func (pp *Pipeline) StallHead() {
	pp.platform.DisableIRQs()
	bitSet(&pp.headStage().status, stallFlag)
}

// TestAndStallHead is StallHead returning the previous stall state.
func (pp *Pipeline) TestAndStallHead() bool {
	pp.platform.DisableIRQs()
	return bitTestAndSet(&pp.headStage().status, stallFlag)
}

// UnstallHead clears the head stall bit and syncs its log if anything is
// pending. Hardware IRQs are on when it returns.
func (pp *Pipeline) UnstallHead() {
	pp.platform.DisableIRQs()

	p := pp.headStage()
	bitClear(&p.status, stallFlag)

	if p.pending() {
		doms := pp.list()
		if doms[0] == pp.Current() {
			pp.syncStage(false)
		} else {
			pp.walkPipeline(doms, 0)
		}
	}

	pp.platform.EnableIRQs()
}

// RestoreHead re-establishes a head stall state. The common case where x
// already matches the current bit is a single test.
func (pp *Pipeline) RestoreHead(x bool) {
	if x == bitTest(&pp.headStage().status, stallFlag) {
		return
	}
	pp.restoreHeadSlow(x)
}

func (pp *Pipeline) restoreHeadSlow(x bool) {
	pp.platform.DisableIRQs()

	p := pp.headStage()
	if x {
		bitSet(&p.status, stallFlag)
		return
	}

	bitClear(&p.status, stallFlag)
	if p.pending() {
		doms := pp.list()
		if doms[0] == pp.Current() {
			pp.syncStage(false)
		} else {
			pp.walkPipeline(doms, 0)
		}
	}
	pp.platform.EnableIRQs()
}

// Root specializations, used by the interrupt-flag virtualization of the
// general-purpose domain.

// StallRoot stalls the root stage on the calling CPU.
func (pp *Pipeline) StallRoot() {
	on := pp.platform.DisableIRQs()
	bitSet(&pp.rootStage().status, stallFlag)
	pp.platform.RestoreIRQs(on)
}

// TestAndStallRoot is StallRoot returning the previous stall state.
func (pp *Pipeline) TestAndStallRoot() bool {
	on := pp.platform.DisableIRQs()
	x := bitTestAndSet(&pp.rootStage().status, stallFlag)
	pp.platform.RestoreIRQs(on)
	return x
}

// TestRoot reports the root stall state on the calling CPU.
func (pp *Pipeline) TestRoot() bool {
	return pp.rootStage().stalled()
}

// UnstallRoot clears the root stall bit and syncs the root log. Hardware
// IRQs are on when it returns.
func (pp *Pipeline) UnstallRoot() {
	pp.platform.DisableIRQs()

	if pp.cfg.DebugInternal && pp.Current() != pp.root {
		panic("irqpipe: UnstallRoot called over a non-root domain")
	}

	p := pp.rootStage()
	bitClear(&p.status, stallFlag)

	if p.pending() {
		pp.syncStage(false)
	}

	pp.platform.EnableIRQs()
}

// RestoreRoot re-establishes a root stall state.
func (pp *Pipeline) RestoreRoot(x bool) {
	if x {
		pp.StallRoot()
	} else {
		pp.UnstallRoot()
	}
}

// HaltRoot atomically unstalls the root stage and idles the CPU, the
// pipelined rendition of the legacy "sti; hlt" sequence: either pending
// interrupts are played with hardware IRQs on, or the CPU parks in the
// platform idle wait until the next interrupt.
func (pp *Pipeline) HaltRoot() {
	pp.platform.DisableIRQs()

	p := pp.rootStage()
	bitClear(&p.status, stallFlag)

	if p.pending() {
		pp.syncStage(false)
		pp.platform.EnableIRQs()
	} else {
		pp.platform.Idle()
	}
}

// SaveRootStatus snapshots the root status word of the calling CPU for
// an NMI-style path that cannot trust the normal discipline.
func (pp *Pipeline) SaveRootStatus() {
	cpu := pp.cpu()
	pp.cpus[cpu].nmiSaved.Store(pp.stages[cpu][rootSlot].status.Load())
}

// RestoreRootStatus clears the root stall bit again if it was clear when
// SaveRootStatus ran; a stall bit that was set at save time is left as
// it is now.
func (pp *Pipeline) RestoreRootStatus() {
	cpu := pp.cpu()
	if pp.cpus[cpu].nmiSaved.Load()&(1<<stallFlag) == 0 {
		bitClear(&pp.stages[cpu][rootSlot].status, stallFlag)
	}
}
