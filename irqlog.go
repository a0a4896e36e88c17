package irqpipe

import "math/bits"

// The interrupt log is a hierarchical bitmap: a low-level word per 64
// vectors, and one or two summary levels above it so that "find lowest
// pending" is a handful of trailing-zero scans. The summary invariant
// is: a summary bit is set iff one of its children is set. Which depth is
// used is a pipeline construction knob; two levels address up to 4096
// vectors, three levels 64 times that (262144).

// setIRQPending logs irq for ipd on the calling CPU. Locked vectors go
// to the held map instead. Must be called with hardware IRQs off.
func (pp *Pipeline) setIRQPending(ipd *Domain, irq int) {
	p := pp.stageOn(ipd, pp.platform.ProcessorID())

	if !ipd.irqs[irq].has(Locked) {
		bitSet(&p.lomap[irq/64], uint(irq%64))
		if pp.threeLevel {
			bitSet(&p.mdmap[irq/4096], uint(irq/64%64))
			bitSet(&p.himap, uint(irq/4096))
		} else {
			bitSet(&p.himap, uint(irq/64))
		}
	} else {
		bitSet(&p.held[irq/64], uint(irq%64))
	}

	p.irqall[irq].Add(1)
}

// setIRQHeld parks irq in the held map of stage p unconditionally.
func setIRQHeld(p *stage, irq int) {
	bitSet(&p.held[irq/64], uint(irq%64))
	p.irqall[irq].Add(1)
}

// LockIRQ sets the Locked control bit of irq on ipd and moves any
// occurrence pending on cpu from the log to the held map. Must be called
// with hardware IRQs off.
func (pp *Pipeline) LockIRQ(ipd *Domain, cpu, irq int) error {
	if irq < 0 || irq >= NrIRQs {
		return ErrInvalidArgument
	}
	if ipd.irqs[irq].setBits(Locked) {
		return nil // Already locked.
	}

	p := pp.stageOn(ipd, cpu)
	if bitTestAndClear(&p.lomap[irq/64], uint(irq%64)) {
		bitSet(&p.held[irq/64], uint(irq%64))
		pp.resummarize(p, irq)
	}
	return nil
}

// UnlockIRQ clears the Locked control bit of irq on ipd and re-logs any
// held occurrence on every online CPU. Other CPUs are live while this
// runs, hence the atomic map updates.
func (pp *Pipeline) UnlockIRQ(ipd *Domain, irq int) error {
	if irq < 0 || irq >= NrIRQs {
		return ErrInvalidArgument
	}
	if !ipd.irqs[irq].clearBits(Locked) {
		return nil // Was not locked.
	}

	for cpu := 0; cpu < pp.ncpus; cpu++ {
		p := pp.stageOn(ipd, cpu)
		if bitTestAndClear(&p.held[irq/64], uint(irq%64)) {
			bitSet(&p.lomap[irq/64], uint(irq%64))
			if pp.threeLevel {
				bitSet(&p.mdmap[irq/4096], uint(irq/64%64))
				bitSet(&p.himap, uint(irq/4096))
			} else {
				bitSet(&p.himap, uint(irq/64))
			}
		}
	}
	return nil
}

// resummarize clears the summary bits over the lomap word holding irq if
// that word has drained.
func (pp *Pipeline) resummarize(p *stage, irq int) {
	l1b := irq / 64
	if p.lomap[l1b].Load() != 0 {
		return
	}
	if pp.threeLevel {
		l0b := irq / 4096
		bitClear(&p.mdmap[l0b], uint(l1b%64))
		if p.mdmap[l0b].Load() == 0 {
			bitClear(&p.himap, uint(l0b))
		}
	} else {
		bitClear(&p.himap, uint(l1b))
	}
}

// nextIRQ extracts the lowest pending vector from p, or -1. With dovirt
// set, the summary masks are narrowed to the single branch covering the
// virtual range, keeping virtual-only flushes constant time.
func (pp *Pipeline) nextIRQ(p *stage, dovirt bool) int {
	if pp.threeLevel {
		return pp.nextIRQ3(p, dovirt)
	}
	return pp.nextIRQ2(p, dovirt)
}

func (pp *Pipeline) nextIRQ2(p *stage, dovirt bool) int {
	himask := ^uint64(0)
	if dovirt {
		himask <<= uint(VirqBase / 64)
	}

	l0m := p.himap.Load() & himask
	if l0m == 0 {
		return -1
	}
	l0b := bits.TrailingZeros64(l0m)

	l1m := p.lomap[l0b].Load()
	if l1m == 0 {
		return -1
	}
	l1b := bits.TrailingZeros64(l1m)

	bitClear(&p.lomap[l0b], uint(l1b))
	if p.lomap[l0b].Load() == 0 {
		bitClear(&p.himap, uint(l0b))
	}

	return l0b*64 + l1b
}

func (pp *Pipeline) nextIRQ3(p *stage, dovirt bool) int {
	himask, mdmask := ^uint64(0), ^uint64(0)
	if dovirt {
		// The virtual range occupies one lomap word, so a single bit
		// of each summary level covers it.
		himask = 1 << uint(VirqBase/4096)
		mdmask = 1 << uint(VirqBase/64%64)
	}

	l0m := p.himap.Load() & himask
	if l0m == 0 {
		return -1
	}
	l0b := bits.TrailingZeros64(l0m)

	l1m := p.mdmap[l0b].Load() & mdmask
	if l1m == 0 {
		return -1
	}
	l1b := bits.TrailingZeros64(l1m) + l0b*64

	l2m := p.lomap[l1b].Load()
	if l2m == 0 {
		return -1
	}
	l2b := bits.TrailingZeros64(l2m)
	irq := l1b*64 + l2b

	bitClear(&p.lomap[l1b], uint(l2b))
	if p.lomap[l1b].Load() == 0 {
		bitClear(&p.mdmap[l0b], uint(l1b%64))
		if p.mdmap[l0b].Load() == 0 {
			bitClear(&p.himap, uint(l0b))
		}
	}

	return irq
}
