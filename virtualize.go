package irqpipe

import (
	"fmt"
	"math/bits"
)

// VirtualizeIRQ installs (or, with a nil handler, removes) the delivery
// state of irq on ipd: handler, cookie, acknowledge callback and control
// bits. A nil acknowledge on a hardware vector inherits the platform
// default held by the root domain. Wired is silently discarded for
// domains that do not head the pipeline invariantly, and is incompatible
// with Pass and Sticky; Sticky implies Handle. Installing over an
// existing handler with Exclusive set fails with ErrBusy. Setting Enable
// is only allowed from the domain itself, since the enable state of a
// vector is domain-scoped.
func (pp *Pipeline) VirtualizeIRQ(ipd *Domain, irq int, handler Handler, cookie any,
	acknowledge AckFunc, mode IRQMode) error {
	return pp.virtualizeIRQ(ipd, irq, handler, cookie, acknowledge, mode, false)
}

// RetuneIRQ updates the control bits of irq on ipd while keeping the
// installed handler and cookie. Fails with ErrInvalidArgument if no
// handler is installed.
func (pp *Pipeline) RetuneIRQ(ipd *Domain, irq int, mode IRQMode) error {
	return pp.virtualizeIRQ(ipd, irq, nil, nil, nil, mode, true)
}

func (pp *Pipeline) virtualizeIRQ(ipd *Domain, irq int, handler Handler, cookie any,
	acknowledge AckFunc, mode IRQMode, keep bool) error {
	if irq < 0 || irq >= NrIRQs {
		return fmt.Errorf("irqpipe: vector %d: %w", irq, ErrInvalidArgument)
	}
	if ipd.irqs[irq].has(System) {
		return fmt.Errorf("irqpipe: vector %d is system-reserved on %s: %w",
			irq, ipd.name, ErrNotPermitted)
	}

	if !ipd.Ahead() {
		// Silently unwire interrupts for non-heading domains.
		mode &^= Wired
	}

	on := pp.platform.DisableIRQs()
	pp.lock.lock()
	defer func() {
		pp.lock.unlock()
		pp.platform.RestoreIRQs(on)
	}()

	old := ipd.irqs[irq].act()

	if keep {
		handler = old.handler
		cookie = old.cookie
		acknowledge = old.acknowledge
		if handler == nil {
			return fmt.Errorf("irqpipe: vector %d has no handler on %s: %w",
				irq, ipd.name, ErrInvalidArgument)
		}
	}

	if handler != nil {
		if !keep && mode&Exclusive != 0 && old.handler != nil {
			return fmt.Errorf("irqpipe: vector %d already handled by %s: %w",
				irq, ipd.name, ErrBusy)
		}

		// Wired interrupts are purely dynamic: the head ISR decides
		// any propagation itself, so static pass-down or stickiness
		// make no sense for them.
		if mode&Wired != 0 {
			if mode&(Pass|Sticky) != 0 {
				return fmt.Errorf("irqpipe: wired vector %d cannot pass or stick: %w",
					irq, ErrInvalidArgument)
			}
			mode |= Handle
		}

		if mode&Sticky != 0 {
			mode |= Handle
		}
	} else {
		mode &^= Handle | Sticky | Exclusive | Wired
	}

	if acknowledge == nil && !IsVirq(irq) {
		// Acknowledge handler unspecified for a hardware vector: use
		// the platform default held by root.
		acknowledge = pp.root.irqs[irq].act().acknowledge
	}

	ipd.irqs[irq].action.Store(&irqAction{
		handler:     handler,
		cookie:      cookie,
		acknowledge: acknowledge,
	})
	ipd.irqs[irq].control.Store(uint32(mode))

	if !IsVirq(irq) && handler != nil && mode&Enable != 0 {
		if ipd != pp.Current() {
			// The enable state is domain-sensitive; forcing a foreign
			// domain to handle a source is fine, enabling on its
			// behalf is not.
			return fmt.Errorf("irqpipe: cannot enable vector %d for foreign domain %s: %w",
				irq, ipd.name, ErrNotPermitted)
		}
		pp.platform.EnableVector(irq)
	}

	return nil
}

// ControlIRQ adjusts the control bits of irq on the current domain.
// Clearing either of Handle or Sticky clears both; setting Sticky
// implies Handle; an Enable transition is forwarded to the interrupt
// controller.
func (pp *Pipeline) ControlIRQ(irq int, clear, set IRQMode) error {
	if irq < 0 || irq >= NrIRQs {
		return fmt.Errorf("irqpipe: vector %d: %w", irq, ErrInvalidArgument)
	}

	on := pp.platform.DisableIRQs()
	pp.lock.lock()
	defer func() {
		pp.lock.unlock()
		pp.platform.RestoreIRQs(on)
	}()

	ipd := pp.Current()

	if ipd.irqs[irq].has(System) {
		return fmt.Errorf("irqpipe: vector %d is system-reserved on %s: %w",
			irq, ipd.name, ErrNotPermitted)
	}

	if ipd.irqs[irq].act().handler == nil {
		set &^= Handle | Sticky
	}
	if set&Sticky != 0 {
		set |= Handle
	}
	if clear&(Handle|Sticky) != 0 { // If one goes, both go.
		clear |= Handle | Sticky
	}

	ipd.irqs[irq].clearBits(clear)
	ipd.irqs[irq].setBits(set)

	if set&Enable != 0 {
		pp.platform.EnableVector(irq)
	} else if clear&Enable != 0 {
		pp.platform.DisableVector(irq)
	}

	return nil
}

// AllocVirq allocates a virtual interrupt vector. Virtual interrupts
// pipeline exactly like their hardware counterparts.
func (pp *Pipeline) AllocVirq() (int, error) {
	on := pp.platform.DisableIRQs()
	pp.lock.lock()
	defer func() {
		pp.lock.unlock()
		pp.platform.RestoreIRQs(on)
	}()

	if pp.virqMap == ^uint64(0) {
		return 0, fmt.Errorf("irqpipe: virtual vectors exhausted: %w", ErrNoSlots)
	}
	pos := bits.TrailingZeros64(^pp.virqMap)
	pp.virqMap |= 1 << uint(pos)
	return VirqBase + pos, nil
}

// FreeVirq releases a virtual vector obtained from AllocVirq.
func (pp *Pipeline) FreeVirq(virq int) error {
	if !IsVirq(virq) {
		return fmt.Errorf("irqpipe: vector %d is not virtual: %w", virq, ErrInvalidArgument)
	}
	if virq >= ServiceIPI0 {
		return fmt.Errorf("irqpipe: vector %d is reserved: %w", virq, ErrNotPermitted)
	}

	on := pp.platform.DisableIRQs()
	pp.lock.lock()
	defer func() {
		pp.lock.unlock()
		pp.platform.RestoreIRQs(on)
	}()

	pp.virqMap &^= 1 << uint(virq-VirqBase)
	return nil
}

func (pp *Pipeline) virqAllocated(virq int) bool {
	on := pp.platform.DisableIRQs()
	pp.lock.lock()
	ok := pp.virqMap&(1<<uint(virq-VirqBase)) != 0
	pp.lock.unlock()
	pp.platform.RestoreIRQs(on)
	return ok
}

// TriggerIRQ pushes irq at the front of the pipeline just as if it had
// been received from a hardware source. Also works for virtual vectors.
func (pp *Pipeline) TriggerIRQ(irq int) error {
	if irq < 0 || irq >= NrIRQs {
		return fmt.Errorf("irqpipe: vector %d: %w", irq, ErrInvalidArgument)
	}
	if IsVirq(irq) && irq < ServiceIPI0 && !pp.virqAllocated(irq) {
		return fmt.Errorf("irqpipe: virtual vector %d not allocated: %w", irq, ErrNotFound)
	}

	on := pp.platform.DisableIRQs()
	// Self-triggered vectors need no controller acknowledge.
	pp.HandleIRQ(irq, &Frame{IRQsOn: on}, true)
	pp.platform.RestoreIRQs(on)

	return nil
}

// pendIRQ logs irq on the first handling domain at or below position pos
// in the dispatch order. Must be called with hardware IRQs off.
func (pp *Pipeline) pendIRQ(irq, pos int) {
	doms := pp.list()
	for ; pos >= 0 && pos < len(doms); pos++ {
		if doms[pos].irqs[irq].has(Handle) {
			pp.setIRQPending(doms[pos], irq)
			return
		}
	}
}

// PropagateIRQ forces irq down the pipeline on behalf of a running
// interrupt handler: it is logged on the next handling domain below the
// current one.
func (pp *Pipeline) PropagateIRQ(irq int) {
	on := pp.platform.DisableIRQs()
	doms := pp.list()
	pos := indexOf(doms, pp.Current()) + 1
	if pos < len(doms) && doms[pos] == pp.root {
		// Fast path: root must handle all interrupts.
		pp.setIRQPending(pp.root, irq)
	} else {
		pp.pendIRQ(irq, pos)
	}
	pp.platform.RestoreIRQs(on)
}

// ScheduleIRQ logs irq on the current domain if it handles it, else on
// the next handling domain down the pipeline.
func (pp *Pipeline) ScheduleIRQ(irq int) {
	on := pp.platform.DisableIRQs()
	doms := pp.list()
	pp.pendIRQ(irq, indexOf(doms, pp.Current()))
	pp.platform.RestoreIRQs(on)
}

// ScheduleIRQHead logs irq on the head stage.
func (pp *Pipeline) ScheduleIRQHead(irq int) {
	on := pp.platform.DisableIRQs()
	pp.setIRQPending(pp.head(), irq)
	pp.platform.RestoreIRQs(on)
}

// ScheduleIRQRoot logs irq on the root stage.
func (pp *Pipeline) ScheduleIRQRoot(irq int) {
	on := pp.platform.DisableIRQs()
	pp.setIRQPending(pp.root, irq)
	pp.platform.RestoreIRQs(on)
}

// SendIPI posts one of the service IPIs to the CPUs in mask. The caller
// CPU, if included, takes the interrupt inline through HandleIRQ.
func (pp *Pipeline) SendIPI(ipi int, mask CPUMask) error {
	if ipi != ServiceIPI0 && ipi != ServiceIPI1 && ipi != ServiceIPI2 && ipi != ServiceIPI3 {
		return fmt.Errorf("irqpipe: vector %d is not a service IPI: %w", ipi, ErrInvalidArgument)
	}
	if !pp.cfg.SMP {
		return fmt.Errorf("irqpipe: no IPIs on a single-CPU pipeline: %w", ErrInvalidArgument)
	}

	on := pp.platform.DisableIRQs()
	defer pp.platform.RestoreIRQs(on)

	cpu := pp.cpu()
	self := mask.Has(cpu)
	mask = mask.Without(cpu) & MaskAll(pp.ncpus)

	if !mask.Empty() {
		if err := pp.platform.SendIPI(ipi, mask); err != nil {
			return fmt.Errorf("irqpipe: send ipi %d: %w", ipi, err)
		}
	}
	if self {
		pp.HandleIRQ(ipi, nil, true)
	}
	return nil
}

// SetIRQAffinity routes a hardware vector to the CPUs in mask and
// returns the previous routing, or 0 when the vector is not routable or
// the machine is single-CPU.
func (pp *Pipeline) SetIRQAffinity(irq int, mask CPUMask) CPUMask {
	if irq < 0 || irq >= NrXIRQs {
		// Only external vectors are routable.
		return 0
	}
	if pp.ncpus == 1 {
		return 0
	}
	mask &= MaskAll(pp.ncpus)
	if mask.Empty() {
		return 0
	}
	return pp.platform.SetVectorAffinity(irq, mask)
}
