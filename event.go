package irqpipe

import (
	"fmt"
	"time"
)

// Event identifies a pipeline notification. The first NrFaults values
// are trap events, indexed by fault vector; named kernel events follow.
// Events travel down the same priority list as interrupts, but invoke
// the per-domain event tables instead of the interrupt log.
type Event uint32

// NrFaults is the size of the trap-event range.
const NrFaults = 32

const (
	EventSyscall Event = NrFaults + iota
	EventSchedule
	EventSigwake
	EventSetsched
	EventInit
	EventExit
	EventCleanup
)

// NrEvents is the total size of the event space.
const NrEvents = int(EventCleanup) + 1

// EventSelf, ored into the event argument of CatchEvent, restricts the
// handler to events raised from the target domain itself instead of
// globally monitoring the event.
const EventSelf Event = 0x80000000

// TrapEvent returns the event raised for a fault vector.
func TrapEvent(vector int) Event { return Event(vector) }

// EventMonitored reports whether anyone listens to event: a global
// monitor, or the current domain watching itself. Cheap enough to gate
// hot notification sites.
func (pp *Pipeline) EventMonitored(event Event) bool {
	event &^= EventSelf
	if int(event) >= NrEvents {
		return false
	}
	if pp.eventMonitors[event].Load() > 0 {
		return true
	}
	return pp.Current().evself.Load()&(1<<event) != 0
}

// DispatchEvent walks the pipeline raising event on every domain with a
// handler installed, highest priority first, down to the current domain
// or until a handler consumes it; domains below the current one are not
// visited. The handler runs over its own domain with hardware IRQs on.
// Returns whether the event was consumed.
func (pp *Pipeline) DispatchEvent(event Event, data any) bool {
	if int(event) >= NrEvents {
		return false
	}

	on := pp.platform.DisableIRQs()

	start := pp.Current()
	this := start
	propagate := true

	// Domain migration may occur while running event handlers; always
	// re-track the current domain upon return from them.
	for _, next := range pp.list() {
		np := pp.stageOf(next)

		// Cache the handler: CatchEvent may clear it under our feet.
		evhand := next.evhand[event].Load()

		if evhand != nil {
			pp.setCurrent(next)
			bitSet(&np.evsync, uint(event))
			pp.platform.EnableIRQs()

			propagate = !(*evhand)(event, start, data)

			pp.platform.DisableIRQs()
			bitClear(&np.evsync, uint(event))
			if cur := pp.Current(); cur != next {
				this = cur
			}
		}

		// Never sync the root stage here.
		if next != pp.root && np.pending() && !np.stalled() {
			pp.setCurrent(next)
			pp.syncStage(false)
			if cur := pp.Current(); cur != next {
				this = cur
			}
		}

		pp.setCurrent(this)

		if next == this || !propagate {
			break
		}
	}

	pp.platform.RestoreIRQs(on)

	return !propagate
}

// CatchEvent interposes or removes the handler of event on ipd and
// returns the previous one. Clearing a handler from the root domain
// blocks until no CPU is still running the old handler, so the caller
// may safely unmap it afterwards.
func (pp *Pipeline) CatchEvent(ipd *Domain, event Event, handler EventHandler) (EventHandler, error) {
	self := event&EventSelf != 0
	event &^= EventSelf

	if int(event) >= NrEvents {
		return nil, fmt.Errorf("irqpipe: event %d: %w", event, ErrInvalidArgument)
	}

	var hp *EventHandler
	if handler != nil {
		hp = &handler
	}

	flags := pp.CriticalEnter(nil)

	oldp := ipd.evhand[event].Swap(hp)
	selfBit := ipd.evself.Load()&(1<<event) != 0

	switch {
	case oldp == nil:
		if handler != nil {
			if self {
				bitSet(&ipd.evself, uint(event))
			} else {
				pp.eventMonitors[event].Add(1)
			}
		}
	case handler == nil:
		if selfBit {
			bitClear(&ipd.evself, uint(event))
		} else {
			pp.eventMonitors[event].Add(-1)
		}
	case selfBit && !self:
		pp.eventMonitors[event].Add(1)
		bitClear(&ipd.evself, uint(event))
	case !selfBit && self:
		pp.eventMonitors[event].Add(-1)
		bitSet(&ipd.evself, uint(event))
	}

	pp.CriticalExit(flags)

	if handler == nil && pp.Current() == pp.root {
		// Synchronize with DispatchEvent: either the dispatcher reads
		// a nil handler and discards the invocation, or it found the
		// old one and we wait here for its evsync bit to drain on
		// every CPU before letting the caller tear the code down. Our
		// own CPU cannot wait for itself; a dispatch migrated here
		// would deadlock the drain otherwise.
		bitClear(&pp.stageOn(ipd, pp.cpu()).evsync, uint(event))

		for cpu := 0; cpu < pp.ncpus; cpu++ {
			for pp.stageOn(ipd, cpu).evsync.Load()&(1<<event) != 0 {
				time.Sleep(20 * time.Millisecond)
			}
		}
	}

	if oldp == nil {
		return nil, nil
	}
	return *oldp, nil
}
