package irqpipe

import (
	"log/slog"

	"github.com/tinyrange/irqpipe/internal/trace"
)

// FaultHandler is a root-domain exception handler installed with
// SetFaultHandler.
type FaultHandler func(frame *Frame, errCode uint64)

// SetFaultHandler installs the root handler for a fault vector; the
// previous handler is returned. HandleException forwards unconsumed
// faults to these.
func (pp *Pipeline) SetFaultHandler(vector int, fn FaultHandler) FaultHandler {
	if vector < 0 || vector >= NrFaults {
		return nil
	}
	var p *FaultHandler
	if fn != nil {
		p = &fn
	}
	old := pp.extable[vector].Swap(p)
	if old == nil {
		return nil
	}
	return *old
}

// TrapNotify raises the trap event of vector and reports whether a
// domain consumed it.
func (pp *Pipeline) TrapNotify(vector int, frame *Frame) bool {
	if !pp.EventMonitored(TrapEvent(vector)) {
		return false
	}
	return pp.DispatchEvent(TrapEvent(vector), frame)
}

// fixupRootState makes the saved interrupt flag of frame mirror the
// root stall bit, so the return path re-establishes the proper pipeline
// state for the root stage on exit. Shared by the exception handle and
// divert paths.
func fixupRootState(stalled bool, frame *Frame) {
	if frame != nil {
		frame.IRQsOn = !stalled
	}
}

// enterExceptionRoot replicates the hardware interrupt state into the
// root virtual mask on exception entry, returning the sampled stall bit.
func (pp *Pipeline) enterExceptionRoot() bool {
	stalled := pp.rootStage().stalled()
	if !pp.platform.IRQsEnabled() {
		bitSet(&pp.rootStage().status, stallFlag)
	}
	return stalled
}

func (pp *Pipeline) leaveExceptionRoot(stalled bool) {
	// Restore without syncing; the fault path is not a delivery point.
	if stalled {
		bitSet(&pp.rootStage().status, stallFlag)
	} else {
		bitClear(&pp.rootStage().status, stallFlag)
	}
}

// HandleException runs the full fault path for vector: notify the
// pipeline, then forward to the root fault table. Returns true when a
// domain consumed the fault and the root handler must be skipped.
// An unconsumed fault over a non-root domain is a bug in that domain;
// the CPU is switched to root so the fault can be handled cleanly, the
// trace buffer is frozen, and a diagnostic naming the domain is logged.
func (pp *Pipeline) HandleException(vector int, errCode uint64, frame *Frame) bool {
	if vector < 0 || vector >= NrFaults {
		return false
	}
	rootEntry := pp.Current() == pp.root
	var stalled bool
	if rootEntry {
		stalled = pp.enterExceptionRoot()
	}

	if pp.TrapNotify(vector, frame) {
		if rootEntry {
			pp.leaveExceptionRoot(stalled)
		}
		return true
	}

	if pp.Current() == pp.root {
		if rootEntry {
			fixupRootState(stalled, frame)
		} else {
			fixupRootState(pp.rootStage().stalled(), frame)
		}
	} else {
		ipd := pp.Current()
		pp.setCurrent(pp.root)
		trace.Freeze()
		slog.Error("unhandled exception over domain, switching to root",
			"domain", ipd.name, "vector", vector, "error_code", errCode)
	}

	if h := pp.extable[vector].Load(); h != nil {
		(*h)(frame, errCode)
	}

	if rootEntry {
		pp.leaveExceptionRoot(stalled)
	}
	return false
}

// DivertException is the light fault path: the pipeline is notified and
// the fault, if unconsumed, is left for the caller to handle in place
// over the active domain. Returns true when a domain consumed it.
func (pp *Pipeline) DivertException(vector int, frame *Frame) bool {
	if vector < 0 || vector >= NrFaults {
		return false
	}
	rootEntry := pp.Current() == pp.root
	var stalled bool
	if rootEntry {
		stalled = pp.enterExceptionRoot()
	}

	if pp.TrapNotify(vector, frame) {
		if rootEntry {
			pp.leaveExceptionRoot(stalled)
		}
		return true
	}

	if pp.Current() == pp.root {
		if rootEntry {
			fixupRootState(stalled, frame)
		} else {
			fixupRootState(pp.rootStage().stalled(), frame)
		}
	}
	return false
}

// CheckContext diagnoses calls that crossed a domain border: a caller
// running over a domain above border invoking a service reserved for
// border and below, or a stalled topmost stage left behind by an
// unterminated critical section. On violation the tracer is frozen, the
// current domain switches to synchronous logging and a diagnostic is
// emitted; execution then continues.
func (pp *Pipeline) CheckContext(border *Domain) {
	on := pp.platform.DisableIRQs()

	this := pp.Current()
	headStalled := pp.headStage().stalled()
	if this.priority <= border.priority && !headStalled {
		pp.platform.RestoreIRQs(on)
		return
	}

	cpu := pp.cpu()
	if !pp.cpus[cpu].ctxCheck.Load() {
		pp.platform.RestoreIRQs(on)
		return
	}
	pp.cpus[cpu].ctxCheck.Store(false)

	pp.platform.RestoreIRQs(on)

	trace.Freeze()
	this.SetSyncPrintk(true)

	if this.priority > border.priority {
		slog.Error("illicit call into a lower-domain service",
			"from", this.name, "reserved_for", border.name)
	} else {
		slog.Error("stalled topmost domain, a critical section may have been left unterminated")
	}
	trace.Dump(slog.Default())
}
