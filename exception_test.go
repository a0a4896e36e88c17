package irqpipe

import (
	"testing"

	"github.com/tinyrange/irqpipe/internal/trace"
)

func TestHandleExceptionForwardsToRootTable(t *testing.T) {
	pp, _ := initializedPipeline(t)

	var got uint64
	pp.SetFaultHandler(13, func(_ *Frame, errCode uint64) { got = errCode })

	frame := &Frame{IRQsOn: true}
	if pp.HandleException(13, 0xdead, frame) {
		t.Fatalf("unconsumed fault reported as consumed")
	}
	if got != 0xdead {
		t.Fatalf("root fault handler saw %#x, want 0xdead", got)
	}
	if !frame.IRQsOn {
		t.Fatalf("frame flag not aligned with the unstalled root state")
	}
}

func TestHandleExceptionConsumedByDomain(t *testing.T) {
	pp, _ := initializedPipeline(t)
	head := registerDomain(t, pp, "rt", 2, HeadPriority)

	var tableRan bool
	pp.SetFaultHandler(14, func(*Frame, uint64) { tableRan = true })

	if _, err := pp.CatchEvent(head, TrapEvent(14),
		func(Event, *Domain, any) bool { return true }); err != nil {
		t.Fatalf("CatchEvent failed: %v", err)
	}

	if !pp.HandleException(14, 0, &Frame{}) {
		t.Fatalf("consumed fault not reported")
	}
	if tableRan {
		t.Fatalf("root table ran for a consumed fault")
	}
}

func TestDivertExceptionFixesUpRootFrame(t *testing.T) {
	pp, _ := initializedPipeline(t)

	pp.StallRoot()
	frame := &Frame{IRQsOn: true}
	if pp.DivertException(1, frame) {
		t.Fatalf("unmonitored fault reported as consumed")
	}
	if frame.IRQsOn {
		t.Fatalf("frame flag not mirroring the stalled root state")
	}
	pp.UnstallRoot()
}

func TestUnhandledFaultOverDomainSwitchesToRoot(t *testing.T) {
	pp, tp := initializedPipeline(t)
	mid := registerDomain(t, pp, "mid", 2, 200)

	trace.Reset()
	t.Cleanup(trace.Reset)

	var tableRan bool
	pp.SetFaultHandler(5, func(*Frame, uint64) { tableRan = true })

	tp.DisableIRQs()
	pp.setCurrent(mid)
	pp.HandleException(5, 0, &Frame{})
	tp.EnableIRQs()

	if pp.Current() != pp.root {
		t.Fatalf("current domain not switched to root, got %s", pp.Current().Name())
	}
	if !tableRan {
		t.Fatalf("root table did not run after the switch")
	}
	if !trace.Frozen() {
		t.Fatalf("trace buffer not frozen on an unhandled domain fault")
	}
}

func TestCheckContextFlagsIllicitCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DebugContextCheck = true
	pp, tp := initializedPipelineCfg(t, 1, cfg)
	mid := registerDomain(t, pp, "mid", 2, 200)

	trace.Reset()
	t.Cleanup(trace.Reset)

	// A root-priority service invoked from the higher domain.
	tp.DisableIRQs()
	pp.setCurrent(mid)
	pp.CheckContext(pp.Root())
	pp.setCurrent(pp.root)
	tp.EnableIRQs()

	if !trace.Frozen() {
		t.Fatalf("violation did not freeze the tracer")
	}

	// The check fires once, then disarms for the CPU.
	trace.Reset()
	tp.DisableIRQs()
	pp.setCurrent(mid)
	pp.CheckContext(pp.Root())
	pp.setCurrent(pp.root)
	tp.EnableIRQs()
	if trace.Frozen() {
		t.Fatalf("disarmed context check fired again")
	}
}

func TestCheckContextQuietOnLegalCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DebugContextCheck = true
	pp, _ := initializedPipelineCfg(t, 1, cfg)

	trace.Reset()
	t.Cleanup(trace.Reset)

	pp.CheckContext(pp.Root())
	if trace.Frozen() {
		t.Fatalf("legal call flagged as a violation")
	}
}

func TestSaveRestoreRootStatus(t *testing.T) {
	pp, _ := initializedPipeline(t)

	pp.SaveRootStatus()
	// An NMI-ish path stalls root behind the pipeline's back.
	bitSet(&pp.rootStage().status, stallFlag)
	pp.RestoreRootStatus()

	if pp.TestRoot() {
		t.Fatalf("root stall not rolled back to the saved state")
	}

	pp.StallRoot()
	pp.SaveRootStatus()
	pp.RestoreRootStatus()
	if !pp.TestRoot() {
		t.Fatalf("saved stalled state not preserved")
	}
	pp.UnstallRoot()
}
