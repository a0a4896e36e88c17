package irqpipe_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyrange/irqpipe"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEndToEndWiredHeadOverSimulatedMachine(t *testing.T) {
	m, pp := startMachine(t, 2)

	var timer, device atomic.Uint64

	if err := m.Run(0, func() {
		if err := pp.VirtualizeIRQ(pp.Root(), 7,
			func(int, any) { device.Add(1) }, nil, nil, irqpipe.StdRoot); err != nil {
			t.Errorf("VirtualizeIRQ(root) failed: %v", err)
		}

		attr := new(irqpipe.DomainAttr)
		irqpipe.InitAttr(attr)
		attr.Name = "rt"
		attr.ID = 2
		attr.Priority = irqpipe.HeadPriority

		rt, err := pp.RegisterDomain(attr)
		if err != nil {
			t.Errorf("RegisterDomain failed: %v", err)
			return
		}
		if err := pp.VirtualizeIRQ(rt, 0,
			func(int, any) { timer.Add(1) }, nil, nil, irqpipe.Wired); err != nil {
			t.Errorf("VirtualizeIRQ(rt) failed: %v", err)
		}
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Registration itself cost a few critical IPI acknowledges.
	base := m.Acks()

	// A device arrival that lands while the previous one is still in
	// root's log collapses into the same entry, so each round waits for
	// its device delivery before raising the next pair.
	const rounds = 200
	for i := 0; i < rounds; i++ {
		if err := m.RaiseIRQ(0); err != nil {
			t.Fatalf("RaiseIRQ(timer) failed: %v", err)
		}
		if err := m.RaiseIRQ(7); err != nil {
			t.Fatalf("RaiseIRQ(device) failed: %v", err)
		}
		want := uint64(i + 1)
		waitFor(t, "device interrupt delivered", func() bool {
			return device.Load() == want
		})
	}

	waitFor(t, "all interrupts delivered", func() bool {
		return timer.Load() == rounds && device.Load() == rounds
	})

	// Every hardware arrival was acknowledged exactly once.
	if got := m.Acks() - base; got != 2*rounds {
		t.Fatalf("controller acks = %d, want %d", got, 2*rounds)
	}
}

func TestEndToEndDeferredReplay(t *testing.T) {
	m, pp := startMachine(t, 1)

	var device atomic.Uint64
	if err := m.Run(0, func() {
		if err := pp.VirtualizeIRQ(pp.Root(), 7,
			func(int, any) { device.Add(1) }, nil, nil, irqpipe.StdRoot); err != nil {
			t.Errorf("VirtualizeIRQ failed: %v", err)
		}
		pp.StallRoot()
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if err := m.Run(0, func() {
		pp.TriggerIRQ(7)
		pp.TriggerIRQ(7)
		if device.Load() != 0 {
			t.Errorf("handler ran while the root stage was stalled")
		}
		pp.UnstallRoot()
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The two arrivals collapse into one log entry.
	if got := device.Load(); got != 1 {
		t.Fatalf("replayed %d deliveries, want 1", got)
	}
}
