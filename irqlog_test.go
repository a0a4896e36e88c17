package irqpipe

import "testing"

// checkSummaries verifies the structural invariant of the pending
// bitmap: a summary bit is set iff one of its children is set.
func checkSummaries(t *testing.T, pp *Pipeline, p *stage) {
	t.Helper()

	if pp.threeLevel {
		for w := range p.lomap {
			got := p.mdmap[w/64].Load()&(1<<uint(w%64)) != 0
			want := p.lomap[w].Load() != 0
			if got != want {
				t.Fatalf("mdmap bit %d = %v, lomap word %#x", w, got, p.lomap[w].Load())
			}
		}
		for w := range p.mdmap {
			got := p.himap.Load()&(1<<uint(w)) != 0
			want := p.mdmap[w].Load() != 0
			if got != want {
				t.Fatalf("himap bit %d = %v, mdmap word %#x", w, got, p.mdmap[w].Load())
			}
		}
	} else {
		for w := range p.lomap {
			got := p.himap.Load()&(1<<uint(w)) != 0
			want := p.lomap[w].Load() != 0
			if got != want {
				t.Fatalf("himap bit %d = %v, lomap word %#x", w, got, p.lomap[w].Load())
			}
		}
	}

	for w := range p.lomap {
		if p.lomap[w].Load()&p.held[w].Load() != 0 {
			t.Fatalf("word %d pending and held overlap: %#x & %#x",
				w, p.lomap[w].Load(), p.held[w].Load())
		}
	}
}

func testLogLevels(t *testing.T, threeLevel bool) {
	cfg := DefaultConfig()
	cfg.ThreeLevelMap = threeLevel
	pp, tp := initializedPipelineCfg(t, 1, cfg)
	tp.DisableIRQs()

	p := pp.stageOn(pp.root, 0)
	vectors := []int{0, 5, 63, 64, 127, VirqBase, NrIRQs - 1}

	for _, irq := range vectors {
		pp.setIRQPending(pp.root, irq)
		checkSummaries(t, pp, p)
	}
	// Duplicate arrivals collapse in the map but still count.
	pp.setIRQPending(pp.root, 5)
	checkSummaries(t, pp, p)

	if got := p.irqall[5].Load(); got != 2 {
		t.Fatalf("irqall[5] = %d, want 2", got)
	}

	var drained []int
	for {
		irq := pp.nextIRQ(p, false)
		if irq < 0 {
			break
		}
		drained = append(drained, irq)
		checkSummaries(t, pp, p)
	}

	if len(drained) != len(vectors) {
		t.Fatalf("drained %v, want %v", drained, vectors)
	}
	for i, irq := range vectors {
		if drained[i] != irq {
			t.Fatalf("drained[%d] = %d, want %d (ascending order)", i, drained[i], irq)
		}
	}
	if p.pending() {
		t.Fatalf("log still pending after drain")
	}
}

func TestLogTwoLevel(t *testing.T)   { testLogLevels(t, false) }
func TestLogThreeLevel(t *testing.T) { testLogLevels(t, true) }

func testLogVirtOnly(t *testing.T, threeLevel bool) {
	cfg := DefaultConfig()
	cfg.ThreeLevelMap = threeLevel
	pp, tp := initializedPipelineCfg(t, 1, cfg)
	tp.DisableIRQs()

	p := pp.stageOn(pp.root, 0)
	pp.setIRQPending(pp.root, 5)
	pp.setIRQPending(pp.root, VirqBase+3)

	if irq := pp.nextIRQ(p, true); irq != VirqBase+3 {
		t.Fatalf("virtual-only next = %d, want %d", irq, VirqBase+3)
	}
	if irq := pp.nextIRQ(p, true); irq != -1 {
		t.Fatalf("virtual-only next = %d, want none", irq)
	}
	// The hardware vector must still be there.
	if irq := pp.nextIRQ(p, false); irq != 5 {
		t.Fatalf("next = %d, want 5", irq)
	}
	checkSummaries(t, pp, p)
}

func TestLogVirtOnlyTwoLevel(t *testing.T)   { testLogVirtOnly(t, false) }
func TestLogVirtOnlyThreeLevel(t *testing.T) { testLogVirtOnly(t, true) }

func TestLockMovesPendingToHeld(t *testing.T) {
	pp, tp := initializedPipeline(t)
	tp.DisableIRQs()

	const irq = 14
	p := pp.stageOn(pp.root, 0)

	pp.setIRQPending(pp.root, irq)
	if err := pp.LockIRQ(pp.root, 0, irq); err != nil {
		t.Fatalf("LockIRQ failed: %v", err)
	}

	if bitTest(&p.lomap[irq/64], uint(irq%64)) {
		t.Fatalf("vector still pending after lock")
	}
	if !bitTest(&p.held[irq/64], uint(irq%64)) {
		t.Fatalf("vector not held after lock")
	}
	checkSummaries(t, pp, p)

	// New arrivals on a locked vector go straight to the held map.
	pp.setIRQPending(pp.root, irq)
	if bitTest(&p.lomap[irq/64], uint(irq%64)) {
		t.Fatalf("locked vector logged as pending")
	}
	if got := p.irqall[irq].Load(); got != 2 {
		t.Fatalf("irqall = %d, want 2", got)
	}
}

func TestUnlockRepends(t *testing.T) {
	cfg := DefaultConfig()
	pp, tp := initializedPipelineCfg(t, 2, cfg)

	const irq = 14

	// Lock first, then let the vector arrive on both CPUs: each
	// occurrence parks in that CPU's held map.
	if err := pp.LockIRQ(pp.root, 0, irq); err != nil {
		t.Fatalf("LockIRQ failed: %v", err)
	}
	for cpu := 0; cpu < 2; cpu++ {
		tp.cpu = cpu
		tp.DisableIRQs()
		pp.setIRQPending(pp.root, irq)
		tp.EnableIRQs()
	}
	tp.cpu = 0

	for cpu := 0; cpu < 2; cpu++ {
		p := pp.stageOn(pp.root, cpu)
		if p.pending() {
			t.Fatalf("cpu%d pending while locked", cpu)
		}
		if !bitTest(&p.held[irq/64], uint(irq%64)) {
			t.Fatalf("cpu%d not holding vector", cpu)
		}
	}

	if err := pp.UnlockIRQ(pp.root, irq); err != nil {
		t.Fatalf("UnlockIRQ failed: %v", err)
	}

	for cpu := 0; cpu < 2; cpu++ {
		p := pp.stageOn(pp.root, cpu)
		if !bitTest(&p.lomap[irq/64], uint(irq%64)) {
			t.Fatalf("cpu%d vector not re-logged after unlock", cpu)
		}
		if bitTest(&p.held[irq/64], uint(irq%64)) {
			t.Fatalf("cpu%d vector still held after unlock", cpu)
		}
		checkSummaries(t, pp, p)
	}

	// A sync on each CPU now delivers the vector exactly once.
	var calls int
	if err := pp.VirtualizeIRQ(pp.root, irq, func(int, any) { calls++ }, nil, nil,
		Handle|Pass); err != nil {
		t.Fatalf("VirtualizeIRQ failed: %v", err)
	}
	for cpu := 0; cpu < 2; cpu++ {
		tp.cpu = cpu
		tp.DisableIRQs()
		pp.syncStage(false)
		tp.EnableIRQs()
	}
	tp.cpu = 0

	if calls != 2 {
		t.Fatalf("handler ran %d times, want once per CPU", calls)
	}
}

func TestLockedControlNeverPending(t *testing.T) {
	pp, tp := initializedPipeline(t)
	tp.DisableIRQs()

	const irq = 30
	if err := pp.LockIRQ(pp.root, 0, irq); err != nil {
		t.Fatalf("LockIRQ failed: %v", err)
	}
	pp.setIRQPending(pp.root, irq)
	pp.setIRQPending(pp.root, irq)

	p := pp.stageOn(pp.root, 0)
	if p.pending() {
		t.Fatalf("locked vector reached the pending log")
	}

	// Relocking is idempotent; the held state survives.
	if err := pp.LockIRQ(pp.root, 0, irq); err != nil {
		t.Fatalf("LockIRQ failed: %v", err)
	}
	if !bitTest(&p.held[irq/64], uint(irq%64)) {
		t.Fatalf("held bit lost on relock")
	}
}
