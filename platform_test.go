package irqpipe

import "testing"

// testPlatform is a hand-cranked machine: the test decides which CPU is
// "calling" by setting cpu, and the virtual interrupt flag is a plain
// bool per CPU. No concurrency; multi-CPU interactions are driven
// explicitly.
type testPlatform struct {
	cpu   int
	ncpus int
	ifOn  []bool

	acks     map[int]int
	enabled  map[int]bool
	affinity map[int]CPUMask
	ipis     []int
	idles    int
	clock    ClockInfo
}

func newTestPlatform(ncpus int) *testPlatform {
	ifOn := make([]bool, ncpus)
	for i := range ifOn {
		ifOn[i] = true
	}
	return &testPlatform{
		ncpus:    ncpus,
		ifOn:     ifOn,
		acks:     make(map[int]int),
		enabled:  make(map[int]bool),
		affinity: make(map[int]CPUMask),
		clock:    ClockInfo{CPUFreq: 1_000_000_000, TimerFreq: 1000, TickIRQ: 0},
	}
}

func (p *testPlatform) ProcessorID() int { return p.cpu }
func (p *testPlatform) NumCPUs() int     { return p.ncpus }

func (p *testPlatform) DisableIRQs() bool {
	on := p.ifOn[p.cpu]
	p.ifOn[p.cpu] = false
	return on
}

func (p *testPlatform) RestoreIRQs(on bool) {
	if on {
		p.ifOn[p.cpu] = true
	}
}

func (p *testPlatform) EnableIRQs()      { p.ifOn[p.cpu] = true }
func (p *testPlatform) IRQsEnabled() bool { return p.ifOn[p.cpu] }

func (p *testPlatform) SendIPI(vector int, mask CPUMask) error {
	p.ipis = append(p.ipis, vector)
	return nil
}

func (p *testPlatform) IPIAllButSelf(vector int) {
	p.ipis = append(p.ipis, vector)
}

func (p *testPlatform) AckVector(irq int)    { p.acks[irq]++ }
func (p *testPlatform) EnableVector(irq int) { p.enabled[irq] = true }
func (p *testPlatform) DisableVector(irq int) {
	p.enabled[irq] = false
}

func (p *testPlatform) SetVectorAffinity(irq int, mask CPUMask) CPUMask {
	old := p.affinity[irq]
	p.affinity[irq] = mask
	return old
}

func (p *testPlatform) Idle() {
	p.idles++
	p.ifOn[p.cpu] = true
}

func (p *testPlatform) Clock() ClockInfo { return p.clock }

// initializedPipeline builds a single-CPU pipeline with the root stage
// unstalled, ready to take interrupts.
func initializedPipeline(t *testing.T) (*Pipeline, *testPlatform) {
	t.Helper()
	return initializedPipelineCfg(t, 1, DefaultConfig())
}

func initializedPipelineCfg(t *testing.T, ncpus int, cfg Config) (*Pipeline, *testPlatform) {
	t.Helper()

	tp := newTestPlatform(ncpus)
	pp, err := New(tp, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for cpu := 0; cpu < ncpus; cpu++ {
		tp.cpu = cpu
		pp.UnstallRoot()
	}
	tp.cpu = 0

	return pp, tp
}

// registerDomain is a helper wrapping RegisterDomain with fatal error
// handling.
func registerDomain(t *testing.T, pp *Pipeline, name string, id uint32, prio int) *Domain {
	t.Helper()

	attr := new(DomainAttr)
	InitAttr(attr)
	attr.Name = name
	attr.ID = id
	attr.Priority = prio

	d, err := pp.RegisterDomain(attr)
	if err != nil {
		t.Fatalf("RegisterDomain(%s) failed: %v", name, err)
	}
	return d
}
