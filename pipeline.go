package irqpipe

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
)

// Config carries the construction-time knobs of a pipeline.
type Config struct {
	// MaxDomains bounds the number of concurrently registered domains,
	// including root and a possible invariant head. At most 64.
	MaxDomains int

	// ThreeLevelMap selects the three-level pending bitmap instead of
	// the two-level one.
	ThreeLevelMap bool

	// SMP enables the cross-CPU machinery (critical sections, IPIs).
	// With SMP off the pipeline treats the machine as one CPU wide.
	SMP bool

	// DebugContextCheck arms CheckContext diagnostics.
	DebugContextCheck bool

	// DebugInternal enables internal sanity assertions on the hot
	// paths.
	DebugInternal bool

	// PrintkVirq reserves a virtual interrupt for deferred logging;
	// see Pipeline.Printk.
	PrintkVirq bool
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{MaxDomains: 4, ThreeLevelMap: false, SMP: true}
}

type cpudata struct {
	curr      atomic.Pointer[Domain]
	tickFrame atomic.Pointer[Frame]
	nmiSaved  atomic.Uint64
	ctxCheck  atomic.Bool
}

// Pipeline is the priority-ordered list of domains of one machine plus
// all of its shared bookkeeping. All global state lives here, guarded by
// one spinlock and the per-CPU hardware-off discipline.
type Pipeline struct {
	platform   Platform
	cfg        Config
	ncpus      int
	threeLevel bool

	// lock guards the virq and ptd key maps and slow-path descriptor
	// mutations. Always taken with hardware IRQs off.
	lock spinlock

	// domains is the dispatch-order snapshot, highest priority first.
	// Replaced wholesale inside the critical section so walkers never
	// see a torn list.
	domains atomic.Pointer[[]*Domain]

	root *Domain

	slotMap    uint64
	virqMap    uint64
	ptdKeyMap  uint64
	ptdKeys    int

	eventMonitors [NrEvents]atomic.Int32

	extable [NrFaults]atomic.Pointer[FaultHandler]

	cpus   []cpudata
	stages [][]stage // [cpu][slot]

	crit criticalState

	printk *printkState
}

// New builds a pipeline over platform and registers the root domain on
// slot 0. The root stage starts stalled on every CPU, mirroring a
// machine that boots with interrupts masked; unstall it (per CPU) once
// the embedder is ready to take interrupts.
func New(platform Platform, cfg Config) (*Pipeline, error) {
	if cfg.MaxDomains < 2 || cfg.MaxDomains > 64 {
		return nil, fmt.Errorf("irqpipe: max domains %d out of range [2,64]: %w",
			cfg.MaxDomains, ErrInvalidArgument)
	}

	ncpus := platform.NumCPUs()
	if !cfg.SMP {
		ncpus = 1
	}
	if ncpus < 1 || ncpus > 64 {
		return nil, fmt.Errorf("irqpipe: %d cpus out of range [1,64]: %w",
			ncpus, ErrInvalidArgument)
	}

	pp := &Pipeline{
		platform:   platform,
		cfg:        cfg,
		ncpus:      ncpus,
		threeLevel: cfg.ThreeLevelMap,
		cpus:       make([]cpudata, ncpus),
		stages:     make([][]stage, ncpus),
	}
	for cpu := range pp.stages {
		pp.stages[cpu] = make([]stage, cfg.MaxDomains)
		// Root stalled on each CPU at startup.
		pp.stages[cpu][rootSlot].status.Store(1 << stallFlag)
	}

	// Lightweight registration for the root domain: we are single
	// threaded here, no need for the critical section.
	ipd := &Domain{
		name:     "root",
		id:       RootID,
		priority: RootPriority,
		slot:     rootSlot,
		pipe:     pp,
	}
	pp.root = ipd
	pp.slotMap = 1 << rootSlot

	pp.initStage(ipd)

	// Root holds the platform default acknowledge for every hardware
	// vector, so domains installing handlers without one inherit it.
	for irq := 0; irq < VirqBase; irq++ {
		ipd.irqs[irq].action.Store(&irqAction{acknowledge: platform.AckVector})
	}

	// Reserve the service and critical vectors.
	for _, virq := range []int{ServiceIPI0, ServiceIPI1, ServiceIPI2, ServiceIPI3, CriticalIPI} {
		pp.virqMap |= 1 << uint(virq-VirqBase)
	}

	list := []*Domain{ipd}
	pp.domains.Store(&list)

	for cpu := range pp.cpus {
		pp.cpus[cpu].curr.Store(ipd)
		pp.cpus[cpu].ctxCheck.Store(cfg.DebugContextCheck)
	}

	if cfg.PrintkVirq {
		pp.initPrintk()
	}

	return pp, nil
}

const rootSlot = 0

func (pp *Pipeline) headSlot() int { return pp.cfg.MaxDomains - 1 }

// Root returns the root domain.
func (pp *Pipeline) Root() *Domain { return pp.root }

// Current returns the domain the calling CPU is running over. Callers
// that need a stable answer must hold hardware IRQs off.
func (pp *Pipeline) Current() *Domain {
	return pp.cpus[pp.cpu()].curr.Load()
}

func (pp *Pipeline) cpu() int {
	if !pp.cfg.SMP {
		return 0
	}
	return pp.platform.ProcessorID()
}

func (pp *Pipeline) setCurrent(d *Domain) {
	pp.cpus[pp.cpu()].curr.Store(d)
}

func (pp *Pipeline) list() []*Domain { return *pp.domains.Load() }

func (pp *Pipeline) head() *Domain { return pp.list()[0] }

func (pp *Pipeline) isHead(d *Domain) bool { return pp.head() == d }

// stageOn returns the state of d on the given CPU.
func (pp *Pipeline) stageOn(d *Domain, cpu int) *stage {
	return &pp.stages[cpu][d.slot]
}

// stageOf returns the state of d on the calling CPU.
func (pp *Pipeline) stageOf(d *Domain) *stage {
	return &pp.stages[pp.cpu()][d.slot]
}

func (pp *Pipeline) currentStage() *stage {
	cpu := pp.cpu()
	return &pp.stages[cpu][pp.cpus[cpu].curr.Load().slot]
}

func (pp *Pipeline) rootStage() *stage {
	return &pp.stages[pp.cpu()][rootSlot]
}

func (pp *Pipeline) headStage() *stage {
	return pp.stageOf(pp.head())
}

func indexOf(doms []*Domain, d *Domain) int {
	for i, x := range doms {
		if x == d {
			return i
		}
	}
	return -1
}

// initStage resets the per-CPU state and descriptors of ipd. Status
// words are preserved so stall invariants survive re-initialization.
func (pp *Pipeline) initStage(ipd *Domain) {
	for cpu := 0; cpu < pp.ncpus; cpu++ {
		pp.stageOn(ipd, cpu).reset()
	}

	for n := 0; n < NrIRQs; n++ {
		ipd.irqs[n].action.Store(&irqAction{})
		ipd.irqs[n].control.Store(uint32(Pass)) // Pass but don't handle.
	}

	for n := range ipd.evhand {
		ipd.evhand[n].Store(nil)
	}
	ipd.evself.Store(0)

	pp.hookCriticalIPI(ipd)
}

// cleanupDomain waits for the logged events of ipd to drain on every CPU
// and releases its slot.
func (pp *Pipeline) cleanupDomain(ipd *Domain) {
	pp.UnstallFrom(ipd)

	for cpu := 0; cpu < pp.ncpus; cpu++ {
		p := pp.stageOn(ipd, cpu)
		for p.pending() {
			runtime.Gosched()
		}
	}

	pp.lock.lock()
	pp.slotMap &^= 1 << uint(ipd.slot)
	pp.lock.unlock()
}

// RegisterDomain links a new domain into the pipeline. Only the root
// domain may register; a HeadPriority registration claims the invariant
// head position.
func (pp *Pipeline) RegisterDomain(attr *DomainAttr) (*Domain, error) {
	if pp.Current() != pp.root {
		return nil, fmt.Errorf("irqpipe: only the root domain may register a new domain: %w",
			ErrNotPermitted)
	}

	ipd := &Domain{pipe: pp}

	flags := pp.CriticalEnter(nil)

	if attr.Priority == HeadPriority {
		if pp.slotMap&(1<<uint(pp.headSlot())) != 0 {
			pp.CriticalExit(flags)
			return nil, fmt.Errorf("irqpipe: pipeline head already taken: %w", ErrBusy)
		}
		ipd.slot = pp.headSlot()
	} else {
		ipd.slot = lowestZeroBit(pp.slotMap)
	}

	var dup bool
	if ipd.slot < pp.cfg.MaxDomains {
		pp.slotMap |= 1 << uint(ipd.slot)
		for _, d := range pp.list() {
			if d.id == attr.ID {
				dup = true
				break
			}
		}
	}

	pp.CriticalExit(flags)

	if ipd.slot >= pp.cfg.MaxDomains {
		return nil, fmt.Errorf("irqpipe: %d domains already registered: %w",
			pp.cfg.MaxDomains, ErrNoSlots)
	}
	if dup {
		flags = pp.CriticalEnter(nil)
		pp.slotMap &^= 1 << uint(ipd.slot)
		pp.CriticalExit(flags)
		return nil, fmt.Errorf("irqpipe: domain id 0x%x already registered: %w",
			attr.ID, ErrBusy)
	}

	ipd.name = attr.Name
	ipd.id = attr.ID
	if attr.Priority == HeadPriority {
		ipd.priority = math.MaxInt
		ipd.flags |= flagAhead
	} else {
		ipd.priority = attr.Priority
	}

	pp.initStage(ipd)

	flags = pp.CriticalEnter(nil)

	old := pp.list()
	pos := len(old)
	for i, d := range old {
		if ipd.priority > d.priority {
			pos = i
			break
		}
	}
	next := make([]*Domain, 0, len(old)+1)
	next = append(next, old[:pos]...)
	next = append(next, ipd)
	next = append(next, old[pos:]...)
	pp.domains.Store(&next)

	pp.CriticalExit(flags)

	if attr.Entry == nil {
		return ipd, nil
	}

	// Let the new domain run its initialization duties over itself.
	on := pp.platform.DisableIRQs()
	pp.setCurrent(ipd)
	pp.platform.RestoreIRQs(on)

	attr.Entry()

	on = pp.platform.DisableIRQs()
	pp.setCurrent(pp.root)
	p := pp.rootStage()
	if p.pending() && !p.stalled() {
		pp.syncStage(false)
	}
	pp.platform.RestoreIRQs(on)

	return ipd, nil
}

// UnregisterDomain removes ipd from the pipeline once its pending logs
// have drained on every CPU. Root only; the root domain itself cannot be
// removed.
func (pp *Pipeline) UnregisterDomain(ipd *Domain) error {
	if pp.Current() != pp.root {
		return fmt.Errorf("irqpipe: only the root domain may unregister a domain: %w",
			ErrNotPermitted)
	}
	if ipd == pp.root {
		return fmt.Errorf("irqpipe: cannot unregister the root domain: %w",
			ErrNotPermitted)
	}
	if indexOf(pp.list(), ipd) < 0 {
		return fmt.Errorf("irqpipe: domain %s: %w", ipd.name, ErrNotFound)
	}

	// Stop accumulating: force every vector to pass-through, then wait
	// for the logged events to drain on all processors.
	pp.UnstallFrom(ipd)

	flags := pp.CriticalEnter(nil)
	for irq := 0; irq < NrIRQs; irq++ {
		ipd.irqs[irq].clearBits(Handle | Sticky)
		ipd.irqs[irq].setBits(Pass)
	}
	pp.CriticalExit(flags)

	for cpu := 0; cpu < pp.ncpus; cpu++ {
		p := pp.stageOn(ipd, cpu)
		for p.pending() {
			runtime.Gosched()
		}
	}

	ipd.mutex.Lock()
	defer ipd.mutex.Unlock()

	flags = pp.CriticalEnter(nil)
	old := pp.list()
	next := make([]*Domain, 0, len(old)-1)
	for _, d := range old {
		if d != ipd {
			next = append(next, d)
		}
	}
	pp.domains.Store(&next)
	pp.CriticalExit(flags)

	pp.cleanupDomain(ipd)

	return nil
}

// Sysinfo reports the machine parameters relevant to pipeline clients.
func (pp *Pipeline) Sysinfo() Sysinfo {
	return Sysinfo{NumCPUs: pp.ncpus, ClockInfo: pp.platform.Clock()}
}

// TickFrame returns the frame snapshot taken at the last tick interrupt
// on cpu, or nil. Used for charging CPU time to the interrupted context.
func (pp *Pipeline) TickFrame(cpu int) *Frame {
	return pp.cpus[cpu].tickFrame.Load()
}

// ClearSyncOnSwitch must be called by the task scheduler of a domain
// whenever it switches a task in on cpu. A log sync interrupted by a CPU
// migration leaves the SYNC bit set on the source CPU; this is the hook
// that releases it.
func (pp *Pipeline) ClearSyncOnSwitch(cpu int) {
	d := pp.cpus[cpu].curr.Load()
	bitClear(&pp.stageOn(d, cpu).status, syncFlag)
}

func lowestZeroBit(m uint64) int {
	n := 0
	for m&1 != 0 {
		m >>= 1
		n++
	}
	return n
}
