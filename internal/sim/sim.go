// Package sim provides a software machine for the interrupt pipeline: a
// set of virtual CPUs, each a goroutine with its own virtual hardware
// interrupt flag and vector queue, plus the controller-side plumbing
// (masking, affinity routing, IPIs) the pipeline expects from a
// platform. It stands in for the architecture stub in tests and in the
// irqsim binary.
package sim

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/irqpipe"
)

// InterruptFunc is the decoded-vector entry point, called on the target
// vCPU goroutine with the virtual interrupt flag masked. It is normally
// Pipeline.HandleIRQ behind a small adapter.
type InterruptFunc func(cpu, irq int)

// Machine is a simulated SMP machine.
type Machine struct {
	ncpus int
	clock irqpipe.ClockInfo

	cpus []*vcpu

	deliver atomic.Pointer[InterruptFunc]

	mu       sync.Mutex
	masked   map[int]bool
	affinity map[int]irqpipe.CPUMask

	acks atomic.Uint64

	goids   sync.Map // goroutine id -> *vcpu
	stopped atomic.Bool
	wg      sync.WaitGroup

	pin func(cpu int)
}

// SetPinFunc installs a hook run once by each vCPU goroutine before it
// starts executing, typically to pin it to a host CPU. Must be called
// before Start.
func (m *Machine) SetPinFunc(fn func(cpu int)) { m.pin = fn }

type vcpu struct {
	m  *Machine
	id int

	mu   sync.Mutex
	cond *sync.Cond
	ifOn bool
	irqs []int
	work []workItem
}

type workItem struct {
	fn   func()
	done chan struct{}
}

// New builds a machine with ncpus virtual CPUs. Start must be called
// before any work is submitted.
func New(ncpus int, clock irqpipe.ClockInfo) (*Machine, error) {
	if ncpus < 1 || ncpus > 64 {
		return nil, fmt.Errorf("sim: %d cpus out of range [1,64]", ncpus)
	}
	m := &Machine{
		ncpus:    ncpus,
		clock:    clock,
		masked:   make(map[int]bool),
		affinity: make(map[int]irqpipe.CPUMask),
	}
	for i := 0; i < ncpus; i++ {
		v := &vcpu{m: m, id: i, ifOn: true}
		v.cond = sync.NewCond(&v.mu)
		m.cpus = append(m.cpus, v)
	}
	return m, nil
}

// OnInterrupt installs the decoded-vector entry point.
func (m *Machine) OnInterrupt(fn InterruptFunc) {
	m.deliver.Store(&fn)
}

// Start launches the vCPU goroutines.
func (m *Machine) Start() {
	for _, v := range m.cpus {
		m.wg.Add(1)
		go v.run()
	}
}

// Stop shuts the vCPUs down and waits for them to exit. Pending work
// items are abandoned.
func (m *Machine) Stop() {
	m.stopped.Store(true)
	for _, v := range m.cpus {
		v.mu.Lock()
		v.cond.Broadcast()
		v.mu.Unlock()
	}
	m.wg.Wait()
}

// Run executes fn on the given vCPU and waits for it to return.
func (m *Machine) Run(cpu int, fn func()) error {
	if cpu < 0 || cpu >= m.ncpus {
		return fmt.Errorf("sim: no cpu %d", cpu)
	}
	v := m.cpus[cpu]
	item := workItem{fn: fn, done: make(chan struct{})}

	v.mu.Lock()
	v.work = append(v.work, item)
	v.cond.Broadcast()
	v.mu.Unlock()

	<-item.done
	return nil
}

// RaiseIRQ injects a hardware vector. It is routed to the lowest CPU of
// the vector's affinity mask (CPU 0 if never routed) and delivered when
// that CPU next has interrupts enabled.
func (m *Machine) RaiseIRQ(irq int) error {
	m.mu.Lock()
	if m.masked[irq] {
		m.mu.Unlock()
		return fmt.Errorf("sim: vector %d is masked", irq)
	}
	mask, ok := m.affinity[irq]
	m.mu.Unlock()

	cpu := 0
	if ok {
		for !mask.Has(cpu) {
			cpu++
		}
	}
	m.queueIRQ(cpu, irq)
	return nil
}

// Acks returns how many vectors were acknowledged at the controller.
func (m *Machine) Acks() uint64 { return m.acks.Load() }

func (m *Machine) queueIRQ(cpu, irq int) {
	v := m.cpus[cpu]
	v.mu.Lock()
	v.irqs = append(v.irqs, irq)
	v.cond.Broadcast()
	v.mu.Unlock()
}

func (v *vcpu) run() {
	defer v.m.wg.Done()

	v.m.goids.Store(goid(), v)
	defer v.m.goids.Delete(goid())

	if v.m.pin != nil {
		v.m.pin(v.id)
	}

	for {
		v.mu.Lock()
		for !v.m.stopped.Load() && len(v.work) == 0 && !(v.ifOn && len(v.irqs) > 0) {
			v.cond.Wait()
		}
		if v.m.stopped.Load() {
			v.mu.Unlock()
			return
		}

		if v.ifOn && len(v.irqs) > 0 {
			irq := v.irqs[0]
			v.irqs = v.irqs[1:]
			v.ifOn = false
			v.mu.Unlock()
			v.m.dispatch(v.id, irq)
			v.mu.Lock()
			v.ifOn = true
			v.mu.Unlock()
			continue
		}

		item := v.work[0]
		v.work = v.work[1:]
		v.mu.Unlock()

		item.fn()
		close(item.done)
	}
}

func (m *Machine) dispatch(cpu, irq int) {
	if fn := m.deliver.Load(); fn != nil {
		(*fn)(cpu, irq)
	}
}

// self returns the vCPU the calling goroutine runs on.
func (m *Machine) self() *vcpu {
	v, ok := m.goids.Load(goid())
	if !ok {
		panic("sim: platform call from a goroutine that is not a vCPU; use Machine.Run")
	}
	return v.(*vcpu)
}

// Platform implementation.

func (m *Machine) ProcessorID() int { return m.self().id }

func (m *Machine) NumCPUs() int { return m.ncpus }

func (m *Machine) DisableIRQs() bool {
	v := m.self()
	v.mu.Lock()
	on := v.ifOn
	v.ifOn = false
	v.mu.Unlock()
	return on
}

func (m *Machine) RestoreIRQs(on bool) {
	if on {
		m.EnableIRQs()
	}
}

// EnableIRQs unmasks the virtual interrupt flag and immediately plays
// any vector that was held off, modelling the one-instruction window a
// real CPU honors after sti.
func (m *Machine) EnableIRQs() {
	v := m.self()
	for {
		v.mu.Lock()
		if len(v.irqs) == 0 {
			v.ifOn = true
			v.mu.Unlock()
			return
		}
		irq := v.irqs[0]
		v.irqs = v.irqs[1:]
		v.ifOn = false
		v.mu.Unlock()
		m.dispatch(v.id, irq)
	}
}

func (m *Machine) IRQsEnabled() bool {
	v := m.self()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ifOn
}

func (m *Machine) SendIPI(vector int, mask irqpipe.CPUMask) error {
	for cpu := 0; cpu < m.ncpus; cpu++ {
		if mask.Has(cpu) {
			m.queueIRQ(cpu, vector)
		}
	}
	return nil
}

func (m *Machine) IPIAllButSelf(vector int) {
	self := m.self().id
	for cpu := 0; cpu < m.ncpus; cpu++ {
		if cpu != self {
			m.queueIRQ(cpu, vector)
		}
	}
}

func (m *Machine) AckVector(int) { m.acks.Add(1) }

func (m *Machine) EnableVector(irq int) {
	m.mu.Lock()
	delete(m.masked, irq)
	m.mu.Unlock()
}

func (m *Machine) DisableVector(irq int) {
	m.mu.Lock()
	m.masked[irq] = true
	m.mu.Unlock()
}

func (m *Machine) SetVectorAffinity(irq int, mask irqpipe.CPUMask) irqpipe.CPUMask {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.affinity[irq]
	m.affinity[irq] = mask
	return old
}

// Idle parks the vCPU with interrupts enabled until a vector arrives,
// delivers it, and returns.
func (m *Machine) Idle() {
	v := m.self()
	v.mu.Lock()
	v.ifOn = true
	for len(v.irqs) == 0 && !m.stopped.Load() {
		v.cond.Wait()
	}
	if m.stopped.Load() {
		v.mu.Unlock()
		return
	}
	irq := v.irqs[0]
	v.irqs = v.irqs[1:]
	v.ifOn = false
	v.mu.Unlock()

	m.dispatch(v.id, irq)

	v.mu.Lock()
	v.ifOn = true
	v.mu.Unlock()
}

func (m *Machine) Clock() irqpipe.ClockInfo { return m.clock }

var _ irqpipe.Platform = (*Machine)(nil)

// goid extracts the runtime's goroutine id from a stack header. The
// runtime does not expose it and the vCPU mapping needs a stable
// per-goroutine key; the header format has been stable for a decade.
func goid() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}
