// Command irqsim drives the interrupt pipeline over a simulated SMP
// machine: a realtime domain heads the pipeline with a wired timer
// vector while the root domain takes a stream of device interrupts,
// including bursts logged while root is stalled and replayed on
// unstall.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/irqpipe"
	"github.com/tinyrange/irqpipe/internal/config"
	"github.com/tinyrange/irqpipe/internal/hostcpu"
	"github.com/tinyrange/irqpipe/internal/sim"
)

const (
	timerVector  = 0
	deviceVector = 7
)

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "YAML configuration file")
	rounds := fs.Int("rounds", 10000, "Interrupt rounds to simulate")
	pinCPUs := fs.Bool("pin", false, "Pin simulated CPUs to host CPUs")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	machine, err := sim.New(cfg.NumCPUs, irqpipe.ClockInfo{
		CPUFreq:   1_000_000_000,
		TimerFreq: 1000,
		TickIRQ:   timerVector,
	})
	if err != nil {
		return err
	}
	if *pinCPUs {
		machine.SetPinFunc(func(cpu int) {
			if !hostcpu.Pin(cpu) {
				slog.Warn("could not pin simulated CPU", "cpu", cpu)
			}
		})
	}
	machine.Start()
	defer machine.Stop()

	var pipe *irqpipe.Pipeline
	if err := machine.Run(0, func() {
		pipe, err = irqpipe.New(machine, cfg.Pipeline())
	}); err != nil {
		return err
	}
	if err != nil {
		return err
	}

	machine.OnInterrupt(func(cpu, irq int) {
		pipe.HandleIRQ(irq, &irqpipe.Frame{IRQsOn: true}, false)
	})

	var timerTicks, deviceHits, deferredHits atomic.Uint64

	// Bring the machine up: unstall root everywhere, install the device
	// handler, then put a realtime domain ahead with the timer wired.
	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		if err := machine.Run(cpu, pipe.UnstallRoot); err != nil {
			return err
		}
	}

	if err := machine.Run(0, func() {
		err = pipe.VirtualizeIRQ(pipe.Root(), deviceVector,
			func(int, any) { deviceHits.Add(1) }, nil, nil,
			irqpipe.StdRoot)
	}); err != nil {
		return err
	}
	if err != nil {
		return err
	}

	var rt *irqpipe.Domain
	if err := machine.Run(0, func() {
		attr := new(irqpipe.DomainAttr)
		irqpipe.InitAttr(attr)
		attr.Name = "rt"
		attr.ID = 2
		attr.Priority = irqpipe.HeadPriority
		rt, err = pipe.RegisterDomain(attr)
		if err != nil {
			return
		}
		err = pipe.VirtualizeIRQ(rt, timerVector,
			func(int, any) { timerTicks.Add(1) }, nil, nil,
			irqpipe.Wired)
	}); err != nil {
		return err
	}
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(*rounds,
		progressbar.OptionSetDescription("simulating"),
		progressbar.OptionSetVisibility(term.IsTerminal(int(os.Stderr.Fd()))),
		progressbar.OptionSetWriter(os.Stderr))

	start := time.Now()
	for i := 0; i < *rounds; i++ {
		// The timer preempts whatever runs; devices go through the
		// deferred log.
		if err := machine.RaiseIRQ(timerVector); err != nil {
			return err
		}
		if err := machine.RaiseIRQ(deviceVector); err != nil {
			return err
		}

		// Every so often, hold the root stage stalled across a burst
		// and let the unstall replay it.
		if i%64 == 0 {
			if err := machine.Run(0, func() {
				pipe.StallRoot()
				before := deviceHits.Load()
				pipe.TriggerIRQ(deviceVector)
				pipe.TriggerIRQ(deviceVector)
				pipe.UnstallRoot()
				deferredHits.Add(deviceHits.Load() - before)
			}); err != nil {
				return err
			}
		}

		bar.Add(1)
	}

	// Drain: an empty pass on each CPU lets its run loop deliver
	// anything still queued before we read the counters.
	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		if err := machine.Run(cpu, func() {}); err != nil {
			return err
		}
	}

	elapsed := time.Since(start)
	fmt.Printf("\nrounds=%d elapsed=%s\n", *rounds, elapsed)
	fmt.Printf("timer ticks (wired, head): %d\n", timerTicks.Load())
	fmt.Printf("device interrupts (root):  %d\n", deviceHits.Load())
	fmt.Printf("replayed after stall:      %d\n", deferredHits.Load())
	fmt.Printf("controller acks:           %d\n", machine.Acks())

	info := pipe.Sysinfo()
	fmt.Printf("machine: %d cpus, cpufreq=%d, tick irq=%d\n",
		info.NumCPUs, info.CPUFreq, info.TickIRQ)

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "irqsim: %v\n", err)
		os.Exit(1)
	}
}
