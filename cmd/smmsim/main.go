// Command smmsim drives a simulated multi-processor machine through SMI
// storms and traces what the rendezvous core does with them. Scenarios
// come from a YAML file; -interactive injects SMIs from the keyboard.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-tty"

	"github.com/gosmm/smmsync/simplat"
	"github.com/gosmm/smmsync/smmcpu"
)

type simulator struct {
	cfg   *simConfig
	trace *tracer
	plat  *simplat.Platform
	core  *smmcpu.Core
	m     *simplat.Machine

	smiNum    uint32
	broadcast uint32 // arm a broadcast inside the next dispatcher run
}

func main() {
	configPath := flag.String("config", "", "YAML scenario file")
	tracePath := flag.String("trace", "", "write the trace to a file instead of stdout")
	interactive := flag.Bool("interactive", false, "inject SMIs from the keyboard")
	flag.Parse()

	if err := run(*configPath, *tracePath, *interactive); err != nil {
		fmt.Fprintln(os.Stderr, "smmsim:", err)
		os.Exit(1)
	}
}

func run(configPath, tracePath string, interactive bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	trace, err := newTracer(tracePath)
	if err != nil {
		return err
	}
	defer trace.Close()

	sim := &simulator{cfg: cfg, trace: trace}

	coreCfg, err := cfg.coreConfig(trace.logf)
	if err != nil {
		return err
	}

	sim.plat = simplat.New(cfg.platformConfig())
	hooks := simplat.NewHooks(cfg.Cpus)
	sim.core, err = smmcpu.New(coreCfg, smmcpu.Deps{
		Platform:     sim.plat,
		Timer:        sim.plat.NewTimer(),
		Mtrr:         sim.plat,
		MachineCheck: sim.plat,
		Debugger:     hooks,
		Profiler:     hooks,
		HotPlug:      hooks,
		Processors:   sim.plat.Processors(),
	})
	if err != nil {
		return err
	}
	sim.core.RegisterSmmEntry(sim.dispatch)

	trace.logf("machine: %d cpus, semaphore pool %s",
		cfg.Cpus, bytesize.New(float64(sim.core.PoolSizeBytes())))

	sim.m = simplat.NewMachine(sim.core, sim.plat)
	defer sim.m.Stop()

	for _, line := range cfg.Scenario {
		if err := sim.exec(line); err != nil {
			return err
		}
	}

	if interactive {
		return sim.interact()
	}
	return nil
}

// dispatch is the registered SMM entry point: it stands in for the real
// dispatcher and optionally broadcasts a traced procedure to all APs.
func (s *simulator) dispatch(ctx *smmcpu.EntryContext) {
	n := atomic.AddUint32(&s.smiNum, 1)
	s.trace.cpuf(ctx.CurrentlyExecutingCpu, "BSP for SMI %d (%d cpus)", n, ctx.NumberOfCpus)

	if atomic.SwapUint32(&s.broadcast, 0) == 0 {
		return
	}

	var comp smmcpu.Completion
	statuses := make([]error, ctx.NumberOfCpus)
	err := s.core.BroadcastProcedure(func(arg interface{}) error {
		return nil
	}, 0, nil, &comp, statuses)
	if err != nil {
		s.trace.logf("broadcast failed: %v", err)
		return
	}
	for s.core.IsApReady(&comp) != nil {
		runtime.Gosched()
	}
	for i, st := range statuses {
		if i == ctx.CurrentlyExecutingCpu {
			continue
		}
		if errors.Is(st, smmcpu.ErrNotStarted) {
			s.trace.cpuf(i, "excluded from broadcast")
		} else {
			s.trace.cpuf(i, "broadcast done, status %v", st)
		}
	}
}

// exec runs one scenario command.
func (s *simulator) exec(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("scenario %q: %w", line, err)
	}
	if len(args) == 0 {
		return nil
	}

	cpuArg := func() (int, error) {
		if len(args) != 2 {
			return 0, fmt.Errorf("scenario %q: want one cpu argument", line)
		}
		cpu, err := strconv.Atoi(args[1])
		if err != nil || cpu < 0 || cpu >= s.cfg.Cpus {
			return 0, fmt.Errorf("scenario %q: bad cpu", line)
		}
		return cpu, nil
	}

	switch args[0] {
	case "smi":
		s.trace.logf("-- SMI storm --")
		s.m.TriggerSmi()
	case "smi-on":
		cpu, err := cpuArg()
		if err != nil {
			return err
		}
		s.m.TriggerSmiOn(cpu)
		s.m.Quiesce()
	case "broadcast":
		atomic.StoreUint32(&s.broadcast, 1)
	case "block", "unblock":
		cpu, err := cpuArg()
		if err != nil {
			return err
		}
		s.m.SetBlocked(cpu, args[0] == "block")
		s.trace.cpuf(cpu, "%sed", args[0])
	case "delay", "undelay":
		cpu, err := cpuArg()
		if err != nil {
			return err
		}
		s.m.SetDelayed(cpu, args[0] == "delay")
		s.trace.cpuf(cpu, "%sed", args[0])
	case "disable", "enable":
		cpu, err := cpuArg()
		if err != nil {
			return err
		}
		s.plat.SetDisabled(cpu, args[0] == "disable")
		s.trace.cpuf(cpu, "%sd", args[0])
	case "lmce":
		s.plat.InjectLmce()
		s.trace.logf("LMCE injected")
	default:
		return fmt.Errorf("scenario %q: unknown command", line)
	}
	return nil
}

// interact injects SMIs from single keypresses: s fires a storm, b/u
// toggle CPU 1's blocked state, q quits.
func (s *simulator) interact() error {
	term, err := tty.Open()
	if err != nil {
		return err
	}
	defer term.Close()

	s.trace.logf("interactive: [s]mi  [b]lock cpu1  [u]nblock cpu1  [q]uit")
	for {
		r, err := term.ReadRune()
		if err != nil {
			return err
		}
		switch r {
		case 's':
			s.exec("smi")
		case 'b':
			s.exec("block 1")
		case 'u':
			s.exec("unblock 1")
		case 'q':
			return nil
		}
	}
}
