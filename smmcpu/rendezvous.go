package smmcpu

import (
	"sync/atomic"

	"github.com/gosmm/smmsync/internal/hwsync"
)

// SmiRendezvous is the per-CPU SMI entry point; every logical processor
// comes here on SMI trigger.
func (c *Core) SmiRendezvous(cpu int) {
	if cpu < 0 || cpu >= c.maxNumberOfCpus {
		fatal("cpu index out of range")
	}

	// A page fault inside the handler may clobber CR2; keep the
	// interrupted context's value across the run.
	cr2 := c.plat.Cr2(cpu)
	defer c.plat.SetCr2(cpu, cr2)

	if c.cfg.SmmRelocated && atomic.LoadUint32(&c.smmInitialized[cpu]) == 0 {
		// First SMI on this CPU after relocation: run init only.
		c.deps.InitHandler(cpu)
		atomic.StoreUint32(&c.smmInitialized[cpu], 1)
		return
	}

	if c.cfg.SmmDebug && c.deps.Debugger != nil {
		c.deps.Debugger.DebugEntry(cpu)
	}
	defer func() {
		if c.cfg.SmmDebug && c.deps.Debugger != nil {
			c.deps.Debugger.DebugExit(cpu)
		}
	}()

	if proc := c.startupProcedure; proc != nil {
		proc(c.startupArgs)
	}

	c.perfBegin(cpu, perfRendezvousEntry)
	c.plat.RendezvousEntry(cpu)
	c.perfEnd(cpu, perfRendezvousEntry)

	c.perfBegin(cpu, perfPlatformValidSmi)
	validSmi := c.plat.ValidSmi()
	c.perfEnd(cpu, perfPlatformValidSmi)

	// Sampled after validSmi: the BSP may clear a valid SMI source right
	// after checking in.
	bspInProgress := loadBool(c.insideSmm)

	switch {
	case !bspInProgress && !validSmi:
		// Either a truly invalid SMI, or a run that had almost ended when
		// the source was sampled. Nothing to do either way.

	case hwsync.ReleaseSemaphore(c.counter) == 0:
		// The BSP has already closed enrollment; too late to join. Hold
		// at the exit barrier so no normal-mode code runs under the open
		// SMI, then leave.
		for loadBool(c.allCpusInSync) {
			hwsync.Pause()
		}

	default:
		// Checked in. Reset the busy lock to released now: with the
		// relaxed flow the BSP may dispatch to this CPU the moment its
		// present flag shows.
		c.cpuData[cpu].busy.Reset()

		if c.cfg.SmmProfileEnable && c.deps.Profiler != nil {
			c.deps.Profiler.Activate(cpu)
		}

		if bspInProgress {
			// A BSP is already elected; follow it regardless of validSmi.
			c.apHandler(cpu, validSmi, c.effectiveSyncMode)
		} else {
			c.electAndRun(cpu, validSmi)
		}

		if atomic.LoadUint32(c.cpuData[cpu].run) != 0 {
			fatal("run semaphore not drained at rendezvous exit")
		}

		// Wait for the BSP's signal to leave the SMI.
		for loadBool(c.allCpusInSync) {
			hwsync.Pause()
		}
	}

	c.perfBegin(cpu, perfRendezvousExit)
	c.plat.RendezvousExit(cpu)
	c.perfEnd(cpu, perfRendezvousExit)
}

// electAndRun decides the coordinator for a fresh SMI and runs the
// matching handler.
func (c *Core) electAndRun(cpu int, validSmi bool) {
	if c.cfg.EnableBspElection {
		if !c.switchBsp || c.candidateBsp[cpu] {
			isBsp, decided := c.plat.BspElection(cpu)
			if decided {
				if isBsp {
					c.storeBspIndex(uint32(cpu))
				}
			} else {
				// No platform opinion: first CPU to claim the slot wins.
				atomic.CompareAndSwapUint32(&c.bspIndex, invalidIndex, uint32(cpu))
			}
		}
	}

	if c.loadBspIndex() == uint32(cpu) {
		// Consume any pending BSP switch request.
		if c.switchBsp {
			c.switchBsp = false
			for i := range c.candidateBsp {
				c.candidateBsp[i] = false
			}
		}

		if c.cfg.SmmProfileEnable && c.deps.Profiler != nil {
			c.deps.Profiler.RecordSmiNum()
		}

		// The BSP handler always runs under a valid SMI.
		c.bspHandler(cpu)
	} else {
		c.apHandler(cpu, validSmi, c.effectiveSyncMode)
	}
}

// RegisterSmmEntry stores the dispatcher invoked by the BSP each SMI.
func (c *Core) RegisterSmmEntry(entry EntryPoint) error {
	c.smmCoreEntry = entry
	return nil
}

// RegisterStartupProcedure installs the pre-hook run by every CPU on SMI
// entry, before the rendezvous. A nil procedure deregisters it.
func (c *Core) RegisterStartupProcedure(proc VoidProcedure, args interface{}) error {
	if proc == nil && args != nil {
		return ErrInvalidParameter
	}
	if c.cpuData == nil {
		return ErrNotReady
	}
	c.startupProcedure = proc
	c.startupArgs = args
	return nil
}
