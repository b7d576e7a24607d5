package smmcpu

import (
	"sync/atomic"

	"github.com/gosmm/smmsync/internal/hwsync"
	"github.com/gosmm/smmsync/platform"
)

// bspHandler runs the coordinator side of an SMI. Each stanza below is a
// barrier or an externally visible action; the AP side in apHandler is its
// mirror image.
func (c *Core) bspHandler(cpu int) {
	if uint32(cpu) != c.loadBspIndex() {
		fatal("BSP handler on a CPU that is not the elected BSP")
	}
	syncMode := c.effectiveSyncMode
	apCount := 0

	// Flag BSP's presence.
	storeBool(c.insideSmm, true)

	if c.deps.Debugger != nil {
		c.deps.Debugger.AgentEnterSmi()
	}

	storeBool(c.cpuData[cpu].present, true)

	// Clear the top-level SMI status before handlers run; clearing it
	// afterwards would lose an SMI arriving between the handlers and the
	// clear.
	if !c.plat.ClearTopLevelSmiStatus() {
		fatal("top-level SMI status did not clear")
	}

	c.entryContext.CurrentlyExecutingCpu = cpu

	var osMtrrs platform.MtrrSettings
	needMtrrs := c.mtrr.NeedConfigureMtrrs()

	if syncMode == SyncModeTraditional || needMtrrs {
		c.waitForApArrival()

		// Close enrollment and count the APs that made it.
		storeBool(c.allCpusInSync, true)
		apCount = int(hwsync.LockdownSemaphore(c.counter)) - 1

		c.waitForAllAPs(apCount)

		if needMtrrs {
			// Threads in a core share MTRRs: every thread backs up before
			// any thread programs, hence the extra barrier pair.
			c.releaseAllAPs()
			osMtrrs = c.mtrr.Get(cpu)
			c.waitForAllAPs(apCount)

			c.releaseAllAPs()
			c.replaceOsMtrrs(cpu)
			c.waitForAllAPs(apCount)
		}
	}

	// The BSP's busy lock stays acquired for the whole dispatch phase;
	// check-in resets it on the next SMI.
	c.cpuData[cpu].busy.Acquire()

	c.performPreTasks()

	if c.smmCoreEntry != nil {
		c.smmCoreEntry(&c.entryContext)
	}

	// Drain every pending non-blocking dispatch.
	c.waitForAllAPsNotBusy(true)

	c.performRemainingTasks()

	if syncMode != SyncModeTraditional && !needMtrrs {
		// Relaxed exit: close enrollment now and absorb APs that raced
		// the lockdown — their check-in succeeded, so wait until more
		// CPUs are present than were counted.
		storeBool(c.allCpusInSync, true)
		apCount = int(hwsync.LockdownSemaphore(c.counter)) - 1

		for {
			present := 0
			for i := 0; i < c.maxNumberOfCpus; i++ {
				if loadBool(c.cpuData[i].present) {
					present++
				}
			}
			if present > apCount {
				break
			}
			hwsync.Pause()
		}
	}

	// Notify all APs to exit.
	storeBool(c.insideSmm, false)
	c.releaseAllAPs()
	c.waitForAllAPs(apCount)

	if needMtrrs {
		c.releaseAllAPs()
		c.mtrr.ReenableSmrr(cpu)
		c.mtrr.Set(cpu, osMtrrs)
		c.waitForAllAPs(apCount)
	}

	if c.deps.Debugger != nil {
		c.deps.Debugger.AgentExitSmi()
	}

	// Let APs reset their per-CPU state.
	c.releaseAllAPs()

	if c.cfg.HotPlugSupport && c.deps.HotPlug != nil {
		c.deps.HotPlug.CpuUpdate()
	}

	storeBool(c.cpuData[cpu].present, false)

	// APs clear their present flags after the release above; the final
	// gather counts run releases, not presence.
	c.waitForAllAPs(apCount)

	// All APs have left apHandler. Migrate deferred per-CPU perf records;
	// anything logged after this point migrates on the next SMI.
	if c.cfg.PerfLogging {
		c.perf.migrate(c.numberOfCpus)
	}

	c.tokens.reset()

	if c.cfg.EnableBspElection {
		c.storeBspIndex(invalidIndex)
	}

	// Allow APs to check in from this point on.
	atomic.StoreUint32(c.counter, 0)
	storeBool(c.allCpusInSync, false)
	c.setAllApArrived(false)
}
