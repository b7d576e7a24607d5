package smmcpu

import (
	"github.com/gosmm/smmsync/internal/hwsync"
	"github.com/gosmm/smmsync/platform"
)

// apHandler runs the follower side of an SMI. validSmi is carried for
// symmetry with the entry path; an AP follows the BSP regardless, because
// the BSP may already have cleared the SMI source.
func (c *Core) apHandler(cpu int, validSmi bool, syncMode SyncMode) {
	_ = validSmi

	// First contact: wait for a BSP to open the run.
	for t := c.timer.Start(); !c.timer.Timeout(t) && !loadBool(c.insideSmm); {
		hwsync.Pause()
	}

	if !loadBool(c.insideSmm) {
		bsp := c.loadBspIndex()
		if bsp == invalidIndex {
			// No BSP known to kick; take the check-in back and leave.
			hwsync.WaitSemaphore(c.counter)
			return
		}
		if int(bsp) == cpu {
			fatal("AP handler on the elected BSP")
		}

		// This AP is in SMM but the BSP is not; try to pull it in, then
		// clock it a second time.
		c.plat.SendSmiIpi(c.procInfo[bsp].ProcessorID)

		for t := c.timer.Start(); !c.timer.Timeout(t) && !loadBool(c.insideSmm); {
			hwsync.Pause()
		}

		if !loadBool(c.insideSmm) {
			// The BSP cannot enter SMM; take the check-in back and leave.
			hwsync.WaitSemaphore(c.counter)
			return
		}
	}

	bsp := int(c.loadBspIndex())
	if bsp == cpu {
		fatal("AP handler on the elected BSP")
	}

	// Mark this processor's presence.
	storeBool(c.cpuData[cpu].present, true)

	needMtrrs := c.mtrr.NeedConfigureMtrrs()

	if syncMode == SyncModeTraditional || needMtrrs {
		// Notify the BSP of arrival.
		hwsync.ReleaseSemaphore(c.cpuData[bsp].run)
	}

	var osMtrrs platform.MtrrSettings
	if needMtrrs {
		// Backup round.
		hwsync.WaitSemaphore(c.cpuData[cpu].run)
		osMtrrs = c.mtrr.Get(cpu)
		hwsync.ReleaseSemaphore(c.cpuData[bsp].run)

		// Programming round.
		hwsync.WaitSemaphore(c.cpuData[cpu].run)
		c.replaceOsMtrrs(cpu)
		hwsync.ReleaseSemaphore(c.cpuData[bsp].run)
	}

	for {
		hwsync.WaitSemaphore(c.cpuData[cpu].run)

		if !loadBool(c.insideSmm) {
			break
		}

		// The scheduling CPU holds busy until this dispatch finishes.
		if c.cpuData[cpu].busy.TryAcquire() {
			fatal("dispatch signalled without busy lock held")
		}

		data := &c.cpuData[cpu]
		status := data.procedure(data.parameter)
		if data.status != nil {
			*data.status = status
		}
		if data.token != nil {
			c.releaseToken(cpu)
		}

		data.busy.Release()
	}

	if needMtrrs {
		hwsync.ReleaseSemaphore(c.cpuData[bsp].run)
		hwsync.WaitSemaphore(c.cpuData[cpu].run)
		c.mtrr.ReenableSmrr(cpu)
		c.mtrr.Set(cpu, osMtrrs)
	}

	// Ready to reset per-CPU state.
	hwsync.ReleaseSemaphore(c.cpuData[bsp].run)
	hwsync.WaitSemaphore(c.cpuData[cpu].run)

	storeBool(c.cpuData[cpu].present, false)

	// Ready to exit.
	hwsync.ReleaseSemaphore(c.cpuData[bsp].run)
}
