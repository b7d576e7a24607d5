package smmcpu

import (
	"sync/atomic"

	"github.com/gosmm/smmsync/internal/hwsync"
	"github.com/gosmm/smmsync/platform"
)

// isPackageFirstThread reports whether cpu owns its package's entry in the
// first-thread map, claiming it if the package is still unclaimed. The
// first thread of each package does the package-scope register reads.
func (c *Core) isPackageFirstThread(cpu int) bool {
	pkg := c.procInfo[cpu].Package
	if c.packageFirstThread[pkg] == invalidIndex {
		c.packageFirstThread[pkg] = uint32(cpu)
	}
	return c.packageFirstThread[pkg] == uint32(cpu)
}

// delayedBlockedDisabledCount samples the SMM delayed, blocked and
// disabled thread counts, once per package.
func (c *Core) delayedBlockedDisabledCount() (delayed, blocked, disabled uint32) {
	for i := 0; i < c.numberOfCpus; i++ {
		if !c.isPackageFirstThread(i) {
			continue
		}
		delayed += uint32(c.plat.SmmRegister(i, platform.RegSmmDelayed))
		blocked += uint32(c.plat.SmmRegister(i, platform.RegSmmBlocked))
		disabled += uint32(c.plat.SmmRegister(i, platform.RegSmmEnable))
	}
	return
}

// allCpusInSmmExceptBlockedDisabled reports whether every CPU not excused
// by a blocked or disabled state has checked in for this SMI.
func (c *Core) allCpusInSmmExceptBlockedDisabled() bool {
	count := atomic.LoadUint32(c.counter)
	if count > uint32(c.numberOfCpus) {
		fatal("check-in counter above processor count")
	}
	if count == uint32(c.numberOfCpus) {
		return true
	}

	_, blocked, disabled := c.delayedBlockedDisabledCount()

	// The counter keeps moving while the counts are sampled; a late
	// check-in can push the sum past the processor count, which still
	// means everyone is accounted for.
	return atomic.LoadUint32(c.counter)+blocked+disabled >= uint32(c.numberOfCpus)
}

// waitForApArrival waits until every CPU is in SMM except those in
// blocked or disabled states, and guarantees that when it returns no AP
// will execute normal-mode code before entering SMM.
//
// The timeout must be long enough that in the second round every
// remaining AP can receive the SMI IPI and either enter SMM or latch the
// SMI; a CPU brought out of the blocked state afterwards then traps
// immediately instead of running normal-mode code under an open SMI.
func (c *Core) waitForApArrival() {
	if atomic.LoadUint32(c.counter) > uint32(c.numberOfCpus) {
		fatal("check-in counter above processor count")
	}

	lmceEn := false
	lmceSignal := false
	if c.machineCheckSupported {
		lmceEn = c.mc.LmceOsEnabled()
		lmceSignal = c.mc.LmceSignaled()
	}

	for t := c.timer.Start(); !c.timer.Timeout(t) && !(lmceEn && lmceSignal); {
		c.setAllApArrived(c.allCpusInSmmExceptBlockedDisabled())
		if c.AllApArrivedWithException() {
			break
		}
		hwsync.Pause()
	}

	if atomic.LoadUint32(c.counter) < uint32(c.numberOfCpus) {
		// Round two: send a directed SMI to every absent CPU. A delayed
		// CPU, or a blocked one freed by normal-mode code, must find the
		// SMI pending so it cannot run normal-mode work while this SMI is
		// being handled.
		for i := 0; i < c.maxNumberOfCpus; i++ {
			if !loadBool(c.cpuData[i].present) && c.procInfo[i].ProcessorID != platform.InvalidApicID {
				c.plat.SendSmiIpi(c.procInfo[i].ProcessorID)
			}
		}

		for t := c.timer.Start(); !c.timer.Timeout(t); {
			c.setAllApArrived(c.allCpusInSmmExceptBlockedDisabled())
			if c.AllApArrivedWithException() {
				break
			}
			hwsync.Pause()
		}
	}

	if !c.AllApArrivedWithException() {
		delayed, blocked, _ := c.delayedBlockedDisabledCount()
		c.logf("smmcpu: arrival incomplete: delayed APs %d, blocked APs %d", delayed, blocked)
	}
}
