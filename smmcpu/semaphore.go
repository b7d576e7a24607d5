package smmcpu

import (
	"github.com/gosmm/smmsync/internal/hwsync"
)

// Global slot indices within the semaphore pool. The last two reserve the
// platform-lock slots (page fault, code access check); their owners live
// outside the rendezvous.
const (
	slotCounter = iota
	slotInsideSmm
	slotAllCpusInSync
	slotPageFaultLock
	slotConfigLock
	globalSlotCount
)

// Per-CPU slot indices.
const (
	slotBusy = iota
	slotRun
	slotPresent
	cpuSlotCount
)

// semaphorePool is one contiguous block holding every counter and lock the
// rendezvous uses. Each slot is spaced a full cache line apart so CPUs
// spinning on neighbouring slots do not fight over a line. The pool lives
// for the core's lifetime and is never freed.
type semaphorePool struct {
	backing []uint32
	stride  int // words per slot
	cpus    int
}

func newSemaphorePool(cpus int) *semaphorePool {
	stride := hwsync.SpinLockProperties() / 4
	if stride < 1 {
		stride = 1
	}
	return &semaphorePool{
		backing: make([]uint32, (globalSlotCount+cpuSlotCount*cpus)*stride),
		stride:  stride,
		cpus:    cpus,
	}
}

func (p *semaphorePool) global(slot int) *uint32 {
	return &p.backing[slot*p.stride]
}

func (p *semaphorePool) perCPU(cpu, slot int) *uint32 {
	base := globalSlotCount + slot*p.cpus + cpu
	return &p.backing[base*p.stride]
}

// sizeBytes reports the pool's footprint, for init-time diagnostics.
func (p *semaphorePool) sizeBytes() int {
	return len(p.backing) * 4
}
