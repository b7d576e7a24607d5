package simplat

import "sync/atomic"

// Hooks is a counting recorder for the optional debug, profile and
// hot-plug collaborators. Tests assert on the counters.
type Hooks struct {
	agentEnter uint32
	agentExit  uint32

	debugEntry []uint32
	debugExit  []uint32

	profileActivate []uint32
	smiNum          uint32

	cpuUpdates uint32
}

// NewHooks builds a recorder for the given CPU count.
func NewHooks(cpus int) *Hooks {
	return &Hooks{
		debugEntry:      make([]uint32, cpus),
		debugExit:       make([]uint32, cpus),
		profileActivate: make([]uint32, cpus),
	}
}

func (h *Hooks) AgentEnterSmi() { atomic.AddUint32(&h.agentEnter, 1) }
func (h *Hooks) AgentExitSmi()  { atomic.AddUint32(&h.agentExit, 1) }

func (h *Hooks) DebugEntry(cpu int) { atomic.AddUint32(&h.debugEntry[cpu], 1) }
func (h *Hooks) DebugExit(cpu int)  { atomic.AddUint32(&h.debugExit[cpu], 1) }

func (h *Hooks) Activate(cpu int) { atomic.AddUint32(&h.profileActivate[cpu], 1) }
func (h *Hooks) RecordSmiNum()    { atomic.AddUint32(&h.smiNum, 1) }

func (h *Hooks) CpuUpdate() { atomic.AddUint32(&h.cpuUpdates, 1) }

// AgentCounts reports the debug-agent enter/exit notifications.
func (h *Hooks) AgentCounts() (enter, exit uint32) {
	return atomic.LoadUint32(&h.agentEnter), atomic.LoadUint32(&h.agentExit)
}

// SmiNum reports how many SMIs the profiler saw on the BSP side.
func (h *Hooks) SmiNum() uint32 {
	return atomic.LoadUint32(&h.smiNum)
}

// CpuUpdates reports the hot-plug bookkeeping invocations.
func (h *Hooks) CpuUpdates() uint32 {
	return atomic.LoadUint32(&h.cpuUpdates)
}

// ProfileActivations reports the per-CPU profile activations.
func (h *Hooks) ProfileActivations(cpu int) uint32 {
	return atomic.LoadUint32(&h.profileActivate[cpu])
}
