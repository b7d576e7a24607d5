package simplat

import (
	"sync"
	"sync/atomic"

	"github.com/gosmm/smmsync/internal/hwsync"
	"github.com/gosmm/smmsync/smmcpu"
)

// Machine runs one goroutine per simulated CPU and owns SMI delivery.
// Each CPU has a one-deep SMI latch, like the hardware's pending SMI bit:
// re-delivery while one is pending is absorbed. A blocked CPU consumes
// the latch but buffers the SMI until it is unblocked; a disabled CPU
// ignores delivery entirely.
type Machine struct {
	core *smmcpu.Core
	plat *Platform
	n    int

	smi      []chan struct{}
	buffered []uint32

	inFlight    int32
	undelivered int32

	wg sync.WaitGroup
}

// NewMachine wires the platform's IPI transport to the machine and starts
// the CPU goroutines. Call Stop when done.
func NewMachine(core *smmcpu.Core, plat *Platform) *Machine {
	m := &Machine{
		core:     core,
		plat:     plat,
		n:        plat.cfg.Cpus,
		smi:      make([]chan struct{}, plat.cfg.Cpus),
		buffered: make([]uint32, plat.cfg.Cpus),
	}
	plat.deliver = m.deliverSmi

	for i := 0; i < m.n; i++ {
		m.smi[i] = make(chan struct{}, 1)
		m.wg.Add(1)
		go m.cpuLoop(i)
	}
	return m
}

func (m *Machine) cpuLoop(cpu int) {
	defer m.wg.Done()
	for range m.smi[cpu] {
		atomic.AddInt32(&m.inFlight, 1)
		atomic.AddInt32(&m.undelivered, -1)

		if m.plat.isBlocked(cpu) || m.plat.isDelayed(cpu) {
			// The SMI stays pending; it fires when the state clears.
			atomic.StoreUint32(&m.buffered[cpu], 1)
			// The state may have cleared while we buffered; whoever sees
			// the handoff last refires, so the SMI is never lost.
			if !m.plat.isBlocked(cpu) && !m.plat.isDelayed(cpu) {
				m.refire(cpu)
			}
			atomic.AddInt32(&m.inFlight, -1)
			continue
		}

		m.core.SmiRendezvous(cpu)
		atomic.AddInt32(&m.inFlight, -1)
	}
}

// deliverSmi latches an SMI on one CPU. Safe from any goroutine; also the
// platform's directed-IPI sink.
func (m *Machine) deliverSmi(cpu int) {
	if m.plat.isDisabled(cpu) {
		return
	}
	atomic.AddInt32(&m.undelivered, 1)
	select {
	case m.smi[cpu] <- struct{}{}:
	default:
		// Already pending; absorbed.
		atomic.AddInt32(&m.undelivered, -1)
	}
}

// TriggerSmi broadcasts an SMI to every CPU and waits for the machine to
// quiesce: every delivered SMI consumed and every CPU back out of the
// handler.
func (m *Machine) TriggerSmi() {
	for i := 0; i < m.n; i++ {
		m.deliverSmi(i)
	}
	m.Quiesce()
}

// TriggerSmiOn latches an SMI on a single CPU without waiting.
func (m *Machine) TriggerSmiOn(cpu int) {
	m.deliverSmi(cpu)
}

// Quiesce waits until no SMI is pending or being handled. Buffered SMIs
// on blocked or delayed CPUs do not count; they fire later.
func (m *Machine) Quiesce() {
	for atomic.LoadInt32(&m.undelivered) != 0 || atomic.LoadInt32(&m.inFlight) != 0 {
		hwsync.Pause()
	}
}

// SetBlocked changes a CPU's blocked state. Unblocking releases a
// buffered SMI, which then runs to completion if no other SMI is active.
func (m *Machine) SetBlocked(cpu int, blocked bool) {
	m.plat.setBlocked(cpu, blocked)
	if !blocked {
		m.refire(cpu)
	}
}

// SetDelayed changes a CPU's delayed state, releasing a buffered SMI when
// the delay clears.
func (m *Machine) SetDelayed(cpu int, delayed bool) {
	m.plat.setDelayed(cpu, delayed)
	if !delayed {
		m.refire(cpu)
	}
}

func (m *Machine) refire(cpu int) {
	if atomic.SwapUint32(&m.buffered[cpu], 0) == 1 {
		m.deliverSmi(cpu)
	}
}

// Stop shuts the CPU goroutines down. The machine must be quiescent.
func (m *Machine) Stop() {
	for i := 0; i < m.n; i++ {
		close(m.smi[i])
	}
	m.wg.Wait()
}
