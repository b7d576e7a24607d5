// Package simplat is an in-memory platform for the rendezvous core: fake
// processors with APIC ids, topology, CR2 registers, MTRRs, SMM state
// registers and a tick-counted sync timer. Together with Machine it
// drives one goroutine per simulated CPU through full SMI runs, which is
// how the protocol tests exercise the core.
package simplat

import (
	"sync"
	"sync/atomic"

	"github.com/gosmm/smmsync/platform"
)

// Config describes the simulated machine.
type Config struct {
	// Cpus is the number of logical processors.
	Cpus int
	// CpusPerPackage controls topology; 0 puts every CPU in one package.
	CpusPerPackage int
	// TimerBudget is the number of global ticks one sync-timer round
	// lasts. Every Timeout poll advances the clock by one tick.
	TimerBudget uint64
	// NeedConfigureMtrrs turns on the OS-to-SMI MTRR swap.
	NeedConfigureMtrrs bool
	// MachineCheckSupported reports the CPUID MCA bit.
	MachineCheckSupported bool
}

// Platform implements platform.Platform, platform.MachineCheck and
// platform.MtrrController over plain in-memory state.
type Platform struct {
	cfg   Config
	procs []platform.ProcessorInfo

	mu           sync.Mutex
	mtrrs        []platform.MtrrSettings
	smrrDisabled []bool

	cr2 []uint64

	// SMM state registers, one word per CPU: delayed, blocked, disabled.
	delayed  []uint32
	blocked  []uint32
	disabled []uint32

	validSmi     uint32
	preferredBsp int32

	lmceEnabled  uint32
	lmceSignaled uint32

	deliver func(cpu int)

	ipiCount         []uint32
	rendezvousEnter  []uint32
	rendezvousExit   []uint32
	clearStatusCalls uint32

	timestamp uint64
}

// New builds a simulated platform. APIC ids are assigned 2*cpu, the usual
// spacing on hyper-threaded parts.
func New(cfg Config) *Platform {
	if cfg.Cpus <= 0 {
		panic("simplat: machine needs at least one cpu")
	}
	if cfg.TimerBudget == 0 {
		cfg.TimerBudget = 4096
	}
	perPackage := cfg.CpusPerPackage
	if perPackage <= 0 {
		perPackage = cfg.Cpus
	}

	p := &Platform{
		cfg:             cfg,
		procs:           make([]platform.ProcessorInfo, cfg.Cpus),
		mtrrs:           make([]platform.MtrrSettings, cfg.Cpus),
		smrrDisabled:    make([]bool, cfg.Cpus),
		cr2:             make([]uint64, cfg.Cpus),
		delayed:         make([]uint32, cfg.Cpus),
		blocked:         make([]uint32, cfg.Cpus),
		disabled:        make([]uint32, cfg.Cpus),
		validSmi:        1,
		preferredBsp:    -1,
		ipiCount:        make([]uint32, cfg.Cpus),
		rendezvousEnter: make([]uint32, cfg.Cpus),
		rendezvousExit:  make([]uint32, cfg.Cpus),
	}
	for i := range p.procs {
		p.procs[i] = platform.ProcessorInfo{
			ProcessorID: uint64(2 * i),
			Package:     uint32(i / perPackage),
			Core:        uint32(i % perPackage),
		}
	}
	return p
}

// Processors returns the slot table handed to the core.
func (p *Platform) Processors() []platform.ProcessorInfo {
	return append([]platform.ProcessorInfo(nil), p.procs...)
}

// NewTimer returns a sync timer over the platform's tick budget.
func (p *Platform) NewTimer() *SyncTicker {
	return &SyncTicker{budget: p.cfg.TimerBudget}
}

// ValidSmi reports the simulated SMI source.
func (p *Platform) ValidSmi() bool {
	return atomic.LoadUint32(&p.validSmi) != 0
}

// SetValidSmi flips the simulated SMI source.
func (p *Platform) SetValidSmi(v bool) {
	storeFlag(&p.validSmi, v)
}

// BspElection prefers the CPU set with PreferBsp, or abstains so the core
// falls back to first-to-claim election.
func (p *Platform) BspElection(cpu int) (isBsp, decided bool) {
	pref := atomic.LoadInt32(&p.preferredBsp)
	if pref < 0 {
		return false, false
	}
	return cpu == int(pref), true
}

// PreferBsp makes the platform election pick the given CPU. A negative
// value returns the election to the core.
func (p *Platform) PreferBsp(cpu int) {
	atomic.StoreInt32(&p.preferredBsp, int32(cpu))
}

// ClearTopLevelSmiStatus always succeeds and counts the calls.
func (p *Platform) ClearTopLevelSmiStatus() bool {
	atomic.AddUint32(&p.clearStatusCalls, 1)
	return true
}

// ClearStatusCalls reports how often the top-level status was cleared.
func (p *Platform) ClearStatusCalls() uint32 {
	return atomic.LoadUint32(&p.clearStatusCalls)
}

// SmmRegister reads the package-scope thread counts the way the hardware
// register does: the count covers the whole package of the CPU asked.
func (p *Platform) SmmRegister(cpu int, reg platform.SmmRegister) uint64 {
	var flags []uint32
	switch reg {
	case platform.RegSmmDelayed:
		flags = p.delayed
	case platform.RegSmmBlocked:
		flags = p.blocked
	case platform.RegSmmEnable:
		flags = p.disabled
	default:
		return 0
	}

	pkg := p.procs[cpu].Package
	count := uint64(0)
	for i, info := range p.procs {
		if info.Package == pkg && atomic.LoadUint32(&flags[i]) != 0 {
			count++
		}
	}
	return count
}

// SendSmiIpi latches a directed SMI on the CPU owning apicID.
func (p *Platform) SendSmiIpi(apicID uint64) {
	for i, info := range p.procs {
		if info.ProcessorID != apicID {
			continue
		}
		atomic.AddUint32(&p.ipiCount[i], 1)
		if p.deliver != nil {
			p.deliver(i)
		}
		return
	}
}

// IpiCount reports the directed SMIs sent to cpu.
func (p *Platform) IpiCount(cpu int) uint32 {
	return atomic.LoadUint32(&p.ipiCount[cpu])
}

func (p *Platform) RendezvousEntry(cpu int) {
	atomic.AddUint32(&p.rendezvousEnter[cpu], 1)
}

func (p *Platform) RendezvousExit(cpu int) {
	atomic.AddUint32(&p.rendezvousExit[cpu], 1)
}

// RendezvousCounts reports the entry/exit hook invocations for cpu.
func (p *Platform) RendezvousCounts(cpu int) (entries, exits uint32) {
	return atomic.LoadUint32(&p.rendezvousEnter[cpu]), atomic.LoadUint32(&p.rendezvousExit[cpu])
}

func (p *Platform) Cr2(cpu int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cr2[cpu]
}

func (p *Platform) SetCr2(cpu int, v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cr2[cpu] = v
}

func (p *Platform) ReadTimestamp() uint64 {
	return atomic.AddUint64(&p.timestamp, 1)
}

// MachineCheck interface.

func (p *Platform) Supported() bool {
	return p.cfg.MachineCheckSupported
}

func (p *Platform) LmceOsEnabled() bool {
	return atomic.LoadUint32(&p.lmceEnabled) != 0
}

func (p *Platform) LmceSignaled() bool {
	return atomic.LoadUint32(&p.lmceSignaled) != 0
}

// InjectLmce arms a local machine check: OS-enabled and signalled.
func (p *Platform) InjectLmce() {
	atomic.StoreUint32(&p.lmceEnabled, 1)
	atomic.StoreUint32(&p.lmceSignaled, 1)
}

// MtrrController interface.

func (p *Platform) NeedConfigureMtrrs() bool {
	return p.cfg.NeedConfigureMtrrs
}

func (p *Platform) Get(cpu int) platform.MtrrSettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mtrrs[cpu]
}

func (p *Platform) Set(cpu int, s platform.MtrrSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mtrrs[cpu] = s
}

func (p *Platform) DisableSmrr(cpu int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.smrrDisabled[cpu] = true
}

func (p *Platform) ReenableSmrr(cpu int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.smrrDisabled[cpu] = false
}

// Per-CPU SMM state knobs. Blocked and delayed transitions that release a
// latched SMI are handled by Machine, which owns delivery.

func (p *Platform) setBlocked(cpu int, v bool) {
	storeFlag(&p.blocked[cpu], v)
}

func (p *Platform) isBlocked(cpu int) bool {
	return atomic.LoadUint32(&p.blocked[cpu]) != 0
}

func (p *Platform) setDelayed(cpu int, v bool) {
	storeFlag(&p.delayed[cpu], v)
}

func (p *Platform) isDelayed(cpu int) bool {
	return atomic.LoadUint32(&p.delayed[cpu]) != 0
}

// SetDisabled puts cpu in the SMI-disabled state; it stops responding to
// SMIs entirely.
func (p *Platform) SetDisabled(cpu int, v bool) {
	storeFlag(&p.disabled[cpu], v)
}

func (p *Platform) isDisabled(cpu int) bool {
	return atomic.LoadUint32(&p.disabled[cpu]) != 0
}

func storeFlag(p *uint32, v bool) {
	if v {
		atomic.StoreUint32(p, 1)
	} else {
		atomic.StoreUint32(p, 0)
	}
}

// SyncTicker is a tick-counted sync timer: Start returns a deadline on a
// global clock that every Timeout poll advances by one tick. Arrival
// rounds therefore expire deterministically, without wall time.
type SyncTicker struct {
	budget uint64
	now    uint64
}

func (t *SyncTicker) Start() uint64 {
	return atomic.LoadUint64(&t.now) + t.budget
}

func (t *SyncTicker) Timeout(deadline uint64) bool {
	return atomic.AddUint64(&t.now, 1) > deadline
}
