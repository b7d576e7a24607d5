// Package platform declares the capabilities the rendezvous core consumes
// from its environment: the SMI probes, per-CPU feature registers, MTRR
// access, machine-check state, the sync timer and the IPI transport. The
// core never touches hardware directly; a real port and the simulator both
// satisfy these interfaces.
package platform

// InvalidApicID marks a processor slot with no usable APIC id. Directed
// SMI IPIs are never sent to such a slot.
const InvalidApicID = ^uint64(0)

// ProcessorInfo describes one logical processor.
type ProcessorInfo struct {
	// ProcessorID is the APIC id used to direct IPIs.
	ProcessorID uint64
	// Package, Core and Thread give the processor's topology location.
	Package uint32
	Core    uint32
	Thread  uint32
}

// SmmRegister selects a per-CPU SMM feature register.
type SmmRegister int

const (
	// RegSmmDelayed reads as nonzero while the processor holds an SMI in
	// the delayed state.
	RegSmmDelayed SmmRegister = iota
	// RegSmmBlocked reads as nonzero while the processor cannot respond
	// to SMIs.
	RegSmmBlocked
	// RegSmmEnable reads as nonzero while SMI delivery is disabled on the
	// processor.
	RegSmmEnable
)

// VariableMtrr is one variable-range register pair.
type VariableMtrr struct {
	Base uint64
	Mask uint64
}

// MtrrSettings is an opaque snapshot of one processor's memory type
// ranges: the fixed registers, the variable pairs and the default type.
type MtrrSettings struct {
	Fixed    [11]uint64
	Variable [10]VariableMtrr
	DefType  uint64
}

// Platform supplies the SMI-scoped probes and transports.
type Platform interface {
	// ValidSmi reports whether a platform SMI source is asserted.
	ValidSmi() bool
	// BspElection lets the platform pick the coordinator for this SMI.
	// decided is false when the platform has no opinion; the core then
	// falls back to first-to-claim election.
	BspElection(cpu int) (isBsp, decided bool)
	// ClearTopLevelSmiStatus clears the top-level SMI status bit and
	// reports success. Must be called before SMI handlers run.
	ClearTopLevelSmiStatus() bool
	// SmmRegister reads a per-CPU SMM feature register.
	SmmRegister(cpu int, reg SmmRegister) uint64
	// SendSmiIpi sends a directed SMI to the processor with the given
	// APIC id.
	SendSmiIpi(apicID uint64)
	// RendezvousEntry and RendezvousExit are the per-CPU feature hooks
	// bracketing the rendezvous.
	RendezvousEntry(cpu int)
	RendezvousExit(cpu int)
	// Cr2 and SetCr2 access the processor's page-fault address register,
	// saved across the handler.
	Cr2(cpu int) uint64
	SetCr2(cpu int, v uint64)
	// ReadTimestamp returns a monotonic tick for performance records.
	ReadTimestamp() uint64
}

// SyncTimer bounds the arrival spin loops. Start returns an opaque
// deadline token; Timeout reports whether it has expired. The core does
// not own wall-clock semantics.
type SyncTimer interface {
	Start() uint64
	Timeout(t uint64) bool
}

// MachineCheck isolates the machine-check MSR reads so tests can inject a
// local machine check exception.
type MachineCheck interface {
	// Supported reports the CPUID MCA capability.
	Supported() bool
	// LmceOsEnabled reports whether the OS opted in to local machine
	// check exceptions.
	LmceOsEnabled() bool
	// LmceSignaled reports whether a local machine check is pending.
	LmceSignaled() bool
}

// MtrrController reads and writes one processor's MTRRs and its SMRR
// enable. The CPU index is explicit: a simulation has no ambient
// "current processor".
type MtrrController interface {
	// NeedConfigureMtrrs reports whether the platform requires the
	// OS-to-SMI MTRR swap on every SMI.
	NeedConfigureMtrrs() bool
	Get(cpu int) MtrrSettings
	Set(cpu int, s MtrrSettings)
	DisableSmrr(cpu int)
	ReenableSmrr(cpu int)
}

// Debugger shuttles debug state at the SMI boundary: the debug agent
// enter/exit notifications and the DR6/DR7 save-state exchange.
type Debugger interface {
	AgentEnterSmi()
	AgentExitSmi()
	DebugEntry(cpu int)
	DebugExit(cpu int)
}

// Profiler receives the SMM profile events.
type Profiler interface {
	Activate(cpu int)
	RecordSmiNum()
}

// HotPlug performs the pending processor add/remove bookkeeping at the
// end of an SMI run.
type HotPlug interface {
	CpuUpdate()
}
