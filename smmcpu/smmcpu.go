// Package smmcpu implements the SMM multi-processor rendezvous: the
// synchronization engine that elects a coordinator (BSP) when a System
// Management Interrupt fires, gathers the remaining processors (APs),
// serializes the shared global work, dispatches per-AP work items and
// releases everyone back to normal execution in lockstep.
//
// The core is stateless between SMI runs except for its allocator pools.
// All platform behaviour — SMI probes, feature registers, MTRRs, the sync
// timer, the IPI transport — is consumed through the platform package, so
// a test harness can drive N simulated CPUs through the full protocol.
package smmcpu

import (
	"sync/atomic"

	"github.com/gosmm/smmsync/internal/hwsync"
	"github.com/gosmm/smmsync/platform"
)

// SyncMode selects when APs are gathered relative to the BSP's dispatcher.
type SyncMode uint8

const (
	// SyncModeTraditional gathers every available AP before the
	// dispatcher runs.
	SyncModeTraditional SyncMode = iota
	// SyncModeRelaxed lets APs run free until the BSP's dispatcher is
	// done, then gathers whoever checked in for a synchronous exit.
	SyncModeRelaxed
)

// invalidIndex marks "no BSP elected" and "no first thread recorded".
const invalidIndex = ^uint32(0)

// Procedure is a work item dispatched to an AP. The returned error is the
// per-CPU status surfaced through the caller's status slot.
type Procedure func(arg interface{}) error

// VoidProcedure is the status-less form used by the simple startup calls
// and the registered pre-hook.
type VoidProcedure func(arg interface{})

// EntryContext is handed to the dispatcher entry point.
type EntryContext struct {
	CurrentlyExecutingCpu int
	NumberOfCpus          int
}

// EntryPoint is the external dispatcher invoked by the BSP once per SMI.
type EntryPoint func(ctx *EntryContext)

// Completion is the caller-visible handle for a non-blocking dispatch.
// Poll it with IsApReady.
type Completion struct {
	lock *hwsync.SpinLock
}

// CpuOperation is the pending hot-plug action for a processor slot.
type CpuOperation uint8

const (
	OperationNone CpuOperation = iota
	OperationAdd
	OperationRemove
)

// Config carries the build-time policy knobs.
type Config struct {
	EnableBspElection  bool
	BlockStartupThisAp bool
	SyncMode           SyncMode
	TokenCountPerChunk uint32
	HotPlugSupport     bool
	SmmDebug           bool
	SmmProfileEnable   bool
	// SmmRelocated routes each CPU's first SMI to the init handler.
	SmmRelocated bool
	// TimeoutSupported advertises per-dispatch timeout support; requests
	// carrying a timeout are rejected without it.
	TimeoutSupported bool
	// PerfLogging records per-CPU rendezvous timing.
	PerfLogging bool
	// Logf receives diagnostics. Nil discards them.
	Logf func(format string, args ...interface{})
}

// Deps bundles the external collaborators.
type Deps struct {
	Platform     platform.Platform
	Timer        platform.SyncTimer
	Mtrr         platform.MtrrController
	MachineCheck platform.MachineCheck

	// Optional hooks.
	Debugger platform.Debugger
	Profiler platform.Profiler
	HotPlug  platform.HotPlug

	// Processors lists every slot up to the hot-plug maximum; entries
	// beyond NumberOfCpus carry InvalidApicID until populated.
	Processors   []platform.ProcessorInfo
	NumberOfCpus int

	// InitHandler runs once per CPU on its first SMI when Config.
	// SmmRelocated is set.
	InitHandler func(cpu int)

	// PreTasks and RemainingTasks bracket the dispatcher invocation on
	// the BSP.
	PreTasks       func()
	RemainingTasks func()
}

type cpuData struct {
	busy    *hwsync.SpinLock
	run     *uint32
	present *uint32

	procedure Procedure
	parameter interface{}
	status    *error
	token     *token
}

type procedureWrapper struct {
	procedure VoidProcedure
	argument  interface{}
}

// Core is the process-wide rendezvous context. One Core coordinates one
// machine; tests may instantiate several.
type Core struct {
	cfg  Config
	deps Deps

	plat  platform.Platform
	timer platform.SyncTimer
	mtrr  platform.MtrrController
	mc    platform.MachineCheck

	numberOfCpus    int
	maxNumberOfCpus int
	procInfo        []platform.ProcessorInfo
	operation       []CpuOperation

	machineCheckSupported bool

	pool          *semaphorePool
	counter       *uint32
	insideSmm     *uint32
	allCpusInSync *uint32
	cpuData       []cpuData

	bspIndex                  uint32
	allApArrivedWithException uint32
	effectiveSyncMode         SyncMode

	switchBsp    bool
	candidateBsp []bool

	startupProcedure VoidProcedure
	startupArgs      interface{}

	entryContext EntryContext
	smmCoreEntry EntryPoint

	tokens                  tokenList
	apWrapper               []procedureWrapper
	startupThisApCompletion Completion

	packageFirstThread []uint32

	smmInitialized []uint32

	smiMtrrs platform.MtrrSettings

	perf mpPerf
}

// New builds a Core for the given machine description. The semaphore pool
// and the first token chunk are allocated here and live until the Core is
// dropped.
func New(cfg Config, deps Deps) (*Core, error) {
	if deps.Platform == nil || deps.Timer == nil || deps.Mtrr == nil || deps.MachineCheck == nil {
		return nil, ErrInvalidParameter
	}
	if len(deps.Processors) == 0 {
		return nil, ErrInvalidParameter
	}
	if cfg.TokenCountPerChunk == 0 {
		return nil, ErrInvalidParameter
	}
	n := deps.NumberOfCpus
	if n == 0 {
		n = len(deps.Processors)
	}
	if n > len(deps.Processors) {
		return nil, ErrInvalidParameter
	}
	if cfg.SmmRelocated && deps.InitHandler == nil {
		return nil, ErrInvalidParameter
	}

	maxN := len(deps.Processors)
	c := &Core{
		cfg:               cfg,
		deps:              deps,
		plat:              deps.Platform,
		timer:             deps.Timer,
		mtrr:              deps.Mtrr,
		mc:                deps.MachineCheck,
		numberOfCpus:      n,
		maxNumberOfCpus:   maxN,
		procInfo:          append([]platform.ProcessorInfo(nil), deps.Processors...),
		operation:         make([]CpuOperation, maxN),
		effectiveSyncMode: cfg.SyncMode,
		candidateBsp:      make([]bool, maxN),
		apWrapper:         make([]procedureWrapper, maxN),
		smmInitialized:    make([]uint32, maxN),
	}

	c.machineCheckSupported = deps.MachineCheck.Supported()

	c.pool = newSemaphorePool(maxN)
	c.counter = c.pool.global(slotCounter)
	c.insideSmm = c.pool.global(slotInsideSmm)
	c.allCpusInSync = c.pool.global(slotAllCpusInSync)

	c.cpuData = make([]cpuData, maxN)
	for i := range c.cpuData {
		c.cpuData[i].busy = (*hwsync.SpinLock)(c.pool.perCPU(i, slotBusy))
		c.cpuData[i].run = c.pool.perCPU(i, slotRun)
		c.cpuData[i].present = c.pool.perCPU(i, slotPresent)
	}

	if cfg.EnableBspElection {
		c.bspIndex = invalidIndex
	}

	c.tokens.init(cfg.TokenCountPerChunk)
	c.initPackageFirstThreadIndex()
	c.entryContext.NumberOfCpus = n
	c.perf.init(maxN)

	// Record current MTRR settings as the SMI set.
	c.smiMtrrs = c.mtrr.Get(0)

	c.logf("smmcpu: semaphore pool %d bytes, %d tokens per chunk",
		c.pool.sizeBytes(), cfg.TokenCountPerChunk)

	return c, nil
}

func (c *Core) logf(format string, args ...interface{}) {
	if c.cfg.Logf != nil {
		c.cfg.Logf(format, args...)
	}
}

func loadBool(p *uint32) bool {
	return atomic.LoadUint32(p) != 0
}

func storeBool(p *uint32, v bool) {
	if v {
		atomic.StoreUint32(p, 1)
	} else {
		atomic.StoreUint32(p, 0)
	}
}

func (c *Core) loadBspIndex() uint32 {
	return atomic.LoadUint32(&c.bspIndex)
}

func (c *Core) storeBspIndex(v uint32) {
	atomic.StoreUint32(&c.bspIndex, v)
}

// initPackageFirstThreadIndex sizes the package map off the largest
// package id and leaves every entry unclaimed.
func (c *Core) initPackageFirstThreadIndex() {
	maxPackage := uint32(0)
	for i := 0; i < c.numberOfCpus; i++ {
		if c.procInfo[i].Package > maxPackage {
			maxPackage = c.procInfo[i].Package
		}
	}
	c.packageFirstThread = make([]uint32, maxPackage+1)
	for i := range c.packageFirstThread {
		c.packageFirstThread[i] = invalidIndex
	}
}

// isPresentAp reports whether cpu is a checked-in processor other than the
// one currently coordinating.
func (c *Core) isPresentAp(cpu int) bool {
	return cpu != c.entryContext.CurrentlyExecutingCpu && loadBool(c.cpuData[cpu].present)
}

// waitForAllAPs waits for n completion signals. APs signal by releasing
// the BSP's own run semaphore, so that one slot doubles as the shared
// completion counter.
func (c *Core) waitForAllAPs(n int) {
	bsp := int(c.loadBspIndex())
	for ; n > 0; n-- {
		hwsync.WaitSemaphore(c.cpuData[bsp].run)
	}
}

// releaseAllAPs pings the run semaphore of every present AP.
func (c *Core) releaseAllAPs() {
	for i := 0; i < c.maxNumberOfCpus; i++ {
		if c.isPresentAp(i) {
			hwsync.ReleaseSemaphore(c.cpuData[i].run)
		}
	}
}

// waitForAllAPsNotBusy reports whether every in-flight dispatch has
// drained. In blocking mode it waits; otherwise it gives up on the first
// held busy lock.
func (c *Core) waitForAllAPsNotBusy(block bool) bool {
	for i := 0; i < c.maxNumberOfCpus; i++ {
		if !c.isPresentAp(i) {
			continue
		}
		if block {
			c.cpuData[i].busy.Acquire()
			c.cpuData[i].busy.Release()
		} else if c.cpuData[i].busy.TryAcquire() {
			c.cpuData[i].busy.Release()
		} else {
			return false
		}
	}
	return true
}

// replaceOsMtrrs installs the SMI MTRR set on cpu.
func (c *Core) replaceOsMtrrs(cpu int) {
	c.mtrr.DisableSmrr(cpu)
	c.mtrr.Set(cpu, c.smiMtrrs)
}

func (c *Core) performPreTasks() {
	if c.deps.PreTasks != nil {
		c.deps.PreTasks()
	}
}

func (c *Core) performRemainingTasks() {
	if c.deps.RemainingTasks != nil {
		c.deps.RemainingTasks()
	}
}

func (c *Core) setAllApArrived(v bool) {
	storeBool(&c.allApArrivedWithException, v)
}

// SetCpuOperation records a pending hot-plug action for a slot. A slot
// marked for removal rejects dispatches.
func (c *Core) SetCpuOperation(cpu int, op CpuOperation) error {
	if cpu < 0 || cpu >= c.maxNumberOfCpus {
		return ErrInvalidParameter
	}
	c.operation[cpu] = op
	return nil
}

// RequestBspSwitch asks for the given processor to be preferred in the
// next SMI's election.
func (c *Core) RequestBspSwitch(candidate int) error {
	if !c.cfg.EnableBspElection {
		return ErrInvalidParameter
	}
	if candidate < 0 || candidate >= c.maxNumberOfCpus {
		return ErrInvalidParameter
	}
	c.switchBsp = true
	c.candidateBsp[candidate] = true
	return nil
}

// Inspectors, used by harnesses and diagnostics.

// CheckedIn returns the raw check-in counter, hwsync.Locked while the BSP
// has closed enrollment.
func (c *Core) CheckedIn() uint32 {
	return atomic.LoadUint32(c.counter)
}

// InsideSmm reports whether a BSP currently owns an SMI run.
func (c *Core) InsideSmm() bool {
	return loadBool(c.insideSmm)
}

// AllCpusInSync reports whether APs are held at the exit barrier.
func (c *Core) AllCpusInSync() bool {
	return loadBool(c.allCpusInSync)
}

// AllApArrivedWithException reports the arrival protocol's last verdict.
func (c *Core) AllApArrivedWithException() bool {
	return loadBool(&c.allApArrivedWithException)
}

// BspIndex returns the elected BSP, or ok=false when none is elected.
func (c *Core) BspIndex() (int, bool) {
	v := c.loadBspIndex()
	if v == invalidIndex {
		return 0, false
	}
	return int(v), true
}

// Present reports a processor's check-in flag.
func (c *Core) Present(cpu int) bool {
	return loadBool(c.cpuData[cpu].present)
}

// TokensAllFree reports whether the token free cursor is rewound to the
// list head.
func (c *Core) TokensAllFree() bool {
	return c.tokens.firstFree == c.tokens.head.next
}

// PoolSizeBytes reports the semaphore pool footprint.
func (c *Core) PoolSizeBytes() int {
	return c.pool.sizeBytes()
}
