package smmcpu

import (
	"github.com/gosmm/smmsync/internal/hwsync"
	"github.com/gosmm/smmsync/platform"
)

// wrapperProcedure adapts a status-less procedure to the dispatch path.
func wrapperProcedure(arg interface{}) error {
	w := arg.(*procedureWrapper)
	w.procedure(w.argument)
	return nil
}

// DispatchProcedure schedules proc on the given CPU.
//
// A nil completion makes the call blocking: it returns only after the AP
// has finished. Otherwise the call returns as soon as the work is handed
// over and completion can be polled with IsApReady. timeoutUs is accepted
// only when the core advertises timeout support; expiry is surfaced
// through the status slot as ErrTimeout by the dispatcher layer. status,
// when non-nil, is primed with ErrNotReady and later receives the
// procedure's result.
func (c *Core) DispatchProcedure(proc Procedure, cpu int, args interface{}, completion *Completion, timeoutUs uint64, status *error) error {
	if cpu < 0 || cpu >= c.entryContext.NumberOfCpus {
		c.logf("smmcpu: dispatch to cpu %d outside %d processors", cpu, c.entryContext.NumberOfCpus)
		return ErrInvalidParameter
	}
	if cpu == c.entryContext.CurrentlyExecutingCpu {
		c.logf("smmcpu: dispatch to the currently executing cpu %d", cpu)
		return ErrInvalidParameter
	}
	if c.procInfo[cpu].ProcessorID == platform.InvalidApicID {
		return ErrInvalidParameter
	}
	if !loadBool(c.cpuData[cpu].present) {
		if c.effectiveSyncMode == SyncModeTraditional {
			c.logf("smmcpu: dispatch to cpu %d which is not present", cpu)
		}
		return ErrInvalidParameter
	}
	if c.operation[cpu] == OperationRemove {
		if !c.cfg.HotPlugSupport {
			c.logf("smmcpu: dispatch to cpu %d pending removal", cpu)
		}
		return ErrInvalidParameter
	}
	if timeoutUs != 0 && !c.cfg.TimeoutSupported {
		return ErrInvalidParameter
	}
	if proc == nil {
		return ErrInvalidParameter
	}

	c.cpuData[cpu].busy.Acquire()

	c.cpuData[cpu].procedure = proc
	c.cpuData[cpu].parameter = args
	if completion != nil && completion != &c.startupThisApCompletion {
		// The shared fire-and-forget slot means the caller cannot observe
		// completion anyway, so no token is spent on it.
		t := c.tokens.getFree(1)
		c.cpuData[cpu].token = t
		completion.lock = t.lock
	}
	c.cpuData[cpu].status = status
	if status != nil {
		*status = ErrNotReady
	}

	hwsync.ReleaseSemaphore(c.cpuData[cpu].run)

	if completion == nil {
		// Blocking: ride the busy lock until the AP drops it.
		c.cpuData[cpu].busy.Acquire()
		c.cpuData[cpu].busy.Release()
	}

	return nil
}

// BroadcastProcedure schedules proc on every present AP.
//
// statuses, when non-nil, must have one slot per processor; excluded
// slots are set to ErrNotStarted. Blocking and completion semantics match
// DispatchProcedure.
func (c *Core) BroadcastProcedure(proc Procedure, timeoutUs uint64, args interface{}, completion *Completion, statuses []error) error {
	if timeoutUs != 0 && !c.cfg.TimeoutSupported {
		return ErrInvalidParameter
	}
	if proc == nil {
		return ErrInvalidParameter
	}
	if statuses != nil && len(statuses) < c.maxNumberOfCpus {
		return ErrInvalidParameter
	}

	cpuCount := 0
	for i := 0; i < c.maxNumberOfCpus; i++ {
		if !c.isPresentAp(i) {
			continue
		}
		cpuCount++

		if c.operation[i] == OperationRemove {
			return ErrInvalidParameter
		}

		if !c.cpuData[i].busy.TryAcquire() {
			return ErrNotReady
		}
		c.cpuData[i].busy.Release()
	}
	if cpuCount == 0 {
		return ErrNotStarted
	}

	var tok *token
	if completion != nil {
		tok = c.tokens.getFree(uint32(c.maxNumberOfCpus))
		completion.lock = tok.lock
	}

	// The probe above saw every busy lock free and only this CPU
	// schedules work, so these acquires do not block.
	for i := 0; i < c.maxNumberOfCpus; i++ {
		if c.isPresentAp(i) {
			c.cpuData[i].busy.Acquire()
		}
	}

	for i := 0; i < c.maxNumberOfCpus; i++ {
		if c.isPresentAp(i) {
			c.cpuData[i].procedure = proc
			c.cpuData[i].parameter = args
			if tok != nil {
				c.cpuData[i].token = tok
			}
			if statuses != nil {
				c.cpuData[i].status = &statuses[i]
				*c.cpuData[i].status = ErrNotReady
			}
		} else {
			// Excluded slots report not-started and never complete; take
			// their share of the token count now.
			if statuses != nil {
				statuses[i] = ErrNotStarted
			}
			if tok != nil {
				hwsync.WaitSemaphore(&tok.runningAPCount)
			}
		}
	}

	c.releaseAllAPs()

	if completion == nil {
		c.waitForAllAPsNotBusy(true)
	}

	return nil
}

// StartupThisAp schedules a status-less procedure on the given CPU. The
// call blocks when the core is configured with BlockStartupThisAp;
// otherwise it is fire-and-forget and the caller must query completion by
// its own means.
func (c *Core) StartupThisAp(proc VoidProcedure, cpu int, args interface{}) error {
	if proc == nil {
		return ErrInvalidParameter
	}
	if cpu < 0 || cpu >= c.maxNumberOfCpus {
		return ErrInvalidParameter
	}

	w := &c.apWrapper[cpu]
	w.procedure = proc
	w.argument = args

	var completion *Completion
	if !c.cfg.BlockStartupThisAp {
		completion = &c.startupThisApCompletion
	}
	return c.DispatchProcedure(wrapperProcedure, cpu, w, completion, 0, nil)
}

// BlockingStartupThisAp schedules a status-less procedure on the given
// CPU and waits for it to finish.
func (c *Core) BlockingStartupThisAp(proc VoidProcedure, cpu int, args interface{}) error {
	if proc == nil {
		return ErrInvalidParameter
	}

	w := procedureWrapper{procedure: proc, argument: args}
	return c.DispatchProcedure(wrapperProcedure, cpu, &w, nil, 0, nil)
}

// IsApReady reports whether the dispatch tracked by completion has
// finished on every target AP: nil when the completion lock is free (it
// is re-released immediately), ErrNotReady while work is outstanding, and
// ErrInvalidParameter when completion does not track a live dispatch.
func (c *Core) IsApReady(completion *Completion) error {
	if completion == nil || !c.tokens.inUse(completion.lock) {
		return ErrInvalidParameter
	}
	if completion.lock.TryAcquire() {
		completion.lock.Release()
		return nil
	}
	return ErrNotReady
}
