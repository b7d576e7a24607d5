// Package hwsync provides the shared-word primitives the rendezvous
// protocol is built from: counting semaphores over a 32-bit word with a
// lockdown sentinel, and test-and-set spin locks.
//
// All operations are sequentially consistent. Busy waits yield to the Go
// scheduler in place of the PAUSE hint, so more simulated CPUs than OS
// threads still make progress.
package hwsync

import (
	"runtime"
	"sync/atomic"
)

// Locked is the lockdown sentinel. A semaphore holding this value rejects
// further releases; ReleaseSemaphore on it returns 0.
const Locked = ^uint32(0)

// Pause is the spin-wait hint issued on every retry of a busy loop.
func Pause() {
	runtime.Gosched()
}

// WaitSemaphore busy-waits until the semaphore is nonzero, then decrements
// it. Returns the decremented value.
func WaitSemaphore(sem *uint32) uint32 {
	for {
		v := atomic.LoadUint32(sem)
		if v != 0 && atomic.CompareAndSwapUint32(sem, v, v-1) {
			return v - 1
		}
		Pause()
	}
}

// ReleaseSemaphore increments the semaphore and returns the incremented
// value. The increment must not wrap into the lockdown sentinel: releasing
// a locked-down semaphore leaves it untouched and returns 0.
func ReleaseSemaphore(sem *uint32) uint32 {
	for {
		v := atomic.LoadUint32(sem)
		if v+1 == 0 {
			return 0
		}
		if atomic.CompareAndSwapUint32(sem, v, v+1) {
			return v + 1
		}
	}
}

// LockdownSemaphore swaps the semaphore to the lockdown sentinel and
// returns the value it held before.
func LockdownSemaphore(sem *uint32) uint32 {
	for {
		v := atomic.LoadUint32(sem)
		if atomic.CompareAndSwapUint32(sem, v, Locked) {
			return v
		}
	}
}
