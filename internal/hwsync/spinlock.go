package hwsync

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// SpinLock is a test-and-set lock over a single 32-bit word. The zero
// value is released. Pool code may overlay a SpinLock on any
// cache-line-spaced uint32 slot.
type SpinLock uint32

// Acquire blocks until the lock is taken by the caller.
func (l *SpinLock) Acquire() {
	for !l.TryAcquire() {
		Pause()
	}
}

// TryAcquire takes the lock if it is free and reports whether it did.
func (l *SpinLock) TryAcquire() bool {
	return atomic.CompareAndSwapUint32((*uint32)(l), 0, 1)
}

// Release frees the lock. Releasing a free lock has no effect.
func (l *SpinLock) Release() {
	atomic.StoreUint32((*uint32)(l), 0)
}

// Reset re-initializes the lock to released state, discarding any holder.
// Used when a lock's owner is known to have left it behind.
func (l *SpinLock) Reset() {
	atomic.StoreUint32((*uint32)(l), 0)
}

// SpinLockProperties returns the byte stride each lock or semaphore slot
// must occupy so that two slots never share a cache line.
func SpinLockProperties() int {
	stride := int(unsafe.Sizeof(cpu.CacheLinePad{}))
	if stride < 4 {
		stride = 4
	}
	return stride
}
