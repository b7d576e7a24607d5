package smmcpu

import (
	"sync/atomic"

	"github.com/gosmm/smmsync/internal/hwsync"
)

// token gates one outstanding non-blocking dispatch. Its spin lock is held
// from allocation until the last target AP finishes; runningAPCount tracks
// how many completions are still due.
type token struct {
	lock           *hwsync.SpinLock
	runningAPCount uint32

	next, prev *token
}

// tokenList is a sentinel-headed ring of tokens, grown a chunk at a time
// and never shrunk. Nodes from head.next up to firstFree are in use; the
// rest are free. Tokens never move in memory, so a walker racing a
// firstFree advance sees a stale split at worst.
type tokenList struct {
	head          token
	firstFree     *token
	countPerChunk uint32
}

func (l *tokenList) init(countPerChunk uint32) {
	l.head.next = &l.head
	l.head.prev = &l.head
	l.countPerChunk = countPerChunk
	l.firstFree = l.allocateChunk()
}

func (l *tokenList) insertTail(t *token) {
	t.prev = l.head.prev
	t.next = &l.head
	l.head.prev.next = t
	l.head.prev = t
}

// allocateChunk appends countPerChunk fresh tokens and returns the first
// of them. Lock words get their own cache-line-spaced arena, same as the
// semaphore pool.
func (l *tokenList) allocateChunk() *token {
	stride := hwsync.SpinLockProperties() / 4
	if stride < 1 {
		stride = 1
	}
	locks := make([]uint32, stride*int(l.countPerChunk))
	chunk := make([]token, l.countPerChunk)
	for i := range chunk {
		chunk[i].lock = (*hwsync.SpinLock)(&locks[i*stride])
		l.insertTail(&chunk[i])
	}
	return &chunk[0]
}

// getFree hands out the token at firstFree, growing the list when the
// cursor has reached the sentinel. The returned token's lock is held.
func (l *tokenList) getFree(runningAPs uint32) *token {
	if l.firstFree == &l.head {
		l.firstFree = l.allocateChunk()
	}
	t := l.firstFree
	l.firstFree = t.next
	atomic.StoreUint32(&t.runningAPCount, runningAPs)
	t.lock.Acquire()
	return t
}

// inUse reports whether lock belongs to a currently used token.
func (l *tokenList) inUse(lock *hwsync.SpinLock) bool {
	if lock == nil {
		return false
	}
	for t := l.head.next; t != l.firstFree; t = t.next {
		if t.lock == lock {
			return true
		}
	}
	return false
}

// reset rewinds firstFree so every token is free again. The caller must
// have drained all in-flight dispatches: a used token still holding its
// count would poison the next SMI run.
func (l *tokenList) reset() {
	for t := l.head.next; t != l.firstFree; t = t.next {
		if atomic.LoadUint32(&t.runningAPCount) != 0 {
			fatal("token still running at SMI exit")
		}
	}
	l.firstFree = l.head.next
}

// releaseToken records one completion on the token bound to cpu and frees
// the CPU's binding. The completion lock opens when the last AP reports.
func (c *Core) releaseToken(cpu int) {
	t := c.cpuData[cpu].token
	if atomic.AddUint32(&t.runningAPCount, ^uint32(0)) == 0 {
		t.lock.Release()
	}
	c.cpuData[cpu].token = nil
}
