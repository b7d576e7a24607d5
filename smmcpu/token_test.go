package smmcpu

import (
	"sync/atomic"
	"testing"
)

func TestTokenListGrowsByChunk(t *testing.T) {
	var l tokenList
	l.init(2)

	t1 := l.getFree(1)
	t2 := l.getFree(1)
	if t1 == t2 {
		t.Fatal("same token handed out twice")
	}

	// Third allocation crosses the chunk boundary.
	t3 := l.getFree(1)
	if t3 == nil || t3 == t1 || t3 == t2 {
		t.Fatal("chunk growth produced a bad token")
	}

	for _, tok := range []*token{t1, t2, t3} {
		if tok.lock.TryAcquire() {
			t.Error("used token's lock was not held")
		}
	}
}

func TestTokenInUse(t *testing.T) {
	var l tokenList
	l.init(4)

	tok := l.getFree(1)
	if !l.inUse(tok.lock) {
		t.Error("used token not reported in use")
	}
	if l.inUse(nil) {
		t.Error("nil lock reported in use")
	}
	free := l.firstFree
	if l.inUse(free.lock) {
		t.Error("free token reported in use")
	}

	atomic.StoreUint32(&tok.runningAPCount, 0)
	tok.lock.Release()
	l.reset()
	if l.inUse(tok.lock) {
		t.Error("token still in use after reset")
	}
}

func TestTokenResetRewindsToHead(t *testing.T) {
	var l tokenList
	l.init(4)
	first := l.firstFree

	for i := 0; i < 3; i++ {
		tok := l.getFree(1)
		atomic.StoreUint32(&tok.runningAPCount, 0)
		tok.lock.Release()
	}
	l.reset()
	if l.firstFree != first {
		t.Error("reset did not rewind firstFree to the list head")
	}

	// Tokens are recycled, not freed: the next allocation reuses the
	// first one.
	if got := l.getFree(1); got != first {
		t.Error("recycled allocation did not reuse the first token")
	}
}

func TestTokenResetPanicsOnBusyToken(t *testing.T) {
	var l tokenList
	l.init(2)
	l.getFree(3)

	defer func() {
		if recover() == nil {
			t.Error("reset on a busy token did not panic")
		}
	}()
	l.reset()
}
