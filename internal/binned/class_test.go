package binned

import (
	"sync"
	"testing"
	"unsafe"
)

func TestPushPopFreeListLIFO(t *testing.T) {
	cs := &classState{binSize: 16}
	if p := cs.popFree(); p != nil {
		t.Fatal("expected empty free list to return nil")
	}

	backing := make([]byte, 16*3)
	p0 := unsafe.Pointer(&backing[0])
	p1 := unsafe.Pointer(&backing[16])
	p2 := unsafe.Pointer(&backing[32])

	cs.pushFree(p0)
	cs.pushFree(p1)
	cs.pushFree(p2)

	if got := cs.popFree(); got != p2 {
		t.Fatalf("expected LIFO order, got %v want %v", got, p2)
	}
	if got := cs.popFree(); got != p1 {
		t.Fatalf("expected LIFO order, got %v want %v", got, p1)
	}
	if got := cs.popFree(); got != p0 {
		t.Fatalf("expected LIFO order, got %v want %v", got, p0)
	}
	if got := cs.popFree(); got != nil {
		t.Fatalf("expected drained free list to return nil, got %v", got)
	}
}

func TestPushFreeConcurrentPreservesAllEntries(t *testing.T) {
	cs := &classState{binSize: 16}
	const n = 2000
	backing := make([]byte, 16*n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		p := unsafe.Pointer(&backing[i*16])
		wg.Add(1)
		go func(p unsafe.Pointer) {
			defer wg.Done()
			cs.pushFree(p)
		}(p)
	}
	wg.Wait()

	count := 0
	for cs.popFree() != nil {
		count++
	}
	if count != n {
		t.Fatalf("expected %d entries recovered, got %d", n, count)
	}
}

func TestGrowCarvesUsableFreeListEntries(t *testing.T) {
	cs := &classState{binSize: 64}
	ok := cs.grow(0, nil)
	if !ok {
		t.Fatal("expected grow to succeed")
	}
	if cs.freeCount == 0 {
		t.Fatal("expected grow to populate the free list")
	}

	p := cs.popFree()
	if p == nil {
		t.Fatal("expected a usable bin after grow")
	}
	// The bin must be writable for its full size.
	buf := unsafe.Slice((*byte)(p), cs.binSize)
	for i := range buf {
		buf[i] = 0xAB
	}
}

func TestShouldAttemptGrowRespectsBackoffDeadline(t *testing.T) {
	cs := &classState{binSize: 16}
	if !cs.shouldAttemptGrow(1000) {
		t.Fatal("fresh class should permit grow attempts")
	}

	cs.recordGrowFailure(nil, 0)
	if cs.shouldAttemptGrow(0) {
		t.Fatal("expected backoff to block immediate retry")
	}

	future := cs.nextDeadline + 1
	if !cs.shouldAttemptGrow(future) {
		t.Fatal("expected retry to be permitted once the deadline has passed")
	}
}

func TestRecordGrowSuccessClearsBackoff(t *testing.T) {
	cs := &classState{binSize: 16}
	cs.recordGrowFailure(nil, 0)
	cs.recordGrowSuccess()
	if !cs.shouldAttemptGrow(0) {
		t.Fatal("expected success to clear backoff immediately")
	}
	if cs.backoffExp != 0 {
		t.Fatalf("expected backoff exponent reset, got %d", cs.backoffExp)
	}
}

func TestRecordGrowFailureInvokesPressureCallback(t *testing.T) {
	cs := &classState{binSize: 16}
	called := false
	cs.recordGrowFailure(func(idx int) {
		called = true
		if idx != 3 {
			t.Fatalf("expected class index 3, got %d", idx)
		}
	}, 3)
	if !called {
		t.Fatal("expected pressure callback to be invoked")
	}
}
