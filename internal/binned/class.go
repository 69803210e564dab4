package binned

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/embergine/allocore/internal/debugalloc"
	"github.com/embergine/allocore/internal/vm"
)

// freeNode is the intrusive link stored in the first word of every free
// bin. This is why the minimum bin size (16 bytes) must be at least one
// pointer wide.
type freeNode struct {
	next unsafe.Pointer
}

// block is one VM-backed carve of a size class: a contiguous run of
// equal-size bins, allocated on grow and never freed for the allocator's
// lifetime.
type block struct {
	region   *vm.Region
	base     uintptr
	size     uintptr
	binSize  uintptr
	binCount int
}

// classState is the per-size-class state described in spec section 3: a
// lock-free LIFO free list (Treiber stack, intrusive next-pointers), a
// grow lock, and exhaustion/backoff bookkeeping for the growth gate.
type classState struct {
	binSize      uintptr
	naturalAlign uintptr

	head unsafe.Pointer // *freeNode, atomic

	freeCount    int64 // atomic
	growFailures int64 // atomic

	growLock     uint32 // atomic CAS flag
	exhausted    int32  // atomic bool
	backoffExp   int32  // mutated only while growLock is held
	nextDeadline int64  // atomic, UnixNano

	blocksMu sync.Mutex
	blocks   []*block

	poison func(unsafe.Pointer, uintptr) // nil unless debug is enabled
	debug  *debugalloc.Layer             // counters only; always non-nil, self-gates
}

// pushFree returns p (a bin belonging to this class) to the global free
// list. Safe for concurrent callers.
func (c *classState) pushFree(p unsafe.Pointer) {
	node := (*freeNode)(p)
	for {
		old := atomic.LoadPointer(&c.head)
		node.next = old
		if atomic.CompareAndSwapPointer(&c.head, old, unsafe.Pointer(node)) {
			atomic.AddInt64(&c.freeCount, 1)
			return
		}
	}
}

// popFree removes and returns the most recently freed bin, or nil if the
// class's free list is empty. Safe for concurrent callers.
func (c *classState) popFree() unsafe.Pointer {
	for {
		old := atomic.LoadPointer(&c.head)
		if old == nil {
			return nil
		}
		node := (*freeNode)(old)
		next := node.next
		if atomic.CompareAndSwapPointer(&c.head, old, next) {
			atomic.AddInt64(&c.freeCount, -1)
			return old
		}
	}
}

// shouldAttemptGrow reports whether a grow attempt is permitted right now:
// either the class isn't in backoff, or its backoff deadline has passed.
func (c *classState) shouldAttemptGrow(nowNanos int64) bool {
	if atomic.LoadInt32(&c.exhausted) == 0 {
		return true
	}
	return nowNanos >= atomic.LoadInt64(&c.nextDeadline)
}

func (c *classState) recordGrowFailure(pressure func(int), classIndex int) {
	c.backoffExp++
	if c.backoffExp > 16 {
		c.backoffExp = 16
	}
	delay := time.Millisecond << uint(c.backoffExp)
	if delay > 50*time.Millisecond {
		delay = 50 * time.Millisecond
	}
	atomic.StoreInt64(&c.nextDeadline, time.Now().UnixNano()+int64(delay))
	atomic.StoreInt32(&c.exhausted, 1)
	atomic.AddInt64(&c.growFailures, 1)
	if pressure != nil {
		pressure(classIndex)
	}
}

func (c *classState) recordGrowSuccess() {
	c.backoffExp = 0
	atomic.StoreInt64(&c.nextDeadline, 0)
	atomic.StoreInt32(&c.exhausted, 0)
}

// grow reserves and commits a fresh block, carves it into bins, and pushes
// every bin onto the free list. Losers of the grow-lock CAS return true
// immediately without waiting for the winner: the caller's next popFree
// either observes the new bins or comes up empty and tries again later,
// per spec section 4.5's "growth" step never spinning on this call.
func (c *classState) grow(classIndex int, pressure func(int)) bool {
	if !atomic.CompareAndSwapUint32(&c.growLock, 0, 1) {
		return true
	}
	defer atomic.StoreUint32(&c.growLock, 0)

	gran := vm.AllocationGranularity()
	regionSize := c.binSize * 64
	if regionSize < 256*1024 {
		regionSize = 256 * 1024
	}
	regionSize = alignUp(regionSize, gran)

	region, err := vm.Reserve(regionSize, gran)
	if err != nil {
		c.recordGrowFailure(pressure, classIndex)
		return false
	}
	if err := region.Commit(0, regionSize); err != nil {
		_ = region.Release()
		c.recordGrowFailure(pressure, classIndex)
		return false
	}
	if c.debug != nil {
		c.debug.IncCommit()
	}

	binCount := int(regionSize / c.binSize)
	blk := &block{
		region:   region,
		base:     region.Base(),
		size:     regionSize,
		binSize:  c.binSize,
		binCount: binCount,
	}

	for i := 0; i < binCount; i++ {
		p := unsafe.Pointer(blk.base + uintptr(i)*c.binSize)
		if c.poison != nil {
			c.poison(p, c.binSize)
		}
		c.pushFree(p)
	}

	c.blocksMu.Lock()
	c.blocks = append(c.blocks, blk)
	c.blocksMu.Unlock()

	c.recordGrowSuccess()
	return true
}
