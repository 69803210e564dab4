// Package debugalloc implements the debug layer (spec component C6):
// canary poisoning, a bounded FIFO quarantine that delays reuse of freed
// bins, double-free/use-after-free detection, leak tagging, and counters.
// Every method except the counters (IncAlloc, IncFree, IncCommit,
// IncDecommit, Snapshot) checks Layer.Enabled itself and is a no-op when
// the layer is disabled; the counters always count.
package debugalloc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// CanaryByte fills a bin's body on free and on fresh carving.
	CanaryByte = 0xFE
	// UAFSentinel is the use-after-free sentinel byte. No code in this
	// package compares bin contents against it: CheckCanaryOnAlloc does not
	// read the bin.
	UAFSentinel = 0xDD
)

// FreeFromQuarantine is invoked when the quarantine evicts its oldest entry
// under pressure; it must bypass the normal deallocate path (which would
// re-poison and re-quarantine) and free directly to the owning class.
type FreeFromQuarantine func(ptr unsafe.Pointer, classIndex int)

type quarantineEntry struct {
	ptr     unsafe.Pointer
	binSize uintptr
}

// LeakRecord describes a surviving allocation at shutdown.
type LeakRecord struct {
	Ptr    unsafe.Pointer
	Size   uintptr
	Origin string
}

// Counters holds atomic running totals for allocator activity.
type Counters struct {
	Allocs    int64
	Frees     int64
	Commits   int64
	Decommits int64
}

// Layer bundles the debug-only instrumentation. A zero Layer with Enabled
// false is safe to use: every method other than the counters degrades to a
// cheap no-op, and the counters still count.
type Layer struct {
	enabled bool

	quarantineCap int
	qmu           sync.Mutex
	queue         []quarantineEntry
	reverseClass  map[uintptr]int
	freeQuarantine FreeFromQuarantine

	livemu sync.Mutex
	live   map[uintptr]struct{}

	leakmu sync.Mutex
	leaks  map[uintptr]LeakRecord

	allocs, frees, commits, decommits int64
}

// New creates a debug layer. quarantineCap is the bounded FIFO capacity
// (spec default 256). reverseClass maps a bin size back to its class
// index, needed to re-free quarantine evictions without recursing through
// the normal (poison + quarantine) deallocate path.
func New(enabled bool, quarantineCap int, reverseClass map[uintptr]int, freeQuarantine FreeFromQuarantine) *Layer {
	return &Layer{
		enabled:        enabled,
		quarantineCap:  quarantineCap,
		reverseClass:   reverseClass,
		freeQuarantine: freeQuarantine,
		live:           make(map[uintptr]struct{}),
		leaks:          make(map[uintptr]LeakRecord),
	}
}

// Enabled reports whether debug instrumentation is active.
func (d *Layer) Enabled() bool { return d != nil && d.enabled }

// Poison fills size bytes at ptr with CanaryByte, used both when a bin is
// freed and when a fresh bin is carved during growth.
func (d *Layer) Poison(ptr unsafe.Pointer, size uintptr) {
	if !d.Enabled() || size == 0 {
		return
	}
	buf := unsafe.Slice((*byte)(ptr), size)
	for i := range buf {
		buf[i] = CanaryByte
	}
}

// CheckCanaryOnAlloc is called for every bin about to be handed out. It
// clears the address from the double-free live set, since the bin is no
// longer "freed." It does not read the bin's contents (neither CanaryByte
// nor UAFSentinel is compared) and it never panics.
func (d *Layer) CheckCanaryOnAlloc(ptr unsafe.Pointer) {
	if !d.Enabled() || ptr == nil {
		return
	}
	addr := uintptr(ptr)
	d.livemu.Lock()
	delete(d.live, addr)
	d.livemu.Unlock()
}

// CheckDoubleFree records ptr as freed and panics if it was already
// recorded as freed and never reallocated since.
func (d *Layer) CheckDoubleFree(ptr unsafe.Pointer) {
	if !d.Enabled() || ptr == nil {
		return
	}
	addr := uintptr(ptr)
	d.livemu.Lock()
	_, already := d.live[addr]
	if !already {
		d.live[addr] = struct{}{}
	}
	d.livemu.Unlock()
	if already {
		panic(fmt.Sprintf("debugalloc: double free detected at %#x", addr))
	}
}

// QuarantinePush appends ptr (with its owning class's bin size) to the
// FIFO quarantine. If that pushes the queue over capacity, the oldest
// entry is evicted and freed via freeQuarantine — with the quarantine
// lock released first, so it is never held while calling back into the
// allocator.
func (d *Layer) QuarantinePush(ptr unsafe.Pointer, binSize uintptr) bool {
	if !d.Enabled() || d.quarantineCap <= 0 {
		return false
	}

	d.qmu.Lock()
	var evicted *quarantineEntry
	if len(d.queue) >= d.quarantineCap {
		e := d.queue[0]
		d.queue = d.queue[1:]
		evicted = &e
	}
	d.queue = append(d.queue, quarantineEntry{ptr: ptr, binSize: binSize})
	d.qmu.Unlock()

	if evicted != nil {
		classIdx, ok := d.reverseClass[evicted.binSize]
		if ok {
			d.freeQuarantine(evicted.ptr, classIdx)
		}
	}
	return true
}

// TagAlloc records size and an origin string (file:line or similar) for
// leak reporting.
func (d *Layer) TagAlloc(ptr unsafe.Pointer, size uintptr, origin string) {
	if !d.Enabled() || ptr == nil {
		return
	}
	d.leakmu.Lock()
	d.leaks[uintptr(ptr)] = LeakRecord{Ptr: ptr, Size: size, Origin: origin}
	d.leakmu.Unlock()
}

// TagFree removes ptr from the leak table.
func (d *Layer) TagFree(ptr unsafe.Pointer) {
	if !d.Enabled() || ptr == nil {
		return
	}
	d.leakmu.Lock()
	delete(d.leaks, uintptr(ptr))
	d.leakmu.Unlock()
}

// DumpLeaks enumerates every allocation tagged but never freed.
func (d *Layer) DumpLeaks() []LeakRecord {
	if !d.Enabled() {
		return nil
	}
	d.leakmu.Lock()
	defer d.leakmu.Unlock()
	out := make([]LeakRecord, 0, len(d.leaks))
	for _, rec := range d.leaks {
		out = append(out, rec)
	}
	return out
}

func (d *Layer) IncAlloc()    { atomic.AddInt64(&d.allocs, 1) }
func (d *Layer) IncFree()     { atomic.AddInt64(&d.frees, 1) }
func (d *Layer) IncCommit()   { atomic.AddInt64(&d.commits, 1) }
func (d *Layer) IncDecommit() { atomic.AddInt64(&d.decommits, 1) }

// Snapshot reads the current counter totals.
func (d *Layer) Snapshot() Counters {
	return Counters{
		Allocs:    atomic.LoadInt64(&d.allocs),
		Frees:     atomic.LoadInt64(&d.frees),
		Commits:   atomic.LoadInt64(&d.commits),
		Decommits: atomic.LoadInt64(&d.decommits),
	}
}

// QuarantineLen reports how many entries are currently quarantined,
// mainly for tests.
func (d *Layer) QuarantineLen() int {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	return len(d.queue)
}
