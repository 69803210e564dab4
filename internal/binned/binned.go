// Package binned implements the small-object allocator (spec component
// C5): a fixed ladder of size classes, each backed by a lock-free global
// free list, fronted by per-call thread-local magazines that absorb the
// hot alloc/free path. Requests that don't fit a class, or whose
// alignment can't be satisfied by a class's natural alignment, are routed
// to the large tier.
package binned

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/embergine/allocore/internal/debugalloc"
	"github.com/embergine/allocore/internal/large"
	"github.com/embergine/allocore/internal/tlsmag"
)

func nowNanos() int64 { return time.Now().UnixNano() }

// Option configures an Allocator at construction time.
type Option func(*Config)

// Config holds the tunables an Allocator is built from.
type Config struct {
	DebugEnabled    bool
	QuarantineCap   int
	GuardsByDefault bool
	MagazineCap     int
}

func defaultConfig() Config {
	return Config{
		DebugEnabled:    false,
		QuarantineCap:   256,
		GuardsByDefault: false,
		MagazineCap:     32,
	}
}

// WithDebug enables canary poisoning, double-free/UAF detection, leak
// tagging, and the bounded quarantine, with the given capacity.
func WithDebug(quarantineCap int) Option {
	return func(c *Config) {
		c.DebugEnabled = true
		c.QuarantineCap = quarantineCap
	}
}

// WithGuardPagesByDefault sets the large-tier guard-page default.
func WithGuardPagesByDefault(v bool) Option {
	return func(c *Config) { c.GuardsByDefault = v }
}

// WithMagazineCapacity overrides the per-class, per-handle magazine size.
func WithMagazineCapacity(n int) Option {
	return func(c *Config) { c.MagazineCap = n }
}

// PressureHandler is invoked each time a size class fails to grow (VM
// reserve or commit failed), i.e. the allocator is under memory pressure.
type PressureHandler func(classIndex int, binSize uintptr)

// Allocator is the small-object allocator described in spec section 4.
// It is safe for concurrent use.
type Allocator struct {
	cfg Config

	sizes     []uintptr
	sizeTable []int16
	classes   []*classState

	large *large.Allocator
	debug *debugalloc.Layer

	handles handlePool

	pressureMu sync.Mutex
	pressure   PressureHandler
}

// handlePool owns the sync.Pool of TLS magazine handles plus a registry of
// every handle ever handed out, so FlushTLS can reach handles currently
// idle in the pool as well as ones a caller is actively holding.
type handlePool struct {
	pool sync.Pool
	reg  sync.Map // *tlsmag.Handle -> struct{}
}

// New constructs a binned allocator with the given options.
func New(opts ...Option) *Allocator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	sizes := buildClasses()
	table := buildSizeTable(sizes)

	a := &Allocator{
		cfg:       cfg,
		sizes:     sizes,
		sizeTable: table,
		classes:   make([]*classState, len(sizes)),
		large:     large.New(cfg.GuardsByDefault),
	}

	reverseClass := make(map[uintptr]int, len(sizes))
	for i, sz := range sizes {
		reverseClass[sz] = i
	}

	var debugLayer *debugalloc.Layer
	if cfg.DebugEnabled {
		debugLayer = debugalloc.New(true, cfg.QuarantineCap, reverseClass, a.freeFromQuarantine)
	} else {
		debugLayer = debugalloc.New(false, 0, nil, nil)
	}
	a.debug = debugLayer

	for i, sz := range sizes {
		cs := &classState{
			binSize:      sz,
			naturalAlign: lowestSetBit(sz),
			debug:        debugLayer,
		}
		if debugLayer.Enabled() {
			cs.poison = debugLayer.Poison
		}
		a.classes[i] = cs
	}

	a.handles.pool.New = func() any {
		h := tlsmag.NewHandle(len(a.classes), cfg.MagazineCap, a.flushToGlobal)
		a.handles.reg.Store(h, struct{}{})
		return h
	}

	return a
}

// SetMemoryPressureHandler installs a callback invoked each time a size
// class fails to grow. Passing nil clears it.
func (a *Allocator) SetMemoryPressureHandler(fn PressureHandler) {
	a.pressureMu.Lock()
	defer a.pressureMu.Unlock()
	a.pressure = fn
}

func (a *Allocator) notifyPressure(classIndex int) {
	a.pressureMu.Lock()
	fn := a.pressure
	a.pressureMu.Unlock()
	if fn != nil {
		fn(classIndex, a.sizes[classIndex])
	}
}

// classFor returns the class index selected by size, or -1 if the request
// must be routed to the large tier: either the size exceeds the largest
// bin, or the requested alignment exceeds the natural alignment of the
// class that size selects. Per spec section 4.5, an over-aligned request
// is rerouted to the large tier outright — it never climbs the ladder
// looking for a bigger, more-aligned class.
func (a *Allocator) classFor(size, alignment uintptr) int {
	if size == 0 || size > maxSmall {
		return -1
	}
	if alignment == 0 {
		alignment = 1
	}
	idx := int(a.sizeTable[size])
	if idx < 0 {
		return -1
	}
	if a.classes[idx].naturalAlign < alignment {
		return -1
	}
	return idx
}

// borrowHandle retrieves a TLS magazine handle from the pool for the
// duration of one call. Returning it (via returnHandle) rather than
// pinning it to a goroutine is this Go realization's stand-in for
// pthread-style thread affinity: see the tlsmag package doc.
func (a *Allocator) borrowHandle() *tlsmag.Handle {
	return a.handles.pool.Get().(*tlsmag.Handle)
}

func (a *Allocator) returnHandle(h *tlsmag.Handle) {
	a.handles.pool.Put(h)
}

// callerOrigin reports the file:line of Allocate's caller, used only as the
// leak table's origin string. Skip 3: this frame, onAllocSuccess, Allocate.
func callerOrigin() string {
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// onAllocSuccess runs the bookkeeping every successful allocation shares,
// regardless of which tier or hot-path step produced p: clearing p from the
// double-free live set, the alloc counter, and leak tagging. The live-set
// and leak-tagging steps are no-ops when debug instrumentation is
// disabled; the alloc counter always counts.
func (a *Allocator) onAllocSuccess(p unsafe.Pointer, size uintptr) {
	a.debug.CheckCanaryOnAlloc(p)
	a.debug.IncAlloc()
	if a.debug.Enabled() {
		a.debug.TagAlloc(p, size, callerOrigin())
	}
}

// Allocate implements spec section 4.5's hot path: magazine pop, then
// global free-list pop, then grow-and-retry, then fall through to the
// large tier for oversized or over-aligned requests.
func (a *Allocator) Allocate(size, alignment uintptr) unsafe.Pointer {
	classIdx := a.classFor(size, alignment)
	if classIdx < 0 {
		p := a.large.Allocate(size, alignment, nil)
		if p != nil {
			a.onAllocSuccess(p, size)
		}
		return p
	}

	cs := a.classes[classIdx]

	h := a.borrowHandle()
	if p := h.Pop(classIdx); p != nil {
		a.returnHandle(h)
		a.onAllocSuccess(p, size)
		return p
	}
	a.returnHandle(h)

	if p := cs.popFree(); p != nil {
		a.onAllocSuccess(p, size)
		return p
	}

	if cs.shouldAttemptGrow(nowNanos()) {
		if !cs.grow(classIdx, a.notifyPressure) {
			return nil
		}
	} else {
		return nil
	}

	p := cs.popFree()
	if p != nil {
		a.onAllocSuccess(p, size)
	}
	return p
}

// Deallocate returns p to its owning tier. Tier ownership is determined at
// deallocate time, not from size: p is probed against the large tier's
// magic header first (spec section 3), regardless of what size the caller
// passes, since a large allocation's true size can differ from whatever
// size value the caller happens to supply. Only once the large probe comes
// back negative is p treated as a small-tier bin, using size to pick its
// class.
func (a *Allocator) Deallocate(p unsafe.Pointer, size uintptr) {
	if p == nil {
		return
	}

	if a.large.MaybeDeallocate(p) {
		a.debug.IncFree()
		a.debug.TagFree(p)
		return
	}

	classIdx := a.classFor(size, 1)
	if classIdx < 0 {
		return
	}

	a.debug.CheckDoubleFree(p)
	cs := a.classes[classIdx]

	if a.debug.Enabled() {
		if a.debug.QuarantinePush(p, cs.binSize) {
			a.debug.Poison(p, cs.binSize)
			a.debug.IncFree()
			a.debug.TagFree(p)
			return
		}
	}

	h := a.borrowHandle()
	overflow := h.Push(classIdx, p)
	a.returnHandle(h)
	if overflow != nil {
		for _, op := range overflow {
			a.classes[classIdx].pushFree(op)
		}
	}
	a.debug.IncFree()
	a.debug.TagFree(p)
}

// freeFromQuarantine bypasses poisoning/quarantine and returns ptr
// directly to its class's global free list; used only as the quarantine's
// eviction callback.
func (a *Allocator) freeFromQuarantine(ptr unsafe.Pointer, classIndex int) {
	a.classes[classIndex].pushFree(ptr)
}

// flushToGlobal is the Flusher a TLS handle drains into: it pushes every
// evicted pointer straight onto its class's global free list.
func (a *Allocator) flushToGlobal(classIndex int, ptrs []unsafe.Pointer) {
	cs := a.classes[classIndex]
	for _, p := range ptrs {
		cs.pushFree(p)
	}
}

// FlushTLS drains every magazine this allocator has ever handed out (idle
// in the pool or still finalizer-pinned) back to the global free lists.
// Intended for callers that want a clean point-in-time free-count snapshot
// or are shutting the allocator down.
func (a *Allocator) FlushTLS() {
	a.handles.reg.Range(func(k, _ any) bool {
		h := k.(*tlsmag.Handle)
		h.FlushAll()
		return true
	})
}

// ClassStats reports, per size class, the bin size and the number of bins
// currently sitting on that class's global free list.
type ClassStats struct {
	BinSize   uintptr
	FreeCount int64
	GrowFails int64
}

// Stats is the observability surface layered on top of spec section 4:
// counters from the debug layer (maintained whether or not debug
// instrumentation is enabled) plus per-class free-list occupancy.
type Stats struct {
	Counters debugalloc.Counters
	Classes  []ClassStats
}

// Stats snapshots current allocator state.
func (a *Allocator) Stats() Stats {
	classes := make([]ClassStats, len(a.classes))
	for i, cs := range a.classes {
		classes[i] = ClassStats{
			BinSize:   cs.binSize,
			FreeCount: atomic.LoadInt64(&cs.freeCount),
			GrowFails: atomic.LoadInt64(&cs.growFailures),
		}
	}
	return Stats{Counters: a.debug.Snapshot(), Classes: classes}
}

// DumpLeaks proxies to the debug layer, empty when debug instrumentation
// is disabled.
func (a *Allocator) DumpLeaks() []debugalloc.LeakRecord {
	return a.debug.DumpLeaks()
}
