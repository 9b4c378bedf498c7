// Package frame implements the global frame table of spec §4.3: a
// kframe-keyed mapping to frame entries plus a circular clock ordering,
// guarded by a single lock (spec §5's frame_lock). Grounded on
// internal/bufferpool/pool.go's Pool (fixed-size frame slice, pageTable
// index, clockHand) and internal/bufferpool/global_pool.go's GlobalPool
// (single shared table across owners, PageTag-style composite key), with
// the clock sweep itself delegated to internal/clockx.
package frame

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tuannm99/vmkit/internal/clockx"
	"github.com/tuannm99/vmkit/internal/mem"
	"github.com/tuannm99/vmkit/internal/mmu"
	"github.com/tuannm99/vmkit/internal/swap"
)

const logPrefix = "frame: "

// ErrNoFreeFrame mirrors the teacher's bufferpool.ErrNoFreeFrame. Nothing in
// this package returns it: PhysAllocator.GetPage reports exhaustion with a
// false ok, and Alloc retries after eviction and panics if that retry still
// fails (spec §4.3).
var ErrNoFreeFrame = errors.New("frame: no free physical frame available")

// PhysAllocator is the external "physical frame allocator" of spec §6:
// get_page/free_page. Memory additionally exposes the raw byte buffer
// backing an allocated kframe, since the frame table and the SPT fault
// handler both need to read/write a frame's contents directly (eviction's
// copy to swap, load_page's zero-fill/swap-in/file-read materialization).
type PhysAllocator interface {
	GetPage() (mem.Pa_t, bool)
	FreePage(mem.Pa_t)
	Memory(kframe mem.Pa_t) *mem.Page
}

// Owner is the address-space side of a frame entry's weak back-reference
// (spec §3's "owner: T", §9's cyclic-ownership note). It is narrowed to
// exactly what eviction needs so this package never imports internal/spt
// or internal/addrspace, which both depend on this package.
type Owner interface {
	Dir() mmu.Dir
	// NotifyEvicted transitions the owner's SPT entry for uvpage to
	// on-swap, recording slot and OR-ing dirty into the entry's dirty
	// field (spec §4.3 step 4). Called with frame_lock held.
	NotifyEvicted(uvpage uintptr, slot int, dirty bool)
}

// pinCount is how many in-flight callers currently need a frame kept off
// the clock's eviction candidates. It starts at one, since Alloc hands back
// a frame already pinned for installation, and it panics if a caller unpins
// past zero rather than letting eviction silently reclaim a frame someone
// still thinks they hold. Every read/write goes through atomic ops; all of
// its current callers (Pin, Unpin, and evictOneLocked's pinned() predicate)
// also run with frame_lock held.
type pinCount struct {
	n int32
}

func newPinCount() *pinCount {
	return &pinCount{n: 1}
}

func (p *pinCount) pin() {
	atomic.AddInt32(&p.n, 1)
}

// unpin releases one pin. It panics on underflow: an Unpin with no matching
// Pin (or a double Unpin) is a caller bug, not a recoverable condition, since
// it means some other in-flight holder's pin would be silently dropped too.
func (p *pinCount) unpin() {
	if atomic.AddInt32(&p.n, -1) < 0 {
		panic("frame: unpin with no outstanding pin")
	}
}

func (p *pinCount) pinned() bool {
	return atomic.LoadInt32(&p.n) > 0
}

// Entry is the frame-table tuple of spec §3. pins counts outstanding pins
// rather than a single bool, so PinRange and ValidateString can pin the
// same frame from more than one in-flight request without one's Unpin
// exposing the frame to eviction while the other is still mid-I/O.
type Entry struct {
	Kframe mem.Pa_t
	Uvpage uintptr
	Owner  Owner
	pins   *pinCount
}

// Table is the frame table: a kframe-keyed map plus a circular clock
// ordering over the same entries, under a single lock (spec §4.3, §5).
type Table struct {
	mu    sync.Mutex
	phys  PhysAllocator
	mmu   mmu.MMU
	swap  *swap.Allocator
	scan  *clockx.Scanner
	order []mem.Pa_t       // circular ordering, indexed by clock position
	slots map[mem.Pa_t]int // kframe -> index into order, for O(1) removal
	table map[mem.Pa_t]*Entry
}

// New builds an empty frame table over capacity kframes, backed by phys for
// physical page allocation, m for MMU queries, and sa for eviction writes.
func New(phys PhysAllocator, m mmu.MMU, sa *swap.Allocator, capacity int) *Table {
	if capacity <= 0 {
		capacity = 1
	}
	return &Table{
		phys:  phys,
		mmu:   m,
		swap:  sa,
		scan:  clockx.New(capacity),
		slots: make(map[mem.Pa_t]int),
		table: make(map[mem.Pa_t]*Entry),
	}
}

// Alloc requests a physical frame for uvpage within owner's address space,
// running eviction if none is free, and returns it pinned (spec §4.3).
// Callers must Unpin once the page is installed in the MMU.
func (t *Table) Alloc(owner Owner, uvpage uintptr) mem.Pa_t {
	t.mu.Lock()
	defer t.mu.Unlock()

	kframe, ok := t.phys.GetPage()
	if !ok {
		t.evictOneLocked()
		kframe, ok = t.phys.GetPage()
		if !ok {
			panic("frame: physical allocator exhausted even after eviction")
		}
	}

	e := &Entry{Kframe: kframe, Uvpage: uvpage, Owner: owner, pins: newPinCount()}
	t.insertLocked(e)
	slog.Debug(logPrefix+"alloc", "kframe", kframe, "uvpage", uvpage)
	return kframe
}

// Free returns kframe's physical page to the allocator and removes its
// bookkeeping. It panics if kframe has no frame entry.
func (t *Table) Free(kframe mem.Pa_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeEntryLocked(kframe)
	t.phys.FreePage(kframe)
	slog.Debug(logPrefix+"free", "kframe", kframe)
}

// RemoveEntry detaches kframe's bookkeeping without returning the physical
// page, for use when eviction has already reclaimed the frame.
func (t *Table) RemoveEntry(kframe mem.Pa_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeEntryLocked(kframe)
}

// Pin and Unpin adjust kframe's pin refcount under the lock (spec §4.3). A
// frame is evictable only once its refcount drops to zero.
func (t *Table) Pin(kframe mem.Pa_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.mustEntryLocked(kframe)
	e.pins.pin()
}

func (t *Table) Unpin(kframe mem.Pa_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.mustEntryLocked(kframe)
	e.pins.unpin()
}

func (t *Table) mustEntryLocked(kframe mem.Pa_t) *Entry {
	e, ok := t.table[kframe]
	if !ok {
		panic(fmt.Sprintf("frame: no entry for kframe %v", kframe))
	}
	return e
}

func (t *Table) insertLocked(e *Entry) {
	t.table[e.Kframe] = e
	t.order = append(t.order, e.Kframe)
	t.slots[e.Kframe] = len(t.order) - 1
	t.scan.Resize(len(t.order))
}

func (t *Table) removeEntryLocked(kframe mem.Pa_t) {
	t.mustEntryLocked(kframe)
	idx := t.slots[kframe]
	last := len(t.order) - 1
	t.order[idx] = t.order[last]
	t.slots[t.order[idx]] = idx
	t.order = t.order[:last]
	delete(t.slots, kframe)
	delete(t.table, kframe)
	t.scan.Resize(len(t.order))
}

// evictOneLocked runs the clock scan of spec §4.3 and reclaims its victim.
// Called with t.mu held, as required since eviction mutates another address
// space's MMU entry and SPT under frame_lock (spec §5).
func (t *Table) evictOneLocked() {
	if len(t.order) == 0 {
		panic("frame: eviction requested with no frames tracked")
	}

	idx, ok := t.scan.Scan(
		func(i int) bool { return t.table[t.order[i]].pins.pinned() },
		func(i int) bool {
			e := t.table[t.order[i]]
			return t.mmu.IsAccessed(e.Owner.Dir(), e.Uvpage)
		},
		func(i int) {
			e := t.table[t.order[i]]
			t.mmu.SetAccessed(e.Owner.Dir(), e.Uvpage, false)
		},
	)
	if !ok {
		panic("frame: clock scan found no evictable frame (all frames pinned)")
	}

	victim := t.table[t.order[idx]]
	t.evictLocked(victim)
}

func (t *Table) evictLocked(e *Entry) {
	dir := e.Owner.Dir()

	// ClearPage drops the whole mapping, dirty bit included, so the user
	// alias's dirty bit is read first.
	userDirty := t.mmu.IsDirtyUser(dir, e.Uvpage)

	// Step 1: invalidate before copying, so no further writes land.
	t.mmu.ClearPage(dir, e.Uvpage)

	// Step 2: OR both dirty aliases.
	dirty := userDirty || t.mmu.IsDirtyKernel(e.Kframe)

	// Step 3: write out to a fresh swap slot.
	slot := t.swap.Out(t.phys.Memory(e.Kframe))

	// Step 4: update the victim's SPT entry.
	e.Owner.NotifyEvicted(e.Uvpage, slot, dirty)

	slog.Debug(logPrefix+"evicted", "kframe", e.Kframe, "uvpage", e.Uvpage, "slot", slot, "dirty", dirty)

	// Step 5: remove the frame entry and return the physical page.
	t.removeEntryLocked(e.Kframe)
	t.phys.FreePage(e.Kframe)
}

// Memory returns the raw byte buffer backing an allocated, still-tracked
// kframe, for the SPT fault handler to materialize page contents into. It
// panics if kframe is not currently tracked.
func (t *Table) Memory(kframe mem.Pa_t) *mem.Page {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustEntryLocked(kframe)
	return t.phys.Memory(kframe)
}
