// Package spt implements the per-address-space supplemental page table of
// spec §4.4: a uvpage-keyed tagged union over {zero-fill, on-frame,
// on-swap, file-backed}, plus the page-fault handler (LoadPage) and the
// munmap write-back path. Grounded on internal/bufferpool/pool.go's
// pageTable-plus-frames shape, generalized from a single page-content cache
// to the four-state variant spec.md's Design Notes (§9) recommend over
// Pintos's flat struct.
package spt

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tuannm99/vmkit/internal/fsio"
	"github.com/tuannm99/vmkit/internal/frame"
	"github.com/tuannm99/vmkit/internal/mem"
	"github.com/tuannm99/vmkit/internal/mmu"
	"github.com/tuannm99/vmkit/internal/swap"
)

const logPrefix = "spt: "

// Status is the SPT entry's tagged-union discriminant.
type Status int

const (
	StatusZeroFill Status = iota
	StatusOnFrame
	StatusOnSwap
	StatusFileBacked
)

func (s Status) String() string {
	switch s {
	case StatusZeroFill:
		return "zero-fill"
	case StatusOnFrame:
		return "on-frame"
	case StatusOnSwap:
		return "on-swap"
	case StatusFileBacked:
		return "file-backed"
	default:
		return "unknown"
	}
}

// Entry is the SPT tuple of spec §3. File fields are meaningful when
// Status is StatusFileBacked, or were meaningful before the page was first
// faulted in from a file-backed mapping.
type Entry struct {
	Status     Status
	Kframe     mem.Pa_t // valid iff Status == StatusOnFrame
	SwapSlot   int      // valid iff Status == StatusOnSwap
	File       fsio.File
	FileOffset int64
	ReadBytes  int
	ZeroBytes  int
	Writable   bool
	Dirty      bool
}

// Table is one address space's supplemental page table.
type Table struct {
	mu      sync.Mutex
	entries map[uintptr]*Entry

	mmu    mmu.MMU
	frames *frame.Table
	swap   *swap.Allocator
}

// New builds an empty SPT over the given collaborators, corresponding to
// spec §4.4's create().
func New(m mmu.MMU, frames *frame.Table, sa *swap.Allocator) *Table {
	return &Table{
		entries: make(map[uintptr]*Entry),
		mmu:     m,
		frames:  frames,
		swap:    sa,
	}
}

// Destroy frees every owned frame and every owned swap slot, per spec
// §4.4's destroy().
func (t *Table) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for uvpage, e := range t.entries {
		switch e.Status {
		case StatusOnFrame:
			t.frames.Free(e.Kframe)
		case StatusOnSwap:
			t.swap.Free(e.SwapSlot)
		}
		delete(t.entries, uvpage)
	}
}

func (t *Table) installLocked(uvpage uintptr, e *Entry) {
	if _, exists := t.entries[uvpage]; exists {
		panic(fmt.Sprintf("spt: duplicate install at uvpage %#x", uvpage))
	}
	t.entries[uvpage] = e
}

// InstallZero creates an entry in zero-fill state. Duplicate is fatal.
func (t *Table) InstallZero(uvpage uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.installLocked(uvpage, &Entry{Status: StatusZeroFill, Writable: true})
}

// InstallFile creates an entry in file-backed state. Duplicate is fatal.
// readBytes + zeroBytes must equal PageSize (spec §3, §8).
func (t *Table) InstallFile(uvpage uintptr, file fsio.File, offset int64, readBytes, zeroBytes int, writable bool) {
	if readBytes+zeroBytes != mem.PageSize {
		panic(fmt.Sprintf("spt: readBytes+zeroBytes must equal %d, got %d+%d", mem.PageSize, readBytes, zeroBytes))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.installLocked(uvpage, &Entry{
		Status:     StatusFileBacked,
		File:       file,
		FileOffset: offset,
		ReadBytes:  readBytes,
		ZeroBytes:  zeroBytes,
		Writable:   writable,
	})
}

// InstallFrame creates an entry directly in on-frame state, used for
// newly allocated stack pages that never go through load_page.
func (t *Table) InstallFrame(uvpage uintptr, kframe mem.Pa_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.installLocked(uvpage, &Entry{Status: StatusOnFrame, Kframe: kframe, Writable: true})
}

// SetSwap transitions uvpage's entry to on-swap, recording slot. It panics
// if the entry is missing (spec §7 tier 3).
func (t *Table) SetSwap(uvpage uintptr, slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.mustEntryLocked(uvpage)
	e.Status = StatusOnSwap
	e.SwapSlot = slot
	e.Kframe = 0
}

// SetDirty OR-sets uvpage's dirty bit. It panics if the entry is missing.
func (t *Table) SetDirty(uvpage uintptr, value bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.mustEntryLocked(uvpage)
	e.Dirty = e.Dirty || value
}

// NotifyEvicted implements frame.Owner for the eviction callback: it
// performs SetSwap and the dirty OR-set as one step under frame_lock,
// matching spec §4.3 step 4.
func (t *Table) NotifyEvicted(uvpage uintptr, slot int, dirty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.mustEntryLocked(uvpage)
	e.Status = StatusOnSwap
	e.SwapSlot = slot
	e.Kframe = 0
	e.Dirty = e.Dirty || dirty
}

func (t *Table) mustEntryLocked(uvpage uintptr) *Entry {
	e, ok := t.entries[uvpage]
	if !ok {
		panic(fmt.Sprintf("spt: no entry at uvpage %#x", uvpage))
	}
	return e
}

// Find returns a copy of uvpage's entry, if any.
func (t *Table) Find(uvpage uintptr) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[uvpage]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (t *Table) HasEntry(uvpage uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[uvpage]
	return ok
}

// dirOwner adapts a single (dir, *Table) pair to frame.Owner for the
// duration of one Alloc call. It is not stored beyond that call except as
// part of the resulting frame.Entry, which is fine since dir and t both
// outlive the address space.
type dirOwner struct {
	dir mmu.Dir
	t   *Table
}

func (o dirOwner) Dir() mmu.Dir { return o.dir }
func (o dirOwner) NotifyEvicted(uvpage uintptr, slot int, dirty bool) {
	o.t.NotifyEvicted(uvpage, slot, dirty)
}

// LoadPage is the page-fault handler of spec §4.4. It returns false if
// uvpage has no SPT entry (an out-of-bounds access the caller must treat
// as user-attributable, spec §7 tier 1) or if materialization failed
// (spec §7 tier 2). Its file-backed branch brackets only the file read
// itself in the file-system lock (spec §5) — unlike mmap's Install/Unmap,
// a fault can land here with no outer call already holding it.
func (t *Table) LoadPage(dir mmu.Dir, uvpage uintptr) bool {
	t.mu.Lock()
	entry, ok := t.entries[uvpage]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if entry.Status == StatusOnFrame {
		t.mu.Unlock()
		return true
	}
	snapshot := *entry
	t.mu.Unlock()

	// Alloc may trigger eviction, which calls back into NotifyEvicted and
	// takes t.mu itself; it must not be held here.
	kframe := t.frames.Alloc(dirOwner{dir: dir, t: t}, uvpage)
	buf := t.frames.Memory(kframe)

	switch snapshot.Status {
	case StatusZeroFill:
		*buf = mem.Page{}
	case StatusOnSwap:
		t.swap.In(snapshot.SwapSlot, buf)
	case StatusFileBacked:
		*buf = mem.Page{}
		fsio.AcquireFS()
		n, err := snapshot.File.ReadAt(buf[:snapshot.ReadBytes], snapshot.FileOffset)
		fsio.ReleaseFS()
		if err != nil || n != snapshot.ReadBytes {
			t.frames.Free(kframe)
			slog.Error(logPrefix+"short file read while loading page", "uvpage", uvpage, "want", snapshot.ReadBytes, "got", n, "err", err)
			return false
		}
	default:
		panic(fmt.Sprintf("spt: LoadPage called on entry already in status %v", snapshot.Status))
	}

	t.mmu.SetPage(dir, uvpage, kframe, snapshot.Writable)
	t.mmu.SetDirtyUser(dir, uvpage, false)
	t.mmu.SetDirtyKernel(kframe, false)

	t.mu.Lock()
	e := t.mustEntryLocked(uvpage)
	e.Status = StatusOnFrame
	e.Kframe = kframe
	t.mu.Unlock()

	t.frames.Unpin(kframe)
	slog.Debug(logPrefix+"loaded", "uvpage", uvpage, "from", snapshot.Status, "kframe", kframe)
	return true
}

// Munmap implements spec §4.4's per-page unmap write-back, called once per
// page in a mapping's range by internal/mmap. It panics if uvpage has no
// entry, per spec §7 tier 3.
//
// Munmap does not itself acquire the file-system lock: its only caller,
// mmap.Table.Unmap, already holds it for the duration of the whole unmap
// call (spec §5), and fsio's lock is not reentrant.
func (t *Table) Munmap(dir mmu.Dir, uvpage uintptr, file fsio.File, offset int64, bytes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.mustEntryLocked(uvpage)

	switch e.Status {
	case StatusOnFrame:
		t.frames.Pin(e.Kframe)
		dirty := e.Dirty || t.mmu.IsDirtyUser(dir, uvpage) || t.mmu.IsDirtyKernel(e.Kframe)
		if dirty {
			buf := t.frames.Memory(e.Kframe)
			if _, err := file.WriteAt(buf[:bytes], offset); err != nil {
				slog.Error(logPrefix+"munmap write-back failed", "uvpage", uvpage, "err", err)
			}
		}
		t.mmu.ClearPage(dir, uvpage)
		t.frames.Free(e.Kframe)
	case StatusOnSwap:
		dirty := e.Dirty || t.mmu.IsDirtyUser(dir, uvpage)
		if dirty {
			var buf mem.Page
			t.swap.In(e.SwapSlot, &buf)
			if _, err := file.WriteAt(buf[:bytes], offset); err != nil {
				slog.Error(logPrefix+"munmap write-back failed", "uvpage", uvpage, "err", err)
			}
		} else {
			t.swap.Free(e.SwapSlot)
		}
	case StatusFileBacked:
		// never faulted in; nothing to flush.
	}

	delete(t.entries, uvpage)
}
