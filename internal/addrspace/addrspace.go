// Package addrspace implements the address-space identifier T of spec §3:
// an opaque per-process handle carrying a page-directory handle and an
// SPT. Grounded on biscuit/src/vm/as.go's Addrspace_t (lock-guarded struct
// wrapping a pmap handle), generalized to additionally own this
// subsystem's SPT instance rather than biscuit's page-table-entry list.
package addrspace

import (
	"github.com/tuannm99/vmkit/internal/frame"
	"github.com/tuannm99/vmkit/internal/mmu"
	"github.com/tuannm99/vmkit/internal/spt"
	"github.com/tuannm99/vmkit/internal/swap"
)

// Space is one user process's address space: its page-directory handle and
// its supplemental page table.
type Space struct {
	dir mmu.Dir
	spt *spt.Table
}

// New creates a fresh address space over dir, with an empty SPT backed by
// the shared frame table and swap allocator (spec §4.4's create()).
func New(dir mmu.Dir, m mmu.MMU, frames *frame.Table, sa *swap.Allocator) *Space {
	return &Space{dir: dir, spt: spt.New(m, frames, sa)}
}

func (s *Space) Dir() mmu.Dir   { return s.dir }
func (s *Space) SPT() *spt.Table { return s.spt }

// NotifyEvicted satisfies frame.Owner by delegating to the SPT, so a
// *Space can be passed anywhere frame.Alloc needs an owner.
func (s *Space) NotifyEvicted(uvpage uintptr, slot int, dirty bool) {
	s.spt.NotifyEvicted(uvpage, slot, dirty)
}

// LoadPage is a thin convenience wrapper so callers needn't thread dir
// through separately from the Space that owns it.
func (s *Space) LoadPage(uvpage uintptr) bool {
	return s.spt.LoadPage(s.dir, uvpage)
}

// Destroy tears down the address space's SPT, freeing every owned frame
// and swap slot (spec §4.4's destroy()).
func (s *Space) Destroy() {
	s.spt.Destroy()
}
