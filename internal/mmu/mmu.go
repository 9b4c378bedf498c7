// Package mmu describes the page-directory / MMU collaborator that the
// virtual memory subsystem depends on but does not implement on real
// hardware (spec §6, "Consumed: Page directory / MMU"). It also ships a
// reference, map-based implementation used by tests and the demo CLI in
// place of a real page table — shaped after the Page_i abstraction in
// biscuit/src/mem/mem.go, generalized to the dir+uvpage keying this
// subsystem needs.
package mmu

import (
	"sync"

	"github.com/tuannm99/vmkit/internal/mem"
)

// Dir is an opaque page-directory handle, one per address space.
type Dir uintptr

// MMU is the external collaborator consumed by the frame table, the SPT,
// and the syscall boundary. Accessed and dirty bits are queried through two
// aliases of a frame — the user virtual address and the kernel frame
// address — because a frame may be written through either; callers that
// need the "effective dirty" bit must OR both (spec §9, "Aliased
// dirty/accessed bits").
type MMU interface {
	// SetPage installs kframe at uvpage within dir with the given
	// writability. It replaces any existing present mapping at uvpage.
	SetPage(dir Dir, uvpage uintptr, kframe mem.Pa_t, writable bool)
	// ClearPage removes any mapping at uvpage within dir. It is a no-op
	// if uvpage is not currently mapped.
	ClearPage(dir Dir, uvpage uintptr)

	IsAccessed(dir Dir, uvpage uintptr) bool
	SetAccessed(dir Dir, uvpage uintptr, v bool)

	// IsDirtyUser and IsDirtyKernel query the dirty bit through the user
	// and kernel aliases of whichever frame is mapped at uvpage,
	// respectively. Callers wanting the effective dirty bit OR them.
	IsDirtyUser(dir Dir, uvpage uintptr) bool
	IsDirtyKernel(kframe mem.Pa_t) bool
	SetDirtyUser(dir Dir, uvpage uintptr, v bool)
	SetDirtyKernel(kframe mem.Pa_t, v bool)
}

// pte is a simulated page-table entry. flags packs writable/accessed/dirty
// into the same PTE_W/PTE_A/PTE_D bits mem.Pa_t defines rather than separate
// bools, so Sim's internal representation actually looks like the hardware
// layout spec §6 defers to, not just an arbitrary struct that happens to
// answer the same questions. SetPage sets PTE_P and PTE_U on every entry it
// creates: a map entry exists only for a present page, and every mapping
// this subsystem installs is a user page.
type pte struct {
	kframe mem.Pa_t
	flags  mem.Pa_t
}

func (p *pte) has(bit mem.Pa_t) bool { return p.flags&bit != 0 }
func (p *pte) set(bit mem.Pa_t)      { p.flags |= bit }
func (p *pte) clear(bit mem.Pa_t)    { p.flags &^= bit }

func (p *pte) setTo(bit mem.Pa_t, v bool) {
	if v {
		p.set(bit)
	} else {
		p.clear(bit)
	}
}

// Sim is an in-memory reference MMU. It is not a hardware page table: it
// exists so the frame table's clock scan and the SPT's fault handler have
// something real to drive in tests and in the demo binary, since spec §6
// treats the MMU as an external collaborator specified only by interface.
type Sim struct {
	mu    sync.Mutex
	table map[Dir]map[uintptr]*pte
	// kdirty tracks the dirty bit via the kernel alias, keyed by kframe,
	// independent of which (dir, uvpage) the frame happens to be mapped at.
	kdirty map[mem.Pa_t]bool
}

func NewSim() *Sim {
	return &Sim{
		table:  make(map[Dir]map[uintptr]*pte),
		kdirty: make(map[mem.Pa_t]bool),
	}
}

func (s *Sim) dirOf(dir Dir) map[uintptr]*pte {
	m, ok := s.table[dir]
	if !ok {
		m = make(map[uintptr]*pte)
		s.table[dir] = m
	}
	return m
}

func (s *Sim) SetPage(dir Dir, uvpage uintptr, kframe mem.Pa_t, writable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &pte{kframe: kframe, flags: mem.PTE_P | mem.PTE_U}
	p.setTo(mem.PTE_W, writable)
	s.dirOf(dir)[uvpage] = p
}

func (s *Sim) ClearPage(dir Dir, uvpage uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirOf(dir), uvpage)
}

func (s *Sim) IsAccessed(dir Dir, uvpage uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.dirOf(dir)[uvpage]; ok {
		return p.has(mem.PTE_A)
	}
	return false
}

func (s *Sim) SetAccessed(dir Dir, uvpage uintptr, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.dirOf(dir)[uvpage]; ok {
		p.setTo(mem.PTE_A, v)
	}
}

func (s *Sim) IsDirtyUser(dir Dir, uvpage uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.dirOf(dir)[uvpage]; ok {
		return p.has(mem.PTE_D)
	}
	return false
}

func (s *Sim) SetDirtyUser(dir Dir, uvpage uintptr, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.dirOf(dir)[uvpage]; ok {
		p.setTo(mem.PTE_D, v)
	}
}

func (s *Sim) IsDirtyKernel(kframe mem.Pa_t) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kdirty[kframe]
}

func (s *Sim) SetDirtyKernel(kframe mem.Pa_t, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.kdirty[kframe] = true
	} else {
		delete(s.kdirty, kframe)
	}
}

// Touch marks uvpage as accessed and, optionally, dirty through the user
// alias. Test and demo code uses this to simulate a user-mode access
// without a real MMU trapping into the kernel.
func (s *Sim) Touch(dir Dir, uvpage uintptr, write bool) {
	s.SetAccessed(dir, uvpage, true)
	if write {
		s.SetDirtyUser(dir, uvpage, true)
	}
}
