package frame

import (
	"sync"

	"github.com/tuannm99/vmkit/internal/mem"
)

// SimPhysAllocator is a reference PhysAllocator backed by a fixed-size pool
// of in-process page buffers, standing in for the real physical allocator
// of spec §6. Grounded on the teacher's fixed-capacity `frames []*Frame`
// slice in internal/bufferpool/pool.go, generalized from page-content
// slots to raw physical frames.
type SimPhysAllocator struct {
	mu    sync.Mutex
	pages []mem.Page
	free  []bool
}

// NewSimPhysAllocator builds a pool of capacity page-sized frames. Frame
// addresses are 1-based so the zero value of mem.Pa_t never denotes a
// live frame.
func NewSimPhysAllocator(capacity int) *SimPhysAllocator {
	if capacity <= 0 {
		capacity = 1
	}
	free := make([]bool, capacity)
	for i := range free {
		free[i] = true
	}
	return &SimPhysAllocator{
		pages: make([]mem.Page, capacity),
		free:  free,
	}
}

func (s *SimPhysAllocator) Capacity() int { return len(s.pages) }

func (s *SimPhysAllocator) GetPage() (mem.Pa_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.free {
		if f {
			s.free[i] = false
			s.pages[i] = mem.Page{}
			return mem.Pa_t(i + 1), true
		}
	}
	return 0, false
}

func (s *SimPhysAllocator) FreePage(kframe mem.Pa_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := int(kframe) - 1
	if idx < 0 || idx >= len(s.pages) {
		panic("frame: FreePage of out-of-range kframe")
	}
	if s.free[idx] {
		panic("frame: double-free of physical frame")
	}
	s.free[idx] = true
}

func (s *SimPhysAllocator) Memory(kframe mem.Pa_t) *mem.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := int(kframe) - 1
	if idx < 0 || idx >= len(s.pages) {
		panic("frame: Memory of out-of-range kframe")
	}
	return &s.pages[idx]
}
