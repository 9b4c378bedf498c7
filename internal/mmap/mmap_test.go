package mmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/vmkit/internal/addrspace"
	"github.com/tuannm99/vmkit/internal/fsio"
	"github.com/tuannm99/vmkit/internal/frame"
	"github.com/tuannm99/vmkit/internal/mem"
	"github.com/tuannm99/vmkit/internal/mmu"
	"github.com/tuannm99/vmkit/internal/swap"
)

func newTestSpace(t *testing.T, capacity int) (*addrspace.Space, *mmu.Sim, *frame.Table) {
	t.Helper()
	dev, err := fsio.OpenFileBlockDevice(t.TempDir()+"/swap.img", 512, int64(capacity*8))
	require.NoError(t, err)
	sa, err := swap.Open(dev)
	require.NoError(t, err)

	m := mmu.NewSim()
	phys := frame.NewSimPhysAllocator(capacity)
	frames := frame.New(phys, m, sa, capacity)
	return addrspace.New(1, m, frames, sa), m, frames
}

func patternFile(t *testing.T, n int) *fsio.LocalFile {
	t.Helper()
	f, err := fsio.OpenLocalFile(t.TempDir() + "/m.dat")
	require.NoError(t, err)
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	_, err = f.WriteAt(buf, 0)
	require.NoError(t, err)
	return f
}

func TestInstall_RejectsUnalignedBase(t *testing.T) {
	sp, _, _ := newTestSpace(t, 4)
	tbl := New(sp)
	f := patternFile(t, 6000)

	_, ok := tbl.Install(f, 1)
	require.False(t, ok)
}

func TestInstall_RejectsCollision(t *testing.T) {
	sp, _, _ := newTestSpace(t, 4)
	tbl := New(sp)
	f1 := patternFile(t, mem.PageSize)
	f2 := patternFile(t, mem.PageSize)

	mid1, ok := tbl.Install(f1, 0x10000000)
	require.True(t, ok)
	require.Equal(t, 1, mid1)

	_, ok = tbl.Install(f2, 0x10000000)
	require.False(t, ok)
}

func TestUnmap_UnknownMidReturnsFalse(t *testing.T) {
	sp, _, _ := newTestSpace(t, 4)
	tbl := New(sp)
	require.False(t, tbl.Unmap(99))
}

// TestRoundTrip mirrors spec §8 scenario 3: a 6000-byte file mapped at
// 0x10000000, overwrite bytes [4096,4100) with 0xFF, unmap, and the file on
// disk reflects the write while everything else is unchanged.
func TestRoundTrip_WriteThroughMmapThenUnmapPersists(t *testing.T) {
	sp, m, frames := newTestSpace(t, 4)
	tbl := New(sp)
	f := patternFile(t, 6000)
	base := uintptr(0x10000000)

	mid, ok := tbl.Install(f, base)
	require.True(t, ok)

	secondPage := base + uintptr(mem.PageSize)
	require.True(t, sp.LoadPage(secondPage))

	e, found := sp.SPT().Find(secondPage)
	require.True(t, found)

	buf := frames.Memory(e.Kframe)
	copy(buf[:4], []byte{0xFF, 0xFF, 0xFF, 0xFF})
	m.Touch(sp.Dir(), secondPage, true) // simulate the CPU's dirty-bit set

	require.True(t, tbl.Unmap(mid))

	got := make([]byte, 6000)
	_, err := f.ReadAt(got, 0)
	require.NoError(t, err)

	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, got[mem.PageSize:mem.PageSize+4])
	for i := 0; i < mem.PageSize; i++ {
		require.Equal(t, byte(i%251), got[i])
	}
	require.Equal(t, byte((mem.PageSize+4)%251), got[mem.PageSize+4])
}
