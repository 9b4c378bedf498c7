package spt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/vmkit/internal/fsio"
	"github.com/tuannm99/vmkit/internal/frame"
	"github.com/tuannm99/vmkit/internal/mem"
	"github.com/tuannm99/vmkit/internal/mmu"
	"github.com/tuannm99/vmkit/internal/swap"
)

func newTestTable(t *testing.T, capacity int) (*Table, *mmu.Sim, *frame.Table) {
	t.Helper()
	dev, err := fsio.OpenFileBlockDevice(t.TempDir()+"/swap.img", 512, int64(capacity*8))
	require.NoError(t, err)
	sa, err := swap.Open(dev)
	require.NoError(t, err)

	m := mmu.NewSim()
	phys := frame.NewSimPhysAllocator(capacity)
	frames := frame.New(phys, m, sa, capacity)
	return New(m, frames, sa), m, frames
}

func TestInstallZero_DuplicateIsFatal(t *testing.T) {
	tbl, _, _ := newTestTable(t, 4)
	tbl.InstallZero(0x1000)
	require.Panics(t, func() { tbl.InstallZero(0x1000) })
}

func TestLoadPage_ZeroFillReadsAsZero(t *testing.T) {
	tbl, _, frames := newTestTable(t, 4)
	tbl.InstallZero(0x1000)

	var dir mmu.Dir = 1
	ok := tbl.LoadPage(dir, 0x1000)
	require.True(t, ok)

	e, found := tbl.Find(0x1000)
	require.True(t, found)
	require.Equal(t, StatusOnFrame, e.Status)

	buf := frames.Memory(e.Kframe)
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestLoadPage_MissingEntryReturnsFalse(t *testing.T) {
	tbl, _, _ := newTestTable(t, 4)
	ok := tbl.LoadPage(1, 0xDEAD000)
	require.False(t, ok)
}

func TestLoadPage_AlreadyOnFrameReturnsTrueWithoutRealloc(t *testing.T) {
	tbl, _, frames := newTestTable(t, 4)
	kframe := frames.Alloc(dirOwner{dir: 1, t: tbl}, 0x1000)
	frames.Unpin(kframe)
	tbl.InstallFrame(0x1000, kframe)

	ok := tbl.LoadPage(1, 0x1000)
	require.True(t, ok)
	e, _ := tbl.Find(0x1000)
	require.Equal(t, kframe, e.Kframe)
}

func TestSwapOut_ThroughEviction(t *testing.T) {
	tbl, _, _ := newTestTable(t, 1)
	tbl.InstallZero(0x1000)
	tbl.InstallZero(0x2000)

	var dir mmu.Dir = 1
	require.True(t, tbl.LoadPage(dir, 0x1000))

	// Capacity is 1, so loading the second page forces eviction of the first.
	require.True(t, tbl.LoadPage(dir, 0x2000))

	e1, _ := tbl.Find(0x1000)
	require.Equal(t, StatusOnSwap, e1.Status)

	e2, _ := tbl.Find(0x2000)
	require.Equal(t, StatusOnFrame, e2.Status)
}

func TestMunmap_FileBackedNeverFaultedRemovesEntry(t *testing.T) {
	tbl, _, _ := newTestTable(t, 4)
	f, err := fsio.OpenLocalFile(t.TempDir() + "/f.dat")
	require.NoError(t, err)

	tbl.InstallFile(0x1000, f, 0, mem.PageSize, 0, true)
	require.True(t, tbl.HasEntry(0x1000))

	tbl.Munmap(1, 0x1000, f, 0, mem.PageSize)
	require.False(t, tbl.HasEntry(0x1000))
}

func TestMunmap_MissingEntryPanics(t *testing.T) {
	tbl, _, _ := newTestTable(t, 4)
	require.Panics(t, func() { tbl.Munmap(1, 0x1000, nil, 0, mem.PageSize) })
}
