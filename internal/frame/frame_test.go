package frame

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/vmkit/internal/fsio"
	"github.com/tuannm99/vmkit/internal/mem"
	"github.com/tuannm99/vmkit/internal/mmu"
	"github.com/tuannm99/vmkit/internal/swap"
)

// fakeOwner is the minimal frame.Owner stand-in tests use in place of
// internal/addrspace, which this package cannot import.
type fakeOwner struct {
	dir      mmu.Dir
	notified []notifyEvictedCall
}

type notifyEvictedCall struct {
	uvpage uintptr
	slot   int
	dirty  bool
}

func (o *fakeOwner) Dir() mmu.Dir { return o.dir }

func (o *fakeOwner) NotifyEvicted(uvpage uintptr, slot int, dirty bool) {
	o.notified = append(o.notified, notifyEvictedCall{uvpage, slot, dirty})
}

func newTestTable(t *testing.T, capacity int) (*Table, *SimPhysAllocator, *mmu.Sim, *swap.Allocator) {
	t.Helper()
	dev, err := fsio.OpenFileBlockDevice(t.TempDir()+"/swap.img", 512, int64(capacity*8))
	require.NoError(t, err)
	sa, err := swap.Open(dev)
	require.NoError(t, err)

	phys := NewSimPhysAllocator(capacity)
	m := mmu.NewSim()
	tb := New(phys, m, sa, capacity)
	return tb, phys, m, sa
}

func TestTable_AllocReturnsPinnedFrame(t *testing.T) {
	tb, _, _, _ := newTestTable(t, 2)
	owner := &fakeOwner{dir: 1}

	kframe := tb.Alloc(owner, 0x1000)
	require.NotZero(t, kframe)
	require.True(t, tb.table[kframe].pins.pinned())

	require.Panics(t, func() { tb.Pin(kframe + 99) })
}

func TestTable_EvictsOnExhaustionAndNotifiesOwner(t *testing.T) {
	tb, _, m, _ := newTestTable(t, 1)
	owner := &fakeOwner{dir: 1}

	k1 := tb.Alloc(owner, 0x1000)
	tb.Unpin(k1)
	m.SetPage(owner.dir, 0x1000, k1, true)

	k2 := tb.Alloc(owner, 0x2000)
	require.NotZero(t, k2)
	require.Len(t, owner.notified, 1)
	require.Equal(t, uintptr(0x1000), owner.notified[0].uvpage)
}

func TestTable_EvictionPanicsWhenAllPinned(t *testing.T) {
	tb, _, _, _ := newTestTable(t, 1)
	owner := &fakeOwner{dir: 1}

	tb.Alloc(owner, 0x1000) // stays pinned

	require.Panics(t, func() {
		tb.Alloc(owner, 0x2000)
	})
}

func TestTable_FreeAndRemoveEntry(t *testing.T) {
	tb, _, _, _ := newTestTable(t, 2)
	owner := &fakeOwner{dir: 1}

	k := tb.Alloc(owner, 0x1000)
	tb.Free(k)

	require.Panics(t, func() { tb.Unpin(k) })

	k2 := tb.Alloc(owner, 0x2000)
	tb.RemoveEntry(k2)
	require.Panics(t, func() { tb.Unpin(k2) })
}

func TestTable_MemoryPanicsForUntrackedFrame(t *testing.T) {
	tb, _, _, _ := newTestTable(t, 1)
	require.Panics(t, func() { tb.Memory(mem.Pa_t(999)) })
}

func TestTable_OverlappingPinsBothMustUnpinBeforeEviction(t *testing.T) {
	tb, _, _, _ := newTestTable(t, 1)
	owner := &fakeOwner{dir: 1}

	k := tb.Alloc(owner, 0x1000) // pins = 1
	tb.Pin(k)                    // pins = 2, simulating a second overlapping request

	tb.Unpin(k) // pins = 1, first request done
	require.Panics(t, func() { tb.Alloc(owner, 0x2000) }, "frame must stay pinned while a second holder is still attached")

	tb.Unpin(k) // pins = 0
	k2 := tb.Alloc(owner, 0x2000)
	require.NotZero(t, k2)
}

func TestTable_UnpinPastZeroPanics(t *testing.T) {
	tb, _, _, _ := newTestTable(t, 1)
	owner := &fakeOwner{dir: 1}

	k := tb.Alloc(owner, 0x1000)
	tb.Unpin(k)
	require.Panics(t, func() { tb.Unpin(k) })
}
