package mmu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/vmkit/internal/mem"
)

func TestSim_SetPageTracksWritableThroughPTEBits(t *testing.T) {
	s := NewSim()
	s.SetPage(1, 0x1000, 42, true)

	p := s.dirOf(1)[0x1000]
	require.True(t, p.has(mem.PTE_P))
	require.True(t, p.has(mem.PTE_U))
	require.True(t, p.has(mem.PTE_W))
	require.False(t, p.has(mem.PTE_A))
	require.False(t, p.has(mem.PTE_D))

	s.SetPage(1, 0x2000, 43, false)
	require.False(t, s.dirOf(1)[0x2000].has(mem.PTE_W))
}

func TestSim_AccessedAndDirtySetIndividualPTEBits(t *testing.T) {
	s := NewSim()
	s.SetPage(1, 0x1000, 42, true)

	require.False(t, s.IsAccessed(1, 0x1000))
	require.False(t, s.IsDirtyUser(1, 0x1000))

	s.SetAccessed(1, 0x1000, true)
	require.True(t, s.IsAccessed(1, 0x1000))
	require.False(t, s.IsDirtyUser(1, 0x1000), "setting accessed must not touch the dirty bit")

	s.SetDirtyUser(1, 0x1000, true)
	require.True(t, s.IsDirtyUser(1, 0x1000))
	require.True(t, s.IsAccessed(1, 0x1000), "setting dirty must not clear the accessed bit")

	s.SetAccessed(1, 0x1000, false)
	require.False(t, s.IsAccessed(1, 0x1000))
	require.True(t, s.IsDirtyUser(1, 0x1000))
}

func TestSim_ClearPageRemovesEntryEntirely(t *testing.T) {
	s := NewSim()
	s.SetPage(1, 0x1000, 42, true)
	s.ClearPage(1, 0x1000)
	require.False(t, s.IsAccessed(1, 0x1000))
}

func TestSim_Touch(t *testing.T) {
	s := NewSim()
	s.SetPage(1, 0x1000, 42, true)
	s.Touch(1, 0x1000, true)
	require.True(t, s.IsAccessed(1, 0x1000))
	require.True(t, s.IsDirtyUser(1, 0x1000))
}
