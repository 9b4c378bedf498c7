package clockx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanner_SkipsPinnedAndGivesSecondChance(t *testing.T) {
	s := New(3)

	pinned := map[int]bool{0: true}
	accessed := map[int]bool{1: true}
	var cleared []int

	victim, ok := s.Scan(
		func(i int) bool { return pinned[i] },
		func(i int) bool { return accessed[i] },
		func(i int) { cleared = append(cleared, i); accessed[i] = false },
	)
	require.True(t, ok)
	require.Equal(t, 2, victim)
	require.Equal(t, []int{1}, cleared)
}

func TestScanner_SecondSweepFindsClearedCandidate(t *testing.T) {
	s := New(2)

	accessed := map[int]bool{0: true, 1: true}
	victim, ok := s.Scan(
		func(i int) bool { return false },
		func(i int) bool { return accessed[i] },
		func(i int) { accessed[i] = false },
	)
	require.True(t, ok)
	require.Equal(t, 0, victim)
}

func TestScanner_AllPinnedReturnsNotOK(t *testing.T) {
	s := New(4)

	victim, ok := s.Scan(
		func(i int) bool { return true },
		func(i int) bool { return false },
		func(i int) {},
	)
	require.False(t, ok)
	require.Equal(t, -1, victim)
}

func TestScanner_HandAdvancesAcrossCalls(t *testing.T) {
	s := New(3)
	require.Equal(t, 0, s.Hand())

	_, ok := s.Scan(
		func(i int) bool { return false },
		func(i int) bool { return false },
		func(i int) {},
	)
	require.True(t, ok)
	require.Equal(t, 1, s.Hand())
}

func TestScanner_ResizeClampsHand(t *testing.T) {
	s := New(4)
	s.hand = 3
	s.Resize(2)
	require.Equal(t, 0, s.Hand())
}
