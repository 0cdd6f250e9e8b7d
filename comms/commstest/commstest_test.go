package commstest_test

import (
	"testing"

	"github.com/gomlx/topogrid/comms/commstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend(t *testing.T) {
	journal := commstest.NewJournal()
	backend := commstest.New(journal, 1, 4)

	assert.Equal(t, "commstest", backend.Name())
	assert.Equal(t, 1, backend.Rank())
	assert.Equal(t, 4, backend.WorldSize())

	g, err := backend.NewGroup([]int{2, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, g.Ranks())
	assert.Equal(t, 2, g.Size())
	assert.True(t, g.Contains(0))
	assert.False(t, g.Contains(1))

	calls := journal.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 1, calls[0].Rank)
	// The journal keeps the membership as requested, unsorted.
	assert.Equal(t, []int{2, 0}, calls[0].Ranks)
}

func TestJournalVerifyIdentical(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		assert.NoError(t, commstest.NewJournal().VerifyIdentical())
	})

	t.Run("Identical", func(t *testing.T) {
		journal := commstest.NewJournal()
		for rank := range 2 {
			backend := commstest.New(journal, rank, 2)
			_, _ = backend.NewGroup([]int{0, 1})
			_, _ = backend.NewGroup([]int{1})
		}
		assert.NoError(t, journal.VerifyIdentical())
		assert.Equal(t, [][]int{{0, 1}, {1}}, journal.CallsByRank(0))
		assert.Equal(t, [][]int{{0, 1}, {1}}, journal.CallsByRank(1))
	})

	t.Run("DifferentMembership", func(t *testing.T) {
		journal := commstest.NewJournal()
		_, _ = commstest.New(journal, 0, 2).NewGroup([]int{0, 1})
		_, _ = commstest.New(journal, 1, 2).NewGroup([]int{0})
		err := journal.VerifyIdentical()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "differs")
	})

	t.Run("DifferentCallCounts", func(t *testing.T) {
		journal := commstest.NewJournal()
		backend0 := commstest.New(journal, 0, 2)
		_, _ = backend0.NewGroup([]int{0, 1})
		_, _ = backend0.NewGroup([]int{0})
		_, _ = commstest.New(journal, 1, 2).NewGroup([]int{0, 1})
		err := journal.VerifyIdentical()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "calls")
	})
}
