package grid

import (
	"testing"

	"github.com/gomlx/topogrid/comms/commstest"
	"github.com/gomlx/topogrid/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimeFactors(t *testing.T) {
	tests := []struct {
		n    int
		want []int
	}{
		{n: 1, want: nil},
		{n: 2, want: []int{2}},
		{n: 12, want: []int{2, 2, 3}},
		{n: 17, want: []int{17}},
		{n: 60, want: []int{2, 2, 3, 5}},
		{n: 64, want: []int{2, 2, 2, 2, 2, 2}},
		{n: 97, want: []int{97}},
		{n: 98, want: []int{2, 7, 7}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, primeFactors(tt.n), "n=%d", tt.n)
	}
}

func TestDefaultTopology(t *testing.T) {
	// Even-indexed prime factors multiply into pipe, odd-indexed into data.
	tests := []struct {
		worldSize          int
		wantPipe, wantData int
	}{
		{worldSize: 1, wantPipe: 1, wantData: 1},
		{worldSize: 2, wantPipe: 2, wantData: 1},
		{worldSize: 4, wantPipe: 2, wantData: 2},
		{worldSize: 6, wantPipe: 2, wantData: 3},
		{worldSize: 8, wantPipe: 4, wantData: 2},
		{worldSize: 12, wantPipe: 6, wantData: 2},
		{worldSize: 16, wantPipe: 4, wantData: 4},
		{worldSize: 17, wantPipe: 17, wantData: 1},
		{worldSize: 24, wantPipe: 4, wantData: 6},
		{worldSize: 60, wantPipe: 6, wantData: 10},
	}
	for _, tt := range tests {
		topo, err := DefaultTopology(tt.worldSize)
		require.NoError(t, err, "worldSize=%d", tt.worldSize)
		assert.Equal(t, []string{"pipe", "data"}, topo.AxisNames())
		assert.Equal(t, []int{tt.wantPipe, tt.wantData}, topo.Dims(), "worldSize=%d", tt.worldSize)
		assert.Equal(t, tt.worldSize, topo.WorldSize())
	}

	_, err := DefaultTopology(0)
	assert.ErrorIs(t, err, topology.ErrInvalidConfig)
	_, err = DefaultTopology(-4)
	assert.ErrorIs(t, err, topology.ErrInvalidConfig)
}

func TestNewDefault(t *testing.T) {
	journal := commstest.NewJournal()
	grids := make([]*Grid, 6)
	for rank := range 6 {
		g, err := NewDefault(commstest.New(journal, rank, 6))
		require.NoError(t, err)
		grids[rank] = g
	}
	require.NoError(t, journal.VerifyIdentical())

	// 6 factors into pipe=2, data=3.
	assert.Equal(t, []int{2, 3}, grids[0].Topology().Dims())
	g := grids[5] // (pipe=1, data=2)
	assert.Equal(t, 1, g.StageID())
	assert.Equal(t, 2, g.DataParallelRank())
	assert.Equal(t, []int{2, 5}, g.PipeParallelGroup().Ranks())
	assert.Equal(t, []int{3, 4, 5}, g.DataParallelGroup().Ranks())
	assert.True(t, g.IsLastStage())
}
