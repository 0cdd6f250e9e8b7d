package topology_test

import (
	"testing"

	"github.com/gomlx/topogrid/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinate(t *testing.T) {
	topo, err := topology.NewPipeModelData(2, 3, 4)
	require.NoError(t, err)
	coord, err := topo.Coord(1*12 + 2*4 + 3)
	require.NoError(t, err)

	t.Run("Value", func(t *testing.T) {
		for axis, want := range map[string]int{"pipe": 1, "data": 2, "model": 3} {
			got, err := coord.Value(axis)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err := coord.Value("replica")
		assert.ErrorIs(t, err, topology.ErrNotFound)
	})

	t.Run("With", func(t *testing.T) {
		moved, err := coord.With(topology.Bindings{"pipe": 0, "model": 0})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 2, 0}, moved.Values())
		// The receiver is unchanged.
		assert.Equal(t, []int{1, 2, 3}, coord.Values())

		rank, err := topo.Rank(moved)
		require.NoError(t, err)
		assert.Equal(t, 2*4, rank)

		_, err = coord.With(topology.Bindings{"replica": 0})
		assert.ErrorIs(t, err, topology.ErrNotFound)

		// Out-of-range overrides surface when the coordinate is resolved.
		broken, err := coord.With(topology.Bindings{"pipe": 5})
		require.NoError(t, err)
		_, err = topo.Rank(broken)
		assert.ErrorIs(t, err, topology.ErrNotFound)
	})

	t.Run("Equal", func(t *testing.T) {
		same, err := topo.Coord(1*12 + 2*4 + 3)
		require.NoError(t, err)
		assert.True(t, coord.Equal(same))

		other, err := topo.Coord(0)
		require.NoError(t, err)
		assert.False(t, coord.Equal(other))
	})

	t.Run("ValuesReturnsACopy", func(t *testing.T) {
		values := coord.Values()
		values[0] = 99
		assert.Equal(t, []int{1, 2, 3}, coord.Values())
	})

	t.Run("String", func(t *testing.T) {
		assert.Equal(t, "(pipe=1, data=2, model=3)", coord.String())
	})

	t.Run("Bindings", func(t *testing.T) {
		b := topology.Bindings{"pipe": 1, "data": 2}
		clone := b.Clone()
		clone["pipe"] = 0
		assert.Equal(t, 1, b["pipe"])
	})
}
