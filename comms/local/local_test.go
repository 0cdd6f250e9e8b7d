package local_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gomlx/topogrid/comms"
	"github.com/gomlx/topogrid/comms/local"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runAllRanks runs fn concurrently for every rank of the cluster and returns
// the per-rank results. Assertions happen in the caller: testify must not be
// used from non-test goroutines.
func runAllRanks[T any](t *testing.T, cluster *local.Cluster, fn func(backend *local.Backend) T) []T {
	t.Helper()
	results := make([]T, cluster.WorldSize())
	var wg sync.WaitGroup
	for rank := range cluster.WorldSize() {
		backend, err := cluster.Backend(rank)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[rank] = fn(backend)
		}()
	}
	wg.Wait()
	return results
}

func TestClusterCollective(t *testing.T) {
	cluster, err := local.NewCluster(4)
	require.NoError(t, err)
	assert.NotEmpty(t, cluster.Name())
	assert.Equal(t, 4, cluster.WorldSize())

	type rankResult struct {
		groups []comms.Group
		err    error
	}

	// Every rank creates the same sequence of groups, as the collective
	// contract requires; non-members participate too.
	memberships := [][]int{{0, 1}, {2, 3}, {0, 2}, {0, 1, 2, 3}}
	results := runAllRanks(t, cluster, func(backend *local.Backend) rankResult {
		var res rankResult
		for _, ranks := range memberships {
			g, err := backend.NewGroup(ranks)
			if err != nil {
				res.err = err
				return res
			}
			res.groups = append(res.groups, g)
		}
		return res
	})

	for rank, res := range results {
		require.NoError(t, res.err, "rank %d", rank)
		require.Len(t, res.groups, len(memberships))
		for i, want := range memberships {
			assert.Equal(t, want, res.groups[i].Ranks())
			assert.Equal(t, len(want), res.groups[i].Size())
		}
	}
	assert.Equal(t, len(memberships), cluster.NumGroups())

	// All ranks of one round share the same handle.
	for i := range memberships {
		for rank := 1; rank < 4; rank++ {
			assert.Same(t, results[0].groups[i], results[rank].groups[i])
		}
	}

	// Membership queries.
	g := results[0].groups[2] // {0, 2}
	assert.True(t, g.Contains(0))
	assert.False(t, g.Contains(1))
	assert.True(t, g.Contains(2))
	assert.Contains(t, g.String(), "[0 2]")
}

func TestMembershipIsASet(t *testing.T) {
	cluster, err := local.NewCluster(2)
	require.NoError(t, err)

	// The two ranks pass the same members in different orders; that is the
	// same group.
	orders := [][]int{{1, 0}, {0, 1}}
	results := runAllRanks(t, cluster, func(backend *local.Backend) error {
		_, err := backend.NewGroup(orders[backend.Rank()])
		return err
	})
	for rank, err := range results {
		assert.NoError(t, err, "rank %d", rank)
	}
}

func TestMismatchFailsEveryRank(t *testing.T) {
	cluster, err := local.NewCluster(2)
	require.NoError(t, err)

	memberships := [][]int{{0}, {1}}
	results := runAllRanks(t, cluster, func(backend *local.Backend) error {
		_, err := backend.NewGroup(memberships[backend.Rank()])
		return err
	})
	for rank, err := range results {
		require.Error(t, err, "rank %d", rank)
		assert.ErrorIs(t, err, comms.ErrInvalidGroup, "rank %d", rank)
	}

	// The cluster stays usable for the next round.
	results = runAllRanks(t, cluster, func(backend *local.Backend) error {
		_, err := backend.NewGroup([]int{0, 1})
		return err
	})
	for rank, err := range results {
		assert.NoError(t, err, "rank %d", rank)
	}
}

func TestNewGroupValidation(t *testing.T) {
	// Local validation fails fast, before the rendezvous, so a single
	// goroutine suffices.
	cluster, err := local.NewCluster(2)
	require.NoError(t, err)
	backend, err := cluster.Backend(0)
	require.NoError(t, err)

	tests := []struct {
		name  string
		ranks []int
	}{
		{name: "empty", ranks: nil},
		{name: "out of range", ranks: []int{0, 2}},
		{name: "negative", ranks: []int{-1}},
		{name: "duplicate", ranks: []int{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := backend.NewGroup(tt.ranks)
			require.Error(t, err)
			assert.ErrorIs(t, err, comms.ErrInvalidGroup)
		})
	}
}

func TestBackendViews(t *testing.T) {
	cluster, err := local.NewCluster(3)
	require.NoError(t, err)

	_, err = cluster.Backend(-1)
	require.Error(t, err)
	_, err = cluster.Backend(3)
	require.Error(t, err)

	backend, err := cluster.Backend(2)
	require.NoError(t, err)
	assert.Equal(t, "local", backend.Name())
	assert.Equal(t, 2, backend.Rank())
	assert.Equal(t, 3, backend.WorldSize())
	assert.Contains(t, backend.Description(), cluster.Name())

	backend.Finalize()
	_, err = backend.NewGroup([]int{0, 1, 2})
	require.Error(t, err)
	assert.NotErrorIs(t, err, comms.ErrInvalidGroup)
	assert.Contains(t, err.Error(), "finalized")
}

func TestNewClusterErrors(t *testing.T) {
	_, err := local.NewCluster(0)
	require.Error(t, err)
	_, err = local.NewCluster(-2)
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	t.Run("SharedCluster", func(t *testing.T) {
		// Two registry-built backends with the same cluster name belong to
		// the same Cluster and can rendezvous with each other.
		backends := make([]comms.Backend, 2)
		for rank := range 2 {
			backends[rank] = comms.NewWithConfig(
				fmt.Sprintf("local:world=2;rank=%d;cluster=registry-test", rank))
			require.Equal(t, rank, backends[rank].Rank())
			require.Equal(t, 2, backends[rank].WorldSize())
		}

		results := make([]error, 2)
		var wg sync.WaitGroup
		for rank := range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, results[rank] = backends[rank].NewGroup([]int{0, 1})
			}()
		}
		wg.Wait()
		for rank, err := range results {
			assert.NoError(t, err, "rank %d", rank)
		}
	})

	t.Run("BadConfigsPanic", func(t *testing.T) {
		for _, config := range []string{
			"local:world=0;rank=0",
			"local:rank=0",
			"local:world=2;rank=2",
			"local:world=2;rank=x",
			"local:world=2;rank=0;bogus=1",
			"local:world=2 rank=0",
		} {
			assert.Panics(t, func() { comms.NewWithConfig(config) }, "config %q", config)
		}
	})

	t.Run("WorldSizeConflictPanics", func(t *testing.T) {
		comms.NewWithConfig("local:world=2;rank=0;cluster=conflict-test")
		assert.Panics(t, func() {
			comms.NewWithConfig("local:world=4;rank=0;cluster=conflict-test")
		})
	})
}

// Error wrapping keeps the sentinel reachable through %w-style chains.
func TestErrorChains(t *testing.T) {
	cluster, err := local.NewCluster(1)
	require.NoError(t, err)
	backend, err := cluster.Backend(0)
	require.NoError(t, err)
	_, err = backend.NewGroup(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, comms.ErrInvalidGroup))
}
