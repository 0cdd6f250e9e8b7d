// Package local implements an in-process comms.Backend, where the ranks of
// the job are goroutines of a single process.
//
// It exists for tests, simulations and dry runs of a launcher: it enforces
// the real collective contract -- NewGroup blocks until every rank of the
// Cluster has called it and fails on every rank if they disagree on the
// membership -- without any actual transport underneath.
//
// Create a Cluster with the job's world size and hand each goroutine its own
// per-rank Backend view:
//
//	cluster, _ := local.NewCluster(4)
//	for rank := range 4 {
//		backend, _ := cluster.Backend(rank)
//		go worker(backend)
//	}
//
// The package also registers itself with the comms registry under the name
// "local", with a configuration of the form "world=4;rank=0;cluster=main":
// backends created through the registry with the same cluster name share one
// Cluster.
package local

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/topogrid/comms"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// group is the handle created by a Cluster. It carries the membership and a
// per-cluster sequence number, in creation order.
type group struct {
	id    int
	ranks []int
}

var _ comms.Group = &group{}

func (g *group) Ranks() []int { return g.ranks }

func (g *group) Size() int { return len(g.ranks) }

func (g *group) Contains(rank int) bool {
	_, found := slices.BinarySearch(g.ranks, rank)
	return found
}

func (g *group) String() string {
	return fmt.Sprintf("Group#%d%v", g.id, g.ranks)
}

// Cluster is one simulated job: a fixed world size and the rendezvous state
// shared by the per-rank Backend views. It is safe for concurrent use, that
// being its point.
type Cluster struct {
	name      string
	worldSize int

	mu   sync.Mutex
	cond *sync.Cond

	// Rendezvous state for the collective NewGroup. Rounds are strictly
	// serialized: round r+1 cannot complete before every rank has picked up
	// the result of round r, because each rank participates sequentially.
	round        int   // completed rounds
	arrived      int   // ranks arrived in the current round
	proposal     []int // membership requested by the first arriver
	mismatchRank int   // first rank to disagree with proposal, or -1
	mismatch     []int // what that rank requested
	resultGroup  *group
	resultErr    error

	numGroups int
}

// NewCluster creates a Cluster for a job of worldSize ranks, named after a
// fresh session id.
func NewCluster(worldSize int) (*Cluster, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("local.NewCluster: world size must be >= 1, got %d", worldSize)
	}
	c := &Cluster{
		name:      uuid.NewString(),
		worldSize: worldSize,
	}
	c.cond = sync.NewCond(&c.mu)
	klog.V(1).Infof("local comms cluster %s created with %d ranks", c.name, worldSize)
	return c, nil
}

// Name returns the cluster's unique name.
func (c *Cluster) Name() string { return c.name }

// WorldSize returns the number of ranks in the cluster.
func (c *Cluster) WorldSize() int { return c.worldSize }

// NumGroups returns how many groups have been created so far.
func (c *Cluster) NumGroups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numGroups
}

// Backend returns the view of the cluster for one rank. Each goroutine
// playing a rank must use its own view.
func (c *Cluster) Backend(rank int) (*Backend, error) {
	if rank < 0 || rank >= c.worldSize {
		return nil, errors.Errorf("local cluster %s has ranks in [0, %d), got rank %d",
			c.name, c.worldSize, rank)
	}
	return &Backend{cluster: c, rank: rank}, nil
}

// newGroup runs one rendezvous round: it blocks until all ranks of the
// cluster have arrived, then either creates the group (all agree) or fails on
// every rank (any disagreement).
func (c *Cluster) newGroup(callerRank int, ranks []int) (comms.Group, error) {
	members := slices.Clone(ranks)
	slices.Sort(members)

	c.mu.Lock()
	defer c.mu.Unlock()

	myRound := c.round
	if c.arrived == 0 {
		c.proposal = members
		c.mismatchRank = -1
	} else if c.mismatchRank < 0 && !slices.Equal(members, c.proposal) {
		c.mismatchRank = callerRank
		c.mismatch = members
	}
	c.arrived++

	if c.arrived == c.worldSize {
		// Last arriver commits the round and wakes everyone.
		if c.mismatchRank >= 0 {
			c.resultGroup = nil
			c.resultErr = errors.Wrapf(comms.ErrInvalidGroup,
				"collective NewGroup disagreement on cluster %s: first caller requested %v, rank %d requested %v",
				c.name, c.proposal, c.mismatchRank, c.mismatch)
		} else {
			c.resultGroup = &group{id: c.numGroups, ranks: c.proposal}
			c.resultErr = nil
			c.numGroups++
			klog.V(2).Infof("local comms cluster %s: created %s", c.name, c.resultGroup)
		}
		c.arrived = 0
		c.round++
		c.cond.Broadcast()
	} else {
		// The loop guards against spurious wakeups.
		for c.round == myRound {
			c.cond.Wait()
		}
	}

	if c.resultErr != nil {
		return nil, c.resultErr
	}
	return c.resultGroup, nil
}

// Backend is one rank's view of a Cluster.
type Backend struct {
	cluster   *Cluster
	rank      int
	finalized bool
}

var _ comms.Backend = &Backend{}

// Name returns "local".
func (b *Backend) Name() string {
	return "local"
}

// Description is a longer description of the Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("In-process backend (rank %d of cluster %s, %d ranks)",
		b.rank, b.cluster.name, b.cluster.worldSize)
}

// Rank returns the rank this view was created for.
func (b *Backend) Rank() int {
	return b.rank
}

// WorldSize returns the cluster's world size.
func (b *Backend) WorldSize() int {
	return b.cluster.worldSize
}

// NewGroup creates the group holding exactly the given ranks.
//
// It blocks until every rank of the cluster has called NewGroup. If the
// calls disagree on the membership, it fails on every rank with an error
// wrapping comms.ErrInvalidGroup. A locally invalid membership (empty, rank
// out of range, repeated ranks) fails fast without entering the rendezvous:
// the contract requires identical arguments everywhere, so all ranks fail
// the same way.
func (b *Backend) NewGroup(ranks []int) (comms.Group, error) {
	if b.finalized {
		return nil, errors.Errorf("local backend for rank %d of cluster %s was finalized", b.rank, b.cluster.name)
	}
	if len(ranks) == 0 {
		return nil, errors.Wrap(comms.ErrInvalidGroup, "NewGroup requires at least one rank")
	}
	seen := make(map[int]bool, len(ranks))
	for _, rank := range ranks {
		if rank < 0 || rank >= b.cluster.worldSize {
			return nil, errors.Wrapf(comms.ErrInvalidGroup,
				"NewGroup got rank %d, cluster %s has ranks in [0, %d)",
				rank, b.cluster.name, b.cluster.worldSize)
		}
		if seen[rank] {
			return nil, errors.Wrapf(comms.ErrInvalidGroup, "NewGroup got rank %d more than once", rank)
		}
		seen[rank] = true
	}
	return b.cluster.newGroup(b.rank, ranks)
}

// Finalize invalidates this rank's view. It does not tear down the Cluster:
// other ranks keep their views, but any further collective call would block
// forever waiting for the finalized rank, so finalize only when done.
func (b *Backend) Finalize() {
	b.finalized = true
}

// Clusters created through the comms registry, shared so that every rank of
// a simulated job configured with the same cluster name lands on the same
// Cluster.
var (
	muRegistryClusters sync.Mutex
	registryClusters   = make(map[string]*Cluster)
)

func init() {
	comms.Register("local", newFromConfig)
}

// newFromConfig builds a Backend from a registry configuration string of the
// form "world=<n>;rank=<r>[;cluster=<name>]". It panics on malformed
// configurations, see the comms registry conventions.
func newFromConfig(config string) comms.Backend {
	world, rank := -1, -1
	clusterName := "default"
	for _, part := range strings.Split(config, ";") {
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			exceptions.Panicf("local backend config %q: expected key=value pairs separated by ';', got %q", config, part)
		}
		switch key {
		case "world":
			world = mustAtoi(config, key, value)
		case "rank":
			rank = mustAtoi(config, key, value)
		case "cluster":
			clusterName = value
		default:
			exceptions.Panicf("local backend config %q: unknown key %q", config, key)
		}
	}
	if world < 1 {
		exceptions.Panicf("local backend config %q: requires world=<n> with n >= 1", config)
	}
	if rank < 0 || rank >= world {
		exceptions.Panicf("local backend config %q: requires rank=<r> with r in [0, %d)", config, world)
	}

	muRegistryClusters.Lock()
	defer muRegistryClusters.Unlock()
	cluster, found := registryClusters[clusterName]
	if !found {
		var err error
		cluster, err = NewCluster(world)
		if err != nil {
			exceptions.Panicf("local backend config %q: %v", config, err)
		}
		registryClusters[clusterName] = cluster
	} else if cluster.worldSize != world {
		exceptions.Panicf("local backend config %q: cluster %q already exists with world size %d",
			config, clusterName, cluster.worldSize)
	}
	backend, err := cluster.Backend(rank)
	if err != nil {
		exceptions.Panicf("local backend config %q: %v", config, err)
	}
	return backend
}

func mustAtoi(config, key, value string) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		exceptions.Panicf("local backend config %q: %s=%q is not a number", config, key, value)
	}
	return parsed
}
