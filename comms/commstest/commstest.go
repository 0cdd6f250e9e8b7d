// Package commstest provides a recording comms.Backend for tests.
//
// A Journal is shared by the fake backends of all ranks and records every
// NewGroup call in arrival order. Tests then assert on what was requested --
// in particular that all ranks issued the same sequence of memberships, the
// contract collective group creation relies on.
package commstest

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/topogrid/comms"
	"github.com/gomlx/topogrid/comms/notimplemented"
	"github.com/pkg/errors"
)

// Group is the trivial handle returned by the fake backend: it only carries
// its membership.
type Group struct {
	ranks []int
}

var _ comms.Group = &Group{}

// NewGroup creates a Group handle with the given members.
func NewGroup(ranks []int) *Group {
	members := slices.Clone(ranks)
	slices.Sort(members)
	return &Group{ranks: members}
}

// Ranks returns the members of the group, ascending.
func (g *Group) Ranks() []int { return g.ranks }

// Size returns the number of members.
func (g *Group) Size() int { return len(g.ranks) }

// Contains reports whether rank is a member of the group.
func (g *Group) Contains(rank int) bool {
	_, found := slices.BinarySearch(g.ranks, rank)
	return found
}

// String implements fmt.Stringer.
func (g *Group) String() string {
	return fmt.Sprintf("Group%v", g.ranks)
}

// Call is one recorded NewGroup call.
type Call struct {
	// Rank of the backend that made the call.
	Rank int

	// Ranks is the membership requested, as passed by the caller.
	Ranks []int
}

// Journal records the NewGroup calls of every rank sharing it.
// It is safe for concurrent use.
type Journal struct {
	mu    sync.Mutex
	calls []Call
}

// NewJournal creates an empty Journal.
func NewJournal() *Journal {
	return &Journal{}
}

// Record appends one call. Backends call this, tests usually don't.
func (j *Journal) Record(rank int, ranks []int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, Call{Rank: rank, Ranks: slices.Clone(ranks)})
}

// Calls returns a copy of all recorded calls, in arrival order.
func (j *Journal) Calls() []Call {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.calls)
}

// CallsByRank returns the sequence of memberships requested by the given
// rank, in call order.
func (j *Journal) CallsByRank(rank int) [][]int {
	j.mu.Lock()
	defer j.mu.Unlock()
	var sequence [][]int
	for _, call := range j.calls {
		if call.Rank == rank {
			sequence = append(sequence, call.Ranks)
		}
	}
	return sequence
}

// VerifyIdentical checks the collective contract: every rank that recorded
// any call must have recorded the same sequence of memberships, in the same
// order. It returns nil when the journal is empty.
func (j *Journal) VerifyIdentical() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	sequences := make(map[int][][]int)
	var ranks []int
	for _, call := range j.calls {
		if _, seen := sequences[call.Rank]; !seen {
			ranks = append(ranks, call.Rank)
		}
		sequences[call.Rank] = append(sequences[call.Rank], call.Ranks)
	}
	if len(ranks) == 0 {
		return nil
	}
	slices.Sort(ranks)
	reference := sequences[ranks[0]]
	for _, rank := range ranks[1:] {
		sequence := sequences[rank]
		if len(sequence) != len(reference) {
			return errors.Errorf("rank %d made %d NewGroup calls, rank %d made %d",
				ranks[0], len(reference), rank, len(sequence))
		}
		for callIdx, ranksRequested := range sequence {
			if !slices.Equal(ranksRequested, reference[callIdx]) {
				return errors.Errorf("NewGroup call #%d differs: rank %d requested %v, rank %d requested %v",
					callIdx, ranks[0], reference[callIdx], rank, ranksRequested)
			}
		}
	}
	return nil
}

// Backend is a fake comms.Backend that records NewGroup calls in a shared
// Journal and returns plain Group handles. All other operations are
// inherited from notimplemented.Backend.
type Backend struct {
	notimplemented.Backend

	// CurrentRank is the identity this fake reports.
	CurrentRank int

	// NumRanks is the world size this fake reports.
	NumRanks int

	// Journal receives the NewGroup calls. Shared across the ranks of a
	// simulated job.
	Journal *Journal
}

var _ comms.Backend = &Backend{}

// New creates a fake backend for one rank of a simulated job of worldSize
// ranks, recording into journal.
func New(journal *Journal, rank, worldSize int) *Backend {
	return &Backend{Journal: journal, CurrentRank: rank, NumRanks: worldSize}
}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return "commstest"
}

// Description is a longer description of the Backend.
func (b *Backend) Description() string {
	return "Recording Backend (fake backend for testing)"
}

// Rank returns the identity this fake was created with.
func (b *Backend) Rank() int {
	return b.CurrentRank
}

// WorldSize returns the world size this fake was created with.
func (b *Backend) WorldSize() int {
	return b.NumRanks
}

// NewGroup records the call and returns a handle with the requested members.
// It never fails.
func (b *Backend) NewGroup(ranks []int) (comms.Group, error) {
	b.Journal.Record(b.CurrentRank, ranks)
	return NewGroup(ranks), nil
}
