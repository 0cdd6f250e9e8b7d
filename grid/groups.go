package grid

import (
	"fmt"
	"slices"

	"github.com/gomlx/topogrid/comms"
	"github.com/gomlx/topogrid/topology"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CommGroup couples the membership of one communication group with the
// handle the backend created for it.
type CommGroup struct {
	ranks  []int
	handle comms.Group
}

// Ranks returns a copy of the members, ascending.
func (cg *CommGroup) Ranks() []int {
	return slices.Clone(cg.ranks)
}

// Size returns the number of members.
func (cg *CommGroup) Size() int {
	return len(cg.ranks)
}

// Contains reports whether rank is a member of the group.
func (cg *CommGroup) Contains(rank int) bool {
	_, found := slices.BinarySearch(cg.ranks, rank)
	return found
}

// IndexOf returns the position of rank among the ascending members, or -1 if
// rank is not a member. The position is the rank's identity within the
// group, e.g. for group-rooted broadcasts.
func (cg *CommGroup) IndexOf(rank int) int {
	pos, found := slices.BinarySearch(cg.ranks, rank)
	if !found {
		return -1
	}
	return pos
}

// Handle returns the backend handle, to be passed to a transport's
// collective calls.
func (cg *CommGroup) Handle() comms.Group {
	return cg.handle
}

// String implements fmt.Stringer.
func (cg *CommGroup) String() string {
	return fmt.Sprintf("CommGroup%v", cg.ranks)
}

// buildGroups creates every communication group of the job, in the fixed
// global order all ranks share: model-replica, data-parallel, point-to-point
// pairs (no groups), gradient, activation, pipeline, and finally slice
// groups. Reordering these breaks the collective contract with ranks running
// other builds of this code, so treat the sequence as part of the wire
// format.
func (g *Grid) buildGroups() error {
	if err := g.buildModelReplicaGroups(); err != nil {
		return err
	}
	if err := g.buildDataParallelGroups(); err != nil {
		return err
	}
	if err := g.buildP2PPairs(); err != nil {
		return err
	}
	if err := g.buildGradientGroups(); err != nil {
		return err
	}
	if err := g.buildActivationGroups(); err != nil {
		return err
	}
	if err := g.buildPipeGroups(); err != nil {
		return err
	}
	return g.buildSliceGroups()
}

// createGroup sorts the members, creates the group on the backend and wraps
// the handle.
func (g *Grid) createGroup(ranks []int) (*CommGroup, error) {
	members := slices.Clone(ranks)
	slices.Sort(members)
	handle, err := g.backend.NewGroup(members)
	if err != nil {
		return nil, err
	}
	return &CommGroup{ranks: members, handle: handle}, nil
}

// axisLine returns the ranks at axis=value, treating an undeclared axis as
// having size 1: value 0 then selects every rank.
func (g *Grid) axisLine(axis string, value int) ([]int, error) {
	if g.topo.Dim(axis) == 0 {
		if value != 0 {
			return nil, nil
		}
		return g.topo.FilterMatch(nil)
	}
	return g.topo.AxisList(axis, value)
}

// axisLines returns the communication lines along axis; an undeclared axis
// yields one singleton line per rank, in rank order.
func (g *Grid) axisLines(axis string) [][]int {
	if lines := g.topo.AxisCommLists(axis); lines != nil {
		return lines
	}
	lines := make([][]int, g.worldSize)
	for rank := range g.worldSize {
		lines[rank] = []int{rank}
	}
	return lines
}

// ranksAt is Topology.FilterMatch with undeclared axes tolerated: a binding
// on an undeclared axis constrains nothing when its value is 0 and matches
// nothing otherwise.
func (g *Grid) ranksAt(bindings topology.Bindings) ([]int, error) {
	pruned := make(topology.Bindings, len(bindings))
	for axis, value := range bindings {
		if g.topo.Dim(axis) == 0 {
			if value != 0 {
				return nil, nil
			}
			continue
		}
		pruned[axis] = value
	}
	return g.topo.FilterMatch(pruned)
}

// buildModelReplicaGroups creates one group per data-parallel index, each
// holding a full model replica: every stage and every slice of one pipeline.
func (g *Grid) buildModelReplicaGroups() error {
	g.modelReplicaRank = -1
	for dp := range g.dataSize {
		ranks, err := g.axisLine(topology.AxisData, dp)
		if err != nil {
			return err
		}
		group, err := g.createGroup(ranks)
		if err != nil {
			return errors.WithMessagef(err, "creating model-replica group for data=%d", dp)
		}
		if group.Contains(g.globalRank) {
			g.modelReplica = group
			g.modelReplicaRank = group.IndexOf(g.globalRank)
			klog.V(2).Infof("rank %d: model-replica group %s, replica rank %d",
				g.globalRank, group, g.modelReplicaRank)
		}
	}
	if g.modelReplica == nil {
		return errors.Errorf("rank %d not covered by any model-replica group of %s",
			g.globalRank, g.topo)
	}
	return nil
}

// buildDataParallelGroups creates the gradient all-reduce groups: the lines
// of the grid along the data axis.
func (g *Grid) buildDataParallelGroups() error {
	for _, line := range g.axisLines(topology.AxisData) {
		group, err := g.createGroup(line)
		if err != nil {
			return errors.WithMessagef(err, "creating data-parallel group %v", line)
		}
		if group.Contains(g.globalRank) {
			g.dataParallel = group
			klog.V(2).Infof("rank %d: data-parallel group %s", g.globalRank, group)
		}
	}
	return nil
}

// buildP2PPairs pairs every rank with the rank holding the next stage of its
// pipeline, wrapping around from the last stage to the first. No groups are
// created: the pairs drive direct send/recv calls.
func (g *Grid) buildP2PPairs() error {
	g.p2pPairs = make([][2]int, g.worldSize)
	for rank := range g.worldSize {
		buddy, err := g.buddyOf(rank)
		if err != nil {
			return err
		}
		g.p2pPairs[rank] = [2]int{rank, buddy}
	}
	klog.V(2).Infof("rank %d: p2p pairs %v", g.globalRank, g.p2pPairs)
	return nil
}

// buddyOf returns the rank at the next pipe coordinate of rank's pipeline,
// wrapping around. Without a pipe axis every rank is its own buddy.
func (g *Grid) buddyOf(rank int) (int, error) {
	if g.topo.Dim(topology.AxisPipe) == 0 {
		return rank, nil
	}
	coord, err := g.topo.Coord(rank)
	if err != nil {
		return 0, err
	}
	stage, err := coord.Value(topology.AxisPipe)
	if err != nil {
		return 0, err
	}
	next, err := coord.With(topology.Bindings{topology.AxisPipe: (stage + 1) % g.pipeSize})
	if err != nil {
		return 0, err
	}
	return g.topo.Rank(next)
}

// buildGradientGroups creates, for every (replica, stage>=1) pair, the
// backward group that carries gradients from that stage to the previous one:
// the stage's slice-0 rank plus every rank of the previous stage, so the
// gradients reach all slices behind it.
func (g *Grid) buildGradientGroups() error {
	g.sendGradientSrc = -1
	g.recvGradientSrc = -1
	for dp := range g.dataSize {
		for stage := 1; stage < g.pipeSize; stage++ {
			srcRanks, err := g.ranksAt(topology.Bindings{
				topology.AxisData:  dp,
				topology.AxisPipe:  stage,
				topology.AxisModel: 0,
			})
			if err != nil {
				return err
			}
			src := srcRanks[0]
			prevStage, err := g.ranksAt(topology.Bindings{
				topology.AxisData: dp,
				topology.AxisPipe: stage - 1,
			})
			if err != nil {
				return err
			}
			members := append([]int{src}, prevStage...)
			group, err := g.createGroup(members)
			if err != nil {
				return errors.WithMessagef(err, "creating gradient group for data=%d stage=%d", dp, stage)
			}
			if dp != g.dataParallelID {
				continue
			}
			switch stage {
			case g.stageID:
				g.sendGradient = group
				g.sendGradientSrc = src
				klog.V(2).Infof("rank %d: gradient send group %s, src %d", g.globalRank, group, src)
			case g.stageID + 1:
				g.recvGradient = group
				g.recvGradientSrc = src
				klog.V(2).Infof("rank %d: gradient recv group %s, src %d", g.globalRank, group, src)
			}
		}
	}
	return nil
}

// buildActivationGroups creates, for every (replica, stage<last) pair, the
// forward group that carries activations from that stage to the next one:
// the stage's slice-0 rank plus every rank of the next stage.
func (g *Grid) buildActivationGroups() error {
	g.sendActivationSrc = -1
	g.recvActivationSrc = -1
	for dp := range g.dataSize {
		for stage := 0; stage < g.pipeSize-1; stage++ {
			srcRanks, err := g.ranksAt(topology.Bindings{
				topology.AxisData:  dp,
				topology.AxisPipe:  stage,
				topology.AxisModel: 0,
			})
			if err != nil {
				return err
			}
			src := srcRanks[0]
			nextStage, err := g.ranksAt(topology.Bindings{
				topology.AxisData: dp,
				topology.AxisPipe: stage + 1,
			})
			if err != nil {
				return err
			}
			members := append([]int{src}, nextStage...)
			group, err := g.createGroup(members)
			if err != nil {
				return errors.WithMessagef(err, "creating activation group for data=%d stage=%d", dp, stage)
			}
			if dp != g.dataParallelID {
				continue
			}
			switch stage {
			case g.stageID:
				g.sendActivation = group
				g.sendActivationSrc = src
				klog.V(2).Infof("rank %d: activation send group %s, src %d", g.globalRank, group, src)
			case g.stageID - 1:
				g.recvActivation = group
				g.recvActivationSrc = src
				klog.V(2).Infof("rank %d: activation recv group %s, src %d", g.globalRank, group, src)
			}
		}
	}
	return nil
}

// buildPipeGroups creates the pipeline groups: the lines of the grid along
// the pipe axis.
func (g *Grid) buildPipeGroups() error {
	for _, line := range g.axisLines(topology.AxisPipe) {
		group, err := g.createGroup(line)
		if err != nil {
			return errors.WithMessagef(err, "creating pipeline group %v", line)
		}
		if group.Contains(g.globalRank) {
			g.pipe = group
			klog.V(2).Infof("rank %d: pipeline group %s", g.globalRank, group)
		}
	}
	return nil
}

// buildSliceGroups creates the tensor-slicing groups: the lines of the grid
// along the model axis. Without a model axis (or with a size-1 one) these
// are one singleton per rank, still created so that all ranks agree on the
// group sequence.
func (g *Grid) buildSliceGroups() error {
	for _, line := range g.axisLines(topology.AxisModel) {
		group, err := g.createGroup(line)
		if err != nil {
			return errors.WithMessagef(err, "creating slice group %v", line)
		}
		if group.Contains(g.globalRank) {
			g.slice = group
			klog.V(2).Infof("rank %d: slice group %s", g.globalRank, group)
		}
	}
	return nil
}
