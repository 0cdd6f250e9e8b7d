// Package grid derives the communication structure of one process in a
// hybrid-parallel training job.
//
// Given a topology.Topology describing how ranks map onto the pipe, data and
// model axes, and a comms.Backend giving the identity of the calling process,
// New computes the process's place in the job -- its pipeline stage, its
// data-parallel index, its model-parallel (tensor-slicing) index -- and
// creates every communication group the job needs:
//
//   - one model-replica group per data-parallel index, spanning all stages
//     and slices of one replica, for replica-wide bookkeeping;
//   - the data-parallel groups that all-reduce gradients between replicas;
//   - the pipeline groups of ranks holding consecutive stages;
//   - the slice (model-parallel) groups, one per tensor-slicing line;
//   - the forward groups carrying activations from each stage to the next,
//     and the backward groups carrying gradients from each stage to the
//     previous one;
//   - the point-to-point pairing of every rank with its next-stage buddy.
//
// Group creation is collective: every rank of the job must construct its Grid
// over the same topology, and New issues the NewGroup calls in a fixed global
// order -- including for groups the calling rank is not a member of -- so
// that all ranks stay aligned. The Grid keeps handles only for the groups
// relevant to the calling rank.
//
// Axes the topology does not declare are treated as having size 1: a
// pipe-and-data-only job has a single model slice per stage, and its slice
// groups degenerate to singletons.
package grid

import (
	"fmt"

	"github.com/gomlx/topogrid/comms"
	"github.com/gomlx/topogrid/topology"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Grid is one process's view of the communication structure of the job.
//
// It is created with New (or NewDefault) and is immutable afterwards; all
// accessors are safe for concurrent use.
type Grid struct {
	topo       *topology.Topology
	backend    comms.Backend
	globalRank int
	worldSize  int

	// Axis sizes, with undeclared axes counting as 1.
	pipeSize  int
	dataSize  int
	modelSize int

	// This rank's coordinates along the conventional axes.
	stageID         int
	dataParallelID  int
	modelParallelID int

	firstStage bool
	lastStage  bool

	// Groups kept for this rank. The activation/gradient endpoints are nil
	// (with src -1) where the pipeline ends, see the accessors.
	modelReplica     *CommGroup
	modelReplicaRank int
	dataParallel     *CommGroup
	pipe             *CommGroup
	slice            *CommGroup
	sliceSrcRank     int

	sendActivation    *CommGroup
	recvActivation    *CommGroup
	sendActivationSrc int
	recvActivationSrc int

	sendGradient    *CommGroup
	recvGradient    *CommGroup
	sendGradientSrc int
	recvGradientSrc int

	p2pPairs [][2]int
}

// New derives the calling process's Grid from the topology and creates all
// communication groups through the backend.
//
// New is a collective operation: every rank of the job must call it with an
// identical topology, or the backend's group creation will diverge. It fails
// with an error wrapping topology.ErrInvalidConfig if the topology's world
// size does not match the backend's, and propagates any group-creation error
// from the backend.
func New(topo *topology.Topology, backend comms.Backend) (*Grid, error) {
	if topo == nil {
		return nil, errors.Wrap(topology.ErrInvalidConfig, "grid.New: topology is nil")
	}
	if backend == nil {
		return nil, errors.Wrap(topology.ErrInvalidConfig, "grid.New: communication backend is nil")
	}
	worldSize := backend.WorldSize()
	if topo.WorldSize() != worldSize {
		return nil, errors.Wrapf(topology.ErrInvalidConfig,
			"invalid grid: %s covers %d ranks, but the communication backend reports world size %d",
			topo, topo.WorldSize(), worldSize)
	}
	globalRank := backend.Rank()
	if globalRank < 0 || globalRank >= worldSize {
		return nil, errors.Wrapf(topology.ErrInvalidConfig,
			"invalid grid: the communication backend reports rank %d, want it in [0, %d)",
			globalRank, worldSize)
	}

	g := &Grid{
		topo:       topo,
		backend:    backend,
		globalRank: globalRank,
		worldSize:  worldSize,
		pipeSize:   max(topo.Dim(topology.AxisPipe), 1),
		dataSize:   max(topo.Dim(topology.AxisData), 1),
		modelSize:  max(topo.Dim(topology.AxisModel), 1),
	}
	coord, err := topo.Coord(globalRank)
	if err != nil {
		return nil, err
	}
	g.stageID = axisValueOrZero(coord, topology.AxisPipe)
	g.dataParallelID = axisValueOrZero(coord, topology.AxisData)
	g.modelParallelID = axisValueOrZero(coord, topology.AxisModel)
	g.firstStage = g.stageID == 0
	g.lastStage = g.stageID == g.pipeSize-1

	if topo.Dim(topology.AxisModel) == 0 {
		// No tensor slicing: each rank is the source of its own slice line.
		g.sliceSrcRank = globalRank
	} else {
		leader, err := coord.With(topology.Bindings{topology.AxisModel: 0})
		if err != nil {
			return nil, err
		}
		g.sliceSrcRank, err = topo.Rank(leader)
		if err != nil {
			return nil, err
		}
	}

	klog.V(1).Infof("building grid for rank %d of %d on %s: stage=%d data=%d model=%d",
		globalRank, worldSize, topo, g.stageID, g.dataParallelID, g.modelParallelID)
	if err := g.buildGroups(); err != nil {
		return nil, err
	}
	return g, nil
}

// NewDefault is New over DefaultTopology(backend.WorldSize()): a 2D
// pipe-and-data topology factored from the world size.
func NewDefault(backend comms.Backend) (*Grid, error) {
	if backend == nil {
		return nil, errors.Wrap(topology.ErrInvalidConfig, "grid.NewDefault: communication backend is nil")
	}
	topo, err := DefaultTopology(backend.WorldSize())
	if err != nil {
		return nil, err
	}
	return New(topo, backend)
}

// axisValueOrZero returns the coordinate's component along axis, or 0 if the
// axis is not declared.
func axisValueOrZero(coord topology.Coordinate, axis string) int {
	value, err := coord.Value(axis)
	if err != nil {
		return 0
	}
	return value
}

// GlobalRank returns the rank of this process in the job.
func (g *Grid) GlobalRank() int {
	return g.globalRank
}

// WorldSize returns the total number of ranks in the job.
func (g *Grid) WorldSize() int {
	return g.worldSize
}

// Topology returns the topology the grid was derived from.
func (g *Grid) Topology() *topology.Topology {
	return g.topo
}

// Backend returns the communication backend the groups were created through.
func (g *Grid) Backend() comms.Backend {
	return g.backend
}

// StageID returns the pipeline stage this rank resides in, in
// [0, PipeParallelWorldSize).
func (g *Grid) StageID() int {
	return g.stageID
}

// IsFirstStage reports whether this rank holds the first pipeline stage.
func (g *Grid) IsFirstStage() bool {
	return g.firstStage
}

// IsLastStage reports whether this rank holds the last pipeline stage.
func (g *Grid) IsLastStage() bool {
	return g.lastStage
}

// PipeParallelRank is the conventional accessor name for StageID.
func (g *Grid) PipeParallelRank() int {
	return g.stageID
}

// PipeParallelWorldSize returns the number of stages in the pipeline.
func (g *Grid) PipeParallelWorldSize() int {
	return g.pipeSize
}

// PipeParallelGroup returns the group of ranks within the same pipeline:
// this rank and its counterparts at every other stage.
func (g *Grid) PipeParallelGroup() *CommGroup {
	return g.pipe
}

// DataParallelRank returns which replica (pipeline) this rank resides in.
func (g *Grid) DataParallelRank() int {
	return g.dataParallelID
}

// DataParallelWorldSize returns the number of replicas.
func (g *Grid) DataParallelWorldSize() int {
	return g.dataSize
}

// DataParallelGroup returns the group of ranks holding the same shard of the
// model in every replica: the gradient all-reduce partners of this rank.
func (g *Grid) DataParallelGroup() *CommGroup {
	return g.dataParallel
}

// ModelParallelRank returns this rank's index along the tensor-slicing axis.
func (g *Grid) ModelParallelRank() int {
	return g.modelParallelID
}

// ModelParallelWorldSize returns the number of tensor slices per stage.
func (g *Grid) ModelParallelWorldSize() int {
	return g.modelSize
}

// ModelParallelGroup returns the group of ranks holding slices of the same
// layers as this rank. Without a model axis it is this rank's singleton.
func (g *Grid) ModelParallelGroup() *CommGroup {
	return g.slice
}

// SliceParallelRank is the Megatron-style name for ModelParallelRank.
func (g *Grid) SliceParallelRank() int {
	return g.modelParallelID
}

// SliceParallelWorldSize is the Megatron-style name for
// ModelParallelWorldSize.
func (g *Grid) SliceParallelWorldSize() int {
	return g.modelSize
}

// SliceParallelGroup is the Megatron-style name for ModelParallelGroup.
func (g *Grid) SliceParallelGroup() *CommGroup {
	return g.slice
}

// SliceParallelSrcRank returns the global rank holding slice 0 of this
// rank's slice group, the source of slice-wide broadcasts. Without a model
// axis it is this rank itself.
func (g *Grid) SliceParallelSrcRank() int {
	return g.sliceSrcRank
}

// ModelReplicaGroup returns the group spanning the full model replica this
// rank belongs to: every stage and every slice with the same data-parallel
// index. Used for replica-wide bookkeeping such as loss-scale overflow
// checks.
func (g *Grid) ModelReplicaGroup() *CommGroup {
	return g.modelReplica
}

// ModelReplicaRank returns this rank's index within its ModelReplicaGroup.
func (g *Grid) ModelReplicaRank() int {
	return g.modelReplicaRank
}

// ModelReplicaWorldSize returns the number of ranks in one model replica.
func (g *Grid) ModelReplicaWorldSize() int {
	return g.modelReplica.Size()
}

// ActivationSendGroup returns the forward group over which this stage sends
// activations to the next stage, or nil on the last stage.
func (g *Grid) ActivationSendGroup() *CommGroup {
	return g.sendActivation
}

// ActivationSendSrcRank returns the root of ActivationSendGroup -- this
// stage's slice-0 rank -- or -1 on the last stage.
func (g *Grid) ActivationSendSrcRank() int {
	return g.sendActivationSrc
}

// ActivationRecvGroup returns the forward group over which this stage
// receives activations from the previous stage, or nil on the first stage.
func (g *Grid) ActivationRecvGroup() *CommGroup {
	return g.recvActivation
}

// ActivationRecvSrcRank returns the root of ActivationRecvGroup -- the
// previous stage's slice-0 rank -- or -1 on the first stage.
func (g *Grid) ActivationRecvSrcRank() int {
	return g.recvActivationSrc
}

// GradientSendGroup returns the backward group over which this stage sends
// gradients to the previous stage, or nil on the first stage.
func (g *Grid) GradientSendGroup() *CommGroup {
	return g.sendGradient
}

// GradientSendSrcRank returns the root of GradientSendGroup -- this stage's
// slice-0 rank -- or -1 on the first stage.
func (g *Grid) GradientSendSrcRank() int {
	return g.sendGradientSrc
}

// GradientRecvGroup returns the backward group over which this stage
// receives gradients from the next stage, or nil on the last stage.
func (g *Grid) GradientRecvGroup() *CommGroup {
	return g.recvGradient
}

// GradientRecvSrcRank returns the root of GradientRecvGroup -- the next
// stage's slice-0 rank -- or -1 on the last stage.
func (g *Grid) GradientRecvSrcRank() int {
	return g.recvGradientSrc
}

// P2PPairs returns, for every rank of the job, the pair [rank, buddy] where
// buddy holds the next pipeline stage of rank's pipeline (wrapping around
// from the last stage to the first). The result is a copy.
func (g *Grid) P2PPairs() [][2]int {
	pairs := make([][2]int, len(g.p2pPairs))
	copy(pairs, g.p2pPairs)
	return pairs
}

// BuddyRank returns the rank holding the next pipeline stage of the given
// rank's pipeline, wrapping around at the end. With a single stage every
// rank is its own buddy.
//
// It returns an error wrapping topology.ErrNotFound if rank is outside
// [0, WorldSize()).
func (g *Grid) BuddyRank(rank int) (int, error) {
	if rank < 0 || rank >= g.worldSize {
		return 0, errors.Wrapf(topology.ErrNotFound,
			"rank %d is out of range for world size %d", rank, g.worldSize)
	}
	return g.p2pPairs[rank][1], nil
}

// StageToGlobal returns the global rank of the process at the given pipeline
// stage that shares every other coordinate with this rank. Optional overrides
// rewrite the remaining coordinates: e.g. {model: 0} addresses the slice-0
// rank of that stage.
//
// It returns an error wrapping topology.ErrNotFound if stageID is out of
// range, an override names an undeclared axis or the pipe axis, or an
// override value is out of range.
func (g *Grid) StageToGlobal(stageID int, overrides topology.Bindings) (int, error) {
	if stageID < 0 || stageID >= g.pipeSize {
		return 0, errors.Wrapf(topology.ErrNotFound,
			"stage %d is out of range, the pipeline has %d stages", stageID, g.pipeSize)
	}
	if _, found := overrides[topology.AxisPipe]; found {
		return 0, errors.Wrapf(topology.ErrNotFound,
			"the %q axis is set by stageID and cannot be overridden", topology.AxisPipe)
	}
	coord, err := g.topo.Coord(g.globalRank)
	if err != nil {
		return 0, err
	}
	bindings := overrides.Clone()
	if g.topo.Dim(topology.AxisPipe) > 0 {
		if bindings == nil {
			bindings = make(topology.Bindings, 1)
		}
		bindings[topology.AxisPipe] = stageID
	}
	target, err := coord.With(bindings)
	if err != nil {
		return 0, err
	}
	return g.topo.Rank(target)
}

// StageFlatRank flattens (data-parallel index, stage) into a single index,
// ordering all stages of replica 0 first, then replica 1, and so on. Rank
// launchers that enumerate one worker per pipeline stage per replica use
// this numbering.
//
// It returns an error wrapping topology.ErrNotFound if stageID is out of
// range.
func (g *Grid) StageFlatRank(stageID int) (int, error) {
	if stageID < 0 || stageID >= g.pipeSize {
		return 0, errors.Wrapf(topology.ErrNotFound,
			"stage %d is out of range, the pipeline has %d stages", stageID, g.pipeSize)
	}
	return g.pipeSize*g.dataParallelID + stageID, nil
}

// String implements fmt.Stringer.
func (g *Grid) String() string {
	return fmt.Sprintf("Grid[rank %d of %d: stage %d/%d, data %d/%d, model %d/%d]",
		g.globalRank, g.worldSize,
		g.stageID, g.pipeSize,
		g.dataParallelID, g.dataSize,
		g.modelParallelID, g.modelSize)
}
