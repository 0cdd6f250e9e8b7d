// Package topology maps the processes (ranks) of a distributed training job
// onto an n-dimensional grid of named parallelism axes.
//
// A Topology declares an ordered list of axis names -- conventionally
// AxisPipe, AxisData and AxisModel -- along with their sizes, and fixes a
// row-major bijection between coordinates and linear ranks: the first
// declared axis varies slowest and the last axis varies fastest. Every rank
// in [0, WorldSize) corresponds to exactly one Coordinate and vice versa.
//
// On top of the bijection the package offers axis-aligned queries used to
// derive communication groups: FilterMatch selects the ranks consistent with
// a partial coordinate, AxisList slices the grid at a fixed axis value, and
// AxisCommLists enumerates the lines of the grid along one axis -- each line
// being the set of ranks that differ only along that axis, the usual shape of
// a collective-communication group.
//
// A Topology is immutable after construction and safe for concurrent use.
package topology

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Names of the axes conventionally used for distributed training.
// Topologies are free to declare any axis names; these are the ones the
// constructors in this package and package grid use.
const (
	// AxisPipe is the pipeline-parallel axis: ranks along it hold
	// consecutive stages of the model.
	AxisPipe = "pipe"

	// AxisData is the data-parallel axis: ranks along it hold replicas of
	// the same model shard and average gradients with each other.
	AxisData = "data"

	// AxisModel is the model-parallel (tensor-slicing) axis: ranks along it
	// hold slices of the same layers.
	AxisModel = "model"
)

var (
	// ErrInvalidConfig is returned (wrapped) when a Topology or a Grid is
	// constructed from inconsistent parameters: empty or duplicate axis
	// names, non-positive dimensions, or a world size that does not match.
	// Match it with errors.Is.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound is returned (wrapped) by queries that name an undeclared
	// axis or an out-of-range rank. Match it with errors.Is.
	ErrNotFound = errors.New("not found")
)

// Topology is a named-axis cartesian grid of ranks.
//
// It is created with New (or the NewPipeData / NewPipeModelData shortcuts)
// and is immutable afterwards.
type Topology struct {
	// axes are the axis names, outermost first.
	axes []string

	// dims are the axis sizes, aligned with axes. All >= 1.
	dims []int

	// nameToAxis resolves an axis name to its index in axes/dims.
	nameToAxis map[string]int

	// strides[i] is the rank increment of a unit step along axis i, with the
	// last axis having stride 1 (row-major order).
	strides []int

	// worldSize is the product of dims.
	worldSize int
}

// New creates a Topology with the given axis names and sizes, outermost axis
// first.
//
// It returns an error wrapping ErrInvalidConfig if the two slices differ in
// length, are empty, contain an empty or duplicate axis name, or contain a
// non-positive dimension.
func New(axes []string, dims []int) (*Topology, error) {
	if len(axes) != len(dims) {
		return nil, errors.Wrapf(ErrInvalidConfig,
			"topology.New: got %d axis names but %d dimensions", len(axes), len(dims))
	}
	if len(axes) == 0 {
		return nil, errors.Wrap(ErrInvalidConfig,
			"topology.New: a topology requires at least one axis")
	}
	nameToAxis := make(map[string]int, len(axes))
	for axisIdx, name := range axes {
		if name == "" {
			return nil, errors.Wrapf(ErrInvalidConfig,
				"topology.New: axis #%d has an empty name", axisIdx)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Wrapf(ErrInvalidConfig,
				"topology.New: axis name %q given more than once", name)
		}
		if dims[axisIdx] < 1 {
			return nil, errors.Wrapf(ErrInvalidConfig,
				"topology.New: axis %q has dimension %d, it must be >= 1", name, dims[axisIdx])
		}
		nameToAxis[name] = axisIdx
	}
	t := &Topology{
		axes:       slices.Clone(axes),
		dims:       slices.Clone(dims),
		nameToAxis: nameToAxis,
		strides:    make([]int, len(dims)),
	}
	stride := 1
	for axisIdx := len(dims) - 1; axisIdx >= 0; axisIdx-- {
		t.strides[axisIdx] = stride
		stride *= dims[axisIdx]
	}
	t.worldSize = stride
	return t, nil
}

// NewPipeData creates the 2D topology used for hybrid pipeline- and
// data-parallelism, with axes [AxisPipe, AxisData]: ranks in the same
// pipeline differ along pipe; ranks with the same stage differ along data.
func NewPipeData(numPipe, numData int) (*Topology, error) {
	return New([]string{AxisPipe, AxisData}, []int{numPipe, numData})
}

// NewPipeModelData creates the 3D topology used for hybrid pipeline-, model-
// and data-parallelism, with axes [AxisPipe, AxisData, AxisModel].
//
// The model axis is innermost so that a model-parallel group maps to
// consecutive ranks, which typically share a host and the fastest
// interconnect.
func NewPipeModelData(numPipe, numData, numModel int) (*Topology, error) {
	return New([]string{AxisPipe, AxisData, AxisModel}, []int{numPipe, numData, numModel})
}

// NumAxes returns the number of declared axes.
func (t *Topology) NumAxes() int {
	return len(t.axes)
}

// AxisNames returns a copy of the axis names, outermost first.
func (t *Topology) AxisNames() []string {
	return slices.Clone(t.axes)
}

// Dims returns a copy of the axis sizes, aligned with AxisNames.
func (t *Topology) Dims() []int {
	return slices.Clone(t.dims)
}

// Dim returns the size of the named axis, or 0 if the axis is not declared.
//
// The 0 return doubles as an existence check: a declared axis always has
// size >= 1.
func (t *Topology) Dim(axis string) int {
	axisIdx, found := t.nameToAxis[axis]
	if !found {
		return 0
	}
	return t.dims[axisIdx]
}

// WorldSize returns the total number of ranks, the product of all dimensions.
func (t *Topology) WorldSize() int {
	return t.worldSize
}

// Rank resolves a coordinate to its linear rank.
//
// It returns an error wrapping ErrNotFound if the coordinate belongs to a
// different topology or has an out-of-range component.
func (t *Topology) Rank(c Coordinate) (int, error) {
	if c.topo != t {
		return 0, errors.Wrapf(ErrNotFound,
			"coordinate %s does not belong to topology %s", c, t)
	}
	rank := 0
	for axisIdx, value := range c.values {
		if value < 0 || value >= t.dims[axisIdx] {
			return 0, errors.Wrapf(ErrNotFound,
				"coordinate %s is out of range: axis %q has dimension %d",
				c, t.axes[axisIdx], t.dims[axisIdx])
		}
		rank += value * t.strides[axisIdx]
	}
	return rank, nil
}

// RankAt resolves a full set of bindings -- exactly one value per declared
// axis -- to a linear rank.
//
// It returns an error wrapping ErrNotFound if a binding names an undeclared
// axis, a declared axis is missing from the bindings, or a value is out of
// range for its axis.
func (t *Topology) RankAt(bindings Bindings) (int, error) {
	if len(bindings) != len(t.axes) {
		return 0, errors.Wrapf(ErrNotFound,
			"RankAt requires exactly one binding per axis of %s, got %d bindings",
			t, len(bindings))
	}
	rank := 0
	for axis, value := range bindings {
		axisIdx, found := t.nameToAxis[axis]
		if !found {
			return 0, errors.Wrapf(ErrNotFound, "axis %q not declared in %s", axis, t)
		}
		if value < 0 || value >= t.dims[axisIdx] {
			return 0, errors.Wrapf(ErrNotFound,
				"binding %s=%d is out of range: axis %q has dimension %d",
				axis, value, axis, t.dims[axisIdx])
		}
		rank += value * t.strides[axisIdx]
	}
	return rank, nil
}

// Coord returns the coordinate of the given rank.
// It returns an error wrapping ErrNotFound if rank is outside [0, WorldSize).
func (t *Topology) Coord(rank int) (Coordinate, error) {
	if rank < 0 || rank >= t.worldSize {
		return Coordinate{}, errors.Wrapf(ErrNotFound,
			"rank %d is out of range for %s with world size %d", rank, t, t.worldSize)
	}
	values := make([]int, len(t.dims))
	for axisIdx := range t.dims {
		values[axisIdx] = (rank / t.strides[axisIdx]) % t.dims[axisIdx]
	}
	return Coordinate{topo: t, values: values}, nil
}

// FilterMatch returns the ranks whose coordinates agree with every binding,
// in ascending order.
//
// Axes absent from the bindings are unconstrained. An empty (or nil) set of
// bindings matches every rank. A binding whose value is outside its axis
// range matches nothing and yields an empty result; only a binding naming an
// undeclared axis is an error (wrapping ErrNotFound).
func (t *Topology) FilterMatch(bindings Bindings) ([]int, error) {
	base := 0
	freeAxes := make([]int, 0, len(t.axes))
	bound := make([]bool, len(t.axes))
	for axis, value := range bindings {
		axisIdx, found := t.nameToAxis[axis]
		if !found {
			return nil, errors.Wrapf(ErrNotFound, "axis %q not declared in %s", axis, t)
		}
		if value < 0 || value >= t.dims[axisIdx] {
			return []int{}, nil
		}
		bound[axisIdx] = true
		base += value * t.strides[axisIdx]
	}
	for axisIdx := range t.axes {
		if !bound[axisIdx] {
			freeAxes = append(freeAxes, axisIdx)
		}
	}
	return t.enumerate(base, freeAxes), nil
}

// enumerate returns base plus every combination of strides along the given
// free axes, iterated row-major (last free axis fastest). With the free axes
// in declared order the result comes out already ascending.
func (t *Topology) enumerate(base int, freeAxes []int) []int {
	numRanks := 1
	for _, axisIdx := range freeAxes {
		numRanks *= t.dims[axisIdx]
	}
	ranks := make([]int, 0, numRanks)
	values := make([]int, len(freeAxes))
	rank := base
	for {
		ranks = append(ranks, rank)
		// Row-major increment: bump the fastest free axis, carry on overflow.
		freeIdx := len(freeAxes) - 1
		for ; freeIdx >= 0; freeIdx-- {
			axisIdx := freeAxes[freeIdx]
			values[freeIdx]++
			rank += t.strides[axisIdx]
			if values[freeIdx] < t.dims[axisIdx] {
				break
			}
			values[freeIdx] = 0
			rank -= t.dims[axisIdx] * t.strides[axisIdx]
		}
		if freeIdx < 0 {
			return ranks
		}
	}
}

// AxisList returns the ranks whose coordinate along the given axis equals
// value, in ascending order: the slice of the grid at axis=value.
//
// AxisList is FilterMatch restricted to a single constraint: it returns an
// error wrapping ErrNotFound if the axis is not declared, and an empty slice
// for a value outside [0, Dim(axis)).
func (t *Topology) AxisList(axis string, value int) ([]int, error) {
	return t.FilterMatch(Bindings{axis: value})
}

// AxisCommLists enumerates the lines of the grid along the given axis: each
// inner list holds the Dim(axis) ranks that share every other coordinate and
// differ only along axis, ordered by their value on it. These are the rank
// sets that form collective-communication groups over that axis.
//
// Every rank appears in exactly one inner list. The lists are ordered by the
// row-major enumeration of the remaining axes. If the axis is not declared,
// AxisCommLists returns nil.
func (t *Topology) AxisCommLists(axis string) [][]int {
	axisIdx, found := t.nameToAxis[axis]
	if !found {
		return nil
	}
	otherAxes := make([]int, 0, len(t.axes)-1)
	for i := range t.axes {
		if i != axisIdx {
			otherAxes = append(otherAxes, i)
		}
	}
	bases := t.enumerate(0, otherAxes)
	lists := make([][]int, 0, len(bases))
	for _, base := range bases {
		line := make([]int, t.dims[axisIdx])
		for value := range line {
			line[value] = base + value*t.strides[axisIdx]
		}
		lists = append(lists, line)
	}
	return lists
}

// Iter iterates over all (rank, coordinate values) pairs in rank order.
//
// The yielded values slice is reused across iterations; callers that retain
// it must copy it first.
func (t *Topology) Iter() iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		values := make([]int, len(t.dims))
		for rank := range t.worldSize {
			if !yield(rank, values) {
				return
			}
			for axisIdx := len(t.dims) - 1; axisIdx >= 0; axisIdx-- {
				values[axisIdx]++
				if values[axisIdx] < t.dims[axisIdx] {
					break
				}
				values[axisIdx] = 0
			}
		}
	}
}

// RankLabel returns a compact human-readable label for the rank, used to name
// per-rank artifacts such as checkpoint shards.
//
// Each axis contributes a "<axis>_<value>" segment with the value zero-padded
// to two digits, and segments are joined with "-"; the AxisData and AxisPipe
// axes are omitted, since artifacts are normally replicated along data and
// split per stage already. A 3D topology thus labels rank 0 "model_00". If
// every axis is omitted the label is empty.
//
// It returns an error wrapping ErrNotFound if rank is outside [0, WorldSize).
// Use RankLabelWithOptions to control the omitted axes and separators.
func (t *Topology) RankLabel(rank int) (string, error) {
	return t.RankLabelWithOptions(rank, []string{AxisData, AxisPipe}, "_", "-")
}

// RankLabelWithOptions is RankLabel with explicit formatting: omitAxes lists
// the axes to leave out (nil omits none), innerSep separates an axis name
// from its value and outerSep separates segments.
func (t *Topology) RankLabelWithOptions(rank int, omitAxes []string, innerSep, outerSep string) (string, error) {
	coord, err := t.Coord(rank)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for axisIdx, axis := range t.axes {
		if slices.Contains(omitAxes, axis) {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(outerSep)
		}
		_, _ = fmt.Fprintf(&sb, "%s%s%02d", axis, innerSep, coord.values[axisIdx])
	}
	return sb.String(), nil
}

// String implements fmt.Stringer: `Topology["pipe"=2, "data"=4]`.
func (t *Topology) String() string {
	var sb strings.Builder
	sb.WriteString("Topology[")
	for axisIdx, axis := range t.axes {
		if axisIdx > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%q=%d", axis, t.dims[axisIdx])
	}
	sb.WriteString("]")
	return sb.String()
}
