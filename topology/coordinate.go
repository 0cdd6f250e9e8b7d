package topology

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Bindings maps axis names to coordinate values.
//
// A full set of bindings (one entry per declared axis) identifies a single
// rank, see Topology.RankAt. A partial set is a constraint used to select
// subsets of ranks, see Topology.FilterMatch, or to rewrite components of an
// existing Coordinate, see Coordinate.With.
type Bindings map[string]int

// Clone returns a copy of the bindings.
func (b Bindings) Clone() Bindings {
	if b == nil {
		return nil
	}
	clone := make(Bindings, len(b))
	for name, value := range b {
		clone[name] = value
	}
	return clone
}

// Coordinate is a full assignment of one integer value per topology axis,
// identifying a single position in the grid.
//
// Coordinates are created by Topology methods (Coord, Iter) or derived from
// other coordinates with With -- the zero value is not usable. Values are
// ordered by the owning topology's declared axis order and can be read by
// name with Value.
type Coordinate struct {
	topo   *Topology
	values []int
}

// Values returns a copy of the coordinate components, in declared axis order.
func (c Coordinate) Values() []int {
	return slices.Clone(c.values)
}

// Value returns the component of the coordinate along the given axis.
// It returns an error wrapping ErrNotFound if the axis is not declared.
func (c Coordinate) Value(axis string) (int, error) {
	if c.topo == nil {
		return 0, errors.Wrap(ErrNotFound, "zero-value Coordinate has no axes")
	}
	axisIdx, found := c.topo.nameToAxis[axis]
	if !found {
		return 0, errors.Wrapf(ErrNotFound, "axis %q not declared in %s", axis, c.topo)
	}
	return c.values[axisIdx], nil
}

// With returns a copy of the coordinate with the components named in the
// bindings overwritten.
//
// It fails with an error wrapping ErrNotFound if a binding names an undeclared
// axis. The new values are not range-checked here: resolving the returned
// coordinate with Topology.Rank reports out-of-range components.
func (c Coordinate) With(overrides Bindings) (Coordinate, error) {
	if c.topo == nil {
		return Coordinate{}, errors.Wrap(ErrNotFound, "zero-value Coordinate cannot be rewritten")
	}
	values := slices.Clone(c.values)
	for axis, value := range overrides {
		axisIdx, found := c.topo.nameToAxis[axis]
		if !found {
			return Coordinate{}, errors.Wrapf(ErrNotFound, "axis %q not declared in %s", axis, c.topo)
		}
		values[axisIdx] = value
	}
	return Coordinate{topo: c.topo, values: values}, nil
}

// Equal reports whether the two coordinates have the same components.
func (c Coordinate) Equal(other Coordinate) bool {
	return slices.Equal(c.values, other.values)
}

// String implements fmt.Stringer: "(pipe=0, data=1)".
func (c Coordinate) String() string {
	if c.topo == nil {
		return "(invalid coordinate)"
	}
	var sb strings.Builder
	sb.WriteString("(")
	for i, axis := range c.topo.axes {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s=%d", axis, c.values[i])
	}
	sb.WriteString(")")
	return sb.String()
}
