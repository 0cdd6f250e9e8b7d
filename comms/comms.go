// Package comms defines the interface a process-group communication system
// needs to implement to be used by package grid.
//
// The library derives which ranks belong together and in which order groups
// must be created; actually materializing a communicator (NCCL, Gloo, MPI,
// a test fake...) is the backend's job. A Backend exposes the identity of the
// calling process (Rank, WorldSize) and a single collective operation,
// NewGroup.
//
// Backends register themselves with Register, typically in their package
// init, and programs pick one with New or NewWithConfig. To simplify error
// handling during program setup, New and NewWithConfig throw (panic) with a
// stack trace on misconfiguration, see package github.com/gomlx/exceptions.
// Per-call methods like NewGroup return errors instead.
package comms

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotImplemented is returned by backends that do not support an
	// operation. Match it with errors.Is.
	ErrNotImplemented = errors.New("not implemented by this communication backend")

	// ErrInvalidGroup is returned by NewGroup for an unusable rank set --
	// empty, out of range, repeated ranks -- or when the collective contract
	// is broken and ranks disagree on the membership. Match it with
	// errors.Is.
	ErrInvalidGroup = errors.New("invalid communication group")
)

// Backend is the API a communication system implements, as seen from one
// process of the job.
//
// One Backend value represents one rank: two processes (or two goroutines in
// tests) each hold their own Backend with a different Rank but the same
// WorldSize.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "local" for the
	// in-process implementation.
	Name() string

	// Description is a longer description of the Backend that can be used to
	// pretty-print.
	Description() string

	// Rank returns the identity of the calling process, in [0, WorldSize()).
	Rank() int

	// WorldSize returns the total number of ranks in the job.
	WorldSize() int

	// NewGroup creates the communication group holding exactly the given
	// ranks and returns its handle.
	//
	// NewGroup is a collective operation: every rank of the job must call it,
	// with the same membership, in the same order relative to its other
	// NewGroup calls -- including ranks that are not members of the group.
	// Every caller receives a handle; only members may communicate over it.
	// Backends are free to block until all ranks have arrived.
	NewGroup(ranks []int) (Group, error)

	// Finalize releases the resources associated with this rank's view of the
	// backend, and makes the backend invalid.
	Finalize()
}

// Group is the handle of a created communication group.
//
// The handle is what a transport layer would hand to its collective calls;
// this library only derives and carries it.
type Group interface {
	// Ranks returns the members of the group, ascending. The returned slice
	// must not be modified.
	Ranks() []int

	// Size returns the number of members.
	Size() int

	// Contains reports whether rank is a member of the group.
	Contains(rank int) bool

	// String implements fmt.Stringer, for logs.
	String() string
}
