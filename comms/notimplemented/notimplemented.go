// Package notimplemented implements a comms.Backend that returns a "not
// implemented" error from every operation.
//
// Embed it to bootstrap a backend implementation or a test mock, overriding
// only the methods the test cares about.
package notimplemented

import (
	"github.com/gomlx/topogrid/comms"
	"github.com/pkg/errors"
)

// NotImplementedError is returned by every method.
//
// It doesn't contain a stack, attach a stack to it with
// errors.Wrapf(NotImplementedError, "...") when using it.
var NotImplementedError = comms.ErrNotImplemented

// Backend is a dummy backend that can be embedded to create mock backends.
type Backend struct{}

var _ comms.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return "notimplemented"
}

// String returns the same as Name.
func (b *Backend) String() string {
	return b.Name()
}

// Description is a longer description of the Backend.
func (b *Backend) Description() string {
	return "Not Implemented Backend (mock backend for testing)"
}

// Rank returns 0, the only rank of the mock job.
func (b *Backend) Rank() int {
	return 0
}

// WorldSize returns 1.
func (b *Backend) WorldSize() int {
	return 1
}

// NewGroup returns NotImplementedError.
func (b *Backend) NewGroup(ranks []int) (comms.Group, error) {
	return nil, errors.Wrapf(NotImplementedError, "in NewGroup(%v)", ranks)
}

// Finalize does nothing.
func (b *Backend) Finalize() {}
