package grid

import (
	"github.com/gomlx/topogrid/topology"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultTopology factors worldSize into a 2D pipe-and-data topology, used
// when a job does not configure one explicitly.
//
// The prime factors of worldSize (ascending) are split alternately: the
// even-indexed factors multiply into the pipe dimension, the odd-indexed
// ones into the data dimension. E.g. 12 = 2*2*3 becomes pipe=6, data=2.
// Prime world sizes factor into a pipeline-only topology with no gradient
// all-reduce partners; DefaultTopology warns when that happens.
//
// It returns an error wrapping topology.ErrInvalidConfig if worldSize < 1.
func DefaultTopology(worldSize int) (*topology.Topology, error) {
	if worldSize < 1 {
		return nil, errors.Wrapf(topology.ErrInvalidConfig,
			"grid.DefaultTopology: world size must be >= 1, got %d", worldSize)
	}
	numPipe, numData := 1, 1
	for idx, prime := range primeFactors(worldSize) {
		if idx%2 == 0 {
			numPipe *= prime
		} else {
			numData *= prime
		}
	}
	if worldSize > 1 && numData == 1 {
		klog.Warningf("world size %d factors into a pipeline-only topology (pipe=%d, data=1): "+
			"every rank is its own gradient all-reduce group", worldSize, numPipe)
	}
	klog.V(1).Infof("default topology for world size %d: pipe=%d, data=%d", worldSize, numPipe, numData)
	return topology.NewPipeData(numPipe, numData)
}

// primeFactors returns the prime factorization of n in ascending order.
// 1 factors into nothing.
func primeFactors(n int) []int {
	var primes []int
	for factor := 2; factor*factor <= n; factor++ {
		for n%factor == 0 {
			primes = append(primes, factor)
			n /= factor
		}
	}
	if n > 1 {
		primes = append(primes, n)
	}
	return primes
}
