package dataset

import (
	"errors"
	"fmt"
	"math/rand"
)

// ErrSplitMismatch indicates split lengths that do not cover the source.
var ErrSplitMismatch = errors.New("dataset: split lengths do not sum to the source size")

// Subset is a view over selected indices of a Source.
type Subset struct {
	src     Source
	indices []int
}

// Len returns the number of samples in the subset.
func (s *Subset) Len() int { return len(s.indices) }

// Dims returns the image dimensions of the underlying source.
func (s *Subset) Dims() (int, int) { return s.src.Dims() }

// Item returns sample i of the subset.
func (s *Subset) Item(i int) ([]byte, int) { return s.src.Item(s.indices[i]) }

// Indices returns the source indices covered by the subset.
func (s *Subset) Indices() []int {
	return append([]int(nil), s.indices...)
}

// RandomSplit partitions src into disjoint subsets of the given lengths
// using a permutation drawn from seed.
func RandomSplit(src Source, lengths []int, seed int64) ([]*Subset, error) {
	total := 0
	for _, n := range lengths {
		if n < 0 {
			return nil, fmt.Errorf("dataset: negative split length %d", n)
		}
		total += n
	}
	if total != src.Len() {
		return nil, fmt.Errorf("%w: %v sums to %d, source has %d", ErrSplitMismatch, lengths, total, src.Len())
	}

	perm := rand.New(rand.NewSource(seed)).Perm(total)
	subsets := make([]*Subset, 0, len(lengths))
	offset := 0
	for _, n := range lengths {
		subsets = append(subsets, &Subset{src: src, indices: perm[offset : offset+n]})
		offset += n
	}
	return subsets, nil
}
