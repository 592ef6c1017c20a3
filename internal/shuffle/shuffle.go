// Package shuffle implements Fisher-Yates shuffling that keeps track of where every element came from.
package shuffle

import (
	"math/rand/v2"
)

// Rand is the source of randomness, satisfied by *rand.Rand from math/rand/v2.
type Rand interface {
	IntN(n int) int
}

// NewRand returns a randomly seeded source. It is not safe for concurrent use.
func NewRand() Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// NewSeeded returns a deterministic source.
func NewSeeded(seed uint64) Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Indexed is a value paired with its position in the unshuffled input.
type Indexed[T any] struct {
	Value T
	Index int
}

// Shuffle returns a uniformly random permutation of s. s is not modified.
func Shuffle[T any](r Rand, s []T) []T {
	out := make([]T, len(s))
	copy(out, s)

	for i := len(out) - 1; i > 0; i-- {
		j := r.IntN(i + 1)
		out[i], out[j] = out[j], out[i]
	}

	return out
}

// ShuffleIndexed shuffles s and reports the original index of every element.
func ShuffleIndexed[T any](r Rand, s []T) []Indexed[T] {
	pairs := make([]Indexed[T], len(s))
	for i, v := range s {
		pairs[i] = Indexed[T]{Value: v, Index: i}
	}

	return Shuffle(r, pairs)
}
