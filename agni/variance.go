// Package agni implements adaptive gradient noise injection: an online
// per-parameter variance tracker over accumulated-gradient snapshots, a
// noise injector that perturbs gradients in proportion to their own observed
// variance, and a monitor for effective step sizes.
package agni

import "fmt"

// VarianceState holds the streaming (Welford) mean/variance estimate for one
// parameter's gradient snapshots. Mean and M2 always match the gradient's
// shape; both are sized lazily on the first sample. Memory stays O(shape) no
// matter how many samples are folded in, which is the whole point of the
// online form over buffering every snapshot.
type VarianceState struct {
	N    int
	Mean []float32
	M2   []float32
}

// Update folds one gradient snapshot into the running estimate.
//
//	n' = n + 1
//	delta = x - mean
//	mean' = mean + delta/n'
//	delta2 = x - mean'
//	M2' = M2 + delta*delta2   (entrywise)
func (s *VarianceState) Update(sample []float32) error {
	if s.Mean == nil {
		s.Mean = make([]float32, len(sample))
		s.M2 = make([]float32, len(sample))
	}
	if len(sample) != len(s.Mean) {
		return fmt.Errorf("variance update: sample has %d entries, state has %d", len(sample), len(s.Mean))
	}
	s.N++
	n := float32(s.N)
	for i, x := range sample {
		delta := x - s.Mean[i]
		s.Mean[i] += delta / n
		delta2 := x - s.Mean[i]
		s.M2[i] += delta * delta2
	}
	return nil
}

// Variance finalizes the estimate: M2/(n-1) entrywise for n > 1. With a
// single sample there is no spread information, so M2 (all zeros) is
// returned as-is rather than dividing by zero. Returns nil before any
// sample.
func (s *VarianceState) Variance() []float32 {
	if s.Mean == nil {
		return nil
	}
	out := make([]float32, len(s.M2))
	if s.N > 1 {
		inv := 1.0 / float32(s.N-1)
		for i, m2 := range s.M2 {
			out[i] = m2 * inv
		}
		return out
	}
	copy(out, s.M2)
	return out
}

// Reset empties the state. The next Update starts a fresh window (N back to
// zero, buffers re-sized lazily).
func (s *VarianceState) Reset() {
	s.N = 0
	s.Mean = nil
	s.M2 = nil
}
