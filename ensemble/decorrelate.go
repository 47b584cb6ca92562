package ensemble

import (
	"fmt"
	"math"
)

// DecorrelationPenalty measures how similar the members' internal
// representations are: every member's tap is flattened to [batch][dim], rows
// are L2-normalized, and one batched matrix product over all members' rows
// yields the full cosine-similarity matrix, which is then sliced into the
// off-diagonal pairwise blocks. The penalty is weight * mean over all block
// entries, and the returned gradients route back into each member's raw
// representation rows.
//
// The weight is a signed hyperparameter: positive penalizes similarity
// (rewards diversity), negative rewards it.
func DecorrelationPenalty(reps [][][]float32, weight float32) (float32, [][][]float32, error) {
	members := len(reps)
	if members < 2 {
		return 0, nil, fmt.Errorf("decorrelation: need at least 2 members, got %d", members)
	}
	batch := len(reps[0])
	if batch == 0 {
		return 0, nil, fmt.Errorf("decorrelation: empty batch")
	}
	dim := len(reps[0][0])
	for i, r := range reps {
		if len(r) != batch {
			return 0, nil, fmt.Errorf("decorrelation: member %d has %d rows, want %d", i, len(r), batch)
		}
		for e, row := range r {
			if len(row) != dim {
				return 0, nil, fmt.Errorf("decorrelation: member %d row %d has dim %d, want %d", i, e, len(row), dim)
			}
		}
	}

	// Normalize all rows once; keep norms for the backward chain.
	unit := make([][][]float32, members)
	norms := make([][]float32, members)
	for i, r := range reps {
		unit[i] = make([][]float32, batch)
		norms[i] = make([]float32, batch)
		for e, row := range r {
			n := float64(0)
			for _, v := range row {
				n += float64(v) * float64(v)
			}
			norms[i][e] = float32(math.Sqrt(n))
			u := make([]float32, dim)
			if norms[i][e] > 0 {
				inv := 1 / norms[i][e]
				for k, v := range row {
					u[k] = v * inv
				}
			}
			unit[i][e] = u
		}
	}

	// Pairwise blocks: each unique pair contributes a [batch][batch] block of
	// row dot products; the penalty is the mean over every entry.
	pairs := members * (members - 1) / 2
	total := float64(0)
	for i := 0; i < members; i++ {
		for j := i + 1; j < members; j++ {
			for a := 0; a < batch; a++ {
				for b := 0; b < batch; b++ {
					dot := float64(0)
					for k := 0; k < dim; k++ {
						dot += float64(unit[i][a][k]) * float64(unit[j][b][k])
					}
					total += dot
				}
			}
		}
	}
	meanSim := float32(total / float64(pairs*batch*batch))

	// d(mean)/d(unit_i row) is the same for every row of member i: the sum of
	// the other members' unit rows, scaled by 1/(pairs*batch^2).
	scale := weight / float32(pairs*batch*batch)
	rowSums := make([][]float32, members)
	for i := range unit {
		s := make([]float32, dim)
		for _, u := range unit[i] {
			for k, v := range u {
				s[k] += v
			}
		}
		rowSums[i] = s
	}

	grads := make([][][]float32, members)
	for i := 0; i < members; i++ {
		other := make([]float32, dim)
		for j := 0; j < members; j++ {
			if j == i {
				continue
			}
			for k, v := range rowSums[j] {
				other[k] += v
			}
		}
		grads[i] = make([][]float32, batch)
		for e := 0; e < batch; e++ {
			g := make([]float32, dim)
			if norms[i][e] > 0 {
				// Chain through row normalization:
				// d/dr (r_hat . c) = (c - (r_hat . c) r_hat) / ||r||.
				u := unit[i][e]
				dot := float32(0)
				for k := range other {
					dot += u[k] * other[k]
				}
				inv := scale / norms[i][e]
				for k := range g {
					g[k] = (other[k] - dot*u[k]) * inv
				}
			}
			grads[i][e] = g
		}
	}
	return weight * meanSim, grads, nil
}
