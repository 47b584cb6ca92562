package ensemble

import (
	"math"
	"math/rand"
	"testing"
)

func TestDecorrelationPenalty_IdenticalReps(t *testing.T) {
	// Both members emit the same direction for every row, so every cosine
	// similarity is 1 and the penalty is exactly the weight.
	row := []float32{3, 4}
	reps := [][][]float32{
		{row, row, row},
		{row, row, row},
	}
	penalty, grads, err := DecorrelationPenalty(reps, 0.5)
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}
	if math.Abs(float64(penalty)-0.5) > 1e-5 {
		t.Fatalf("penalty = %g, want 0.5", penalty)
	}
	// At the maximum the normalized objective is flat along the row direction.
	for i, g := range grads {
		for e, r := range g {
			for k, v := range r {
				if math.Abs(float64(v)) > 1e-5 {
					t.Fatalf("member %d row %d grad[%d] = %g, want ~0 at similarity 1", i, e, k, v)
				}
			}
		}
	}
}

func TestDecorrelationPenalty_OrthogonalReps(t *testing.T) {
	reps := [][][]float32{
		{{1, 0}, {2, 0}},
		{{0, 1}, {0, 3}},
	}
	penalty, _, err := DecorrelationPenalty(reps, 1)
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}
	if math.Abs(float64(penalty)) > 1e-6 {
		t.Fatalf("penalty = %g, want 0 for orthogonal representations", penalty)
	}
}

func TestDecorrelationPenalty_Validation(t *testing.T) {
	if _, _, err := DecorrelationPenalty([][][]float32{{{1}}}, 1); err == nil {
		t.Fatalf("expected error for a single member")
	}
	reps := [][][]float32{
		{{1, 0}},
		{{1, 0}, {0, 1}},
	}
	if _, _, err := DecorrelationPenalty(reps, 1); err == nil {
		t.Fatalf("expected error for mismatched batch sizes")
	}
}

func TestDecorrelationPenalty_GradientMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const members, batch, dim = 3, 2, 4
	reps := make([][][]float32, members)
	for i := range reps {
		reps[i] = make([][]float32, batch)
		for e := range reps[i] {
			row := make([]float32, dim)
			for k := range row {
				row[k] = float32(rng.NormFloat64())
			}
			reps[i][e] = row
		}
	}
	const weight = 0.7
	_, grads, err := DecorrelationPenalty(reps, weight)
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}

	const eps = 1e-2
	for i := 0; i < members; i++ {
		for e := 0; e < batch; e++ {
			for k := 0; k < dim; k++ {
				orig := reps[i][e][k]
				reps[i][e][k] = orig + eps
				up, _, _ := DecorrelationPenalty(reps, weight)
				reps[i][e][k] = orig - eps
				down, _, _ := DecorrelationPenalty(reps, weight)
				reps[i][e][k] = orig

				numeric := (up - down) / (2 * eps)
				analytic := grads[i][e][k]
				if math.Abs(float64(numeric-analytic)) > 1e-3 {
					t.Fatalf("member %d [%d][%d]: analytic %g vs numeric %g", i, e, k, analytic, numeric)
				}
			}
		}
	}
}

func TestDecorrelationPenalty_NegativeWeightFlipsSign(t *testing.T) {
	reps := [][][]float32{
		{{1, 1}, {0.5, -0.2}},
		{{0.9, 1.1}, {0.4, -0.1}},
	}
	pos, _, err := DecorrelationPenalty(reps, 1)
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}
	neg, _, err := DecorrelationPenalty(reps, -1)
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}
	if math.Abs(float64(pos+neg)) > 1e-6 {
		t.Fatalf("weights 1 and -1 gave %g and %g, want opposite signs", pos, neg)
	}
}
