package agni

import (
	"math"
	"math/rand"
	"testing"
)

// twoPassVariance is the reference batch sample variance the streaming form
// must match.
func twoPassVariance(samples [][]float32) []float32 {
	n := len(samples)
	dim := len(samples[0])
	mean := make([]float64, dim)
	for _, s := range samples {
		for i, x := range s {
			mean[i] += float64(x)
		}
	}
	for i := range mean {
		mean[i] /= float64(n)
	}
	out := make([]float32, dim)
	if n < 2 {
		return out
	}
	for _, s := range samples {
		for i, x := range s {
			d := float64(x) - mean[i]
			out[i] += float32(d * d / float64(n-1))
		}
	}
	return out
}

func TestVarianceState_MatchesTwoPass(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, n := range []int{2, 3, 8, 64} {
		samples := make([][]float32, n)
		for i := range samples {
			s := make([]float32, 12)
			for j := range s {
				s[j] = float32(rng.NormFloat64())
			}
			samples[i] = s
		}

		var st VarianceState
		for _, s := range samples {
			if err := st.Update(s); err != nil {
				t.Fatalf("update: %v", err)
			}
		}
		got := st.Variance()
		want := twoPassVariance(samples)

		for i := range want {
			diff := math.Abs(float64(got[i] - want[i]))
			rel := diff / math.Max(math.Abs(float64(want[i])), 1e-12)
			if rel > 1e-5 && diff > 1e-7 {
				t.Fatalf("n=%d entry %d: streaming %g vs two-pass %g", n, i, got[i], want[i])
			}
		}
	}
}

func TestVarianceState_SingleSampleIsZero(t *testing.T) {
	var st VarianceState
	if err := st.Update([]float32{3, -1, 0.5}); err != nil {
		t.Fatalf("update: %v", err)
	}
	v := st.Variance()
	if len(v) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(v))
	}
	for i, x := range v {
		if x != 0 {
			t.Fatalf("entry %d: expected zero variance after one sample, got %g", i, x)
		}
	}
}

func TestVarianceState_M2NonNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	var st VarianceState
	for i := 0; i < 50; i++ {
		s := make([]float32, 6)
		for j := range s {
			s[j] = float32(rng.NormFloat64() * 10)
		}
		if err := st.Update(s); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	for i, m2 := range st.M2 {
		if m2 < 0 {
			t.Fatalf("M2[%d] = %g, want >= 0", i, m2)
		}
	}
}

func TestVarianceState_ShapeMismatch(t *testing.T) {
	var st VarianceState
	if err := st.Update([]float32{1, 2}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := st.Update([]float32{1, 2, 3}); err == nil {
		t.Fatalf("expected shape mismatch error")
	}
}

func TestVarianceState_ResetStartsEmpty(t *testing.T) {
	var st VarianceState
	for i := 0; i < 4; i++ {
		if err := st.Update([]float32{float32(i), float32(-i)}); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	st.Reset()
	if st.N != 0 || st.Mean != nil || st.M2 != nil {
		t.Fatalf("expected empty state after reset, got N=%d", st.N)
	}
	// A differently shaped parameter window must be accepted after reset.
	if err := st.Update([]float32{1, 2, 3}); err != nil {
		t.Fatalf("update after reset: %v", err)
	}
	if st.N != 1 {
		t.Fatalf("expected N=1 after first post-reset sample, got %d", st.N)
	}
}
