package agni

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// Sentinel errors for broken numeric invariants. These indicate a bug
// upstream, not a transient condition, and must abort the training step.
var (
	ErrNegativeVariance = errors.New("negative variance")
	ErrNonFiniteScale   = errors.New("non-finite noise scale")
)

// Injector perturbs an accumulated gradient with Gaussian noise scaled by
// the gradient's own streaming variance:
//
//	scale = sqrt(eta * variance) * magnitude
//	grad += N(0,1) * scale
//
// where magnitude is the L2 norm of the un-noised accumulated gradient,
// broadcast over all entries.
type Injector struct {
	Eta float32
	Rng *rand.Rand
}

// Inject perturbs grad in place. With Eta == 0 it returns before sampling
// anything, so the gradient is bit-identical to its input. A negative
// variance entry or a non-finite scale fails fast with a sentinel-wrapped
// error rather than silently producing NaN gradients.
func (in *Injector) Inject(grad, variance []float32, magnitude float32) error {
	if in.Eta == 0 {
		return nil
	}
	if len(variance) != len(grad) {
		return fmt.Errorf("inject: variance has %d entries, gradient has %d", len(variance), len(grad))
	}
	for i, v := range variance {
		if v < 0 {
			return fmt.Errorf("inject: %w at entry %d (%g)", ErrNegativeVariance, i, v)
		}
		scale := float32(math.Sqrt(float64(in.Eta*v))) * magnitude
		if math.IsNaN(float64(scale)) || math.IsInf(float64(scale), 0) {
			return fmt.Errorf("inject: %w at entry %d (%g)", ErrNonFiniteScale, i, scale)
		}
		grad[i] += float32(in.Rng.NormFloat64()) * scale
	}
	return nil
}

// Norm returns the L2 norm of g, the magnitude term of the noise scale.
func Norm(g []float32) float32 {
	total := 0.0
	for _, v := range g {
		total += float64(v) * float64(v)
	}
	return float32(math.Sqrt(total))
}
