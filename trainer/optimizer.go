package trainer

import "math"

// AdamW keeps first and second moment estimates per parameter key so the same
// optimizer instance can serve every tensor in the arena. The learning rate
// is passed per step, which lets a scheduler drive it.
type AdamW struct {
	beta1, beta2, epsilon, weightDecay float32
	m, v                               map[string][]float32
	t                                  float32
}

func NewAdamW(weightDecay float32) *AdamW {
	return &AdamW{
		beta1:       0.9,
		beta2:       0.999,
		epsilon:     1e-8,
		weightDecay: weightDecay,
		m:           make(map[string][]float32),
		v:           make(map[string][]float32),
	}
}

// BeginStep advances the shared time step. Call once per optimizer step,
// before updating the tensors that belong to it, so every tensor of the step
// shares one bias correction.
func (opt *AdamW) BeginStep() { opt.t++ }

// Update applies one AdamW step to weights in place. Gradients are expected
// to be pre-normalized (the loss already carries the accumulation scaling),
// so no extra averaging happens here.
func (opt *AdamW) Update(key string, weights, grads []float32, lr float32) {
	if len(weights) == 0 || len(grads) == 0 {
		return
	}
	if _, ok := opt.m[key]; !ok {
		opt.m[key] = make([]float32, len(weights))
		opt.v[key] = make([]float32, len(weights))
	}
	m := opt.m[key]
	v := opt.v[key]

	biasCorrection1 := 1.0 - float32(math.Pow(float64(opt.beta1), float64(opt.t)))
	biasCorrection2 := 1.0 - float32(math.Pow(float64(opt.beta2), float64(opt.t)))

	for i := range weights {
		g := grads[i]

		m[i] = opt.beta1*m[i] + (1-opt.beta1)*g
		v[i] = opt.beta2*v[i] + (1-opt.beta2)*g*g

		mHat := m[i] / biasCorrection1
		vHat := v[i] / biasCorrection2

		update := (lr * mHat) / (float32(math.Sqrt(float64(vHat))) + opt.epsilon)

		weights[i] = weights[i] - update - (lr * opt.weightDecay * weights[i])
	}
}
