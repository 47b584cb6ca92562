package ensemble

import "fmt"

// Output is the result of one forward pass. It lives for that pass only;
// callers copy anything they need to keep.
type Output struct {
	CombinedLogits [][]float32
	Loss           float32
	HasLoss        bool
	// Aux holds the representations captured at the configured decorrelation
	// layers, one [batch][dim] entry per (layer, member) in layer-major order.
	Aux [][][]float32
}

// Model owns the ensemble members, their combiner, and the loss/penalty
// configuration. Forward and Backward are strictly paired; the model is
// driven by a single coordinator thread.
type Model struct {
	Members             []Member
	Combiner            Combiner
	NumLabels           int
	DecorrelationLayers []int
	DecorrelationWeight float32

	problem ProblemType

	lastGrad     [][]float32
	lastPenGrads map[int][][][]float32 // layer -> per-member rep grads
}

// NewModel validates the configuration: at least one member, combiner arity
// matching, every member producing NumLabels logits, and decorrelation
// layers inside every member's layer range.
func NewModel(members []Member, comb Combiner, numLabels int, decorrLayers []int, decorrWeight float32) (*Model, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("model: no members")
	}
	if comb.NumMembers() != len(members) {
		return nil, fmt.Errorf("model: combiner %q expects %d members, got %d", comb.Name(), comb.NumMembers(), len(members))
	}
	for i, m := range members {
		if m.OutputSize() != numLabels {
			return nil, fmt.Errorf("model: member %d produces %d logits, want %d", i, m.OutputSize(), numLabels)
		}
		for _, l := range decorrLayers {
			if l < 0 || l >= m.TotalLayers() {
				return nil, fmt.Errorf("model: decorrelation layer %d out of range for member %d (%d layers)", l, i, m.TotalLayers())
			}
			if !m.SupportsRepresentationGrad(l) {
				return nil, fmt.Errorf("model: member %d cannot route a gradient into layer %d", i, l)
			}
		}
	}
	if len(decorrLayers) > 0 && len(members) < 2 {
		return nil, fmt.Errorf("model: decorrelation needs at least 2 members")
	}
	return &Model{
		Members:             members,
		Combiner:            comb,
		NumLabels:           numLabels,
		DecorrelationLayers: decorrLayers,
		DecorrelationWeight: decorrWeight,
	}, nil
}

// Problem returns the cached problem type (ProblemUnset before the first
// labeled forward).
func (m *Model) Problem() ProblemType { return m.problem }

// Parameters gathers every trainable tensor: each member's, then the
// combiner's. The order is stable, which makes the slice index a stable
// parameter identifier for the training loop's arena.
func (m *Model) Parameters() []*Param {
	var params []*Param
	for _, mem := range m.Members {
		params = append(params, mem.Parameters()...)
	}
	params = append(params, m.Combiner.Parameters()...)
	return params
}

// Forward runs every member, combines, and — when the batch is labeled —
// computes the task loss plus the decorrelation penalty. The loss gradient
// and penalty gradients are cached for Backward.
func (m *Model) Forward(b Batch) (*Output, error) {
	memberLogits := make([][][]float32, len(m.Members))
	for i, mem := range m.Members {
		memberLogits[i] = mem.ForwardBatch(b.Inputs)
	}
	combined, err := m.Combiner.Combine(memberLogits)
	if err != nil {
		return nil, err
	}
	out := &Output{CombinedLogits: combined}
	m.lastGrad = nil
	m.lastPenGrads = nil

	for _, layer := range m.DecorrelationLayers {
		reps := make([][][]float32, len(m.Members))
		for i, mem := range m.Members {
			reps[i] = mem.Representation(layer)
		}
		out.Aux = append(out.Aux, reps...)
		if b.Labeled() {
			penalty, grads, perr := DecorrelationPenalty(reps, m.DecorrelationWeight)
			if perr != nil {
				return nil, perr
			}
			out.Loss += penalty
			if m.lastPenGrads == nil {
				m.lastPenGrads = map[int][][][]float32{}
			}
			m.lastPenGrads[layer] = grads
		}
	}

	if b.Labeled() {
		if m.problem == ProblemUnset {
			m.problem = InferProblem(m.NumLabels, b)
		}
		loss, grad, lerr := LossAndGrad(m.problem, combined, b)
		if lerr != nil {
			return nil, lerr
		}
		out.Loss += loss
		out.HasLoss = true
		m.lastGrad = grad
	}
	return out, nil
}

// Backward propagates the cached loss gradient, scaled by lossScale (the
// 1/accumulation_steps normalization applied before gradients accumulate),
// through the combiner into every member, along with the scaled
// decorrelation gradients at their tap layers.
func (m *Model) Backward(lossScale float32) error {
	if m.lastGrad == nil {
		return fmt.Errorf("model: backward without a labeled forward")
	}
	scaled := make([][]float32, len(m.lastGrad))
	for e, row := range m.lastGrad {
		s := make([]float32, len(row))
		for l, v := range row {
			s[l] = v * lossScale
		}
		scaled[e] = s
	}
	dMembers, err := m.Combiner.Backward(scaled)
	if err != nil {
		return err
	}
	for layer, grads := range m.lastPenGrads {
		for i, mem := range m.Members {
			g := make([][]float32, len(grads[i]))
			for e, row := range grads[i] {
				s := make([]float32, len(row))
				for k, v := range row {
					s[k] = v * lossScale
				}
				g[e] = s
			}
			if err := mem.AddRepresentationGrad(layer, g); err != nil {
				return err
			}
		}
	}
	for i, mem := range m.Members {
		if err := mem.BackwardBatch(dMembers[i]); err != nil {
			return err
		}
	}
	m.lastGrad = nil
	m.lastPenGrads = nil
	return nil
}
