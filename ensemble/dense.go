package ensemble

import (
	"fmt"
	"math"
	"math/rand"
)

const leakySlope = 0.01

// DenseMember is a small fully connected classifier with its own backward
// pass. Unlike the loom-backed member it can route a representation gradient
// into any hidden layer, which is what the decorrelation penalty needs when
// it taps layers below the output. Hidden layers use leaky ReLU, the output
// layer is linear (raw logits).
type DenseMember struct {
	name   string
	layers []*denseLayer

	// Per-example activations of the last forward pass. acts[0] holds the
	// inputs; acts[l+1] holds layer l's post-activation outputs.
	acts [][][]float32

	pendingRep map[int][][]float32
}

type denseLayer struct {
	in, out int
	linear  bool
	weight  *Param // [out][in] row-major
	bias    *Param
}

// NewDenseMember builds a member with the given layer sizes
// (input, hidden..., output). Weights are initialized to scaled uniform
// noise from rng, so two members built from differently seeded sources are
// architecturally identical but diverse.
func NewDenseMember(name string, sizes []int, rng *rand.Rand) (*DenseMember, error) {
	if len(sizes) < 2 {
		return nil, fmt.Errorf("dense member %q: need at least input and output sizes", name)
	}
	m := &DenseMember{name: name, pendingRep: map[int][][]float32{}}
	for l := 0; l < len(sizes)-1; l++ {
		in, out := sizes[l], sizes[l+1]
		w := make([]float32, out*in)
		scale := float32(math.Sqrt(2 / float64(in)))
		for i := range w {
			w[i] = (rng.Float32()*2 - 1) * scale
		}
		m.layers = append(m.layers, &denseLayer{
			in:     in,
			out:    out,
			linear: l == len(sizes)-2,
			weight: &Param{Key: fmt.Sprintf("%s/L%d/weight", name, l), Data: w, Grad: make([]float32, len(w))},
			bias:   &Param{Key: fmt.Sprintf("%s/L%d/bias", name, l), Data: make([]float32, out), Grad: make([]float32, out)},
		})
	}
	return m, nil
}

func (m *DenseMember) OutputSize() int  { return m.layers[len(m.layers)-1].out }
func (m *DenseMember) TotalLayers() int { return len(m.layers) }

func (m *DenseMember) Parameters() []*Param {
	params := make([]*Param, 0, 2*len(m.layers))
	for _, l := range m.layers {
		params = append(params, l.weight, l.bias)
	}
	return params
}

func (m *DenseMember) ForwardBatch(inputs [][]float32) [][]float32 {
	batch := len(inputs)
	m.acts = make([][][]float32, len(m.layers)+1)
	m.acts[0] = inputs
	cur := inputs
	for li, layer := range m.layers {
		next := make([][]float32, batch)
		for e, x := range cur {
			y := make([]float32, layer.out)
			for o := 0; o < layer.out; o++ {
				sum := layer.bias.Data[o]
				base := o * layer.in
				for i, v := range x {
					sum += layer.weight.Data[base+i] * v
				}
				if !layer.linear && sum < 0 {
					sum *= leakySlope
				}
				y[o] = sum
			}
			next[e] = y
		}
		m.acts[li+1] = next
		cur = next
	}
	out := make([][]float32, batch)
	for e, row := range cur {
		out[e] = append([]float32(nil), row...)
	}
	return out
}

func (m *DenseMember) Representation(layer int) [][]float32 {
	if m.acts == nil || layer < 0 || layer >= len(m.layers) {
		return nil
	}
	reps := make([][]float32, len(m.acts[layer+1]))
	for e, row := range m.acts[layer+1] {
		reps[e] = append([]float32(nil), row...)
	}
	return reps
}

func (m *DenseMember) SupportsRepresentationGrad(layer int) bool {
	return layer >= 0 && layer < len(m.layers)
}

func (m *DenseMember) AddRepresentationGrad(layer int, d [][]float32) error {
	if layer < 0 || layer >= len(m.layers) {
		return fmt.Errorf("dense member %q: no layer %d", m.name, layer)
	}
	m.pendingRep[layer] = d
	return nil
}

func (m *DenseMember) BackwardBatch(dLogits [][]float32) error {
	if m.acts == nil {
		return fmt.Errorf("dense member %q: backward before forward", m.name)
	}
	batch := len(m.acts[0])
	if len(dLogits) != batch {
		return fmt.Errorf("dense member %q: %d gradients for %d examples", m.name, len(dLogits), batch)
	}
	for e := 0; e < batch; e++ {
		d := append([]float32(nil), dLogits[e]...)
		for li := len(m.layers) - 1; li >= 0; li-- {
			layer := m.layers[li]
			if pend, ok := m.pendingRep[li]; ok {
				for o, v := range pend[e] {
					d[o] += v
				}
			}
			x := m.acts[li][e]
			y := m.acts[li+1][e]
			dIn := make([]float32, layer.in)
			for o := 0; o < layer.out; o++ {
				dz := d[o]
				// Leaky ReLU derivative recovered from the output sign.
				if !layer.linear && y[o] < 0 {
					dz *= leakySlope
				}
				layer.bias.Grad[o] += dz
				base := o * layer.in
				for i, v := range x {
					layer.weight.Grad[base+i] += dz * v
					dIn[i] += layer.weight.Data[base+i] * dz
				}
			}
			d = dIn
		}
	}
	m.pendingRep = map[int][][]float32{}
	return nil
}
