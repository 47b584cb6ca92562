package ensemble

import (
	"fmt"

	"github.com/openfluke/loom/nn"
)

// LoomMember adapts a loom nn.Network into an ensemble member. Forward runs
// the step path one layer at a time so chosen layer outputs can be tapped as
// representations; backward replays StepBackward per example and folds the
// network's freshly computed kernel/bias gradients into the Param buffers
// (loom overwrites its gradient storage on every backward, so accumulation
// has to live out here).
//
// Representation gradients can only be routed into the final layer: loom's
// StepBackward accepts an output-layer gradient and nothing else. Configure
// decorrelation on hidden layers with DenseMember instead.
type LoomMember struct {
	Net *nn.Network

	name       string
	inputSize  int
	outputSize int
	tapLayers  map[int]bool

	params     []*Param
	kernelAcc  [][]float32
	biasAcc    [][]float32
	states     []*nn.StepState
	taps       map[int][][]float32
	pendingOut [][]float32
}

// NewLoomMember wraps net. tapLayers lists the layer indices whose outputs
// should be captured as representations during forward.
func NewLoomMember(name string, net *nn.Network, inputSize, outputSize int, tapLayers []int) (*LoomMember, error) {
	total := net.TotalLayers()
	m := &LoomMember{
		Net:        net,
		name:       name,
		inputSize:  inputSize,
		outputSize: outputSize,
		tapLayers:  map[int]bool{},
	}
	for _, l := range tapLayers {
		if l < 0 || l >= total {
			return nil, fmt.Errorf("loom member %q: tap layer %d out of range [0,%d)", name, l, total)
		}
		m.tapLayers[l] = true
	}
	m.kernelAcc = make([][]float32, len(net.Layers))
	m.biasAcc = make([][]float32, len(net.Layers))
	for i := range net.Layers {
		if len(net.Layers[i].Kernel) > 0 {
			m.kernelAcc[i] = make([]float32, len(net.Layers[i].Kernel))
			m.params = append(m.params, &Param{
				Key:  fmt.Sprintf("%s/L%d/kernel", name, i),
				Data: net.Layers[i].Kernel,
				Grad: m.kernelAcc[i],
			})
		}
		if len(net.Layers[i].Bias) > 0 {
			m.biasAcc[i] = make([]float32, len(net.Layers[i].Bias))
			m.params = append(m.params, &Param{
				Key:  fmt.Sprintf("%s/L%d/bias", name, i),
				Data: net.Layers[i].Bias,
				Grad: m.biasAcc[i],
			})
		}
	}
	return m, nil
}

func (m *LoomMember) OutputSize() int     { return m.outputSize }
func (m *LoomMember) TotalLayers() int    { return m.Net.TotalLayers() }
func (m *LoomMember) Parameters() []*Param { return m.params }

func (m *LoomMember) ForwardBatch(inputs [][]float32) [][]float32 {
	total := m.Net.TotalLayers()
	m.states = make([]*nn.StepState, len(inputs))
	m.taps = map[int][][]float32{}
	for l := range m.tapLayers {
		m.taps[l] = make([][]float32, len(inputs))
	}
	m.pendingOut = nil

	out := make([][]float32, len(inputs))
	for e, x := range inputs {
		state := m.Net.InitStepState(m.inputSize)
		state.SetInput(x)
		for l := 0; l < total; l++ {
			m.Net.StepForward(state)
			if m.tapLayers[l] {
				m.taps[l][e] = append([]float32(nil), state.GetOutput()...)
			}
		}
		m.states[e] = state
		out[e] = append([]float32(nil), state.GetOutput()...)
	}
	return out
}

func (m *LoomMember) Representation(layer int) [][]float32 {
	return m.taps[layer]
}

func (m *LoomMember) SupportsRepresentationGrad(layer int) bool {
	return layer == m.Net.TotalLayers()-1
}

func (m *LoomMember) AddRepresentationGrad(layer int, d [][]float32) error {
	if layer != m.Net.TotalLayers()-1 {
		return fmt.Errorf("loom member %q: representation gradients only reach the final layer (%d), not layer %d",
			m.name, m.Net.TotalLayers()-1, layer)
	}
	m.pendingOut = d
	return nil
}

func (m *LoomMember) BackwardBatch(dLogits [][]float32) error {
	if m.states == nil {
		return fmt.Errorf("loom member %q: backward before forward", m.name)
	}
	if len(dLogits) != len(m.states) {
		return fmt.Errorf("loom member %q: %d gradients for %d examples", m.name, len(dLogits), len(m.states))
	}
	for e, state := range m.states {
		grad := append([]float32(nil), dLogits[e]...)
		if m.pendingOut != nil {
			for l, v := range m.pendingOut[e] {
				grad[l] += v
			}
		}
		m.Net.StepBackward(state, grad)

		kernelGrads := m.Net.KernelGradients()
		biasGrads := m.Net.BiasGradients()
		for i := range m.Net.Layers {
			if len(m.kernelAcc[i]) > 0 && len(kernelGrads[i]) > 0 {
				for k := range m.kernelAcc[i] {
					m.kernelAcc[i][k] += kernelGrads[i][k]
				}
			}
			if len(m.biasAcc[i]) > 0 && len(biasGrads[i]) > 0 {
				for k := range m.biasAcc[i] {
					m.biasAcc[i][k] += biasGrads[i][k]
				}
			}
		}
	}
	m.pendingOut = nil
	return nil
}
