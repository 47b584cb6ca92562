package ensemble

import (
	"fmt"
	"math"
	"math/rand"
)

// ---------------------------------------------------------------------------
// WeightedSum: combined = sum_i w_i * logits_i. Weights are free-form
// learnable scalars, one per member, initialized to 1/N. No normalization
// constraint.
// ---------------------------------------------------------------------------

type WeightedSum struct {
	labels  int
	weights *Param

	lastLogits [][][]float32
}

func newWeightedSum(numMembers, numLabels int) *WeightedSum {
	w := make([]float32, numMembers)
	for i := range w {
		w[i] = 1 / float32(numMembers)
	}
	return &WeightedSum{
		labels:  numLabels,
		weights: &Param{Key: "combiner/weights", Data: w, Grad: make([]float32, numMembers)},
	}
}

func (c *WeightedSum) Name() string        { return VariantWeightedSum }
func (c *WeightedSum) NumMembers() int     { return len(c.weights.Data) }
func (c *WeightedSum) Parameters() []*Param { return []*Param{c.weights} }

func (c *WeightedSum) Combine(memberLogits [][][]float32) ([][]float32, error) {
	batch, err := checkMemberLogits(c.Name(), memberLogits, c.NumMembers(), c.labels)
	if err != nil {
		return nil, err
	}
	c.lastLogits = memberLogits
	out := make([][]float32, batch)
	for e := 0; e < batch; e++ {
		row := make([]float32, c.labels)
		for i, w := range c.weights.Data {
			for l, x := range memberLogits[i][e] {
				row[l] += w * x
			}
		}
		out[e] = row
	}
	return out, nil
}

func (c *WeightedSum) Backward(dCombined [][]float32) ([][][]float32, error) {
	if c.lastLogits == nil {
		return nil, fmt.Errorf("%s: backward before combine", c.Name())
	}
	n := c.NumMembers()
	dMembers := make([][][]float32, n)
	for i := 0; i < n; i++ {
		w := c.weights.Data[i]
		dm := make([][]float32, len(dCombined))
		for e, dy := range dCombined {
			row := make([]float32, c.labels)
			for l, d := range dy {
				row[l] = w * d
				c.weights.Grad[i] += d * c.lastLogits[i][e][l]
			}
			dm[e] = row
		}
		dMembers[i] = dm
	}
	return dMembers, nil
}

// ---------------------------------------------------------------------------
// LogitsTransformer: concatenate member logits along the feature axis and
// apply a learned linear map back down to numLabels outputs.
// ---------------------------------------------------------------------------

type LogitsTransformer struct {
	members int
	labels  int
	weight  *Param // [labels][members*labels] row-major
	bias    *Param

	lastConcat [][]float32
}

func newLogitsTransformer(numMembers, numLabels int, rng *rand.Rand) *LogitsTransformer {
	in := numMembers * numLabels
	w := make([]float32, numLabels*in)
	scale := float32(math.Sqrt(2 / float64(in)))
	for i := range w {
		w[i] = (rng.Float32()*2 - 1) * scale
	}
	return &LogitsTransformer{
		members: numMembers,
		labels:  numLabels,
		weight:  &Param{Key: "combiner/fc_weight", Data: w, Grad: make([]float32, len(w))},
		bias:    &Param{Key: "combiner/fc_bias", Data: make([]float32, numLabels), Grad: make([]float32, numLabels)},
	}
}

func (c *LogitsTransformer) Name() string        { return VariantLogitsTransformer }
func (c *LogitsTransformer) NumMembers() int     { return c.members }
func (c *LogitsTransformer) Parameters() []*Param { return []*Param{c.weight, c.bias} }

func (c *LogitsTransformer) Combine(memberLogits [][][]float32) ([][]float32, error) {
	batch, err := checkMemberLogits(c.Name(), memberLogits, c.members, c.labels)
	if err != nil {
		return nil, err
	}
	in := c.members * c.labels
	c.lastConcat = make([][]float32, batch)
	out := make([][]float32, batch)
	for e := 0; e < batch; e++ {
		concat := make([]float32, 0, in)
		for i := 0; i < c.members; i++ {
			concat = append(concat, memberLogits[i][e]...)
		}
		c.lastConcat[e] = concat
		row := make([]float32, c.labels)
		for l := 0; l < c.labels; l++ {
			sum := c.bias.Data[l]
			base := l * in
			for k, x := range concat {
				sum += c.weight.Data[base+k] * x
			}
			row[l] = sum
		}
		out[e] = row
	}
	return out, nil
}

func (c *LogitsTransformer) Backward(dCombined [][]float32) ([][][]float32, error) {
	if c.lastConcat == nil {
		return nil, fmt.Errorf("%s: backward before combine", c.Name())
	}
	in := c.members * c.labels
	dMembers := make([][][]float32, c.members)
	for i := range dMembers {
		dMembers[i] = make([][]float32, len(dCombined))
	}
	for e, dy := range dCombined {
		dConcat := make([]float32, in)
		for l, d := range dy {
			c.bias.Grad[l] += d
			base := l * in
			for k, x := range c.lastConcat[e] {
				c.weight.Grad[base+k] += d * x
				dConcat[k] += c.weight.Data[base+k] * d
			}
		}
		for i := 0; i < c.members; i++ {
			dMembers[i][e] = dConcat[i*c.labels : (i+1)*c.labels]
		}
	}
	return dMembers, nil
}

// ---------------------------------------------------------------------------
// GatedMixtureOfExperts: a learned linear gate over the concatenated pair of
// logits, softmaxed to per-example mixing coefficients summing to 1.
// Pairwise by construction.
// ---------------------------------------------------------------------------

type GatedMoE struct {
	labels int
	weight *Param // [2][2*labels] row-major
	bias   *Param

	lastLogits [][][]float32
	lastConcat [][]float32
	lastGates  [][]float32
}

func newGatedMoE(numLabels int, rng *rand.Rand) *GatedMoE {
	in := 2 * numLabels
	w := make([]float32, 2*in)
	scale := float32(math.Sqrt(2 / float64(in)))
	for i := range w {
		w[i] = (rng.Float32()*2 - 1) * scale
	}
	return &GatedMoE{
		labels: numLabels,
		weight: &Param{Key: "combiner/gate_weight", Data: w, Grad: make([]float32, len(w))},
		bias:   &Param{Key: "combiner/gate_bias", Data: make([]float32, 2), Grad: make([]float32, 2)},
	}
}

func (c *GatedMoE) Name() string        { return VariantGatedMoE }
func (c *GatedMoE) NumMembers() int     { return 2 }
func (c *GatedMoE) Parameters() []*Param { return []*Param{c.weight, c.bias} }

// Gates returns the per-example mixing coefficients of the last Combine.
func (c *GatedMoE) Gates() [][]float32 { return c.lastGates }

func (c *GatedMoE) Combine(memberLogits [][][]float32) ([][]float32, error) {
	batch, err := checkMemberLogits(c.Name(), memberLogits, 2, c.labels)
	if err != nil {
		return nil, err
	}
	in := 2 * c.labels
	c.lastLogits = memberLogits
	c.lastConcat = make([][]float32, batch)
	c.lastGates = make([][]float32, batch)
	out := make([][]float32, batch)
	for e := 0; e < batch; e++ {
		concat := make([]float32, 0, in)
		concat = append(concat, memberLogits[0][e]...)
		concat = append(concat, memberLogits[1][e]...)
		c.lastConcat[e] = concat

		z := make([]float32, 2)
		for g := 0; g < 2; g++ {
			sum := c.bias.Data[g]
			base := g * in
			for k, x := range concat {
				sum += c.weight.Data[base+k] * x
			}
			z[g] = sum
		}
		gates := softmax(z)
		c.lastGates[e] = gates

		row := make([]float32, c.labels)
		for l := 0; l < c.labels; l++ {
			row[l] = gates[0]*memberLogits[0][e][l] + gates[1]*memberLogits[1][e][l]
		}
		out[e] = row
	}
	return out, nil
}

func (c *GatedMoE) Backward(dCombined [][]float32) ([][][]float32, error) {
	if c.lastGates == nil {
		return nil, fmt.Errorf("%s: backward before combine", c.Name())
	}
	in := 2 * c.labels
	dMembers := [][][]float32{
		make([][]float32, len(dCombined)),
		make([][]float32, len(dCombined)),
	}
	for e, dy := range dCombined {
		gates := c.lastGates[e]

		// Direct path: dx_i = g_i * dy. Gate path: dg_i = dy . x_i.
		dGate := make([]float32, 2)
		d0 := make([]float32, c.labels)
		d1 := make([]float32, c.labels)
		for l, d := range dy {
			d0[l] = gates[0] * d
			d1[l] = gates[1] * d
			dGate[0] += d * c.lastLogits[0][e][l]
			dGate[1] += d * c.lastLogits[1][e][l]
		}

		// Softmax jacobian: dz_i = g_i * (dg_i - sum_j g_j dg_j).
		dot := gates[0]*dGate[0] + gates[1]*dGate[1]
		dz := []float32{gates[0] * (dGate[0] - dot), gates[1] * (dGate[1] - dot)}

		for g := 0; g < 2; g++ {
			c.bias.Grad[g] += dz[g]
			base := g * in
			for k, x := range c.lastConcat[e] {
				c.weight.Grad[base+k] += dz[g] * x
				// Gradient through the gate input, split back per member.
				if k < c.labels {
					d0[k] += c.weight.Data[base+k] * dz[g]
				} else {
					d1[k-c.labels] += c.weight.Data[base+k] * dz[g]
				}
			}
		}
		dMembers[0][e] = d0
		dMembers[1][e] = d1
	}
	return dMembers, nil
}

// ---------------------------------------------------------------------------
// AdaBoostCombiner: weights = exp(alpha), combined = weighted average. The
// exponential keeps every effective mixing weight positive, and the
// normalization keeps the combination a true weighted mean for any real
// alpha.
// ---------------------------------------------------------------------------

type AdaBoost struct {
	labels int
	alpha  *Param

	lastLogits   [][][]float32
	lastCombined [][]float32
}

func newAdaBoost(numMembers, numLabels int) *AdaBoost {
	return &AdaBoost{
		labels: numLabels,
		alpha:  &Param{Key: "combiner/alpha", Data: make([]float32, numMembers), Grad: make([]float32, numMembers)},
	}
}

func (c *AdaBoost) Name() string        { return VariantAdaBoost }
func (c *AdaBoost) NumMembers() int     { return len(c.alpha.Data) }
func (c *AdaBoost) Parameters() []*Param { return []*Param{c.alpha} }

// MixWeights returns the normalized effective weights exp(alpha_i)/sum.
func (c *AdaBoost) MixWeights() []float32 {
	w := make([]float32, len(c.alpha.Data))
	sum := float32(0)
	for i, a := range c.alpha.Data {
		w[i] = float32(math.Exp(float64(a)))
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

func (c *AdaBoost) Combine(memberLogits [][][]float32) ([][]float32, error) {
	batch, err := checkMemberLogits(c.Name(), memberLogits, c.NumMembers(), c.labels)
	if err != nil {
		return nil, err
	}
	c.lastLogits = memberLogits
	mix := c.MixWeights()
	out := make([][]float32, batch)
	for e := 0; e < batch; e++ {
		row := make([]float32, c.labels)
		for i, w := range mix {
			for l, x := range memberLogits[i][e] {
				row[l] += w * x
			}
		}
		out[e] = row
	}
	c.lastCombined = out
	return out, nil
}

func (c *AdaBoost) Backward(dCombined [][]float32) ([][][]float32, error) {
	if c.lastCombined == nil {
		return nil, fmt.Errorf("%s: backward before combine", c.Name())
	}
	n := c.NumMembers()
	mix := c.MixWeights()
	dMembers := make([][][]float32, n)
	for i := 0; i < n; i++ {
		dm := make([][]float32, len(dCombined))
		for e, dy := range dCombined {
			row := make([]float32, c.labels)
			dAlpha := float32(0)
			for l, d := range dy {
				row[l] = mix[i] * d
				// d combined / d alpha_i = mix_i * (x_i - combined).
				dAlpha += d * mix[i] * (c.lastLogits[i][e][l] - c.lastCombined[e][l])
			}
			c.alpha.Grad[i] += dAlpha
			dm[e] = row
		}
		dMembers[i] = dm
	}
	return dMembers, nil
}

// ---------------------------------------------------------------------------
// SoftVoting: average of the members' softmaxed probability distributions.
// No learnable parameters. The averaged probabilities feed the shared loss
// the same way the other variants' logits do.
// ---------------------------------------------------------------------------

type SoftVoting struct {
	members int
	labels  int

	lastProbs [][][]float32 // [member][example][label]
}

func newSoftVoting(numMembers, numLabels int) *SoftVoting {
	return &SoftVoting{members: numMembers, labels: numLabels}
}

func (c *SoftVoting) Name() string        { return VariantSoftVoting }
func (c *SoftVoting) NumMembers() int     { return c.members }
func (c *SoftVoting) Parameters() []*Param { return nil }

func (c *SoftVoting) Combine(memberLogits [][][]float32) ([][]float32, error) {
	batch, err := checkMemberLogits(c.Name(), memberLogits, c.members, c.labels)
	if err != nil {
		return nil, err
	}
	c.lastProbs = make([][][]float32, c.members)
	out := make([][]float32, batch)
	for e := 0; e < batch; e++ {
		out[e] = make([]float32, c.labels)
	}
	inv := 1 / float32(c.members)
	for i := 0; i < c.members; i++ {
		c.lastProbs[i] = make([][]float32, batch)
		for e := 0; e < batch; e++ {
			p := softmax(memberLogits[i][e])
			c.lastProbs[i][e] = p
			for l, v := range p {
				out[e][l] += v * inv
			}
		}
	}
	return out, nil
}

func (c *SoftVoting) Backward(dCombined [][]float32) ([][][]float32, error) {
	if c.lastProbs == nil {
		return nil, fmt.Errorf("%s: backward before combine", c.Name())
	}
	inv := 1 / float32(c.members)
	dMembers := make([][][]float32, c.members)
	for i := 0; i < c.members; i++ {
		dm := make([][]float32, len(dCombined))
		for e, dy := range dCombined {
			p := c.lastProbs[i][e]
			// Softmax jacobian: dx_l = p_l * (dp_l - sum_k p_k dp_k),
			// with dp = dy / members.
			dot := float32(0)
			for l, d := range dy {
				dot += p[l] * d * inv
			}
			row := make([]float32, c.labels)
			for l, d := range dy {
				row[l] = p[l] * (d*inv - dot)
			}
			dm[e] = row
		}
		dMembers[i] = dm
	}
	return dMembers, nil
}
