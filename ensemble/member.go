// Package ensemble merges the logits of several trainable member models into
// a single prediction through an interchangeable combiner strategy, computes
// the task loss, and optionally penalizes similarity between member internal
// representations. All gradient flow is explicit: forward passes cache what
// the matching backward pass needs, and every trainable value lives in a
// Param whose Grad buffer accumulates across micro-batches until the
// training loop consumes it.
package ensemble

import "fmt"

// Param is one trainable tensor. Data aliases the live weights (for
// loom-backed members it aliases the layer's Kernel/Bias storage directly),
// Grad is the accumulation buffer owned jointly with the training loop: the
// backward passes add into it, the optimizer reads it and zeroes it. Key is
// a stable human-readable identifier used for optimizer state; the stable
// identity within a run is the parameter's index in the gathered list.
type Param struct {
	Key  string
	Data []float32
	Grad []float32
}

// ZeroGrad clears the accumulation buffer in place.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Batch is one micro-batch of labeled examples. Exactly one label form is
// set: ClassLabels for single-label classification (integer class indices),
// Targets for regression (length-1 vectors) or multi-label classification
// (per-label float targets). Both nil means an unlabeled (evaluation-only)
// batch.
type Batch struct {
	Inputs      [][]float32
	ClassLabels []int
	Targets     [][]float32
}

// Labeled reports whether the batch carries labels of either form.
func (b Batch) Labeled() bool {
	return b.ClassLabels != nil || b.Targets != nil
}

// Member is one trainable classifier participating in the ensemble.
//
// ForwardBatch and BackwardBatch are strictly paired: backward consumes
// state cached by the most recent forward. The coordinator is the sole
// caller, single-threaded, so members do not need to defend against
// interleaving.
type Member interface {
	// OutputSize is the logits width (num_labels).
	OutputSize() int
	// TotalLayers is the number of internal layers whose outputs can be
	// tapped as representations.
	TotalLayers() int
	// ForwardBatch returns per-example logits, shape [batch][OutputSize].
	ForwardBatch(inputs [][]float32) [][]float32
	// Representation returns the per-example output of the given layer from
	// the most recent ForwardBatch, flattened to [batch][dim].
	Representation(layer int) [][]float32
	// SupportsRepresentationGrad reports whether AddRepresentationGrad can
	// route a gradient into the given layer, so misconfigured decorrelation
	// taps fail at model construction rather than mid-training.
	SupportsRepresentationGrad(layer int) bool
	// AddRepresentationGrad queues a gradient to be applied at the given
	// layer's output during the next BackwardBatch. Members that cannot
	// route a gradient into that layer return an error.
	AddRepresentationGrad(layer int, d [][]float32) error
	// BackwardBatch propagates per-example logits gradients (plus any queued
	// representation gradients) and adds the resulting parameter gradients
	// into the Param.Grad buffers.
	BackwardBatch(dLogits [][]float32) error
	// Parameters exposes the member's trainable tensors. The returned slice
	// and its entries are stable for the member's lifetime.
	Parameters() []*Param
}

func checkBatchShape(name string, logits [][]float32, batch, labels int) error {
	if len(logits) != batch {
		return fmt.Errorf("%s: got %d examples, want %d", name, len(logits), batch)
	}
	for e, row := range logits {
		if len(row) != labels {
			return fmt.Errorf("%s: example %d has %d logits, want %d", name, e, len(row), labels)
		}
	}
	return nil
}
