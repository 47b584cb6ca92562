package ensemble

import (
	"fmt"
	"math"
)

// ProblemType selects the loss family. It is inferred once from the label
// width and label form, then cached by the model.
type ProblemType int

const (
	ProblemUnset ProblemType = iota
	ProblemRegression
	ProblemSingleLabel
	ProblemMultiLabel
)

func (p ProblemType) String() string {
	switch p {
	case ProblemRegression:
		return "regression"
	case ProblemSingleLabel:
		return "single_label_classification"
	case ProblemMultiLabel:
		return "multi_label_classification"
	default:
		return "unset"
	}
}

// InferProblem applies the selection rule: one output is regression; integer
// labels with more than one output is single-label classification; anything
// else is multi-label.
func InferProblem(numLabels int, b Batch) ProblemType {
	if numLabels == 1 {
		return ProblemRegression
	}
	if b.ClassLabels != nil {
		return ProblemSingleLabel
	}
	return ProblemMultiLabel
}

// LossAndGrad computes the batch-mean loss for the combined logits and the
// gradient of that mean with respect to every logit entry.
func LossAndGrad(pt ProblemType, combined [][]float32, b Batch) (float32, [][]float32, error) {
	batch := len(combined)
	if batch == 0 {
		return 0, nil, fmt.Errorf("loss: empty batch")
	}
	switch pt {
	case ProblemRegression:
		return mseLoss(combined, b)
	case ProblemSingleLabel:
		return crossEntropyLoss(combined, b)
	case ProblemMultiLabel:
		return bceLoss(combined, b)
	default:
		return 0, nil, fmt.Errorf("loss: problem type not inferred")
	}
}

// mseLoss squeezes the singleton label dimension: combined is [batch][1],
// targets are [batch][1].
func mseLoss(combined [][]float32, b Batch) (float32, [][]float32, error) {
	batch := len(combined)
	if len(b.Targets) != batch {
		return 0, nil, fmt.Errorf("mse: %d targets for %d examples", len(b.Targets), batch)
	}
	loss := float64(0)
	grad := make([][]float32, batch)
	inv := float32(1) / float32(batch)
	for e, row := range combined {
		if len(row) != 1 || len(b.Targets[e]) != 1 {
			return 0, nil, fmt.Errorf("mse: example %d is not scalar", e)
		}
		diff := row[0] - b.Targets[e][0]
		loss += float64(diff) * float64(diff)
		grad[e] = []float32{2 * diff * inv}
	}
	return float32(loss) * inv, grad, nil
}

func crossEntropyLoss(combined [][]float32, b Batch) (float32, [][]float32, error) {
	batch := len(combined)
	if len(b.ClassLabels) != batch {
		return 0, nil, fmt.Errorf("cross entropy: %d labels for %d examples", len(b.ClassLabels), batch)
	}
	loss := float64(0)
	grad := make([][]float32, batch)
	inv := float32(1) / float32(batch)
	for e, row := range combined {
		target := b.ClassLabels[e]
		if target < 0 || target >= len(row) {
			return 0, nil, fmt.Errorf("cross entropy: example %d label %d out of range [0,%d)", e, target, len(row))
		}
		probs := softmax(row)
		loss -= math.Log(float64(probs[target]) + 1e-9)
		g := make([]float32, len(row))
		for l, p := range probs {
			g[l] = p * inv
		}
		g[target] -= inv
		grad[e] = g
	}
	return float32(loss) * inv, grad, nil
}

// bceLoss is per-label binary cross-entropy with logits, mean over all
// batch*label entries, computed in the numerically stable max(y,0) form.
func bceLoss(combined [][]float32, b Batch) (float32, [][]float32, error) {
	batch := len(combined)
	if len(b.Targets) != batch {
		return 0, nil, fmt.Errorf("bce: %d targets for %d examples", len(b.Targets), batch)
	}
	labels := len(combined[0])
	loss := float64(0)
	grad := make([][]float32, batch)
	inv := float32(1) / float32(batch*labels)
	for e, row := range combined {
		if len(b.Targets[e]) != labels {
			return 0, nil, fmt.Errorf("bce: example %d has %d targets, want %d", e, len(b.Targets[e]), labels)
		}
		g := make([]float32, labels)
		for l, y := range row {
			t := b.Targets[e][l]
			yf := float64(y)
			loss += math.Max(yf, 0) - yf*float64(t) + math.Log(1+math.Exp(-math.Abs(yf)))
			g[l] = (sigmoid(y) - t) * inv
		}
		grad[e] = g
	}
	return float32(loss) * inv, grad, nil
}

func softmax(row []float32) []float32 {
	maxVal := row[0]
	for _, v := range row[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := float64(0)
	out := make([]float32, len(row))
	for i, v := range row {
		e := math.Exp(float64(v - maxVal))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}
