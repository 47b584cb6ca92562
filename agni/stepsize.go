package agni

import (
	"encoding/json"
	"os"
)

// StepSizeMonitor records the effective step size of every completed
// optimizer step: the learning rate times the gradient norm, summed over
// parameters. It is a proxy for how far the parameters actually move per
// update, used to compare runs with and without noise injection. The record
// is append-only for the lifetime of a run and never mutates gradients.
type StepSizeMonitor struct {
	records []float32
}

// Record appends lr * sum over parameters of ||g_p||_2 and returns it.
// Parameters with empty gradient buffers contribute nothing.
func (m *StepSizeMonitor) Record(lr float32, grads [][]float32) float32 {
	total := float32(0)
	for _, g := range grads {
		if len(g) == 0 {
			continue
		}
		total += lr * Norm(g)
	}
	m.records = append(m.records, total)
	return total
}

// Records returns the step-size series recorded so far.
func (m *StepSizeMonitor) Records() []float32 {
	return m.records
}

// WriteJSON dumps the series for external plotting.
func (m *StepSizeMonitor) WriteJSON(path string) error {
	b, err := json.MarshalIndent(m.records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}
