package trainer

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/openfluke/agni/ensemble"
)

// ErrNotRegistered reports a metric backend that has not finished registering
// yet. Compute treats it as transient and worth retrying.
var ErrNotRegistered = errors.New("metric not registered")

// MetricSink accumulates predictions batch by batch and computes a final
// scalar. Compute may fail transiently with ErrNotRegistered.
type MetricSink interface {
	Name() string
	AddBatch(preds []float32, b ensemble.Batch) error
	Compute() (float32, error)
	Reset()
}

// ComputeWithRetry calls sink.Compute, retrying ErrNotRegistered with
// exponential backoff plus jitter. Any other error is returned immediately.
func ComputeWithRetry(sink MetricSink, attempts int, base time.Duration, rng *rand.Rand) (float32, error) {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := sink.Compute()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotRegistered) {
			return 0, err
		}
		lastErr = err
		if i < attempts-1 {
			jitter := time.Duration(rng.Int63n(int64(delay)/2 + 1))
			time.Sleep(delay + jitter)
			delay *= 2
		}
	}
	return 0, fmt.Errorf("metric %s: %d attempts: %w", sink.Name(), attempts, lastErr)
}

// AccuracySink scores single-label predictions against integer class labels.
// Each sink carries a unique experiment ID so parallel evaluations never
// collide in shared result stores.
type AccuracySink struct {
	ExperimentID string

	correct int
	total   int
}

func NewAccuracySink() *AccuracySink {
	return &AccuracySink{ExperimentID: uuid.NewString()}
}

func (s *AccuracySink) Name() string { return "accuracy" }

func (s *AccuracySink) AddBatch(preds []float32, b ensemble.Batch) error {
	if len(preds) != len(b.ClassLabels) {
		return fmt.Errorf("accuracy: %d predictions for %d labels", len(preds), len(b.ClassLabels))
	}
	for i, p := range preds {
		if int(p) == b.ClassLabels[i] {
			s.correct++
		}
		s.total++
	}
	return nil
}

func (s *AccuracySink) Compute() (float32, error) {
	if s.total == 0 {
		return 0, fmt.Errorf("accuracy: no batches seen")
	}
	return float32(s.correct) / float32(s.total), nil
}

func (s *AccuracySink) Reset() {
	s.correct = 0
	s.total = 0
}
