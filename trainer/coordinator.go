package trainer

import (
	"context"
	"fmt"

	"github.com/openfluke/loom/nn"

	"github.com/openfluke/agni/agni"
	"github.com/openfluke/agni/ensemble"
)

// Phase is the coordinator's position in the accumulate / inject / step cycle.
type Phase int

const (
	// Accumulating: forward/backward micro-batches fold gradients and
	// variance samples into the arena.
	Accumulating Phase = iota
	// Injecting: variance-scaled noise is being added to the accumulated
	// gradients.
	Injecting
	// Stepping: the optimizer consumes the (possibly noisy) gradients.
	Stepping
)

func (p Phase) String() string {
	switch p {
	case Accumulating:
		return "ACCUMULATING"
	case Injecting:
		return "INJECTING"
	case Stepping:
		return "STEPPING"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

var validTransitions = map[Phase]Phase{
	Accumulating: Injecting,
	Injecting:    Stepping,
	Stepping:     Accumulating,
}

// Coordinator owns the training loop around an ensemble model: it counts
// micro-batches, maintains one variance tracker per parameter tensor, fires
// noise injection at each accumulation boundary, and applies the optimizer.
// It is single-threaded by design; all state belongs to the caller's loop.
type Coordinator struct {
	cfg   Config
	model *ensemble.Model
	opt   *AdamW
	sched nn.LRScheduler

	params    []*ensemble.Param
	variances []*agni.VarianceState
	injector  *agni.Injector
	monitor   *agni.StepSizeMonitor

	phase     Phase
	pending   int // micro-batches accumulated since the last step
	completed int // optimizer steps taken
}

func NewCoordinator(cfg Config, model *ensemble.Model, sched nn.LRScheduler, inj *agni.Injector) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.UseNoiseInjection && inj == nil {
		return nil, fmt.Errorf("coordinator: noise injection enabled but no injector supplied")
	}
	params := model.Parameters()
	variances := make([]*agni.VarianceState, len(params))
	for i := range variances {
		variances[i] = &agni.VarianceState{}
	}
	return &Coordinator{
		cfg:       cfg,
		model:     model,
		opt:       NewAdamW(cfg.WeightDecay),
		sched:     sched,
		params:    params,
		variances: variances,
		injector:  inj,
		monitor:   &agni.StepSizeMonitor{},
		phase:     Accumulating,
	}, nil
}

func (c *Coordinator) Phase() Phase                     { return c.phase }
func (c *Coordinator) CompletedSteps() int              { return c.completed }
func (c *Coordinator) PendingBatches() int              { return c.pending }
func (c *Coordinator) Monitor() *agni.StepSizeMonitor   { return c.monitor }
func (c *Coordinator) VarianceCount(i int) int          { return c.variances[i].N }

func (c *Coordinator) transition(to Phase) error {
	if validTransitions[c.phase] != to {
		return fmt.Errorf("coordinator: illegal transition %s -> %s", c.phase, to)
	}
	c.phase = to
	return nil
}

// ProcessBatch runs one micro-batch through the model, folds its gradients
// into the arena, and, when the accumulation window fills, performs the
// inject/step boundary. Returns the batch loss.
func (c *Coordinator) ProcessBatch(b ensemble.Batch) (float32, error) {
	if c.phase != Accumulating {
		return 0, fmt.Errorf("coordinator: ProcessBatch in phase %s", c.phase)
	}
	out, err := c.model.Forward(b)
	if err != nil {
		return 0, err
	}
	if !out.HasLoss {
		return 0, fmt.Errorf("coordinator: training batch carries no labels")
	}
	// The loss gradient is scaled down so that the accumulated gradient after
	// a full window equals the mean micro-batch gradient.
	if err := c.model.Backward(1 / float32(c.cfg.GradientAccumulationSteps)); err != nil {
		return 0, err
	}
	if c.cfg.UseNoiseInjection {
		// Each sample is the running accumulated gradient, so the tracker
		// sees the prefix sums of the window, not the per-batch increments.
		for i, p := range c.params {
			if len(p.Grad) == 0 {
				continue
			}
			if err := c.variances[i].Update(p.Grad); err != nil {
				return 0, err
			}
		}
	}
	c.pending++
	if c.pending >= c.cfg.GradientAccumulationSteps {
		if err := c.stepBoundary(); err != nil {
			return 0, err
		}
	}
	return out.Loss, nil
}

// stepBoundary walks the full phase cycle: inject noise into every
// accumulated gradient, record the effective step size, apply the optimizer,
// and reset for the next window.
func (c *Coordinator) stepBoundary() error {
	if err := c.transition(Injecting); err != nil {
		return err
	}
	if c.cfg.UseNoiseInjection {
		for i, p := range c.params {
			if len(p.Grad) == 0 {
				continue
			}
			variance := c.variances[i].Variance()
			if variance == nil {
				continue
			}
			magnitude := agni.Norm(p.Grad)
			if err := c.injector.Inject(p.Grad, variance, magnitude); err != nil {
				return fmt.Errorf("coordinator: parameter %s: %w", p.Key, err)
			}
			c.variances[i].Reset()
		}
	}

	if err := c.transition(Stepping); err != nil {
		return err
	}
	lr := float32(c.sched.GetLR(c.completed))
	grads := make([][]float32, len(c.params))
	for i, p := range c.params {
		grads[i] = p.Grad
	}
	c.monitor.Record(lr, grads)

	c.opt.BeginStep()
	for _, p := range c.params {
		c.opt.Update(p.Key, p.Data, p.Grad, lr)
		p.ZeroGrad()
	}
	c.completed++
	c.pending = 0

	return c.transition(Accumulating)
}

// Flush forces a step for a partially filled accumulation window, e.g. at the
// end of an epoch whose batch count is not a multiple of the window size.
// A no-op when nothing is pending.
func (c *Coordinator) Flush() error {
	if c.pending == 0 {
		return nil
	}
	return c.stepBoundary()
}

// RunEpoch processes batches in order, flushing any trailing partial window,
// and returns the mean batch loss. ctx cancellation stops between batches.
func (c *Coordinator) RunEpoch(ctx context.Context, batches []ensemble.Batch) (float32, error) {
	if len(batches) == 0 {
		return 0, fmt.Errorf("coordinator: empty epoch")
	}
	total := float32(0)
	for _, b := range batches {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		loss, err := c.ProcessBatch(b)
		if err != nil {
			return 0, err
		}
		total += loss
	}
	if err := c.Flush(); err != nil {
		return 0, err
	}
	return total / float32(len(batches)), nil
}

// Evaluate runs labeled batches forward-only and feeds predictions to sink.
// Single-label problems predict the argmax logit; regression predicts the
// squeezed scalar and multi-label thresholds each logit at zero.
func (c *Coordinator) Evaluate(batches []ensemble.Batch, sink MetricSink) error {
	for _, b := range batches {
		out, err := c.model.Forward(b)
		if err != nil {
			return err
		}
		preds := make([]float32, len(out.CombinedLogits))
		for e, row := range out.CombinedLogits {
			switch c.model.Problem() {
			case ensemble.ProblemRegression:
				preds[e] = row[0]
			default:
				best := 0
				for l := 1; l < len(row); l++ {
					if row[l] > row[best] {
						best = l
					}
				}
				preds[e] = float32(best)
			}
		}
		if err := sink.AddBatch(preds, b); err != nil {
			return err
		}
	}
	return nil
}
