package main

// ===========================================================================
// TRAINING LOOP
// ===========================================================================
//
// Drives the distillation engine: one optimizer per run, two schedules
// queried once per epoch, one strictly ordered step sequence:
//
//   forward → backward → clip → optimizer step → teacher EMA update
//
// The teacher update for step n completes before the forward pass of
// step n+1 begins; batching or reordering teacher updates would change
// the effective EMA decay rate. A step whose loss comes out non-finite
// performs NO optimizer step and NO teacher update - a corrupted step
// must not push bad student parameters into the teacher - and training
// continues with the next batch. The loop never auto-adjusts anything;
// a stream of skipped steps is an operator problem (learning rate too
// high, temperatures wrong), not something to recover from silently.
//
// ===========================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// TrainingConfig holds hyperparameters for a distillation run.
type TrainingConfig struct {
	// Run shape
	Epochs        int
	StepsPerEpoch int

	// Learning rate schedule
	WarmupStartLR float64
	BaseLR        float64
	FinalLR       float64
	WarmupEpochs  int

	// Teacher EMA schedule
	BaseMomentum float64

	// Optimization
	Optimizer         string // "sgd", "adam"
	WeightDecay       float64
	GradientClipValue float64
	AdamBeta1         float64
	AdamBeta2         float64
	AdamEpsilon       float64

	// Logging
	LogInterval int
	RunID       string
}

// DefaultTrainingConfig returns sensible defaults for a small run.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:        10,
		StepsPerEpoch: 100,

		WarmupStartLR: 1e-6,
		BaseLR:        5e-4,
		FinalLR:       1e-6,
		WarmupEpochs:  2,

		BaseMomentum: 0.996,

		Optimizer:         "adam",
		WeightDecay:       0.04,
		GradientClipValue: 3.0,
		AdamBeta1:         0.9,
		AdamBeta2:         0.999,
		AdamEpsilon:       1e-8,

		LogInterval: 10,
	}
}

// Optimizer interface for different optimization algorithms.
// Only ever handed the student's parameters; the teacher is EMA-updated
// by the engine, never by an optimizer.
type Optimizer interface {
	// Step performs a single optimization step.
	// Updates parameters using their gradients.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*Tensor)
}

// SGDOptimizer implements Stochastic Gradient Descent.
type SGDOptimizer struct {
	weightDecay float64
}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer(weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{
		weightDecay: weightDecay,
	}
}

// Step updates parameters using SGD: param -= lr * (grad + weightDecay * param).
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for _, p := range params {
		for i := range p.data {
			// L2 regularization: add weight decay
			grad := p.grad[i] + opt.weightDecay*p.data[i]

			p.data[i] -= lr * grad
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// AdamOptimizer implements the Adam optimization algorithm.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	m_hat = m_t / (1 - beta1^t)  // Bias correction
//	v_hat = v_t / (1 - beta2^t)
//	param -= lr * m_hat / (sqrt(v_hat) + epsilon)
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	// State (one per parameter)
	m []*Tensor // First moment (momentum)
	v []*Tensor // Second moment (variance)
	t int       // Time step (for bias correction)
}

// NewAdamOptimizer creates an Adam optimizer with moment state matching
// the given parameters.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))

	for i, p := range params {
		m[i] = NewTensor(p.shape...)
		v[i] = NewTensor(p.shape...)
	}

	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
		t:           0,
	}
}

// Step performs an Adam update.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	opt.t++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		for j := range p.data {
			// Gradient with weight decay
			grad := p.grad[j] + opt.weightDecay*p.data[j]

			// Update biased first moment
			opt.m[i].data[j] = opt.beta1*opt.m[i].data[j] + (1.0-opt.beta1)*grad

			// Update biased second moment
			opt.v[i].data[j] = opt.beta2*opt.v[i].data[j] + (1.0-opt.beta2)*grad*grad

			// Bias-corrected moments
			mHat := opt.m[i].data[j] / bias1
			vHat := opt.v[i].data[j] / bias2

			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// clipGradients clips gradients by global norm.
func clipGradients(params []*Tensor, maxNorm float64) {
	globalNorm := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			globalNorm += g * g
		}
	}
	globalNorm = math.Sqrt(globalNorm)

	if globalNorm > maxNorm {
		scale := maxNorm / globalNorm
		for _, p := range params {
			for i := range p.grad {
				p.grad[i] *= scale
			}
		}
	}
}

// Train runs the full distillation loop, drawing crop batches from the
// batches channel. Returns the number of completed steps and the first
// error encountered (context cancellation, exhausted sampler, or a fatal
// engine error).
func Train(ctx context.Context, engine *DistillationEngine, sched *ScheduleCoordinator, batches <-chan *CropBatch, cfg TrainingConfig, logger *slog.Logger) (int, error) {
	if cfg.Epochs <= 0 || cfg.StepsPerEpoch <= 0 {
		return 0, fmt.Errorf("train: epochs and steps per epoch must be positive, got %d/%d",
			cfg.Epochs, cfg.StepsPerEpoch)
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	params := engine.StudentParameters()

	var optimizer Optimizer
	switch cfg.Optimizer {
	case "adam", "":
		optimizer = NewAdamOptimizer(params, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEpsilon, cfg.WeightDecay)
	case "sgd":
		optimizer = NewSGDOptimizer(cfg.WeightDecay)
	default:
		return 0, fmt.Errorf("train: unknown optimizer %q", cfg.Optimizer)
	}

	logger.Info("training started",
		"run_id", cfg.RunID,
		"epochs", cfg.Epochs,
		"steps_per_epoch", cfg.StepsPerEpoch,
		"optimizer", cfg.Optimizer,
		"base_lr", cfg.BaseLR,
		"base_momentum", cfg.BaseMomentum,
	)

	var window Window
	steps := 0
	skipped := 0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		// Both schedules are recomputed once per epoch, from the epoch
		// index alone.
		lr := sched.LearningRate(epoch)
		momentum := sched.Momentum(epoch)

		logger.Info("epoch", "run_id", cfg.RunID, "epoch", epoch, "lr", lr, "momentum", momentum)

		for step := 0; step < cfg.StepsPerEpoch; step++ {
			var batch *CropBatch
			select {
			case <-ctx.Done():
				return steps, ctx.Err()
			case b, ok := <-batches:
				if !ok {
					return steps, fmt.Errorf("train: batch source closed after %d steps", steps)
				}
				batch = b
			}

			start := time.Now()
			engine.ZeroGrad()

			loss, diag, err := engine.Forward(batch)
			if err != nil {
				return steps, fmt.Errorf("train: step %d: %w", steps, err)
			}

			if diag.FallbackUsed {
				logger.Warn("loss fallback path taken; check global crop count",
					"run_id", cfg.RunID, "step", steps)
			}

			if diag.NonFinite {
				// Skip the whole step: no gradient step, no teacher
				// update. The teacher must never absorb a corrupted
				// student state.
				skipped++
				logger.Warn("non-finite loss, skipping step",
					"run_id", cfg.RunID, "step", steps, "loss", loss, "skipped_total", skipped)
				continue
			}

			engine.Backward()
			clipGradients(params, cfg.GradientClipValue)
			optimizer.Step(params, lr)

			if err := engine.UpdateTeacher(momentum); err != nil {
				return steps, fmt.Errorf("train: step %d: %w", steps, err)
			}

			steps++
			window.Record(loss, diag.TeacherVariance, time.Since(start))

			if steps%cfg.LogInterval == 0 {
				snap := window.Snapshot()
				logger.Info("step",
					"run_id", cfg.RunID,
					"step", steps,
					"loss", snap.AvgLoss,
					"teacher_variance", snap.AvgTeacherVariance,
					"step_ms", snap.AvgStepMS,
					"lr", lr,
					"momentum", momentum,
				)
			}
		}
	}

	logger.Info("training complete", "run_id", cfg.RunID, "steps", steps, "skipped", skipped)
	return steps, nil
}
