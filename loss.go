package main

// ===========================================================================
// DISTILLATION LOSS
// ===========================================================================
//
// Temperature-scaled cross-entropy between the student's and the teacher's
// logit distributions. This is the numerically delicate heart of the
// engine, and the two mechanisms below exist to keep it away from the
// degenerate solution where every view maps to the same output:
//
// CENTERING: a running mean of the raw teacher logits is subtracted from
// the teacher's logits before its softmax. If the teacher starts favoring
// one prototype for every input, the center grows along that prototype and
// cancels the bias. The center is an exponential moving average updated
// once per step from the batch mean - it is a running statistic, never a
// per-step reset, and it survives for the whole training run.
//
// TEMPERATURE ASYMMETRY: the teacher's softmax runs at a low temperature
// (sharp, confident targets) while the student's runs at a higher one
// (soft predictions). Sharpening pushes against the uniform collapse that
// centering alone would drift toward; the two have to be used together.
//
// PAIRING: every (teacher view, student view) pair contributes a
// cross-entropy term EXCEPT the same-index global/global pairs - a view
// must never supervise itself. With G=2 globals and L locals that is
// (G+L)·G − G terms.
//
// The forward pass also produces ∂L/∂(student logits) for every student
// view, since the quantities it needs (both softmaxes) are already in
// hand:  ∂L/∂s = (p − q) / (τ_s · B · pairs).
//
// ===========================================================================

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// LossDiagnostics is the lightweight per-step signal surfaced alongside
// the scalar loss. The engine never acts on these; the training driver
// decides what a non-finite loss or a collapsing teacher means.
type LossDiagnostics struct {
	Loss         float64
	TeacherViews int
	StudentViews int
	PairCount    int

	// FallbackUsed reports that no valid pairs existed and the
	// first-vs-last fallback term was taken.
	FallbackUsed bool

	// NonFinite reports that the loss came out NaN or Inf.
	NonFinite bool

	// TeacherVariance is the variance of the centered teacher logits;
	// near zero signals representational collapse.
	TeacherVariance float64
}

// DistillationLoss owns the centering state and the two temperatures.
// Not safe for concurrent use; one training loop owns it.
type DistillationLoss struct {
	center         []float64 // Running center, length K
	centerMomentum float64
	teacherTemp    float64
	studentTemp    float64
}

// NewDistillationLoss creates the loss for K prototypes.
// Typical values: centerMomentum 0.9, teacherTemp 0.04, studentTemp 0.1.
func NewDistillationLoss(numPrototypes int, centerMomentum, teacherTemp, studentTemp float64) (*DistillationLoss, error) {
	if numPrototypes <= 0 {
		return nil, fmt.Errorf("loss: prototype count must be positive, got %d", numPrototypes)
	}
	if centerMomentum <= 0 || centerMomentum >= 1 {
		return nil, fmt.Errorf("loss: center momentum must be in (0,1), got %g", centerMomentum)
	}
	if teacherTemp <= 0 || studentTemp <= 0 {
		return nil, fmt.Errorf("loss: temperatures must be positive, got teacher=%g student=%g",
			teacherTemp, studentTemp)
	}

	return &DistillationLoss{
		center:         make([]float64, numPrototypes),
		centerMomentum: centerMomentum,
		teacherTemp:    teacherTemp,
		studentTemp:    studentTemp,
	}, nil
}

// Center returns a copy of the running center vector (checkpointable
// state; callers cannot mutate the original through it).
func (dl *DistillationLoss) Center() []float64 {
	out := make([]float64, len(dl.center))
	copy(out, dl.center)
	return out
}

// Forward computes the distillation loss between teacher views (global
// crops only) and student views (globals first, then locals), plus the
// gradient w.r.t. each student view's logits.
//
// Side effect: updates the running center from this step's teacher logits.
//
// A dimensionality mismatch between any view and the configured prototype
// count is a fatal configuration error. A non-finite loss is NOT an error:
// it is returned as-is with diagnostics flagged, so the driver can decide
// to skip the step.
func (dl *DistillationLoss) Forward(teacher, student []*Tensor) (float64, []*Tensor, LossDiagnostics, error) {
	diag := LossDiagnostics{
		TeacherViews: len(teacher),
		StudentViews: len(student),
	}

	if len(teacher) == 0 || len(student) == 0 {
		return 0, nil, diag, fmt.Errorf("loss: need at least one teacher and one student view, got %d/%d",
			len(teacher), len(student))
	}

	k := len(dl.center)
	batch := teacher[0].shape[0]
	for i, v := range append(append([]*Tensor{}, teacher...), student...) {
		if len(v.shape) != 2 || v.shape[1] != k {
			return 0, nil, diag, fmt.Errorf("loss: view %d has shape %v, want (B, %d)", i, v.shape, k)
		}
		if v.shape[0] != batch {
			return 0, nil, diag, fmt.Errorf("loss: view %d has batch %d, want %d", i, v.shape[0], batch)
		}
	}

	// Center update from raw (pre-temperature) teacher logits, then the
	// sharpened targets are computed against the updated center.
	dl.updateCenter(teacher)

	// Teacher targets: softmax((t − center) / τ_t), detached - nothing
	// downstream ever differentiates through these.
	targets := make([]*Tensor, len(teacher))
	centeredVar := make([]float64, 0, len(teacher)*batch*k)
	for i, t := range teacher {
		centered := NewTensor(batch, k)
		for b := 0; b < batch; b++ {
			for f := 0; f < k; f++ {
				c := (t.At(b, f) - dl.center[f])
				centeredVar = append(centeredVar, c)
				centered.Set(c/dl.teacherTemp, b, f)
			}
		}
		targets[i] = Softmax(centered)
	}
	diag.TeacherVariance = stat.Variance(centeredVar, nil)

	// Student distributions at the softer temperature.
	logProbs := make([]*Tensor, len(student))
	probs := make([]*Tensor, len(student))
	for i, s := range student {
		scaled := Scale(s, 1.0/dl.studentTemp)
		logProbs[i] = LogSoftmax(scaled)
		probs[i] = Softmax(scaled)
	}

	grads := make([]*Tensor, len(student))
	for i := range student {
		grads[i] = NewTensor(batch, k)
	}

	// Cross-term accumulation over all valid (teacher, student) pairs.
	// Teacher view t is the same crop as student view t (globals lead the
	// student's view order), so those pairs are skipped.
	total := 0.0
	pairs := 0
	for t := range teacher {
		for s := range student {
			if s == t {
				continue
			}
			total += crossEntropyTerm(targets[t], logProbs[s])
			accumulatePairGrad(grads[s], probs[s], targets[t])
			pairs++
		}
	}

	if pairs == 0 {
		// Degenerate configuration (e.g. a single global view and nothing
		// else). Defined fallback: first teacher view against the last
		// student view, flagged so operators notice the misconfiguration.
		diag.FallbackUsed = true
		t, s := 0, len(student)-1
		total = crossEntropyTerm(targets[t], logProbs[s])
		accumulatePairGrad(grads[s], probs[s], targets[t])
		pairs = 1
	}

	loss := total / float64(pairs)
	diag.PairCount = pairs
	diag.Loss = loss

	// Final gradient scale: batch mean and pair-count average, plus the
	// student temperature from the softmax chain rule.
	scale := 1.0 / (dl.studentTemp * float64(batch) * float64(pairs))
	for _, g := range grads {
		for i := range g.data {
			g.data[i] *= scale
		}
	}

	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		diag.NonFinite = true
	}

	return loss, grads, diag, nil
}

// updateCenter folds this step's batch-mean teacher logits into the
// running center: c ← m·c + (1−m)·mean.
func (dl *DistillationLoss) updateCenter(teacher []*Tensor) {
	k := len(dl.center)
	mean := make([]float64, k)

	rows := 0
	for _, t := range teacher {
		batch := t.shape[0]
		for b := 0; b < batch; b++ {
			for f := 0; f < k; f++ {
				mean[f] += t.At(b, f)
			}
		}
		rows += batch
	}
	floats.Scale(1.0/float64(rows), mean)

	floats.Scale(dl.centerMomentum, dl.center)
	floats.AddScaled(dl.center, 1.0-dl.centerMomentum, mean)
}

// crossEntropyTerm computes mean_b(−Σ_k q[b,k]·logp[b,k]) for one
// (teacher, student) pair.
func crossEntropyTerm(q, logp *Tensor) float64 {
	batch, k := q.shape[0], q.shape[1]
	total := 0.0
	for b := 0; b < batch; b++ {
		for f := 0; f < k; f++ {
			total -= q.At(b, f) * logp.At(b, f)
		}
	}
	return total / float64(batch)
}

// accumulatePairGrad adds the unscaled pair gradient (p − q) into grad.
func accumulatePairGrad(grad, p, q *Tensor) {
	for i := range grad.data {
		grad.data[i] += p.data[i] - q.data[i]
	}
}
