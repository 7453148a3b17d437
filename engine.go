package main

// ===========================================================================
// DISTILLATION ENGINE
// ===========================================================================
//
// Owns the two networks of the self-distillation scheme:
//
//   student - updated by gradient descent, sees every crop
//   teacher - updated ONLY by an exponential moving average of the
//             student's parameters, sees only the global crops
//
// The two mutation paths never cross. No optimizer is ever handed the
// teacher's parameters (TeacherParameters returns copies), and the EMA
// update never touches the student. The teacher is initialized as an
// exact copy of the student, then trails it for the rest of training.
//
// One training step is the atomic sequence
//
//   Forward → (driver: check finite) → Backward → optimizer step
//           → UpdateTeacher
//
// with UpdateTeacher called exactly once per optimizer step, strictly
// after it - the teacher lags the student by one step, never zero. The
// engine has no internal concurrency; one training-loop goroutine drives
// it, and the only state carried across steps is the loss center and the
// teacher parameters.
//
// ===========================================================================

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// minGlobalCrops is the smallest global-view count the engine accepts.
// With fewer than two global views the pairing rule cannot form a single
// teacher↔student comparison that isn't a self-comparison.
const minGlobalCrops = 2

// Network bundles a backbone with its projection head. The student and
// teacher are two structurally identical instances of this pair.
type Network struct {
	Backbone TrainableBackbone
	Head     *ProjectionHead
}

// Parameters returns all trainable tensors, backbone first.
func (n *Network) Parameters() []*Tensor {
	return append(n.Backbone.Parameters(), n.Head.Parameters()...)
}

// stepState carries one Forward pass's caches and logit gradients to the
// matching Backward call.
type stepState struct {
	caches []*viewCache
	grads  []*Tensor
}

// DistillationEngine performs the forward/loss/backward plumbing for one
// training step and the non-gradient teacher update.
type DistillationEngine struct {
	student *Network
	teacher *Network

	studentRouter *MultiViewRouter
	teacherRouter *MultiViewRouter

	loss *DistillationLoss

	pending *stepState
}

// NewDistillationEngine wires a student and a structurally identical
// teacher to a loss. Fatal configuration errors - embedding-dimension
// mismatch between backbone and head, prototype-count mismatch between
// head and loss, parameter-shape mismatch between the two networks - are
// reported here, never at step time.
//
// The teacher's parameters are overwritten with an exact copy of the
// student's.
func NewDistillationEngine(student, teacher *Network, loss *DistillationLoss) (*DistillationEngine, error) {
	if got, want := student.Head.InDim(), student.Backbone.EmbedDim(); got != want {
		return nil, fmt.Errorf("engine: student head expects embedding dim %d, backbone produces %d",
			got, want)
	}
	if got, want := teacher.Head.InDim(), teacher.Backbone.EmbedDim(); got != want {
		return nil, fmt.Errorf("engine: teacher head expects embedding dim %d, backbone produces %d",
			got, want)
	}
	if student.Head.OutDim() != teacher.Head.OutDim() {
		return nil, fmt.Errorf("engine: student has %d prototypes, teacher has %d",
			student.Head.OutDim(), teacher.Head.OutDim())
	}
	if got, want := len(loss.center), student.Head.OutDim(); got != want {
		return nil, fmt.Errorf("engine: loss configured for %d prototypes, head produces %d", got, want)
	}

	// Copy-on-init: teacher parameters start bitwise identical to the
	// student's.
	sp, tp := student.Parameters(), teacher.Parameters()
	if len(sp) != len(tp) {
		return nil, fmt.Errorf("engine: student has %d parameter tensors, teacher has %d", len(sp), len(tp))
	}
	for i := range sp {
		if !shapeEqual(sp[i].shape, tp[i].shape) {
			return nil, fmt.Errorf("engine: parameter %d shape mismatch: student %v, teacher %v",
				i, sp[i].shape, tp[i].shape)
		}
		copy(tp[i].data, sp[i].data)
	}

	return &DistillationEngine{
		student:       student,
		teacher:       teacher,
		studentRouter: NewMultiViewRouter(student),
		teacherRouter: NewMultiViewRouter(teacher),
		loss:          loss,
	}, nil
}

// Forward runs one step's forward pass: every crop through the student,
// only the global crops through the teacher, both logit lists through the
// loss. The returned diagnostics carry the view counts, the pair count,
// and the numerical-health flags; a non-finite loss is surfaced there,
// not masked and not turned into an error.
func (e *DistillationEngine) Forward(cb *CropBatch) (float64, LossDiagnostics, error) {
	if err := cb.Validate(); err != nil {
		return 0, LossDiagnostics{}, err
	}
	if cb.NumGlobal() < minGlobalCrops {
		return 0, LossDiagnostics{}, fmt.Errorf("engine: need at least %d global crops, got %d",
			minGlobalCrops, cb.NumGlobal())
	}

	studentLogits, studentCaches, err := e.studentRouter.Route(cb.Views())
	if err != nil {
		return 0, LossDiagnostics{}, fmt.Errorf("student forward: %w", err)
	}

	// Teacher never sees local crops.
	teacherLogits, _, err := e.teacherRouter.Route(cb.Global)
	if err != nil {
		return 0, LossDiagnostics{}, fmt.Errorf("teacher forward: %w", err)
	}

	loss, grads, diag, err := e.loss.Forward(teacherLogits, studentLogits)
	if err != nil {
		return 0, diag, err
	}

	e.pending = &stepState{caches: studentCaches, grads: grads}
	return loss, diag, nil
}

// Backward propagates the most recent Forward call's loss gradients
// through the student's head and backbone, accumulating parameter
// gradients. The teacher is untouched; its parameters never receive a
// gradient. Panics if there is no pending forward pass.
func (e *DistillationEngine) Backward() {
	if e.pending == nil {
		panic("engine: Backward called without a pending Forward")
	}

	for i, cache := range e.pending.caches {
		gradSummary := e.student.Head.Backward(e.pending.grads[i], cache.head)
		e.student.Backbone.BackwardSummary(gradSummary, cache.backbone)
	}

	e.pending = nil
}

// UpdateTeacher blends the student's parameters into the teacher's,
// in place:
//
//	teacher ← momentum·teacher + (1−momentum)·student
//
// Call exactly once per optimizer step, after the step. Momentum 1.0
// leaves the teacher unchanged; momentum 0.0 copies the student exactly.
func (e *DistillationEngine) UpdateTeacher(momentum float64) error {
	if momentum < 0 || momentum > 1 {
		return fmt.Errorf("engine: momentum must be in [0,1], got %g", momentum)
	}

	sp, tp := e.student.Parameters(), e.teacher.Parameters()
	for i := range sp {
		floats.Scale(momentum, tp[i].data)
		floats.AddScaled(tp[i].data, 1.0-momentum, sp[i].data)
	}

	return nil
}

// StudentParameters returns the student's live parameter tensors for the
// driver's optimizer.
func (e *DistillationEngine) StudentParameters() []*Tensor {
	return e.student.Parameters()
}

// TeacherParameters returns deep copies of the teacher's parameters.
// Copies, deliberately: checkpointing may read the teacher, but the EMA
// update must remain its only writer.
func (e *DistillationEngine) TeacherParameters() []*Tensor {
	tp := e.teacher.Parameters()
	out := make([]*Tensor, len(tp))
	for i, p := range tp {
		out[i] = p.Clone()
	}
	return out
}

// TeacherNetwork returns the teacher for read-only use (e.g. extracting
// features after training). Callers must not mutate its parameters.
func (e *DistillationEngine) TeacherNetwork() *Network {
	return e.teacher
}

// Center returns a copy of the loss's running center vector.
func (e *DistillationEngine) Center() []float64 {
	return e.loss.Center()
}

// ZeroGrad clears the student's parameter gradients.
func (e *DistillationEngine) ZeroGrad() {
	for _, p := range e.student.Parameters() {
		p.ZeroGrad()
	}
}
