package main

// ===========================================================================
// BACKWARD OPERATIONS
// ===========================================================================
//
// Reverse-mode differentiation for the layers used by the projection head
// and the reference backbone. Each operation is an explicit forward /
// backward pair; there is no tape. The forward pass stores whatever the
// backward pass needs in a per-call cache, and gradients flow backward as
// plain tensors whose data fields hold ∂L/∂(output).
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Backward: given ∂L/∂z, compute ∂L/∂x = ∂L/∂z · ∂z/∂y · ∂y/∂x
//
// Only the student side of the distillation engine is ever differentiated.
// The teacher's forward passes go through the same layers but no backward
// function is ever invoked on them.
//
// ===========================================================================

import (
	"math"
)

// MatMulBackward computes gradients for matrix multiplication.
//
// Given:
//   - C = A @ B
//   - gradC = ∂L/∂C (gradient flowing back from loss)
//
// Compute:
//   - gradA = ∂L/∂A = gradC @ B^T
//   - gradB = ∂L/∂B = A^T @ gradC
//
// Derivation:
//   C[i,j] = Σ_k A[i,k] * B[k,j]
//   ∂C[i,j]/∂A[i,k] = B[k,j]
//   ∂L/∂A[i,k] = Σ_j ∂L/∂C[i,j] * B[k,j] = (gradC @ B^T)[i,k]
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	// ∂L/∂A = gradC @ B^T
	bT := Transpose(b)
	gradA = MatMul(gradC, bT)

	// ∂L/∂B = A^T @ gradC
	aT := Transpose(a)
	gradB = MatMul(aT, gradC)

	return gradA, gradB
}

// BiasAddBackward computes the bias gradient for Y = X + bias, where bias
// is broadcast across the batch dimension.
//
// Derivation:
//   Y[b,f] = X[b,f] + bias[f]
//   ∂L/∂bias[f] = Σ_b ∂L/∂Y[b,f]   (every batch row contributes)
//   ∂L/∂X = gradY (passes through unchanged)
func BiasAddBackward(gradY *Tensor) *Tensor {
	if len(gradY.shape) != 2 {
		panic("BiasAddBackward: requires 2D gradient")
	}

	batch, features := gradY.shape[0], gradY.shape[1]
	gradBias := NewTensor(features)

	for b := 0; b < batch; b++ {
		for f := 0; f < features; f++ {
			gradBias.data[f] += gradY.At(b, f)
		}
	}

	return gradBias
}

// GELUBackward computes gradient for GELU activation.
//
// GELU(x) = 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³)))
//
// The derivative is computed analytically from the tanh approximation.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]

		inner := sqrt2OverPi * (v + coeff*v*v*v)
		tanhInner := math.Tanh(inner)

		// d/dx GELU(x) via chain rule
		tanhDeriv := 1.0 - tanhInner*tanhInner // sech²(inner)
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*tanhDeriv*innerDeriv

		gradX.data[i] = gradY.data[i] * geluDeriv
	}

	return gradX
}

// LayerNormBackward computes gradients for layer normalization.
//
// LayerNorm: y = gamma * (x - mean) / std + beta
//
// where:
//   - mean = Σ x[i] / n
//   - variance = Σ (x[i] - mean)² / n
//   - std = sqrt(variance + epsilon)
//
// Gradients:
//   - ∂L/∂gamma = Σ ∂L/∂y * (x - mean) / std
//   - ∂L/∂beta = Σ ∂L/∂y
//   - ∂L/∂x follows the standard normalization backward formula, with the
//     chain rule applied through both mean and variance.
func LayerNormBackward(x, gamma, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}

	batch, features := x.shape[0], x.shape[1]

	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(gamma.shape...)
	gradBeta = NewTensor(gamma.shape...)

	n := float64(features)

	for b := 0; b < batch; b++ {
		// Recompute statistics (needed for backward pass)
		mean := 0.0
		for f := 0; f < features; f++ {
			mean += x.At(b, f)
		}
		mean /= n

		variance := 0.0
		for f := 0; f < features; f++ {
			diff := x.At(b, f) - mean
			variance += diff * diff
		}
		variance /= n

		std := math.Sqrt(variance + epsilon)

		// Gradients for gamma and beta
		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			gradGamma.data[f] += gradY.At(b, f) * xNorm
			gradBeta.data[f] += gradY.At(b, f)
		}

		// Gradient for x
		sumGradY := 0.0
		sumGradYXNorm := 0.0
		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			sumGradY += gradY.At(b, f) * gamma.data[f]
			sumGradYXNorm += gradY.At(b, f) * gamma.data[f] * xNorm
		}

		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			gradXNorm := gradY.At(b, f) * gamma.data[f]
			gradX.Set((n*gradXNorm-sumGradY-xNorm*sumGradYXNorm)/(n*std), b, f)
		}
	}

	return gradX, gradGamma, gradBeta
}

// UnitRowBackward maps a gradient taken w.r.t. row-normalized weights back
// to the underlying direction parameters.
//
// Given per-row normalization:
//   w = v / ||v||
//
// the Jacobian is the scaled tangent projector:
//   ∂L/∂v = (I - w wᵀ) / ||v|| · ∂L/∂w
//
// which removes the radial component of the gradient. The row length of v
// therefore never changes under gradient descent: the prototype directions
// are learned, their norms stay frozen at whatever they were initialized to.
// v and gradW must both be (rows, cols).
func UnitRowBackward(v, gradW *Tensor) *Tensor {
	if len(v.shape) != 2 || !shapeEqual(v.shape, gradW.shape) {
		panic("UnitRowBackward: requires matching 2D tensors")
	}

	rows, cols := v.shape[0], v.shape[1]
	gradV := NewTensor(rows, cols)

	for i := 0; i < rows; i++ {
		norm := 0.0
		for j := 0; j < cols; j++ {
			val := v.At(i, j)
			norm += val * val
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			continue
		}

		// dot = (∂L/∂w) · w
		dot := 0.0
		for j := 0; j < cols; j++ {
			dot += gradW.At(i, j) * v.At(i, j) / norm
		}

		for j := 0; j < cols; j++ {
			w := v.At(i, j) / norm
			gradV.Set((gradW.At(i, j)-dot*w)/norm, i, j)
		}
	}

	return gradV
}

// AccumulateGrad adds gradient to a tensor's gradient buffer.
// Used when a tensor is used multiple times in the forward pass - every
// student crop flows through the same head parameters, so each view's
// backward pass accumulates here.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("AccumulateGrad: shape mismatch")
	}

	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
