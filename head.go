package main

// ===========================================================================
// PROJECTION HEAD
// ===========================================================================
//
// Maps a backbone summary embedding (dimension D) to a wide logit vector
// over K learned prototypes, through a bottleneck:
//
//   x [B,D] → Linear(D→bottleneck) → LayerNorm → GELU
//           → WeightNormLinear(bottleneck→K) → logits [B,K]
//
// The output layer's weight matrix is constrained to unit-norm rows: the
// forward pass normalizes each prototype row, and UnitRowBackward projects
// the gradient onto the tangent of the unit sphere so only the DIRECTION
// of each prototype is trainable. Without this constraint the network can
// inflate logit magnitudes and defeat the loss's temperature scaling.
//
// No activation is applied to the logits; softmax happens inside the
// distillation loss, not here.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

const layerNormEps = 1e-5

// LayerNorm normalizes each row to zero mean and unit variance, then
// applies a learned scale and shift.
type LayerNorm struct {
	gamma *Tensor // Scale, shape (features)
	beta  *Tensor // Shift, shape (features)
	eps   float64
}

// NewLayerNorm creates a LayerNorm over the given feature dimension,
// initialized to the identity transform.
func NewLayerNorm(features int) *LayerNorm {
	gamma := NewTensor(features)
	for i := range gamma.data {
		gamma.data[i] = 1.0
	}

	return &LayerNorm{
		gamma: gamma,
		beta:  NewTensor(features),
		eps:   layerNormEps,
	}
}

// Forward normalizes a (batch, features) tensor row-wise.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("layernorm: Forward requires 2D tensor")
	}

	batch, features := x.shape[0], x.shape[1]
	out := NewTensor(batch, features)
	n := float64(features)

	for b := 0; b < batch; b++ {
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

		invStd := 1.0 / math.Sqrt(variance+ln.eps)
		for f := 0; f < features; f++ {
			norm := (x.At(b, f) - mean) * invStd
			out.Set(norm*ln.gamma.data[f]+ln.beta.data[f], b, f)
		}
	}

	return out
}

// ProjectionHead maps summary embeddings to prototype logits.
type ProjectionHead struct {
	inDim      int // Backbone embedding dimension D
	bottleneck int
	outDim     int // Prototype count K

	w1        *Tensor // (inDim, bottleneck)
	b1        *Tensor // (bottleneck)
	norm      *LayerNorm
	protoDirs *Tensor // (outDim, bottleneck), rows kept at unit norm
}

// headCache stores the activations one Forward pass needs for Backward.
type headCache struct {
	input  *Tensor // (B, inDim)
	hidden *Tensor // (B, bottleneck), pre-norm
	normed *Tensor // (B, bottleneck), post-LayerNorm
	act    *Tensor // (B, bottleneck), post-GELU
	protoW *Tensor // (outDim, bottleneck), row-normalized weights
}

// NewProjectionHead creates a head mapping inDim → bottleneck → outDim.
// The prototype rows are initialized randomly and immediately scaled to
// unit norm; their lengths stay at 1 for the lifetime of the head.
func NewProjectionHead(inDim, bottleneck, outDim int) (*ProjectionHead, error) {
	if inDim <= 0 || bottleneck <= 0 || outDim <= 0 {
		return nil, fmt.Errorf("head: dimensions must be positive, got in=%d bottleneck=%d out=%d",
			inDim, bottleneck, outDim)
	}

	dirs := NewTensorRand(outDim, bottleneck)
	unit := RowL2Normalize(dirs, 1e-12)
	dirs.CopyDataFrom(unit)

	return &ProjectionHead{
		inDim:      inDim,
		bottleneck: bottleneck,
		outDim:     outDim,
		w1:         NewTensorRand(inDim, bottleneck),
		b1:         NewTensor(bottleneck),
		norm:       NewLayerNorm(bottleneck),
		protoDirs:  dirs,
	}, nil
}

// InDim returns the expected embedding dimension D.
func (h *ProjectionHead) InDim() int { return h.inDim }

// OutDim returns the prototype count K.
func (h *ProjectionHead) OutDim() int { return h.outDim }

// Forward computes logits for a (batch, inDim) embedding tensor and
// returns them together with the cache needed for Backward.
// Panics if the input's feature dimension doesn't match the head.
func (h *ProjectionHead) Forward(x *Tensor) (*Tensor, *headCache) {
	if len(x.shape) != 2 || x.shape[1] != h.inDim {
		panic(fmt.Sprintf("head: expected input (B, %d), got %v", h.inDim, x.shape))
	}

	// Linear D → bottleneck, with broadcast bias
	hidden := MatMul(x, h.w1)
	batch := hidden.shape[0]
	for b := 0; b < batch; b++ {
		for f := 0; f < h.bottleneck; f++ {
			hidden.Set(hidden.At(b, f)+h.b1.data[f], b, f)
		}
	}

	normed := h.norm.Forward(hidden)
	act := GELU(normed)

	// Output layer with frozen-length prototype rows
	protoW := RowL2Normalize(h.protoDirs, 1e-12)
	logits := MatMul(act, Transpose(protoW))

	return logits, &headCache{
		input:  x,
		hidden: hidden,
		normed: normed,
		act:    act,
		protoW: protoW,
	}
}

// Backward pushes ∂L/∂logits back through the head, accumulating parameter
// gradients in place, and returns ∂L/∂input for the backbone.
func (h *ProjectionHead) Backward(gradLogits *Tensor, cache *headCache) *Tensor {
	// Output layer: logits = act @ protoW^T
	protoWT := Transpose(cache.protoW)
	gradAct, gradProtoWT := MatMulBackward(cache.act, protoWT, gradLogits)

	// Gradient w.r.t. the normalized rows, then projected back onto the
	// direction parameters (tangent of the unit sphere)
	gradProtoW := Transpose(gradProtoWT)
	h.protoDirs.AccumulateGrad(UnitRowBackward(h.protoDirs, gradProtoW))

	// GELU
	gradNormed := GELUBackward(cache.normed, gradAct)

	// LayerNorm
	gradHidden, gradGamma, gradBeta := LayerNormBackward(cache.hidden, h.norm.gamma, gradNormed, h.norm.eps)
	h.norm.gamma.AccumulateGrad(gradGamma)
	h.norm.beta.AccumulateGrad(gradBeta)

	// Bias
	h.b1.AccumulateGrad(BiasAddBackward(gradHidden))

	// Linear
	gradX, gradW1 := MatMulBackward(cache.input, h.w1, gradHidden)
	h.w1.AccumulateGrad(gradW1)

	return gradX
}

// Parameters returns the head's trainable tensors.
//
// protoDirs is included: its gradient is already tangent-projected by
// Backward, so a plain gradient step moves prototype directions without
// changing their lengths.
func (h *ProjectionHead) Parameters() []*Tensor {
	return []*Tensor{h.w1, h.b1, h.norm.gamma, h.norm.beta, h.protoDirs}
}
