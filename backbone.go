package main

// ===========================================================================
// BACKBONE CONTRACT
// ===========================================================================
//
// The distillation engine never looks inside the feature extractor. It
// consumes exactly one capability: map an image batch (B, C, H, W) to a
// token sequence (B, N+1, D) whose index-0 token summarizes the whole
// image. Any tower satisfying that contract - convolutional, transformer,
// anything - can sit under the engine.
//
// PatchBackbone below is the reference implementation: a linear patch
// embedding with one hidden GELU layer and a mean-pooled summary token.
// It is deliberately small; it exists so the engine is runnable and
// testable end to end, not to be a good feature extractor.
//
// ===========================================================================

import "fmt"

// Backbone is the feature-extractor contract consumed by the engine.
type Backbone interface {
	// ForwardFeatures maps an image batch (B, C, H, W) to per-patch token
	// embeddings (B, N+1, D). Index 0 along the token axis is the summary
	// token. N may vary with the input's spatial size.
	ForwardFeatures(images *Tensor) (*Tensor, error)
}

// TrainableBackbone extends Backbone with what the student side of the
// engine needs: a cached forward pass over the summary token, a backward
// pass, and access to the trainable parameters.
//
// The teacher backbone satisfies this interface too, but the engine never
// invokes BackwardSummary on it.
type TrainableBackbone interface {
	Backbone

	// EmbedDim returns the embedding dimension D of the summary token.
	EmbedDim() int

	// ForwardSummary computes only the summary embeddings (B, D) and
	// returns an opaque cache for BackwardSummary.
	ForwardSummary(images *Tensor) (*Tensor, any, error)

	// BackwardSummary pushes ∂L/∂summary back through the backbone,
	// accumulating parameter gradients in place.
	BackwardSummary(gradSummary *Tensor, cache any)

	// Parameters returns the backbone's trainable tensors.
	Parameters() []*Tensor
}

// PatchBackbone embeds non-overlapping square patches with a two-layer
// MLP and mean-pools the patch tokens into the summary token.
type PatchBackbone struct {
	channels  int
	patchSize int
	hidden    int
	embedDim  int

	w1 *Tensor // (channels*patchSize², hidden)
	b1 *Tensor // (hidden)
	w2 *Tensor // (hidden, embedDim)
	b2 *Tensor // (embedDim)
}

// patchCache stores one ForwardSummary pass for BackwardSummary.
type patchCache struct {
	patches    *Tensor // (B*N, channels*patchSize²)
	preAct     *Tensor // (B*N, hidden), post-bias pre-GELU
	act        *Tensor // (B*N, hidden)
	batch      int
	numPatches int
}

// NewPatchBackbone constructs the reference backbone.
func NewPatchBackbone(channels, patchSize, hidden, embedDim int) (*PatchBackbone, error) {
	if channels <= 0 || patchSize <= 0 || hidden <= 0 || embedDim <= 0 {
		return nil, fmt.Errorf("backbone: dimensions must be positive, got channels=%d patch=%d hidden=%d embed=%d",
			channels, patchSize, hidden, embedDim)
	}

	patchVec := channels * patchSize * patchSize
	return &PatchBackbone{
		channels:  channels,
		patchSize: patchSize,
		hidden:    hidden,
		embedDim:  embedDim,
		w1:        NewTensorRand(patchVec, hidden),
		b1:        NewTensor(hidden),
		w2:        NewTensorRand(hidden, embedDim),
		b2:        NewTensor(embedDim),
	}, nil
}

// EmbedDim returns the summary embedding dimension D.
func (p *PatchBackbone) EmbedDim() int { return p.embedDim }

// extractPatches flattens non-overlapping patches into a (B*N, patchVec)
// matrix. Spatial remainders that don't fill a whole patch are dropped.
func (p *PatchBackbone) extractPatches(images *Tensor) (*Tensor, int, int, error) {
	if len(images.shape) != 4 {
		return nil, 0, 0, fmt.Errorf("backbone: expected (B, C, H, W) input, got %v", images.shape)
	}

	b, c, h, w := images.shape[0], images.shape[1], images.shape[2], images.shape[3]
	if c != p.channels {
		return nil, 0, 0, fmt.Errorf("backbone: expected %d channels, got %d", p.channels, c)
	}

	gridH, gridW := h/p.patchSize, w/p.patchSize
	if gridH == 0 || gridW == 0 {
		return nil, 0, 0, fmt.Errorf("backbone: input %dx%d smaller than patch size %d", h, w, p.patchSize)
	}

	n := gridH * gridW
	patchVec := p.channels * p.patchSize * p.patchSize
	patches := NewTensor(b*n, patchVec)

	for bi := 0; bi < b; bi++ {
		for gy := 0; gy < gridH; gy++ {
			for gx := 0; gx < gridW; gx++ {
				row := bi*n + gy*gridW + gx
				col := 0
				for ci := 0; ci < c; ci++ {
					for py := 0; py < p.patchSize; py++ {
						for px := 0; px < p.patchSize; px++ {
							y := gy*p.patchSize + py
							x := gx*p.patchSize + px
							patches.Set(images.At(bi, ci, y, x), row, col)
							col++
						}
					}
				}
			}
		}
	}

	return patches, b, n, nil
}

// ForwardFeatures maps (B, C, H, W) to (B, N+1, D) with the mean-pooled
// summary token at index 0.
func (p *PatchBackbone) ForwardFeatures(images *Tensor) (*Tensor, error) {
	summary, cache, err := p.ForwardSummary(images)
	if err != nil {
		return nil, err
	}

	pc := cache.(*patchCache)
	tokens := p.projectTokens(pc)

	out := NewTensor(pc.batch, pc.numPatches+1, p.embedDim)
	for bi := 0; bi < pc.batch; bi++ {
		for d := 0; d < p.embedDim; d++ {
			out.Set(summary.At(bi, d), bi, 0, d)
		}
		for t := 0; t < pc.numPatches; t++ {
			for d := 0; d < p.embedDim; d++ {
				out.Set(tokens.At(bi*pc.numPatches+t, d), bi, t+1, d)
			}
		}
	}

	return out, nil
}

// ForwardSummary computes summary embeddings (B, D) with a cache.
func (p *PatchBackbone) ForwardSummary(images *Tensor) (*Tensor, any, error) {
	patches, batch, n, err := p.extractPatches(images)
	if err != nil {
		return nil, nil, err
	}

	preAct := MatMul(patches, p.w1)
	rows := preAct.shape[0]
	for r := 0; r < rows; r++ {
		for f := 0; f < p.hidden; f++ {
			preAct.Set(preAct.At(r, f)+p.b1.data[f], r, f)
		}
	}
	act := GELU(preAct)

	cache := &patchCache{
		patches:    patches,
		preAct:     preAct,
		act:        act,
		batch:      batch,
		numPatches: n,
	}

	tokens := p.projectTokens(cache)

	// Summary token: mean over patch tokens
	summary := NewTensor(batch, p.embedDim)
	inv := 1.0 / float64(n)
	for bi := 0; bi < batch; bi++ {
		for d := 0; d < p.embedDim; d++ {
			sum := 0.0
			for t := 0; t < n; t++ {
				sum += tokens.At(bi*n+t, d)
			}
			summary.Set(sum*inv, bi, d)
		}
	}

	return summary, cache, nil
}

// projectTokens applies the second linear layer to (B*N, hidden).
func (p *PatchBackbone) projectTokens(cache *patchCache) *Tensor {
	tokens := MatMul(cache.act, p.w2)
	rows := tokens.shape[0]
	for r := 0; r < rows; r++ {
		for d := 0; d < p.embedDim; d++ {
			tokens.Set(tokens.At(r, d)+p.b2.data[d], r, d)
		}
	}
	return tokens
}

// BackwardSummary distributes ∂L/∂summary across the patch tokens (the
// summary is their mean) and backpropagates through both linear layers.
// The image gradient is discarded; images are inputs, not parameters.
func (p *PatchBackbone) BackwardSummary(gradSummary *Tensor, cache any) {
	pc := cache.(*patchCache)
	n := pc.numPatches
	inv := 1.0 / float64(n)

	gradTokens := NewTensor(pc.batch*n, p.embedDim)
	for bi := 0; bi < pc.batch; bi++ {
		for t := 0; t < n; t++ {
			for d := 0; d < p.embedDim; d++ {
				gradTokens.Set(gradSummary.At(bi, d)*inv, bi*n+t, d)
			}
		}
	}

	p.b2.AccumulateGrad(BiasAddBackward(gradTokens))
	gradAct, gradW2 := MatMulBackward(pc.act, p.w2, gradTokens)
	p.w2.AccumulateGrad(gradW2)

	gradPreAct := GELUBackward(pc.preAct, gradAct)
	p.b1.AccumulateGrad(BiasAddBackward(gradPreAct))

	_, gradW1 := MatMulBackward(pc.patches, p.w1, gradPreAct)
	p.w1.AccumulateGrad(gradW1)
}

// Parameters returns the backbone's trainable tensors.
func (p *PatchBackbone) Parameters() []*Tensor {
	return []*Tensor{p.w1, p.b1, p.w2, p.b2}
}
