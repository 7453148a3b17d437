package main

// ===========================================================================
// MULTI-CROP BATCHES AND VIEW ROUTING
// ===========================================================================
//
// The augmentation pipeline (out of scope here, see sampler.go for the
// synthetic stand-in) hands the engine several views of each source image:
// a few large "global" crops and more small "local" crops. Global and
// local crops are kept in separate slices rather than one flat list with a
// split index; the index-arithmetic bugs that a flat representation
// invites simply cannot be written against this type.
//
// Crops at different list positions may have different spatial sizes, so
// the router runs the backbone once per crop instead of batching crops
// together.
//
// ===========================================================================

import "fmt"

// CropBatch is an ordered set of augmented views of one image batch.
// Global crops come first in view order.
type CropBatch struct {
	Global []*Tensor // Large, full-context crops, each (B, C, H_i, W_i)
	Local  []*Tensor // Small, detail crops, each (B, C, H_j, W_j)
}

// NumGlobal returns the number of global views.
func (cb *CropBatch) NumGlobal() int { return len(cb.Global) }

// NumLocal returns the number of local views.
func (cb *CropBatch) NumLocal() int { return len(cb.Local) }

// NumViews returns the total number of views.
func (cb *CropBatch) NumViews() int { return len(cb.Global) + len(cb.Local) }

// Views returns all crops in view order: globals first, then locals.
func (cb *CropBatch) Views() []*Tensor {
	views := make([]*Tensor, 0, cb.NumViews())
	views = append(views, cb.Global...)
	views = append(views, cb.Local...)
	return views
}

// Validate checks structural consistency: at least one global crop, every
// crop 4-dimensional, and one shared batch size and channel count across
// all crops. Spatial sizes may differ between crops.
func (cb *CropBatch) Validate() error {
	if len(cb.Global) == 0 {
		return fmt.Errorf("cropbatch: no global crops")
	}

	batch, channels := cb.Global[0].shape[0], 0
	for i, crop := range cb.Views() {
		if crop.Dims() != 4 {
			return fmt.Errorf("cropbatch: view %d has rank %d, want 4", i, crop.Dims())
		}
		if i == 0 {
			channels = crop.shape[1]
			continue
		}
		if crop.shape[0] != batch {
			return fmt.Errorf("cropbatch: view %d has batch %d, want %d", i, crop.shape[0], batch)
		}
		if crop.shape[1] != channels {
			return fmt.Errorf("cropbatch: view %d has %d channels, want %d", i, crop.shape[1], channels)
		}
	}

	return nil
}

// viewCache holds the per-view forward state needed to backpropagate one
// student view.
type viewCache struct {
	backbone any
	head     *headCache
}

// MultiViewRouter applies one {backbone, head} pair to every crop in a
// list, independently, producing one (B, K) logit tensor per crop.
type MultiViewRouter struct {
	net *Network
}

// NewMultiViewRouter creates a router over the given network.
func NewMultiViewRouter(net *Network) *MultiViewRouter {
	return &MultiViewRouter{net: net}
}

// Route runs each crop through backbone and head. The returned logits and
// caches are index-aligned with the input crops. Backbone errors (shape
// violations of the feature contract) propagate unchanged.
func (r *MultiViewRouter) Route(crops []*Tensor) ([]*Tensor, []*viewCache, error) {
	logits := make([]*Tensor, 0, len(crops))
	caches := make([]*viewCache, 0, len(crops))

	for i, crop := range crops {
		summary, bcache, err := r.net.Backbone.ForwardSummary(crop)
		if err != nil {
			return nil, nil, fmt.Errorf("router: view %d: %w", i, err)
		}

		viewLogits, hcache := r.net.Head.Forward(summary)
		logits = append(logits, viewLogits)
		caches = append(caches, &viewCache{backbone: bcache, head: hcache})
	}

	return logits, caches, nil
}
