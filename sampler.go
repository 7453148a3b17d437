package main

// ===========================================================================
// SYNTHETIC MULTI-CROP SAMPLER
// ===========================================================================
//
// Stands in for the real augmentation pipeline, which is a collaborator
// of the engine, not part of it. Workers synthesize smooth random source
// images and cut the global/local crop sets from them, so the engine,
// loss, and schedules can be exercised end to end without any image
// decoding.
//
// Crops are cut the way the real pipeline would cut them: global crops
// are large sub-regions of the source, local crops small ones, all from
// the SAME source image per sample - different views of one thing, which
// is the whole premise of view-invariant distillation.
//
// ===========================================================================

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

// SamplerOptions configures the synthetic crop sampler.
type SamplerOptions struct {
	BatchSize   int
	Channels    int
	SourceSize  int // Source image side length
	GlobalSize  int // Global crop side length
	LocalSize   int // Local crop side length
	GlobalCrops int
	LocalCrops  int
	NumWorkers  int
	Seed        int64
}

// validate checks the crop geometry.
func (opts SamplerOptions) validate() error {
	if opts.BatchSize <= 0 {
		return fmt.Errorf("sampler: batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Channels <= 0 {
		return fmt.Errorf("sampler: channels must be positive, got %d", opts.Channels)
	}
	if opts.GlobalCrops < minGlobalCrops {
		return fmt.Errorf("sampler: need at least %d global crops, got %d", minGlobalCrops, opts.GlobalCrops)
	}
	if opts.LocalCrops < 0 {
		return fmt.Errorf("sampler: local crop count must be non-negative, got %d", opts.LocalCrops)
	}
	if opts.LocalSize <= 0 || opts.GlobalSize < opts.LocalSize || opts.SourceSize < opts.GlobalSize {
		return fmt.Errorf("sampler: crop sizes must satisfy 0 < local(%d) <= global(%d) <= source(%d)",
			opts.LocalSize, opts.GlobalSize, opts.SourceSize)
	}
	return nil
}

// StartCropSampler launches background workers producing crop batches.
// The returned channel closes when the context is cancelled.
func StartCropSampler(parent context.Context, opts SamplerOptions) (<-chan *CropBatch, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	out := make(chan *CropBatch, opts.NumWorkers)

	g, ctx := errgroup.WithContext(parent)
	for i := 0; i < opts.NumWorkers; i++ {
		// One rng per worker; math/rand sources are not safe for
		// concurrent use.
		rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
		g.Go(func() error {
			for {
				batch := synthesizeCropBatch(opts, rng)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case out <- batch:
				}
			}
		})
	}

	go func() {
		// Workers only exit on cancellation.
		_ = g.Wait()
		close(out)
	}()

	return out, nil
}

// synthesizeCropBatch builds one CropBatch from fresh source images.
func synthesizeCropBatch(opts SamplerOptions, rng *rand.Rand) *CropBatch {
	cb := &CropBatch{
		Global: make([]*Tensor, opts.GlobalCrops),
		Local:  make([]*Tensor, opts.LocalCrops),
	}
	for i := range cb.Global {
		cb.Global[i] = NewTensor(opts.BatchSize, opts.Channels, opts.GlobalSize, opts.GlobalSize)
	}
	for i := range cb.Local {
		cb.Local[i] = NewTensor(opts.BatchSize, opts.Channels, opts.LocalSize, opts.LocalSize)
	}

	for b := 0; b < opts.BatchSize; b++ {
		source := synthesizeSource(opts.Channels, opts.SourceSize, rng)
		for _, crop := range cb.Global {
			cutCrop(crop, b, source, opts.SourceSize, opts.GlobalSize, rng)
		}
		for _, crop := range cb.Local {
			cutCrop(crop, b, source, opts.SourceSize, opts.LocalSize, rng)
		}
	}

	return cb
}

// synthesizeSource produces a smooth per-channel field: a few random
// sinusoids plus noise. Smoothness matters - crops of pure white noise
// share no structure across views, and the distillation target would be
// meaningless.
func synthesizeSource(channels, size int, rng *rand.Rand) []float64 {
	source := make([]float64, channels*size*size)

	for c := 0; c < channels; c++ {
		fx := 1.0 + rng.Float64()*3.0
		fy := 1.0 + rng.Float64()*3.0
		phase := rng.Float64() * 2 * math.Pi

		base := c * size * size
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				v := math.Sin(fx*float64(x)/float64(size)*2*math.Pi+phase) *
					math.Cos(fy*float64(y)/float64(size)*2*math.Pi)
				source[base+y*size+x] = v + rng.NormFloat64()*0.05
			}
		}
	}

	return source
}

// cutCrop copies a random square sub-region of source into batch row b of
// the crop tensor.
func cutCrop(crop *Tensor, b int, source []float64, sourceSize, cropSize int, rng *rand.Rand) {
	maxOffset := sourceSize - cropSize
	oy, ox := 0, 0
	if maxOffset > 0 {
		oy = rng.Intn(maxOffset + 1)
		ox = rng.Intn(maxOffset + 1)
	}

	channels := crop.shape[1]
	for c := 0; c < channels; c++ {
		base := c * sourceSize * sourceSize
		for y := 0; y < cropSize; y++ {
			for x := 0; x < cropSize; x++ {
				crop.Set(source[base+(oy+y)*sourceSize+(ox+x)], b, c, y, x)
			}
		}
	}
}
