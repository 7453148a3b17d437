package main

import (
	"runtime"
	"sync"
)

// ===========================================================================
// PARALLEL EXECUTION OF MATRIX OPERATIONS
// ===========================================================================
//
// The distillation step is dominated by one matmul shape: the projection
// head's output layer, (batch, bottleneck) @ (bottleneck, prototypes).
// The batch dimension is tiny (4-64 rows) while the prototype dimension is
// huge (thousands to tens of thousands of columns), once per crop per
// network. Splitting output ROWS across workers - the usual strategy -
// leaves most cores idle here, so the parallel path splits output COLUMNS
// instead: each worker computes a contiguous block of prototype columns
// for every batch row.
//
// Column blocks are contiguous in the row-major output, so workers write
// to disjoint cache lines within each row and there is no false sharing
// to speak of at these widths.
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations.
//
// This allows switching between single-threaded (deterministic, easier
// debugging) and multi-threaded (faster) execution modes.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of tensor operations.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	// Only used when Parallel is true.
	NumWorkers int

	// MinColsForParallel specifies the minimum output width before
	// parallelization is used. Narrow outputs don't benefit due to
	// goroutine overhead.
	MinColsForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0, // Use all available CPUs
		MinColsForParallel: 512,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinColsForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize determines if an operation should use parallelization
// based on the output width.
func (c ComputeConfig) shouldParallelize(cols int) bool {
	return c.Parallel && cols >= c.MinColsForParallel
}

// Global compute configuration (can be overridden per operation)
var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the global compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// ParallelMatMul performs matrix multiplication C = A @ B, splitting the
// output columns among workers when the output is wide enough.
func ParallelMatMul(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k1 := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]

	if k1 != k2 {
		panic("tensor: incompatible dimensions for matmul")
	}
	k := k1

	out := NewTensor(m, n)

	if !cfg.shouldParallelize(n) {
		matmulColumns(a, b, out, 0, n, m, k)
		return out
	}

	numWorkers := cfg.numWorkers()
	colsPerWorker := (n + numWorkers - 1) / numWorkers // Ceiling division

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startCol := w * colsPerWorker
		endCol := startCol + colsPerWorker
		if endCol > n {
			endCol = n
		}

		if startCol >= n {
			wg.Done()
			continue
		}

		go func(start, end int) {
			defer wg.Done()
			matmulColumns(a, b, out, start, end, m, k)
		}(startCol, endCol)
	}

	wg.Wait()
	return out
}

// matmulColumns computes output columns [startCol, endCol) for all rows.
func matmulColumns(a, b, out *Tensor, startCol, endCol, m, k int) {
	for i := 0; i < m; i++ {
		for j := startCol; j < endCol; j++ {
			sum := 0.0
			// Dot product of row i from A with column j from B
			for kk := 0; kk < k; kk++ {
				sum += a.At(i, kk) * b.At(kk, j)
			}
			out.Set(sum, i, j)
		}
	}
}
