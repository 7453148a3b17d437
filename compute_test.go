package main

import (
	"fmt"
	"math"
	"runtime"
	"testing"
)

func TestComputeConfig(t *testing.T) {
	cfg := DefaultComputeConfig()
	if !cfg.Parallel {
		t.Error("default config should enable parallel execution")
	}
	if cfg.numWorkers() != runtime.NumCPU() {
		t.Errorf("expected %d workers, got %d", runtime.NumCPU(), cfg.numWorkers())
	}

	stCfg := SingleThreadedConfig()
	if stCfg.Parallel {
		t.Error("single-threaded config should disable parallel execution")
	}
	if stCfg.numWorkers() != 1 {
		t.Errorf("single-threaded config should have 1 worker, got %d", stCfg.numWorkers())
	}
}

func TestParallelMatMulCorrectness(t *testing.T) {
	// The shape that matters here: few rows, many columns.
	shapes := []struct{ m, k, n int }{
		{4, 32, 1024},
		{8, 64, 4096},
		{64, 64, 64},
		{3, 7, 513}, // Not evenly divisible by worker count
	}

	for _, s := range shapes {
		t.Run(fmt.Sprintf("%dx%dx%d", s.m, s.k, s.n), func(t *testing.T) {
			a := NewTensorRand(s.m, s.k)
			b := NewTensorRand(s.k, s.n)

			resultST := ParallelMatMul(a, b, SingleThreadedConfig())

			parCfg := DefaultComputeConfig()
			parCfg.MinColsForParallel = 1 // Force the parallel path
			resultPar := ParallelMatMul(a, b, parCfg)

			if !tensorsEqual(resultST, resultPar, 1e-10) {
				t.Error("parallel and single-threaded results differ")
			}
		})
	}
}

func TestMinColsForParallel(t *testing.T) {
	cfg := ComputeConfig{
		Parallel:           true,
		NumWorkers:         4,
		MinColsForParallel: 100,
	}

	// Narrow outputs stay single-threaded.
	if cfg.shouldParallelize(50) {
		t.Error("should not parallelize 50 columns with threshold 100")
	}
	if !cfg.shouldParallelize(200) {
		t.Error("should parallelize 200 columns with threshold 100")
	}
}

func TestMoreWorkersThanColumns(t *testing.T) {
	a := NewTensorRand(2, 3)
	b := NewTensorRand(3, 2)

	cfg := ComputeConfig{
		Parallel:           true,
		NumWorkers:         16, // Far more workers than output columns
		MinColsForParallel: 1,
	}

	got := ParallelMatMul(a, b, cfg)
	want := ParallelMatMul(a, b, SingleThreadedConfig())
	if !tensorsEqual(got, want, 1e-12) {
		t.Error("oversubscribed worker count corrupted the result")
	}
}

func TestGlobalComputeConfig(t *testing.T) {
	original := GetGlobalComputeConfig()
	defer SetGlobalComputeConfig(original)

	SetGlobalComputeConfig(SingleThreadedConfig())
	if GetGlobalComputeConfig().Parallel {
		t.Error("global config should be single-threaded")
	}

	SetGlobalComputeConfig(DefaultComputeConfig())
	if !GetGlobalComputeConfig().Parallel {
		t.Error("global config should be parallel")
	}
}

// BenchmarkMatMulSingleThreaded benchmarks the head's dominant matmul
// shape on one core.
func BenchmarkMatMulSingleThreaded(b *testing.B) {
	a := NewTensorRand(16, 256)
	mat := NewTensorRand(256, 4096)
	cfg := SingleThreadedConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ParallelMatMul(a, mat, cfg)
	}
}

// BenchmarkMatMulParallel benchmarks the same shape with column
// splitting enabled.
func BenchmarkMatMulParallel(b *testing.B) {
	a := NewTensorRand(16, 256)
	mat := NewTensorRand(256, 4096)
	cfg := DefaultComputeConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ParallelMatMul(a, mat, cfg)
	}
}

// Helper function to compare tensors with tolerance
func tensorsEqual(a, b *Tensor, tolerance float64) bool {
	if len(a.data) != len(b.data) {
		return false
	}

	for i := range a.data {
		if math.Abs(a.data[i]-b.data[i]) > tolerance {
			return false
		}
	}

	return true
}
