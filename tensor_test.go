package main

import (
	"math"
	"testing"
)

// TestTensorBasics tests basic tensor creation and access.
func TestTensorBasics(t *testing.T) {
	// Create a 2x3 matrix
	tensor := NewTensor(2, 3)

	// Verify shape
	shape := tensor.Shape()
	if len(shape) != 2 || shape[0] != 2 || shape[1] != 3 {
		t.Errorf("expected shape [2 3], got %v", shape)
	}

	// Verify size
	if tensor.Size() != 6 {
		t.Errorf("expected size 6, got %d", tensor.Size())
	}

	// Test setting and getting values
	tensor.Set(1.5, 0, 0)
	tensor.Set(2.5, 1, 2)

	if v := tensor.At(0, 0); v != 1.5 {
		t.Errorf("expected 1.5, got %f", v)
	}

	if v := tensor.At(1, 2); v != 2.5 {
		t.Errorf("expected 2.5, got %f", v)
	}
}

// TestMatMul tests matrix multiplication.
func TestMatMul(t *testing.T) {
	// Create two matrices: A (2x3) and B (3x2)
	a := NewTensor(2, 3)
	a.Set(1, 0, 0)
	a.Set(2, 0, 1)
	a.Set(3, 0, 2)
	a.Set(4, 1, 0)
	a.Set(5, 1, 1)
	a.Set(6, 1, 2)

	b := NewTensor(3, 2)
	b.Set(1, 0, 0)
	b.Set(2, 0, 1)
	b.Set(3, 1, 0)
	b.Set(4, 1, 1)
	b.Set(5, 2, 0)
	b.Set(6, 2, 1)

	// C = A @ B should be (2x2)
	c := MatMul(a, b)

	// C[0,0] = 1*1 + 2*3 + 3*5 = 22
	// C[0,1] = 1*2 + 2*4 + 3*6 = 28
	// C[1,0] = 4*1 + 5*3 + 6*5 = 49
	// C[1,1] = 4*2 + 5*4 + 6*6 = 64
	expected := [][]float64{
		{22, 28},
		{49, 64},
	}

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if v := c.At(i, j); v != expected[i][j] {
				t.Errorf("C[%d,%d]: expected %f, got %f", i, j, expected[i][j], v)
			}
		}
	}
}

// TestParallelMatMulMatchesSingleThreaded verifies the column-split
// parallel path computes the same result as the sequential path on the
// wide-output shape the projection head produces.
func TestParallelMatMulMatchesSingleThreaded(t *testing.T) {
	a := NewTensorRand(4, 32)   // (batch, bottleneck)
	b := NewTensorRand(32, 768) // (bottleneck, prototypes)

	parallel := ParallelMatMul(a, b, ComputeConfig{Parallel: true, NumWorkers: 4, MinColsForParallel: 1})
	single := ParallelMatMul(a, b, SingleThreadedConfig())

	for i := 0; i < 4; i++ {
		for j := 0; j < 768; j++ {
			if p, s := parallel.At(i, j), single.At(i, j); p != s {
				t.Fatalf("parallel[%d,%d]=%g differs from single-threaded %g", i, j, p, s)
			}
		}
	}
}

// TestTranspose tests matrix transpose.
func TestTranspose(t *testing.T) {
	a := NewTensor(2, 3)
	a.Set(1, 0, 0)
	a.Set(2, 0, 1)
	a.Set(3, 0, 2)
	a.Set(4, 1, 0)
	a.Set(5, 1, 1)
	a.Set(6, 1, 2)

	aT := Transpose(a)

	shape := aT.Shape()
	if len(shape) != 2 || shape[0] != 3 || shape[1] != 2 {
		t.Errorf("expected shape [3 2], got %v", shape)
	}

	if v := aT.At(0, 0); v != 1 {
		t.Errorf("expected 1, got %f", v)
	}
	if v := aT.At(1, 0); v != 2 {
		t.Errorf("expected 2, got %f", v)
	}
	if v := aT.At(2, 1); v != 6 {
		t.Errorf("expected 6, got %f", v)
	}
}

// TestSoftmax tests the softmax function.
func TestSoftmax(t *testing.T) {
	x := NewTensor(1, 3)
	x.Set(1.0, 0, 0)
	x.Set(2.0, 0, 1)
	x.Set(3.0, 0, 2)

	out := Softmax(x)

	// Probabilities sum to 1
	sum := 0.0
	for i := 0; i < 3; i++ {
		sum += out.At(0, i)
	}

	if math.Abs(sum-1.0) > 1e-6 {
		t.Errorf("softmax should sum to 1, got %f", sum)
	}

	// Largest input has largest probability
	if out.At(0, 2) <= out.At(0, 1) || out.At(0, 2) <= out.At(0, 0) {
		t.Errorf("softmax should give highest probability to largest input")
	}
}

// TestLogSoftmaxMatchesSoftmax verifies log-softmax equals log(softmax)
// on well-conditioned input, and stays finite where the naive composition
// would underflow to log(0).
func TestLogSoftmaxMatchesSoftmax(t *testing.T) {
	x := NewTensorRand(3, 8)
	logp := LogSoftmax(x)
	p := Softmax(x)

	for b := 0; b < 3; b++ {
		for f := 0; f < 8; f++ {
			if diff := math.Abs(logp.At(b, f) - math.Log(p.At(b, f))); diff > 1e-9 {
				t.Errorf("logp[%d,%d] off by %g", b, f, diff)
			}
		}
	}

	// A row with one dominant logit: naive log(softmax) underflows for
	// the small entries, log-softmax must not.
	sharp := NewTensor(1, 3)
	sharp.Set(1000, 0, 0)
	sharp.Set(0, 0, 1)
	sharp.Set(-1000, 0, 2)

	logSharp := LogSoftmax(sharp)
	for f := 0; f < 3; f++ {
		if v := logSharp.At(0, f); math.IsNaN(v) || math.IsInf(v, 1) {
			t.Errorf("log-softmax produced %v at %d", v, f)
		}
	}
}

// TestRowL2Normalize verifies every row comes out at unit norm.
func TestRowL2Normalize(t *testing.T) {
	x := NewTensorRand(5, 16)
	// Make the rows clearly non-unit
	for i := range x.data {
		x.data[i] *= 37.0
	}

	out := RowL2Normalize(x, 1e-12)

	for i := 0; i < 5; i++ {
		norm := 0.0
		for j := 0; j < 16; j++ {
			v := out.At(i, j)
			norm += v * v
		}
		if math.Abs(math.Sqrt(norm)-1.0) > 1e-9 {
			t.Errorf("row %d has norm %f, want 1", i, math.Sqrt(norm))
		}
	}
}

// TestReshapeSharesData verifies reshape is a view, not a copy.
func TestReshapeSharesData(t *testing.T) {
	x := NewTensor(2, 6)
	x.Set(9.0, 0, 3)

	y := x.Reshape(3, 4)
	if v := y.At(0, 3); v != 9.0 {
		t.Errorf("expected reshaped view to see 9.0, got %f", v)
	}

	y.Set(5.0, 2, 3)
	if v := x.At(1, 5); v != 5.0 {
		t.Errorf("expected write through view, got %f", v)
	}
}
