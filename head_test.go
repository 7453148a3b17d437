package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// headScore is the scalar probe used by the gradient checks: a fixed
// random weighting of the logits. Its gradient w.r.t. the logits is the
// weight tensor itself, which makes the analytic backward pass easy to
// drive.
func headScore(h *ProjectionHead, x, weights *Tensor) float64 {
	logits, _ := h.Forward(x)
	total := 0.0
	for i := range logits.data {
		total += logits.data[i] * weights.data[i]
	}
	return total
}

// checkGrad compares an analytic gradient against a central finite
// difference of fn at every index of param.
func checkGrad(t *testing.T, name string, param *Tensor, fn func() float64) {
	t.Helper()
	const h = 1e-6

	for i := range param.data {
		orig := param.data[i]

		param.data[i] = orig + h
		plus := fn()
		param.data[i] = orig - h
		minus := fn()
		param.data[i] = orig

		numeric := (plus - minus) / (2 * h)
		analytic := param.grad[i]

		tol := 1e-5 + 1e-4*math.Max(math.Abs(numeric), math.Abs(analytic))
		if math.Abs(numeric-analytic) > tol {
			t.Fatalf("%s grad[%d]: analytic %g, numeric %g", name, i, analytic, numeric)
		}
	}
}

func TestProjectionHeadShapes(t *testing.T) {
	head, err := NewProjectionHead(16, 32, 64)
	require.NoError(t, err)

	require.Equal(t, 16, head.InDim())
	require.Equal(t, 64, head.OutDim())

	x := NewTensorRand(4, 16)
	logits, cache := head.Forward(x)
	require.Equal(t, []int{4, 64}, logits.Shape())
	require.NotNil(t, cache)
}

func TestProjectionHeadRejectsBadConfig(t *testing.T) {
	_, err := NewProjectionHead(0, 32, 64)
	require.Error(t, err)
	_, err = NewProjectionHead(16, -1, 64)
	require.Error(t, err)
	_, err = NewProjectionHead(16, 32, 0)
	require.Error(t, err)
}

// TestProjectionHeadUnitNormRows verifies the output layer's effective
// weight rows are exactly unit norm, both at initialization and after
// the direction parameters drift.
func TestProjectionHeadUnitNormRows(t *testing.T) {
	head, err := NewProjectionHead(8, 12, 20)
	require.NoError(t, err)

	assertUnitRows := func() {
		w := RowL2Normalize(head.protoDirs, 1e-12)
		for i := 0; i < 20; i++ {
			norm := 0.0
			for j := 0; j < 12; j++ {
				norm += w.At(i, j) * w.At(i, j)
			}
			require.InDelta(t, 1.0, math.Sqrt(norm), 1e-9, "row %d", i)
		}
	}
	assertUnitRows()

	// Simulate a few noisy gradient steps on the direction parameters
	for i := range head.protoDirs.data {
		head.protoDirs.data[i] += 0.01 * float64(i%7-3)
	}
	assertUnitRows()
}

// TestProjectionHeadGradients checks every parameter's backward pass
// against central finite differences.
func TestProjectionHeadGradients(t *testing.T) {
	head, err := NewProjectionHead(4, 6, 8)
	require.NoError(t, err)

	x := NewTensorRand(2, 4)
	weights := NewTensorRand(2, 8)

	logits, cache := head.Forward(x)
	require.Equal(t, []int{2, 8}, logits.Shape())
	gradX := head.Backward(weights, cache)

	fn := func() float64 { return headScore(head, x, weights) }

	checkGrad(t, "w1", head.w1, fn)
	checkGrad(t, "b1", head.b1, fn)
	checkGrad(t, "gamma", head.norm.gamma, fn)
	checkGrad(t, "beta", head.norm.beta, fn)
	checkGrad(t, "protoDirs", head.protoDirs, fn)

	// Input gradient: perturb x instead of a parameter.
	const h = 1e-6
	for i := range x.data {
		orig := x.data[i]
		x.data[i] = orig + h
		plus := fn()
		x.data[i] = orig - h
		minus := fn()
		x.data[i] = orig

		numeric := (plus - minus) / (2 * h)
		analytic := gradX.data[i]
		tol := 1e-5 + 1e-4*math.Max(math.Abs(numeric), math.Abs(analytic))
		require.LessOrEqual(t, math.Abs(numeric-analytic), tol, "gradX[%d]: analytic %g, numeric %g", i, analytic, numeric)
	}
}

// TestProjectionHeadFrozenRowLength verifies a gradient step along the
// backward pass's direction leaves each prototype row's length unchanged
// to first order.
func TestProjectionHeadFrozenRowLength(t *testing.T) {
	head, err := NewProjectionHead(4, 6, 8)
	require.NoError(t, err)

	x := NewTensorRand(2, 4)
	weights := NewTensorRand(2, 8)

	_, cache := head.Forward(x)
	head.Backward(weights, cache)

	// The tangent-projected gradient must be orthogonal to each row.
	for i := 0; i < 8; i++ {
		dot := 0.0
		for j := 0; j < 6; j++ {
			dot += head.protoDirs.At(i, j) * head.protoDirs.Grad(i, j)
		}
		require.InDelta(t, 0.0, dot, 1e-9, "row %d gradient has a radial component", i)
	}
}
