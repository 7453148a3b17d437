package main

import (
	"math"
	"testing"
)

func TestScheduleCoordinatorValidation(t *testing.T) {
	cases := []struct {
		name                      string
		warmupStart, base, final  float64
		warmupEpochs, totalEpochs int
		momentum                  float64
	}{
		{"zero total epochs", 1e-6, 5e-4, 1e-6, 1, 0, 0.996},
		{"warmup equals total", 1e-6, 5e-4, 1e-6, 10, 10, 0.996},
		{"negative warmup", 1e-6, 5e-4, 1e-6, -1, 10, 0.996},
		{"zero base lr", 1e-6, 0, 1e-6, 1, 10, 0.996},
		{"momentum above one", 1e-6, 5e-4, 1e-6, 1, 10, 1.5},
		{"negative momentum", 1e-6, 5e-4, 1e-6, 1, 10, -0.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewScheduleCoordinator(tc.warmupStart, tc.base, tc.final, tc.warmupEpochs, tc.totalEpochs, tc.momentum)
			if err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestLearningRateWarmupEndpoints(t *testing.T) {
	sc, err := NewScheduleCoordinator(1e-6, 5e-4, 1e-6, 10, 100, 0.996)
	if err != nil {
		t.Fatal(err)
	}

	if got := sc.LearningRate(0); got != 1e-6 {
		t.Errorf("LearningRate(0) = %g, want warmup start 1e-6", got)
	}
	if got := sc.LearningRate(10); math.Abs(got-5e-4) > 1e-12 {
		t.Errorf("LearningRate(10) = %g, want base rate 5e-4", got)
	}
	if got := sc.LearningRate(100); math.Abs(got-1e-6) > 1e-12 {
		t.Errorf("LearningRate(100) = %g, want floor 1e-6", got)
	}
}

func TestLearningRateMonotonicity(t *testing.T) {
	sc, err := NewScheduleCoordinator(1e-6, 5e-4, 1e-6, 10, 100, 0.996)
	if err != nil {
		t.Fatal(err)
	}

	// Increasing during warmup.
	for e := 1; e < 10; e++ {
		if sc.LearningRate(e) <= sc.LearningRate(e-1) {
			t.Errorf("epoch %d: warmup not increasing (%g -> %g)", e, sc.LearningRate(e-1), sc.LearningRate(e))
		}
	}
	// Non-increasing from the warmup boundary on.
	for e := 11; e <= 100; e++ {
		if sc.LearningRate(e) > sc.LearningRate(e-1) {
			t.Errorf("epoch %d: decay increased (%g -> %g)", e, sc.LearningRate(e-1), sc.LearningRate(e))
		}
	}
}

func TestMomentumRamp(t *testing.T) {
	sc, err := NewScheduleCoordinator(1e-6, 5e-4, 1e-6, 10, 100, 0.996)
	if err != nil {
		t.Fatal(err)
	}

	if got := sc.Momentum(0); math.Abs(got-0.996) > 1e-12 {
		t.Errorf("Momentum(0) = %g, want base 0.996", got)
	}
	if got := sc.Momentum(100); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("Momentum(100) = %g, want 1.0", got)
	}

	for e := 1; e <= 100; e++ {
		m := sc.Momentum(e)
		if m < sc.Momentum(e-1) {
			t.Errorf("epoch %d: momentum decreased (%g -> %g)", e, sc.Momentum(e-1), m)
		}
		if m > 1.0 {
			t.Errorf("epoch %d: momentum %g above 1.0", e, m)
		}
	}
}

// Out-of-range epochs clamp to the horizon's boundary values, so a
// resumed or overrun training loop gets stable settings instead of a
// runaway cosine.
func TestScheduleClampsOutOfRangeEpochs(t *testing.T) {
	sc, err := NewScheduleCoordinator(1e-6, 5e-4, 1e-6, 10, 100, 0.996)
	if err != nil {
		t.Fatal(err)
	}

	if got, want := sc.LearningRate(-5), sc.LearningRate(0); got != want {
		t.Errorf("LearningRate(-5) = %g, want %g", got, want)
	}
	if got, want := sc.LearningRate(250), sc.LearningRate(100); got != want {
		t.Errorf("LearningRate(250) = %g, want %g", got, want)
	}
	if got, want := sc.Momentum(-5), sc.Momentum(0); got != want {
		t.Errorf("Momentum(-5) = %g, want %g", got, want)
	}
	if got, want := sc.Momentum(250), sc.Momentum(100); got != want {
		t.Errorf("Momentum(250) = %g, want %g", got, want)
	}
}

func TestScheduleZeroWarmup(t *testing.T) {
	sc, err := NewScheduleCoordinator(1e-6, 5e-4, 1e-6, 0, 20, 0.996)
	if err != nil {
		t.Fatal(err)
	}

	// No warmup phase: epoch 0 starts at the base rate.
	if got := sc.LearningRate(0); math.Abs(got-5e-4) > 1e-12 {
		t.Errorf("LearningRate(0) = %g, want base rate with zero warmup", got)
	}
}
