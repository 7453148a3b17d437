package main

// ===========================================================================
// SCHEDULE COORDINATOR
// ===========================================================================
//
// Two interdependent per-epoch schedules drive training:
//
//   Learning rate: linear warmup from a small start value to the base
//   rate over the warmup epochs, then cosine decay down to a floor over
//   the remaining epochs.
//
//   Teacher momentum: cosine ramp from the base momentum (e.g. 0.996)
//   toward 1.0 over the full horizon. Early in training the teacher
//   tracks the student closely; late in training it barely moves.
//
// Both are pure functions of the integer epoch index - no internal step
// counter, unlike a stateful scheduler. A run resumed at epoch 37 asks
// for epoch 37 and gets exactly the values a run that never stopped
// would have used. Epoch indices beyond the configured horizon are
// clamped: the learning rate pins to its floor, the momentum to 1.0.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// ScheduleCoordinator computes the per-epoch learning rate and teacher
// momentum. Immutable after construction.
type ScheduleCoordinator struct {
	warmupStartLR float64
	baseLR        float64
	finalLR       float64
	warmupEpochs  int
	totalEpochs   int
	baseMomentum  float64
}

// NewScheduleCoordinator validates and builds the coordinator.
func NewScheduleCoordinator(warmupStartLR, baseLR, finalLR float64, warmupEpochs, totalEpochs int, baseMomentum float64) (*ScheduleCoordinator, error) {
	if totalEpochs <= 0 {
		return nil, fmt.Errorf("schedule: total epochs must be positive, got %d", totalEpochs)
	}
	if warmupEpochs < 0 || warmupEpochs >= totalEpochs {
		return nil, fmt.Errorf("schedule: warmup epochs must be in [0, %d), got %d", totalEpochs, warmupEpochs)
	}
	if baseLR <= 0 {
		return nil, fmt.Errorf("schedule: base learning rate must be positive, got %g", baseLR)
	}
	if baseMomentum < 0 || baseMomentum > 1 {
		return nil, fmt.Errorf("schedule: base momentum must be in [0,1], got %g", baseMomentum)
	}

	return &ScheduleCoordinator{
		warmupStartLR: warmupStartLR,
		baseLR:        baseLR,
		finalLR:       finalLR,
		warmupEpochs:  warmupEpochs,
		totalEpochs:   totalEpochs,
		baseMomentum:  baseMomentum,
	}, nil
}

// LearningRate returns the student learning rate for the given epoch.
//
// epoch 0 → warmup start value; epoch == warmupEpochs → base rate;
// non-increasing for every epoch at or past the warmup boundary.
func (sc *ScheduleCoordinator) LearningRate(epoch int) float64 {
	if epoch < 0 {
		epoch = 0
	}
	if epoch > sc.totalEpochs {
		epoch = sc.totalEpochs
	}

	// Phase 1: linear warmup
	if epoch < sc.warmupEpochs {
		frac := float64(epoch) / float64(sc.warmupEpochs)
		return sc.warmupStartLR + (sc.baseLR-sc.warmupStartLR)*frac
	}

	// Phase 2: cosine decay to the floor
	progress := float64(epoch-sc.warmupEpochs) / float64(sc.totalEpochs-sc.warmupEpochs)
	cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
	return sc.finalLR + (sc.baseLR-sc.finalLR)*cosine
}

// Momentum returns the teacher EMA momentum for the given epoch.
// Monotonically non-decreasing from the base momentum toward 1.0, and
// never above 1.0.
func (sc *ScheduleCoordinator) Momentum(epoch int) float64 {
	if epoch < 0 {
		epoch = 0
	}
	if epoch > sc.totalEpochs {
		epoch = sc.totalEpochs
	}

	progress := float64(epoch) / float64(sc.totalEpochs)
	cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
	return 1.0 - (1.0-sc.baseMomentum)*cosine
}
