package main

import "time"

// Window accumulates per-step training stats between log lines.
type Window struct {
	steps    int
	loss     float64
	variance float64
	elapsed  time.Duration
}

// Record adds one completed step to the window.
func (w *Window) Record(loss, teacherVariance float64, stepTime time.Duration) {
	w.steps++
	w.loss += loss
	w.variance += teacherVariance
	w.elapsed += stepTime
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	if w.steps > 0 {
		n := float64(w.steps)
		snap.AvgLoss = w.loss / n
		snap.AvgTeacherVariance = w.variance / n
		snap.AvgStepMS = (w.elapsed.Seconds() * 1000) / n
	}

	w.steps = 0
	w.loss = 0
	w.variance = 0
	w.elapsed = 0
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	AvgLoss            float64
	AvgTeacherVariance float64
	AvgStepMS          float64
}
