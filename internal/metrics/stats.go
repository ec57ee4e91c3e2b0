package metrics

import "time"

// Window accumulates timing and loss stats across multiple steps.
type Window struct {
	samples  int
	correct  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(samples, correct int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += samples
	w.correct += correct
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	if w.samples > 0 {
		snap.Accuracy = float64(w.correct) / float64(w.samples)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot holds the throughput, timing and accuracy of one window of
// training steps.
type Snapshot struct {
	ImagesPerSec float64 // samples over data plus compute time
	AvgDataMS    float64 // mean per-step wait for a batch
	AvgComputeMS float64 // mean per-step forward/backward time
	LastLoss     float64 // loss of the most recent step
	Accuracy     float64 // fraction of samples in the window classified correctly
}
