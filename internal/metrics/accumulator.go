package metrics

import "gonum.org/v1/gonum/stat"

// Accumulator aggregates per-batch losses and accuracy over an epoch,
// weighting each batch by its size.
type Accumulator struct {
	losses  []float64
	weights []float64
	correct int
	samples int
}

// Add records one batch.
func (a *Accumulator) Add(loss float64, correct, size int) {
	a.losses = append(a.losses, loss)
	a.weights = append(a.weights, float64(size))
	a.correct += correct
	a.samples += size
}

// Batches returns the number of recorded batches.
func (a *Accumulator) Batches() int { return len(a.losses) }

// Samples returns the number of recorded samples.
func (a *Accumulator) Samples() int { return a.samples }

// Loss returns the sample-weighted mean loss.
func (a *Accumulator) Loss() float64 {
	if a.samples == 0 {
		return 0
	}
	return stat.Mean(a.losses, a.weights)
}

// LossStdDev returns the sample-weighted standard deviation of batch losses.
func (a *Accumulator) LossStdDev() float64 {
	if len(a.losses) < 2 {
		return 0
	}
	return stat.StdDev(a.losses, a.weights)
}

// Accuracy returns the fraction of correctly classified samples.
func (a *Accumulator) Accuracy() float64 {
	if a.samples == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.samples)
}
