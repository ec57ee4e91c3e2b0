package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// crossEntropy computes the mean softmax cross-entropy of logits against
// labels, the gradient of that loss with respect to the logits, and the
// number of rows whose argmax matches the label.
func crossEntropy(logits *mat.Dense, labels []int) (float64, *mat.Dense, int, error) {
	rows, classes := logits.Dims()
	if rows != len(labels) {
		return 0, nil, 0, fmt.Errorf("model: %d logits rows for %d labels", rows, len(labels))
	}
	grad := mat.NewDense(rows, classes, nil)
	total := 0.0
	correct := 0
	inv := 1.0 / float64(rows)
	for i, label := range labels {
		if label < 0 || label >= classes {
			return 0, nil, 0, fmt.Errorf("model: label %d out of range [0,%d)", label, classes)
		}
		row := logits.RawRowView(i)
		if floats.MaxIdx(row) == label {
			correct++
		}
		probs := softmax(row)
		total += -math.Log(math.Max(probs[label], 1e-12))
		probs[label] -= 1
		floats.Scale(inv, probs)
		grad.SetRow(i, probs)
	}
	return total * inv, grad, correct, nil
}

func softmax(logits []float64) []float64 {
	maxLogit := floats.Max(logits)
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		e := math.Exp(v - maxLogit)
		out[i] = e
		sum += e
	}
	floats.Scale(1/sum, out)
	return out
}
