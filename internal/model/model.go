package model

import (
	"errors"
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"
)

// NumClasses is the width of the classifier output.
const NumClasses = 10

// ErrNotSquare is returned when the input side length cannot be inferred.
var ErrNotSquare = errors.New("model: images are not square")

// Batch represents a minibatch of flattened images and labels.
type Batch struct {
	Inputs [][]float64 // row-major pixels scaled to [0,1], one slice per image
	Labels []int
	Height int
	Width  int
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	return len(b.Inputs)
}

// Matrix flattens the batch into a (batch, features) matrix.
func (b Batch) Matrix() *mat.Dense {
	if len(b.Inputs) == 0 {
		return nil
	}
	features := len(b.Inputs[0])
	data := make([]float64, 0, len(b.Inputs)*features)
	for _, in := range b.Inputs {
		data = append(data, in...)
	}
	return mat.NewDense(len(b.Inputs), features, data)
}

// StepResult is the outcome of a single train or eval step.
type StepResult struct {
	Loss    float64
	Correct int
	Size    int
}

// Model defines the minimal training functionality required by the trainer.
type Model interface {
	TrainStep(batch Batch) (StepResult, error)
	EvalStep(batch Batch) (StepResult, error)
}

// Checkpointer is implemented by models whose state can be persisted.
type Checkpointer interface {
	Save(w io.Writer) error
	Load(r io.Reader) error
}

// InputFeatures infers the flattened input width from a sampled batch.
// Images are assumed square, so the result is the side length squared.
func InputFeatures(b Batch) (int, error) {
	if b.Size() == 0 {
		return 0, errors.New("model: cannot infer input width from an empty batch")
	}
	if b.Width <= 0 || b.Height != b.Width {
		return 0, fmt.Errorf("%w: %dx%d", ErrNotSquare, b.Height, b.Width)
	}
	side := b.Width
	return side * side, nil
}

// Hidden layer widths of the digit classifier.
const (
	Hidden1 = 128
	Hidden2 = 256
)

// LayerWidths returns the fixed classifier widths for the given input size.
func LayerWidths(features int) []int {
	return []int{features, Hidden1, Hidden2, NumClasses}
}
