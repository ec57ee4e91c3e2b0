package model

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Options configures classifier construction.
type Options struct {
	LearningRate float64
	Seed         int64
}

// Classifier is a feed-forward network of Linear layers with ReLU between
// them. The last layer emits raw logits.
type Classifier struct {
	widths []int
	layers []*Linear
	opt    *Adam
}

// NewClassifier builds a classifier with the given layer widths, input
// first and output last.
func NewClassifier(widths []int, opts Options) (*Classifier, error) {
	if len(widths) < 2 {
		return nil, fmt.Errorf("model: need at least 2 widths, got %v", widths)
	}
	for _, w := range widths {
		if w <= 0 {
			return nil, fmt.Errorf("model: widths must be > 0 (got %v)", widths)
		}
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	c := &Classifier{widths: append([]int(nil), widths...)}
	var params []param
	for i := 0; i+1 < len(widths); i++ {
		l := newLinear(widths[i], widths[i+1], rng)
		c.layers = append(c.layers, l)
		params = append(params, l.params()...)
	}
	c.opt = newAdam(params, opts.LearningRate)
	return c, nil
}

// Widths returns the layer width sequence.
func (c *Classifier) Widths() []int {
	return append([]int(nil), c.widths...)
}

// Layers returns the classifier layers in forward order.
func (c *Classifier) Layers() []*Linear {
	return c.layers
}

// NumParameters returns the number of trainable scalars.
func (c *Classifier) NumParameters() int {
	n := 0
	for _, l := range c.layers {
		n += l.in*l.out + l.out
	}
	return n
}

// Steps returns the number of optimizer updates applied.
func (c *Classifier) Steps() int {
	return c.opt.Steps()
}

// Predict returns the logits for x of shape [batch, features].
func (c *Classifier) Predict(x *mat.Dense) *mat.Dense {
	acts := c.forward(x)
	return acts[len(acts)-1]
}

// TrainStep executes one forward/backward pass and an optimizer update.
func (c *Classifier) TrainStep(batch Batch) (StepResult, error) {
	x, err := c.input(batch)
	if err != nil {
		return StepResult{}, err
	}
	acts := c.forward(x)
	loss, grad, correct, err := crossEntropy(acts[len(acts)-1], batch.Labels)
	if err != nil {
		return StepResult{}, err
	}
	c.backward(acts, grad)
	c.opt.Step()
	return StepResult{Loss: loss, Correct: correct, Size: batch.Size()}, nil
}

// EvalStep computes loss and accuracy without updating parameters.
func (c *Classifier) EvalStep(batch Batch) (StepResult, error) {
	x, err := c.input(batch)
	if err != nil {
		return StepResult{}, err
	}
	loss, _, correct, err := crossEntropy(c.Predict(x), batch.Labels)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Loss: loss, Correct: correct, Size: batch.Size()}, nil
}

func (c *Classifier) input(batch Batch) (*mat.Dense, error) {
	if batch.Size() == 0 {
		return nil, errors.New("model: empty batch")
	}
	if len(batch.Labels) != batch.Size() {
		return nil, fmt.Errorf("model: %d inputs but %d labels", batch.Size(), len(batch.Labels))
	}
	x := batch.Matrix()
	if _, cols := x.Dims(); cols != c.widths[0] {
		return nil, fmt.Errorf("model: expected %d input features, got %d", c.widths[0], cols)
	}
	return x, nil
}

// forward returns the input followed by the output of every layer, with
// ReLU applied to all but the last.
func (c *Classifier) forward(x *mat.Dense) []*mat.Dense {
	acts := make([]*mat.Dense, 0, len(c.layers)+1)
	acts = append(acts, x)
	for i, l := range c.layers {
		z := l.Forward(acts[i])
		if i < len(c.layers)-1 {
			relu(z)
		}
		acts = append(acts, z)
	}
	return acts
}

func (c *Classifier) backward(acts []*mat.Dense, grad *mat.Dense) {
	for i := len(c.layers) - 1; i >= 0; i-- {
		dx := c.layers[i].backward(acts[i], grad)
		if i > 0 {
			// acts[i] is post-ReLU, so zero entries mark inactive units.
			mask := acts[i].RawMatrix().Data
			d := dx.RawMatrix().Data
			for j := range d {
				if mask[j] <= 0 {
					d[j] = 0
				}
			}
		}
		grad = dx
	}
}

func relu(m *mat.Dense) {
	data := m.RawMatrix().Data
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}
