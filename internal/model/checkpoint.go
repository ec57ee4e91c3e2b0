package model

import (
	"encoding/gob"
	"fmt"
	"io"
	"slices"

	"github.com/ulikunitz/xz"
)

type checkpointState struct {
	Widths  []int
	Weights [][]float64
	Biases  [][]float64
}

// Save writes the classifier parameters as an xz-compressed gob stream.
func (c *Classifier) Save(w io.Writer) error {
	state := checkpointState{Widths: c.Widths()}
	for _, l := range c.layers {
		state.Weights = append(state.Weights, slices.Clone(l.weight.RawMatrix().Data))
		state.Biases = append(state.Biases, l.Bias())
	}
	xw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("checkpoint: xz writer: %w", err)
	}
	if err := gob.NewEncoder(xw).Encode(state); err != nil {
		xw.Close()
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	return xw.Close()
}

// Load restores parameters written by Save. The layer widths must match.
func (c *Classifier) Load(r io.Reader) error {
	xr, err := xz.NewReader(r)
	if err != nil {
		return fmt.Errorf("checkpoint: xz reader: %w", err)
	}
	var state checkpointState
	if err := gob.NewDecoder(xr).Decode(&state); err != nil {
		return fmt.Errorf("checkpoint: decode: %w", err)
	}
	if !slices.Equal(state.Widths, c.widths) {
		return fmt.Errorf("checkpoint: widths %v do not match model %v", state.Widths, c.widths)
	}
	if len(state.Weights) != len(c.layers) || len(state.Biases) != len(c.layers) {
		return fmt.Errorf("checkpoint: %d layers stored, model has %d", len(state.Weights), len(c.layers))
	}
	for i, l := range c.layers {
		copy(l.weight.RawMatrix().Data, state.Weights[i])
		copy(l.bias, state.Biases[i])
	}
	return nil
}
