package export

import (
	"errors"
	"fmt"
	"math"

	"github.com/born-ml/born/backend/cpu"
	bornonnx "github.com/born-ml/born/onnx"
	borntensor "github.com/born-ml/born/tensor"
	"gonum.org/v1/gonum/mat"

	"digit-forge/internal/model"
)

// ErrMismatch is returned when the exported graph disagrees with the
// native model.
var ErrMismatch = errors.New("export: output mismatch")

// verifyTolerance bounds the absolute logit difference, which is dominated
// by float32 rounding of the stored weights.
const verifyTolerance = 1e-3

// Verify runs sample through the ONNX file at path on the born CPU backend
// and compares the result with want, the native logits for the same sample.
func Verify(path string, sample model.Batch, want *mat.Dense) error {
	x := sample.Matrix()
	if x == nil {
		return fmt.Errorf("%w: empty sample", ErrShape)
	}
	backend := cpu.New()
	m, err := bornonnx.Load(path, backend)
	if err != nil {
		return fmt.Errorf("verify: load %s: %w", path, err)
	}
	if in, out := m.InputNames(), m.OutputNames(); len(in) != 1 || len(out) != 1 {
		return fmt.Errorf("%w: %d inputs and %d outputs", ErrShape, len(in), len(out))
	}

	rows, cols := x.Dims()
	data := make([]float32, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data = append(data, float32(x.At(i, j)))
		}
	}
	input, err := borntensor.FromSlice(data, borntensor.Shape{rows, cols}, backend)
	if err != nil {
		return fmt.Errorf("verify: input tensor: %w", err)
	}
	got, err := m.Forward(input.Raw())
	if err != nil {
		return fmt.Errorf("verify: forward: %w", err)
	}

	shape := got.Shape()
	wantRows, wantCols := want.Dims()
	if len(shape) != 2 || shape[0] != wantRows || shape[1] != wantCols {
		return fmt.Errorf("%w: got %v, want [%d %d]", ErrShape, shape, wantRows, wantCols)
	}
	values := got.AsFloat32()
	for i := 0; i < wantRows; i++ {
		for j := 0; j < wantCols; j++ {
			if d := math.Abs(float64(values[i*wantCols+j]) - want.At(i, j)); d > verifyTolerance {
				return fmt.Errorf("%w: [%d,%d] differs by %g", ErrMismatch, i, j, d)
			}
		}
	}
	return nil
}

// Info reads the file header with born's ONNX parser.
func Info(path string) (*bornonnx.ModelInfo, error) {
	info, err := bornonnx.GetModelInfo(path)
	if err != nil {
		return nil, fmt.Errorf("model info %s: %w", path, err)
	}
	return info, nil
}
