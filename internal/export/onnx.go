package export

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"digit-forge/internal/model"
)

const (
	// InputName and OutputName are the graph's external tensor names.
	InputName  = "input"
	OutputName = "output"
	// BatchAxis is the symbolic name of the first axis of input and output.
	BatchAxis = "batch_size"

	opsetVersion = 11
	irVersion    = 6
	producerName = "digit-forge"
)

// ErrShape is returned when the traced forward pass does not match the
// expected classifier shape.
var ErrShape = errors.New("export: unexpected tensor shape")

// Graph is a feed-forward stack of Linear layers with ReLU between them.
type Graph interface {
	Layers() []*model.Linear
	Predict(x *mat.Dense) *mat.Dense
}

// ONNX traces m on sample and writes the resulting graph to path,
// replacing any existing file. Weights are stored as initializers and the
// batch axis is symbolic.
func ONNX(m Graph, sample model.Batch, path string) (*Signature, error) {
	layers := m.Layers()
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: model has no layers", ErrShape)
	}
	x := sample.Matrix()
	if x == nil {
		return nil, fmt.Errorf("%w: empty sample", ErrShape)
	}
	rows, features := x.Dims()
	if features != layers[0].InFeatures() {
		return nil, fmt.Errorf("%w: sample has %d features, model expects %d", ErrShape, features, layers[0].InFeatures())
	}
	if _, cols := m.Predict(x).Dims(); cols != model.NumClasses {
		return nil, fmt.Errorf("%w: output width %d, want %d", ErrShape, cols, model.NumClasses)
	}

	proto := buildModel(layers)
	data := proto.marshal()
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("export: create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("export: write %s: %w", path, err)
	}
	klog.V(1).Infof("onnx export path=%s bytes=%d nodes=%d traced_batch=%d", path, len(data), len(proto.graph.nodes), rows)
	return signatureOf(proto), nil
}

func buildModel(layers []*model.Linear) *modelProto {
	g := graphProto{name: "classifier"}
	prev := InputName
	for i, l := range layers {
		weight := fmt.Sprintf("layers.%d.weight", i)
		bias := fmt.Sprintf("layers.%d.bias", i)
		g.initializers = append(g.initializers,
			tensorProto{name: weight, dims: []int64{int64(l.OutFeatures()), int64(l.InFeatures())}, raw: float32Bytes(l.Weight())},
			tensorProto{name: bias, dims: []int64{int64(l.OutFeatures())}, raw: float32Slice(l.Bias())},
		)

		last := i == len(layers)-1
		out := fmt.Sprintf("gemm_%d", i)
		if last {
			out = OutputName
		}
		g.nodes = append(g.nodes, nodeProto{
			name:    fmt.Sprintf("Gemm_%d", i),
			opType:  "Gemm",
			inputs:  []string{prev, weight, bias},
			outputs: []string{out},
			attrs: []attribute{
				{name: "alpha", kind: attrFloat, f: 1},
				{name: "beta", kind: attrFloat, f: 1},
				{name: "transB", kind: attrInt, i: 1},
			},
		})
		prev = out
		if last {
			break
		}
		act := fmt.Sprintf("relu_%d", i)
		g.nodes = append(g.nodes, nodeProto{
			name:    fmt.Sprintf("Relu_%d", i),
			opType:  "Relu",
			inputs:  []string{prev},
			outputs: []string{act},
		})
		prev = act
	}

	g.inputs = []valueInfo{{
		name:     InputName,
		elemType: elemFloat,
		dims:     []dimension{{param: BatchAxis}, {value: int64(layers[0].InFeatures())}},
	}}
	g.outputs = []valueInfo{{
		name:     OutputName,
		elemType: elemFloat,
		dims:     []dimension{{param: BatchAxis}, {value: int64(layers[len(layers)-1].OutFeatures())}},
	}}

	return &modelProto{
		irVersion:    irVersion,
		producerName: producerName,
		opsetVersion: opsetVersion,
		graph:        g,
	}
}

// float32Bytes serializes m row-major as little-endian float32.
func float32Bytes(m mat.Matrix) []byte {
	r, c := m.Dims()
	out := make([]byte, 0, r*c*4)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(m.At(i, j))))
		}
	}
	return out
}

func float32Slice(v []float64) []byte {
	out := make([]byte, 0, len(v)*4)
	for _, x := range v {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(x)))
	}
	return out
}
