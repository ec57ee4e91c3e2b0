package export

import (
	"fmt"
	"os"
)

// Tensor describes one graph input or output. Symbolic axes have
// Dims[i] == -1 and their name in Params[i].
type Tensor struct {
	Name   string
	Dims   []int64
	Params []string
}

// Dynamic reports whether axis is symbolic.
func (t Tensor) Dynamic(axis int) bool {
	return axis < len(t.Params) && t.Params[axis] != ""
}

// Signature summarizes an exported model.
type Signature struct {
	IRVersion    int64
	Opset        int64
	Producer     string
	Inputs       []Tensor
	Outputs      []Tensor
	Ops          []string
	Initializers int
}

// Describe decodes the signature of the ONNX file at path.
func Describe(path string) (*Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("describe: %w", err)
	}
	m, err := unmarshalModel(data)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", path, err)
	}
	return signatureOf(m), nil
}

func signatureOf(m *modelProto) *Signature {
	sig := &Signature{
		IRVersion:    m.irVersion,
		Opset:        m.opsetVersion,
		Producer:     m.producerName,
		Initializers: len(m.graph.initializers),
	}
	for _, n := range m.graph.nodes {
		sig.Ops = append(sig.Ops, n.opType)
	}
	for _, v := range m.graph.inputs {
		sig.Inputs = append(sig.Inputs, tensorOf(v))
	}
	for _, v := range m.graph.outputs {
		sig.Outputs = append(sig.Outputs, tensorOf(v))
	}
	return sig
}

func tensorOf(v valueInfo) Tensor {
	t := Tensor{
		Name:   v.name,
		Dims:   make([]int64, len(v.dims)),
		Params: make([]string, len(v.dims)),
	}
	for i, d := range v.dims {
		if d.param != "" {
			t.Dims[i] = -1
			t.Params[i] = d.param
			continue
		}
		t.Dims[i] = d.value
	}
	return t
}
