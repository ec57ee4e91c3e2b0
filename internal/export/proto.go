package export

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Subset of the onnx.proto messages needed to describe a feed-forward
// classifier. Field numbers follow onnx/onnx.proto3.

const (
	elemFloat = 1 // TensorProto.DataType FLOAT

	attrFloat = 1 // AttributeProto.AttributeType FLOAT
	attrInt   = 2 // AttributeProto.AttributeType INT
)

type dimension struct {
	value int64
	param string
}

type valueInfo struct {
	name     string
	elemType int64
	dims     []dimension
}

type tensorProto struct {
	name string
	dims []int64
	raw  []byte
}

type attribute struct {
	name string
	kind int64
	i    int64
	f    float32
}

type nodeProto struct {
	name    string
	opType  string
	inputs  []string
	outputs []string
	attrs   []attribute
}

type graphProto struct {
	name         string
	nodes        []nodeProto
	initializers []tensorProto
	inputs       []valueInfo
	outputs      []valueInfo
}

type modelProto struct {
	irVersion       int64
	producerName    string
	producerVersion string
	docString       string
	opsetDomain     string
	opsetVersion    int64
	graph           graphProto
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func (m *modelProto) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.irVersion)
	b = appendString(b, 2, m.producerName)
	b = appendString(b, 3, m.producerVersion)
	b = appendString(b, 6, m.docString)
	b = appendMessage(b, 7, m.graph.marshal())

	var opset []byte
	opset = appendString(opset, 1, m.opsetDomain)
	opset = appendVarint(opset, 2, m.opsetVersion)
	return appendMessage(b, 8, opset)
}

func (g *graphProto) marshal() []byte {
	var b []byte
	for i := range g.nodes {
		b = appendMessage(b, 1, g.nodes[i].marshal())
	}
	b = appendString(b, 2, g.name)
	for i := range g.initializers {
		b = appendMessage(b, 5, g.initializers[i].marshal())
	}
	for i := range g.inputs {
		b = appendMessage(b, 11, g.inputs[i].marshal())
	}
	for i := range g.outputs {
		b = appendMessage(b, 12, g.outputs[i].marshal())
	}
	return b
}

func (n *nodeProto) marshal() []byte {
	var b []byte
	for _, in := range n.inputs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.name)
	b = appendString(b, 4, n.opType)
	for _, a := range n.attrs {
		b = appendMessage(b, 5, a.marshal())
	}
	return b
}

func (a attribute) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.name)
	switch a.kind {
	case attrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.f))
	case attrInt:
		b = appendVarint(b, 3, a.i)
	}
	return appendVarint(b, 20, a.kind)
}

func (t *tensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.dims {
		b = appendVarint(b, 1, d)
	}
	b = appendVarint(b, 2, elemFloat)
	b = appendString(b, 8, t.name)
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	return protowire.AppendBytes(b, t.raw)
}

func (v *valueInfo) marshal() []byte {
	var shape []byte
	for _, d := range v.dims {
		var dim []byte
		if d.param != "" {
			dim = appendString(dim, 2, d.param)
		} else {
			dim = appendVarint(dim, 1, d.value)
		}
		shape = appendMessage(shape, 1, dim)
	}
	var tensorType []byte
	tensorType = appendVarint(tensorType, 1, v.elemType)
	tensorType = appendMessage(tensorType, 2, shape)

	var typ []byte
	typ = appendMessage(typ, 1, tensorType)

	var b []byte
	b = appendString(b, 1, v.name)
	return appendMessage(b, 2, typ)
}

// field is one decoded protobuf field. Exactly one of varint or bytes is
// meaningful depending on the wire type.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

var errMalformed = errors.New("malformed protobuf")

func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.varint = uint64(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalModel(b []byte) (*modelProto, error) {
	m := &modelProto{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.irVersion = int64(f.varint)
		case 2:
			m.producerName = string(f.bytes)
		case 3:
			m.producerVersion = string(f.bytes)
		case 6:
			m.docString = string(f.bytes)
		case 7:
			return unmarshalGraph(f.bytes, &m.graph)
		case 8:
			return walk(f.bytes, func(f field) error {
				switch f.num {
				case 1:
					m.opsetDomain = string(f.bytes)
				case 2:
					m.opsetVersion = int64(f.varint)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalGraph(b []byte, g *graphProto) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			n, err := unmarshalNode(f.bytes)
			if err != nil {
				return err
			}
			g.nodes = append(g.nodes, n)
		case 2:
			g.name = string(f.bytes)
		case 5:
			t, err := unmarshalTensor(f.bytes)
			if err != nil {
				return err
			}
			g.initializers = append(g.initializers, t)
		case 11, 12:
			v, err := unmarshalValueInfo(f.bytes)
			if err != nil {
				return err
			}
			if f.num == 11 {
				g.inputs = append(g.inputs, v)
			} else {
				g.outputs = append(g.outputs, v)
			}
		}
		return nil
	})
}

func unmarshalNode(b []byte) (nodeProto, error) {
	var n nodeProto
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			n.inputs = append(n.inputs, string(f.bytes))
		case 2:
			n.outputs = append(n.outputs, string(f.bytes))
		case 3:
			n.name = string(f.bytes)
		case 4:
			n.opType = string(f.bytes)
		case 5:
			var a attribute
			err := walk(f.bytes, func(f field) error {
				switch f.num {
				case 1:
					a.name = string(f.bytes)
				case 2:
					a.f = math.Float32frombits(uint32(f.varint))
				case 3:
					a.i = int64(f.varint)
				case 20:
					a.kind = int64(f.varint)
				}
				return nil
			})
			if err != nil {
				return err
			}
			n.attrs = append(n.attrs, a)
		}
		return nil
	})
	return n, err
}

func unmarshalTensor(b []byte) (tensorProto, error) {
	var t tensorProto
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			if f.typ == protowire.BytesType {
				// packed dims
				rest := f.bytes
				for len(rest) > 0 {
					v, n := protowire.ConsumeVarint(rest)
					if n < 0 {
						return fmt.Errorf("%w: packed dims", errMalformed)
					}
					t.dims = append(t.dims, int64(v))
					rest = rest[n:]
				}
				return nil
			}
			t.dims = append(t.dims, int64(f.varint))
		case 8:
			t.name = string(f.bytes)
		case 9:
			t.raw = f.bytes
		}
		return nil
	})
	return t, err
}

func unmarshalValueInfo(b []byte) (valueInfo, error) {
	var v valueInfo
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			v.name = string(f.bytes)
		case 2:
			return walk(f.bytes, func(f field) error {
				if f.num != 1 {
					return nil
				}
				return walk(f.bytes, func(f field) error {
					switch f.num {
					case 1:
						v.elemType = int64(f.varint)
					case 2:
						return walk(f.bytes, func(f field) error {
							if f.num != 1 {
								return nil
							}
							var d dimension
							err := walk(f.bytes, func(f field) error {
								switch f.num {
								case 1:
									d.value = int64(f.varint)
								case 2:
									d.param = string(f.bytes)
								}
								return nil
							})
							v.dims = append(v.dims, d)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return v, err
}
