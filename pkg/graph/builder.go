package graph

import (
	api "k8s.io/examples/AI/predictor/api/v1alpha1"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// Builder assembles a NetDef operation by operation.
type Builder struct {
	net *api.NetDef
}

func NewBuilder(name string) *Builder {
	return &Builder{net: &api.NetDef{Name: name}}
}

// Op appends an operation and returns the builder.
func (b *Builder) Op(opType string, inputs, outputs []string, args ...*api.Argument) *Builder {
	b.net.Op = append(b.net.Op, &api.OperatorDef{
		Input:  append([]string(nil), inputs...),
		Output: append([]string(nil), outputs...),
		Type:   opType,
		Arg:    args,
	})
	return b
}

// NamedOp is Op with an operation name.
func (b *Builder) NamedOp(name, opType string, inputs, outputs []string, args ...*api.Argument) *Builder {
	b.Op(opType, inputs, outputs, args...)
	b.net.Op[len(b.net.Op)-1].Name = name
	return b
}

func (b *Builder) ExternalInput(names ...string) *Builder {
	b.net.ExternalInput = append(b.net.ExternalInput, names...)
	return b
}

func (b *Builder) ExternalOutput(names ...string) *Builder {
	b.net.ExternalOutput = append(b.net.ExternalOutput, names...)
	return b
}

// Constant embeds t under name.
func (b *Builder) Constant(name string, t *tensor.Tensor, encoding tensor.Encoding) *Builder {
	b.net.Constant = append(b.net.Constant, tensor.ToProto(name, t, encoding))
	return b
}

func (b *Builder) NetDef() *api.NetDef {
	return b.net
}

func (b *Builder) Marshal() ([]byte, error) {
	return b.net.MarshalBinary()
}

// Argument constructors.

func IntArg(name string, v int) *api.Argument {
	i := int64(v)
	return &api.Argument{Name: name, I: &i}
}

func IntsArg(name string, values ...int) *api.Argument {
	arg := &api.Argument{Name: name, Ints: make([]int64, len(values))}
	for i, v := range values {
		arg.Ints[i] = int64(v)
	}
	return arg
}

func FloatArg(name string, v float32) *api.Argument {
	return &api.Argument{Name: name, F: &v}
}

func FloatsArg(name string, values ...float32) *api.Argument {
	return &api.Argument{Name: name, Floats: append([]float32(nil), values...)}
}

func StringArg(name, v string) *api.Argument {
	return &api.Argument{Name: name, S: []byte(v)}
}

func TensorArg(name string, t *api.TensorProto) *api.Argument {
	return &api.Argument{Name: name, T: t}
}
