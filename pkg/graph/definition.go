// Package graph decodes serialized graph definitions: an ordered list of operations plus the
// constant tensors embedded alongside them.
//
// Operation order is the execution order. Nothing here re-sorts operations.
package graph

import (
	"errors"
	"fmt"

	api "k8s.io/examples/AI/predictor/api/v1alpha1"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// MalformedGraphError reports bytes that do not decode into a usable graph definition.
type MalformedGraphError struct {
	Err error
}

func (e *MalformedGraphError) Error() string {
	return fmt.Sprintf("malformed graph: %v", e.Err)
}

func (e *MalformedGraphError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) error {
	return &MalformedGraphError{Err: fmt.Errorf(format, args...)}
}

// Operation is one node of a graph. It is not modified after Parse.
type Operation struct {
	Index   int
	Name    string
	Type    string
	Engine  string
	Inputs  []string
	Outputs []string
	Attrs   *Attributes
}

// Label identifies the operation in diagnostics.
func (o *Operation) Label() string {
	if o.Name != "" {
		return fmt.Sprintf("#%d %s %q", o.Index, o.Type, o.Name)
	}
	return fmt.Sprintf("#%d %s", o.Index, o.Type)
}

// Constant is a tensor embedded in the definition.
type Constant struct {
	Name     string
	Tensor   *tensor.Tensor
	Encoding tensor.Encoding
}

type Definition struct {
	Name            string
	Type            string
	Args            *Attributes
	Operations      []*Operation
	Constants       []Constant
	ExternalInputs  []string
	ExternalOutputs []string
}

// Parse decodes a serialized NetDef.
func Parse(b []byte) (*Definition, error) {
	if len(b) == 0 {
		return nil, malformed("empty buffer")
	}
	net := &api.NetDef{}
	if err := net.UnmarshalBinary(b); err != nil {
		return nil, &MalformedGraphError{Err: err}
	}
	return FromProto(net)
}

// FromProto builds a Definition from a decoded NetDef.
func FromProto(net *api.NetDef) (*Definition, error) {
	args, err := newAttributes(net.Arg)
	if err != nil {
		return nil, malformed("net %q: %v", net.Name, err)
	}
	d := &Definition{
		Name:            net.Name,
		Type:            net.Type,
		Args:            args,
		ExternalInputs:  append([]string(nil), net.ExternalInput...),
		ExternalOutputs: append([]string(nil), net.ExternalOutput...),
	}

	seen := make(map[string]bool)
	for i, p := range net.Constant {
		if p.Name == "" {
			return nil, malformed("constant %d has no name", i)
		}
		if seen[p.Name] {
			return nil, malformed("constant %q given twice", p.Name)
		}
		seen[p.Name] = true
		t, encoding, err := tensor.FromProto(p)
		if err != nil {
			return nil, malformed("constant %q: %v", p.Name, err)
		}
		d.Constants = append(d.Constants, Constant{Name: p.Name, Tensor: t, Encoding: encoding})
	}

	for i, opDef := range net.Op {
		if opDef.Type == "" {
			return nil, malformed("op %d has no type", i)
		}
		for _, name := range opDef.Input {
			if name == "" {
				return nil, malformed("op %d (%s) has an empty input name", i, opDef.Type)
			}
		}
		if len(opDef.Output) == 0 {
			return nil, malformed("op %d (%s) has no outputs", i, opDef.Type)
		}
		outputs := make(map[string]bool, len(opDef.Output))
		for _, name := range opDef.Output {
			if name == "" {
				return nil, malformed("op %d (%s) has an empty output name", i, opDef.Type)
			}
			if outputs[name] {
				return nil, malformed("op %d (%s) writes %q twice", i, opDef.Type, name)
			}
			outputs[name] = true
		}
		attrs, err := newAttributes(opDef.Arg)
		if err != nil {
			return nil, malformed("op %d (%s): %v", i, opDef.Type, err)
		}
		d.Operations = append(d.Operations, &Operation{
			Index:   i,
			Name:    opDef.Name,
			Type:    opDef.Type,
			Engine:  opDef.Engine,
			Inputs:  append([]string(nil), opDef.Input...),
			Outputs: append([]string(nil), opDef.Output...),
			Attrs:   attrs,
		})
	}
	return d, nil
}

// ToProto is the inverse of FromProto.
func (d *Definition) ToProto() *api.NetDef {
	net := &api.NetDef{
		Name:           d.Name,
		Type:           d.Type,
		ExternalInput:  append([]string(nil), d.ExternalInputs...),
		ExternalOutput: append([]string(nil), d.ExternalOutputs...),
	}
	if d.Args != nil {
		net.Arg = d.Args.toProto()
	}
	for _, c := range d.Constants {
		net.Constant = append(net.Constant, tensor.ToProto(c.Name, c.Tensor, c.Encoding))
	}
	for _, op := range d.Operations {
		net.Op = append(net.Op, &api.OperatorDef{
			Input:  append([]string(nil), op.Inputs...),
			Output: append([]string(nil), op.Outputs...),
			Name:   op.Name,
			Type:   op.Type,
			Arg:    op.Attrs.toProto(),
			Engine: op.Engine,
		})
	}
	return net
}

// Marshal serializes the definition. Parse(Marshal(d)) reproduces d exactly.
func (d *Definition) Marshal() ([]byte, error) {
	return d.ToProto().MarshalBinary()
}

// ConstantNames lists the embedded constants in order.
func (d *Definition) ConstantNames() []string {
	names := make([]string, len(d.Constants))
	for i, c := range d.Constants {
		names[i] = c.Name
	}
	return names
}

// OrderError reports an operation that consumes a tensor nothing has produced yet.
type OrderError struct {
	Index int
	Op    string
	Err   error
}

func (e *OrderError) Error() string {
	if e.Index < 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("op %s: %v", e.Op, e.Err)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// Validate checks the declared-order invariant: every input is a constant, an external input,
// a name accepted by available, or the output of an earlier operation. Declared external
// outputs must be produced. Errors wrap *tensor.UnknownTensorError.
func (d *Definition) Validate(available func(name string) bool) error {
	produced := make(map[string]bool)
	for _, c := range d.Constants {
		produced[c.Name] = true
	}
	for _, name := range d.ExternalInputs {
		produced[name] = true
	}
	known := func(name string) bool {
		return produced[name] || (available != nil && available(name))
	}
	for _, op := range d.Operations {
		for _, name := range op.Inputs {
			if !known(name) {
				return &OrderError{Index: op.Index, Op: op.Label(), Err: fmt.Errorf("input %q: %w", name, &tensor.UnknownTensorError{Name: name})}
			}
		}
		for _, name := range op.Outputs {
			produced[name] = true
		}
	}
	for _, name := range d.ExternalOutputs {
		if !known(name) {
			return &OrderError{Index: -1, Err: fmt.Errorf("external output %q is never produced: %w", name, &tensor.UnknownTensorError{Name: name})}
		}
	}
	return nil
}

// IsMalformed reports whether err stems from undecodable graph bytes.
func IsMalformed(err error) bool {
	var m *MalformedGraphError
	return errors.As(err, &m)
}
