// Package v1alpha1 holds the serialized forms exchanged with the predictor: graph definitions
// (NetDef and friends, field numbers following the caffe2 protos) and the predict service messages.
//
// NetDef.Constant has no caffe2 counterpart and lives at a field number caffe2 leaves unused
// (netDefConstantField). Caffe2 NetDef fields this package does not model, such as
// device_option and partition_info, are rejected like any other unknown field.
//
// Messages are encoded with protowire directly; MarshalBinary is deterministic, so decoding and
// re-encoding a message yields the same bytes.
package v1alpha1

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// netDefConstantField carries the embedded constants of a NetDef.
const netDefConstantField protowire.Number = 100

type DataType int32

const (
	DataTypeUndefined DataType = 0
	DataTypeFloat     DataType = 1
	DataTypeInt32     DataType = 2
	DataTypeInt64     DataType = 10
	DataTypeFloat16   DataType = 12
)

func (t DataType) String() string {
	switch t {
	case DataTypeUndefined:
		return "UNDEFINED"
	case DataTypeFloat:
		return "FLOAT"
	case DataTypeInt32:
		return "INT32"
	case DataTypeInt64:
		return "INT64"
	case DataTypeFloat16:
		return "FLOAT16"
	default:
		return fmt.Sprintf("DataType(%d)", int32(t))
	}
}

// ElementSize is the width in bytes of one element in RawData, or 0 for unknown types.
func (t DataType) ElementSize() int {
	switch t {
	case DataTypeFloat, DataTypeInt32:
		return 4
	case DataTypeInt64:
		return 8
	case DataTypeFloat16:
		return 2
	default:
		return 0
	}
}

type TensorProto struct {
	Dims      []int64
	DataType  DataType
	FloatData []float32
	Name      string
	RawData   []byte
}

func (m *TensorProto) GetName() string {
	if m == nil {
		return ""
	}
	return m.Name
}

func (m *TensorProto) appendTo(b []byte) []byte {
	b = appendPackedInt64s(b, 1, m.Dims)
	if m.DataType != DataTypeUndefined {
		b = appendVarint(b, 2, uint64(int64(m.DataType)))
	}
	b = appendPackedFloat32s(b, 3, m.FloatData)
	b = appendString(b, 7, m.Name)
	if m.RawData != nil {
		b = protowire.AppendTag(b, 13, protowire.BytesType)
		b = protowire.AppendBytes(b, m.RawData)
	}
	return b
}

func (m *TensorProto) MarshalBinary() ([]byte, error) {
	return m.appendTo(nil), nil
}

func (m *TensorProto) UnmarshalBinary(b []byte) error {
	*m = TensorProto{}
	d := newDecoder("TensorProto", b)
	for d.more() {
		num, typ, err := d.next()
		if err != nil {
			return err
		}
		switch num {
		case 1:
			if m.Dims, err = d.int64s(typ, m.Dims); err != nil {
				return err
			}
		case 2:
			if err := expect(d, num, typ, protowire.VarintType); err != nil {
				return err
			}
			v, err := d.varint()
			if err != nil {
				return err
			}
			m.DataType = DataType(int32(v))
		case 3:
			if m.FloatData, err = d.float32s(typ, m.FloatData); err != nil {
				return err
			}
		case 7:
			if err := expect(d, num, typ, protowire.BytesType); err != nil {
				return err
			}
			if m.Name, err = d.string(); err != nil {
				return err
			}
		case 13:
			if err := expect(d, num, typ, protowire.BytesType); err != nil {
				return err
			}
			if m.RawData, err = d.bytes(); err != nil {
				return err
			}
		default:
			return d.unexpected(num, typ)
		}
	}
	return nil
}

// Argument is a named attribute of an operator. At most one value field may be set.
type Argument struct {
	Name    string
	F       *float32
	I       *int64
	S       []byte
	Floats  []float32
	Ints    []int64
	Strings [][]byte
	T       *TensorProto
}

func (m *Argument) GetName() string {
	if m == nil {
		return ""
	}
	return m.Name
}

// ValueKinds returns the names of the value fields that are set.
func (m *Argument) ValueKinds() []string {
	var kinds []string
	if m.F != nil {
		kinds = append(kinds, "f")
	}
	if m.I != nil {
		kinds = append(kinds, "i")
	}
	if m.S != nil {
		kinds = append(kinds, "s")
	}
	if len(m.Floats) != 0 {
		kinds = append(kinds, "floats")
	}
	if len(m.Ints) != 0 {
		kinds = append(kinds, "ints")
	}
	if len(m.Strings) != 0 {
		kinds = append(kinds, "strings")
	}
	if m.T != nil {
		kinds = append(kinds, "t")
	}
	return kinds
}

func (m *Argument) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Name)
	if m.F != nil {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(*m.F))
	}
	if m.I != nil {
		b = appendVarint(b, 3, uint64(*m.I))
	}
	if m.S != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, m.S)
	}
	b = appendPackedFloat32s(b, 5, m.Floats)
	b = appendPackedInt64s(b, 6, m.Ints)
	for _, s := range m.Strings {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	if m.T != nil {
		b = appendMessage(b, 10, m.T.appendTo)
	}
	return b
}

func (m *Argument) MarshalBinary() ([]byte, error) {
	return m.appendTo(nil), nil
}

func (m *Argument) UnmarshalBinary(b []byte) error {
	*m = Argument{}
	d := newDecoder("Argument", b)
	for d.more() {
		num, typ, err := d.next()
		if err != nil {
			return err
		}
		switch num {
		case 1:
			if err := expect(d, num, typ, protowire.BytesType); err != nil {
				return err
			}
			if m.Name, err = d.string(); err != nil {
				return err
			}
		case 2:
			if err := expect(d, num, typ, protowire.Fixed32Type); err != nil {
				return err
			}
			v, err := d.fixed32()
			if err != nil {
				return err
			}
			f := math.Float32frombits(v)
			m.F = &f
		case 3:
			if err := expect(d, num, typ, protowire.VarintType); err != nil {
				return err
			}
			v, err := d.varint()
			if err != nil {
				return err
			}
			i := int64(v)
			m.I = &i
		case 4:
			if err := expect(d, num, typ, protowire.BytesType); err != nil {
				return err
			}
			if m.S, err = d.bytes(); err != nil {
				return err
			}
		case 5:
			if m.Floats, err = d.float32s(typ, m.Floats); err != nil {
				return err
			}
		case 6:
			if m.Ints, err = d.int64s(typ, m.Ints); err != nil {
				return err
			}
		case 7:
			if err := expect(d, num, typ, protowire.BytesType); err != nil {
				return err
			}
			s, err := d.bytes()
			if err != nil {
				return err
			}
			m.Strings = append(m.Strings, s)
		case 10:
			if err := expect(d, num, typ, protowire.BytesType); err != nil {
				return err
			}
			body, err := d.view()
			if err != nil {
				return err
			}
			t := &TensorProto{}
			if err := t.UnmarshalBinary(body); err != nil {
				return fmt.Errorf("argument %q: %w", m.Name, err)
			}
			m.T = t
		default:
			return d.unexpected(num, typ)
		}
	}
	return nil
}

type OperatorDef struct {
	Input  []string
	Output []string
	Name   string
	Type   string
	Arg    []*Argument
	Engine string
}

func (m *OperatorDef) appendTo(b []byte) []byte {
	b = appendStrings(b, 1, m.Input)
	b = appendStrings(b, 2, m.Output)
	b = appendString(b, 3, m.Name)
	b = appendString(b, 4, m.Type)
	for _, arg := range m.Arg {
		b = appendMessage(b, 5, arg.appendTo)
	}
	b = appendString(b, 7, m.Engine)
	return b
}

func (m *OperatorDef) MarshalBinary() ([]byte, error) {
	return m.appendTo(nil), nil
}

func (m *OperatorDef) UnmarshalBinary(b []byte) error {
	*m = OperatorDef{}
	d := newDecoder("OperatorDef", b)
	for d.more() {
		num, typ, err := d.next()
		if err != nil {
			return err
		}
		if typ != protowire.BytesType {
			return d.unexpected(num, typ)
		}
		switch num {
		case 1, 2, 3, 4, 7:
			s, err := d.string()
			if err != nil {
				return err
			}
			switch num {
			case 1:
				m.Input = append(m.Input, s)
			case 2:
				m.Output = append(m.Output, s)
			case 3:
				m.Name = s
			case 4:
				m.Type = s
			case 7:
				m.Engine = s
			}
		case 5:
			body, err := d.view()
			if err != nil {
				return err
			}
			arg := &Argument{}
			if err := arg.UnmarshalBinary(body); err != nil {
				return fmt.Errorf("operator %q: %w", m.Type, err)
			}
			m.Arg = append(m.Arg, arg)
		default:
			return d.unexpected(num, typ)
		}
	}
	return nil
}

type NetDef struct {
	Name           string
	Op             []*OperatorDef
	Type           string
	Arg            []*Argument
	ExternalInput  []string
	ExternalOutput []string
	Constant       []*TensorProto
}

func (m *NetDef) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Name)
	for _, op := range m.Op {
		b = appendMessage(b, 2, op.appendTo)
	}
	b = appendString(b, 3, m.Type)
	for _, arg := range m.Arg {
		b = appendMessage(b, 6, arg.appendTo)
	}
	b = appendStrings(b, 7, m.ExternalInput)
	b = appendStrings(b, 8, m.ExternalOutput)
	for _, t := range m.Constant {
		b = appendMessage(b, netDefConstantField, t.appendTo)
	}
	return b, nil
}

func (m *NetDef) UnmarshalBinary(b []byte) error {
	*m = NetDef{}
	d := newDecoder("NetDef", b)
	for d.more() {
		num, typ, err := d.next()
		if err != nil {
			return err
		}
		if typ != protowire.BytesType {
			return d.unexpected(num, typ)
		}
		switch num {
		case 1:
			if m.Name, err = d.string(); err != nil {
				return err
			}
		case 2:
			body, err := d.view()
			if err != nil {
				return err
			}
			op := &OperatorDef{}
			if err := op.UnmarshalBinary(body); err != nil {
				return fmt.Errorf("op %d: %w", len(m.Op), err)
			}
			m.Op = append(m.Op, op)
		case 3:
			if m.Type, err = d.string(); err != nil {
				return err
			}
		case 6:
			body, err := d.view()
			if err != nil {
				return err
			}
			arg := &Argument{}
			if err := arg.UnmarshalBinary(body); err != nil {
				return fmt.Errorf("net argument: %w", err)
			}
			m.Arg = append(m.Arg, arg)
		case 7, 8:
			s, err := d.string()
			if err != nil {
				return err
			}
			if num == 7 {
				m.ExternalInput = append(m.ExternalInput, s)
			} else {
				m.ExternalOutput = append(m.ExternalOutput, s)
			}
		case netDefConstantField:
			body, err := d.view()
			if err != nil {
				return err
			}
			t := &TensorProto{}
			if err := t.UnmarshalBinary(body); err != nil {
				return fmt.Errorf("constant %d: %w", len(m.Constant), err)
			}
			m.Constant = append(m.Constant, t)
		default:
			return d.unexpected(num, typ)
		}
	}
	return nil
}
